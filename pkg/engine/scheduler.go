package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
	"github.com/kestrelcloud/kestrelctl/pkg/terraform"
)

// Scheduler expands a phase into concurrent stack executions and collects
// their results behind a barrier. Stacks within a phase carry no ordering
// guarantee; a failing stack never cancels its siblings.
type Scheduler struct {
	Registry *stacks.Registry
	Retry    *RetryController

	// Tool is used for the phase-1 readiness probe.
	Tool Tool

	// TenantKeys are the enabled tenants the per-tenant stack fans out to.
	TenantKeys []string

	// AggregateVarFile is the generated tenant artifact passed to every stack
	// that consumes tenant configuration.
	AggregateVarFile string
}

// expand resolves a phase into the concrete executions it spawns. The
// per-tenant stack fans out to one execution per enabled tenant; zero enabled
// tenants yields an empty (trivially successful) fan-out.
func (s *Scheduler) expand(phase stacks.Phase, command stacks.Command, extraArgs []string) ([]Execution, error) {
	var execs []Execution
	for _, name := range phase.Stacks {
		if name == stacks.StackTenant {
			for _, tenant := range s.TenantKeys {
				d, err := s.Registry.Resolve(name, tenant)
				if err != nil {
					return nil, err
				}
				execs = append(execs, Execution{
					Stack:     d,
					Command:   command,
					VarFiles:  s.varFiles(name),
					ExtraArgs: extraArgs,
					Phase:     phase.Number,
				})
			}
			continue
		}

		d, err := s.Registry.Resolve(name, "")
		if err != nil {
			return nil, err
		}
		execs = append(execs, Execution{
			Stack:     d,
			Command:   command,
			VarFiles:  s.varFiles(name),
			ExtraArgs: extraArgs,
			Phase:     phase.Number,
		})
	}
	return execs, nil
}

// varFiles returns the variable files a stack consumes. The shared stack does
// not depend on tenant configuration.
func (s *Scheduler) varFiles(name stacks.Name) []string {
	if name == stacks.StackShared || s.AggregateVarFile == "" {
		return nil
	}
	return []string{s.AggregateVarFile}
}

// RunPhase executes every stack in the phase concurrently, one
// Retry-Controller-governed execution each, and returns once all of them have
// terminated.
func (s *Scheduler) RunPhase(ctx context.Context, phase stacks.Phase, command stacks.Command, extraArgs []string) (PhaseResult, error) {
	execs, err := s.expand(phase, command, extraArgs)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("expand phase %d: %w", phase.Number, err)
	}

	log.Info().
		Int("phase", phase.Number).
		Int("executions", len(execs)).
		Str("command", string(command)).
		Msg("Starting phase")

	results := make([]StackResult, len(execs))
	var wg sync.WaitGroup
	for i, exec := range execs {
		wg.Add(1)
		go func(i int, exec Execution) {
			defer wg.Done()
			results[i] = s.Retry.Execute(ctx, exec)
		}(i, exec)
	}
	wg.Wait()

	pr := PhaseResult{Phase: phase.Number, Results: results}
	attempted, succeeded, failed, skipped := pr.Counts()
	log.Info().
		Int("phase", phase.Number).
		Int("attempted", attempted).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("skipped", skipped).
		Msg("Phase complete")

	return pr, nil
}

// SharedReady probes whether the shared stack currently exposes any outputs.
// A plan run uses this before phases 2 and 3 so an un-bootstrapped
// environment fails with one clear signal instead of a confusing
// missing-reference error per downstream stack.
func (s *Scheduler) SharedReady(ctx context.Context) (bool, error) {
	d, err := s.Registry.Resolve(stacks.StackShared, "")
	if err != nil {
		return false, err
	}

	ws, err := terraform.NewWorkspace("probe-" + d.ID())
	if err != nil {
		return false, err
	}
	defer ws.Remove()

	if err := s.Tool.Init(ctx, d, ws); err != nil {
		return false, fmt.Errorf("probe shared stack: %w", err)
	}
	return s.Tool.HasOutputs(ctx, d, ws)
}
