package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kestrelcloud/kestrelctl/pkg/config"
	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
	"github.com/kestrelcloud/kestrelctl/pkg/telemetry"
	"github.com/kestrelcloud/kestrelctl/pkg/tenants"
	"github.com/kestrelcloud/kestrelctl/pkg/terraform"
)

// Recorder persists run outcomes. Implemented by the stores package; nil
// disables journaling.
type Recorder interface {
	StartRun(ctx context.Context, runID string, command stacks.Command, environment string, startedAt time.Time) error
	RecordStackResult(ctx context.Context, runID string, result StackResult) error
	CompleteRun(ctx context.Context, summary RunSummary) error
	RecordEvent(ctx context.Context, runID, level, message string) error
}

// Orchestrator is the run controller: it aggregates tenant configuration
// once, drives the phase scheduler through the requested command, and
// aggregates the final summary.
type Orchestrator struct {
	Settings *config.Settings
	Journal  Recorder
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
}

// Run drives one command against one environment and returns the aggregated
// summary. The returned error is ErrRunFailed when any stack failed, or
// ErrBootstrapRequired when a plan run was short-circuited.
func (o *Orchestrator) Run(ctx context.Context, command stacks.Command, environment string, extraArgs []string) (*RunSummary, error) {
	if !command.Valid() {
		return nil, fmt.Errorf("unknown command %q", command)
	}
	if !config.ValidEnvironment(environment) {
		return nil, fmt.Errorf("unknown environment %q (expected dev, test or prod)", environment)
	}

	runID := uuid.New().String()
	summary := &RunSummary{
		RunID:       runID,
		Command:     command,
		Environment: environment,
		StartedAt:   time.Now(),
	}

	ctx, span := o.startSpan(ctx, runID, command, environment)
	defer span.End()

	logger := telemetry.Component("orchestrator").With().Str("run_id", runID).Logger()
	logger.Info().Str("command", string(command)).Str("environment", environment).Msg("Starting run")

	if o.Journal != nil {
		if err := o.Journal.StartRun(ctx, runID, command, environment, summary.StartedAt); err != nil {
			return nil, fmt.Errorf("journal run start: %w", err)
		}
	}

	scheduler, err := o.buildScheduler(environment)
	if err != nil {
		o.completeRun(ctx, summary)
		return summary, err
	}

	err = o.runPhases(ctx, scheduler, command, extraArgs, summary)
	summary.Duration = time.Since(summary.StartedAt)
	o.completeRun(ctx, summary)

	if err != nil {
		span.RecordFailure(err)
		return summary, err
	}
	if !summary.Success() {
		span.RecordFailure(ErrRunFailed)
		return summary, ErrRunFailed
	}

	logger.Info().Dur("duration", summary.Duration).Msg("Run succeeded")
	return summary, nil
}

// buildScheduler aggregates tenant configuration and wires the scheduler,
// retry controller and tool for one run.
func (o *Orchestrator) buildScheduler(environment string) (*Scheduler, error) {
	s := o.Settings

	aggregator := tenants.NewAggregator(s.Root, environment)
	artifact, err := aggregator.WriteAggregate()
	if err != nil {
		return nil, fmt.Errorf("aggregate tenant configuration: %w", err)
	}
	tenantKeys, err := aggregator.Tenants()
	if err != nil {
		return nil, err
	}
	log.Info().Int("tenants", len(tenantKeys)).Str("artifact", artifact).Msg("Aggregated tenant configuration")

	runner := terraform.NewRunner(s.TerraformBin, s.Backend)
	retry := &RetryController{
		Tool:           runner,
		Classifier:     NewClassifier(),
		Recovery:       &RecoveryExecutor{Tool: runner},
		MaxAttempts:    s.MaxRecoveryRetries,
		AttemptTimeout: s.OperationTimeout,
		RetainDir:      s.RetainedLogDir,
		Metrics:        o.Metrics,
		Tracer:         o.Tracer,
	}

	return &Scheduler{
		Registry:         stacks.NewRegistry(s.Root, environment),
		Retry:            retry,
		Tool:             runner,
		TenantKeys:       tenantKeys,
		AggregateVarFile: artifact,
	}, nil
}

// runPhases walks the phases in command order, enforcing the strict barrier
// between phases and the phase-1 readiness guard for plan runs.
func (o *Orchestrator) runPhases(ctx context.Context, scheduler *Scheduler, command stacks.Command, extraArgs []string, summary *RunSummary) error {
	guardChecked := false

	for _, phase := range stacks.PhasesFor(command) {
		if command == stacks.CommandPlan && phase.Number > 1 && !guardChecked {
			ready, err := scheduler.SharedReady(ctx)
			if err != nil {
				return fmt.Errorf("phase-1 readiness probe: %w", err)
			}
			if !ready {
				o.recordEvent(ctx, summary.RunID, "error", ErrBootstrapRequired.Error())
				return ErrBootstrapRequired
			}
			guardChecked = true
		}

		result, err := scheduler.RunPhase(ctx, phase, command, extraArgs)
		if err != nil {
			return err
		}
		summary.Phases = append(summary.Phases, result)

		if o.Journal != nil {
			for _, sr := range result.Results {
				if err := o.Journal.RecordStackResult(ctx, summary.RunID, sr); err != nil {
					log.Warn().Err(err).Msg("Failed to journal stack result")
				}
			}
		}

		// A failing stack does not cancel siblings, but the run never
		// advances past a phase with failures.
		if result.Failed() {
			o.recordEvent(ctx, summary.RunID, "error",
				fmt.Sprintf("phase %d ended with failures; not advancing", phase.Number))
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) completeRun(ctx context.Context, summary *RunSummary) {
	if o.Journal == nil {
		return
	}
	if err := o.Journal.CompleteRun(ctx, *summary); err != nil {
		log.Warn().Err(err).Msg("Failed to journal run completion")
	}
}

func (o *Orchestrator) recordEvent(ctx context.Context, runID, level, message string) {
	if o.Journal == nil {
		return
	}
	if err := o.Journal.RecordEvent(ctx, runID, level, message); err != nil {
		log.Warn().Err(err).Msg("Failed to journal event")
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, runID string, command stacks.Command, environment string) (context.Context, *telemetry.Span) {
	if o.Tracer == nil {
		return ctx, telemetry.NoopSpan()
	}
	return o.Tracer.StartRunSpan(ctx, runID, string(command), environment)
}
