package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kestrelcloud/kestrelctl/pkg/config"
	"github.com/kestrelcloud/kestrelctl/pkg/engine"
	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
	"github.com/kestrelcloud/kestrelctl/pkg/stores"
	"github.com/kestrelcloud/kestrelctl/pkg/telemetry"
)

func newValidateCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <environment>",
		Short: "Validate every stack's configuration",
		Long: `Validate the Terraform configuration of every stack, phase by phase.

Validation runs the same phase order as a deployment but performs no
remote reads or writes beyond backend initialization.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd.Context(), stacks.CommandValidate, args[0], args[1:], version)
		},
	}
}

func newPlanCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <environment>",
		Short: "Plan all phases against an environment",
		Long: `Compute the Terraform plan for every stack, phase by phase.

An environment whose shared stack has never been applied fails fast with
a bootstrap hint instead of a cascade of missing-reference errors.

Arguments after the environment are passed through to Terraform:

  kestrelctl plan dev -- -refresh=false`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd.Context(), stacks.CommandPlan, args[0], args[1:], version)
		},
	}
}

func newApplyCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <environment>",
		Short: "Deploy all phases to an environment",
		Long: `Deploy the platform: shared first, then every enabled tenant in
parallel, then hub, gateway and identity.

A phase only starts once the previous phase completed without failures.
Failures with a known transient cause are recovered and retried under
the configured budget; anything else stops the run after its phase.`,
		Example: `  # Deploy the dev environment
  kestrelctl apply dev

  # Deploy prod, skipping the refresh
  kestrelctl apply prod -- -refresh=false`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd.Context(), stacks.CommandApply, args[0], args[1:], version)
		},
	}
}

func newDestroyCommand(version string) *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy <environment>",
		Short: "Dismantle an environment",
		Long: `Dismantle the platform in reverse phase order: hub, gateway and
identity first, then every tenant, then the shared foundation last.

Stacks that turn out to be already dismantled are skipped rather than
reported as failures.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !autoApprove {
				return fmt.Errorf("destroying %s removes real infrastructure; re-run with --auto-approve", args[0])
			}
			return runDeploy(cmd.Context(), stacks.CommandDestroy, args[0], args[1:], version)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "confirm the dismantling")

	return cmd
}

// runDeploy wires settings, journal and telemetry together and drives one
// orchestrated run.
func runDeploy(ctx context.Context, command stacks.Command, environment string, extraArgs []string, version string) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	if err := settings.Backend.Check(); err != nil {
		return err
	}

	journal, err := stores.NewJournal(settings.JournalPath)
	if err != nil {
		return err
	}
	if err := journal.Init(ctx); err != nil {
		return fmt.Errorf("open run journal: %w", err)
	}
	defer journal.Close()

	metrics := telemetry.NewMetrics()
	if settings.MetricsListen != "" {
		metrics.Serve(settings.MetricsListen)
	}

	tracer, err := telemetry.NewTracer(settings.TraceExporter, settings.TraceEndpoint, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Trace exporter shutdown failed")
		}
	}()

	orchestrator := &engine.Orchestrator{
		Settings: settings,
		Journal:  journal,
		Metrics:  metrics,
		Tracer:   tracer,
	}

	summary, err := orchestrator.Run(ctx, command, environment, extraArgs)
	if summary != nil {
		printSummary(summary)
	}
	if errors.Is(err, engine.ErrBootstrapRequired) {
		return fmt.Errorf("environment %s is not bootstrapped: apply the shared stack first (kestrelctl apply %s)", environment, environment)
	}
	return err
}

func printSummary(summary *engine.RunSummary) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
		return
	}

	fmt.Printf("\nRun %s: %s %s (%s)\n", summary.RunID, summary.Command, summary.Environment,
		summary.Duration.Round(time.Second))
	for _, phase := range summary.Phases {
		fmt.Printf("  phase %d:\n", phase.Phase)
		for _, r := range phase.Results {
			line := fmt.Sprintf("    %-20s %-10s attempts=%d %s",
				r.StackID, r.Status, r.Attempts, r.Duration.Round(time.Second))
			if r.RetainedLogPath != "" {
				line += "  log=" + r.RetainedLogPath
			}
			fmt.Println(line)
		}
	}
}
