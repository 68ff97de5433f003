package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelcloud/kestrelctl/pkg/telemetry"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kestrelctl",
		Short: "Kestrel - Multi-tenant platform deployment orchestrator",
		Long: `Kestrelctl drives the Terraform stacks that make up the Kestrel platform
through their deployment phases.

The platform is deployed in three strictly ordered phases:
  1. shared     - networking and platform resources everything depends on
  2. tenant     - one stack instance per enabled tenant, in parallel
  3. hub, gateway, identity - the platform surface, in parallel

Destroys walk the phases in reverse. Within a phase every stack runs
concurrently; known transient failures are classified and recovered
automatically under a bounded retry budget.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			telemetry.SetupLogging(verbose, jsonOutput)
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "log in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newPlanCommand(version))
	rootCmd.AddCommand(newApplyCommand(version))
	rootCmd.AddCommand(newDestroyCommand(version))
	rootCmd.AddCommand(newTenantsCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
