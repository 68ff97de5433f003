package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kestrelcloud/kestrelctl/pkg/config"
	"github.com/kestrelcloud/kestrelctl/pkg/tenants"
)

func newTenantsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage tenant configuration",
	}

	cmd.AddCommand(newTenantsListCommand())
	cmd.AddCommand(newTenantsAggregateCommand())

	return cmd
}

func newTenantsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <environment>",
		Short: "List the enabled tenants of an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aggregator, err := newAggregator(args[0])
			if err != nil {
				return err
			}
			keys, err := aggregator.Tenants()
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}
}

func newTenantsAggregateCommand() *cobra.Command {
	var (
		single string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "aggregate <environment>",
		Short: "Regenerate the tenant variable artifact",
		Long: `Merge the per-tenant configuration fragments of an environment into
the generated variable artifact consumed by the tenant-aware stacks.

The artifact is regenerated from scratch on every run and is stable for
unchanged inputs. With --single the artifact contains exactly one tenant,
for isolated per-tenant operations. With --watch the command keeps
running and regenerates the artifact whenever a fragment changes.`,
		Example: `  # Regenerate the aggregate for dev
  kestrelctl tenants aggregate dev

  # Artifact for one tenant only
  kestrelctl tenants aggregate dev --single acme

  # Keep regenerating while editing fragments
  kestrelctl tenants aggregate dev --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aggregator, err := newAggregator(args[0])
			if err != nil {
				return err
			}

			var path string
			if single != "" {
				path, err = aggregator.WriteSingle(single)
			} else {
				path, err = aggregator.WriteAggregate()
			}
			if err != nil {
				return err
			}
			log.Info().Str("artifact", path).Msg("Tenant artifact written")

			if watch {
				return aggregator.Watch(cmd.Context())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&single, "single", "", "aggregate exactly one tenant")
	cmd.Flags().BoolVar(&watch, "watch", false, "regenerate on fragment changes")
	cmd.MarkFlagsMutuallyExclusive("single", "watch")

	return cmd
}

func newAggregator(environment string) (*tenants.Aggregator, error) {
	if !config.ValidEnvironment(environment) {
		return nil, fmt.Errorf("unknown environment %q (expected dev, test or prod)", environment)
	}
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	return tenants.NewAggregator(settings.Root, environment), nil
}
