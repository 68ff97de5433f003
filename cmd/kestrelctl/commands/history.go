package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelcloud/kestrelctl/pkg/config"
	"github.com/kestrelcloud/kestrelctl/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled runs",
		Long: `Show the runs recorded in the local journal, newest first.

With --run the per-stack results of one run are shown instead.`,
		Example: `  # The last 20 runs
  kestrelctl history

  # Every stack result of one run
  kestrelctl history --run 6e1f0a9c-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}

			journal, err := stores.NewJournal(settings.JournalPath)
			if err != nil {
				return err
			}
			if err := journal.Init(cmd.Context()); err != nil {
				return fmt.Errorf("open run journal: %w", err)
			}
			defer journal.Close()

			if runID != "" {
				return printStackResults(cmd, journal, runID)
			}
			return printRuns(cmd, journal, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the stack results of one run")

	return cmd
}

func printRuns(cmd *cobra.Command, journal *stores.Journal, limit int) error {
	runs, err := journal.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tCOMMAND\tENV\tSTATUS\tSTARTED\tSTACKS\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.Command, r.Environment, r.Status,
			r.StartedAt.Local().Format(time.RFC3339), r.Attempted, r.Failed)
	}
	return w.Flush()
}

func printStackResults(cmd *cobra.Command, journal *stores.Journal, runID string) error {
	results, err := journal.StackResults(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("no stack results journaled for run %s", runID)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tSTACK\tSTATUS\tATTEMPTS\tFAILURE\tDURATION\tLOG")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.Phase, r.StackID, r.Status, r.Attempts, r.FailureKind,
			r.Duration.Round(time.Second), r.RetainedLogPath)
	}
	return w.Flush()
}
