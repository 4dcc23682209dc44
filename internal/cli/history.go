package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	historySource string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent pipeline runs",
	Long: `Show recent pipeline runs, newest first.

Examples:
  unipipe history
  unipipe history --source market-csv --limit 5`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVarP(&historySource, "source", "s", "", "filter by source name")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max runs")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var source *string
	if historySource != "" {
		source = &historySource
	}

	runs, err := dbClient.QueryListRuns(ctx, source, historyLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("Runs (%d):\n\n", len(runs))
	for _, run := range runs {
		fmt.Printf("- %s  %s [%s]\n", run.StartedAt.Format(time.RFC3339), run.SourceType, renderStatus(run.Status))
		fmt.Printf("  %s\n", dimStyle.Render(run.RunID))
		fmt.Printf("  processed: %d  inserted: %d  updated: %d  failed: %d",
			run.RecordsProcessed, run.RecordsInserted, run.RecordsUpdated, run.RecordsFailed)
		if run.DurationSeconds != nil {
			fmt.Printf("  (%.2fs)", *run.DurationSeconds)
		}
		fmt.Println()
		if verbose && run.ErrorMessage != nil {
			fmt.Printf("  %s\n", failureStyle.Render(*run.ErrorMessage))
		}
	}

	return nil
}
