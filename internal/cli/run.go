package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/unipipe/internal/db"
	"github.com/raphaelgruber/unipipe/internal/models"
)

var runAll bool

var runCmd = &cobra.Command{
	Use:   "run [source]",
	Short: "Run the ingestion pipeline for a source",
	Long: `Run the ingestion pipeline for one configured source, or all of them
with --all. Runs resume from the source's checkpoint; a source with a run
already in progress is rejected.

Examples:
  unipipe run market-csv
  unipipe run --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runAll, "all", false, "run every configured source")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if runAll {
		if len(args) > 0 {
			return fmt.Errorf("cannot combine --all with a source name")
		}
		runs, err := manager.RunAll(ctx)
		for _, run := range runs {
			printRun(run)
		}
		return err
	}

	if len(args) == 0 {
		return fmt.Errorf("source name required (or --all)")
	}

	run, err := manager.RunSource(ctx, args[0])
	if errors.Is(err, db.ErrRunInProgress) {
		return fmt.Errorf("source %s already has a run in progress", args[0])
	}
	if err != nil {
		return err
	}

	printRun(run)
	if run.Status == models.StatusFailure {
		return fmt.Errorf("run %s failed", run.RunID)
	}
	return nil
}

func printRun(run *models.RunRecord) {
	fmt.Printf("%s %s [%s]\n", run.SourceType, run.RunID, renderStatus(run.Status))
	fmt.Printf("  processed: %d  inserted: %d  updated: %d  failed: %d\n",
		run.RecordsProcessed, run.RecordsInserted, run.RecordsUpdated, run.RecordsFailed)
	if run.DurationSeconds != nil {
		fmt.Printf("  duration:  %.2fs\n", *run.DurationSeconds)
	}
	if run.ErrorMessage != nil {
		fmt.Printf("  error:     %s\n", *run.ErrorMessage)
	}
}
