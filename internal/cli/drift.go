package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	driftSource string
	driftLimit  int
)

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Show recent schema drift events",
	Long: `Show schema drift events logged during ingestion: missing or renamed
fields, unexpected fields, and type mismatches, with the confidence score
the detector assigned to the record.

Examples:
  unipipe drift
  unipipe drift --source market-csv --limit 10`,
	RunE: runDrift,
}

func init() {
	driftCmd.Flags().StringVarP(&driftSource, "source", "s", "", "filter by source name")
	driftCmd.Flags().IntVarP(&driftLimit, "limit", "n", 50, "max events")
}

func runDrift(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var source *string
	if driftSource != "" {
		source = &driftSource
	}

	events, err := dbClient.QueryListDriftEvents(ctx, source, driftLimit)
	if err != nil {
		return fmt.Errorf("list drift events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No drift events. Incoming records match their expected schemas.")
		return nil
	}

	fmt.Printf("Drift events (%d):\n\n", len(events))
	for _, e := range events {
		fmt.Printf("- %s  %s record=%s confidence=%.2f\n",
			e.DetectedAt.Format("2006-01-02 15:04:05"), e.SourceName, e.RecordID, e.ConfidenceScore)
		if len(e.MissingFields) > 0 {
			fmt.Printf("  missing: %v\n", e.MissingFields)
		}
		if len(e.ExtraFields) > 0 {
			fmt.Printf("  extra:   %v\n", e.ExtraFields)
		}
		for _, m := range e.TypeMismatches {
			fmt.Printf("  type mismatch: %s expected %s, got %v\n", m.Field, m.ExpectedType, m.ActualValue)
		}
		for _, s := range e.FuzzySuggestions {
			fmt.Printf("  rename? %s -> %s (%.0f%%)\n", s.SuggestedField, s.MissingField, s.Similarity*100)
		}
	}

	return nil
}
