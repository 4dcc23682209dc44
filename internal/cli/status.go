package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/unipipe/internal/models"
	"github.com/raphaelgruber/unipipe/internal/retry"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D787"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF005F"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-source checkpoint status",
	Long: `Show the checkpoint for every known source: last processed position,
records ingested so far, and the outcome of the most recent run.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	checkpoints, err := dbClient.QueryListCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	if len(checkpoints) == 0 {
		fmt.Println("No checkpoints yet. Run 'unipipe run --all' to start ingesting.")
		return nil
	}

	fmt.Printf("Sources (%d):\n\n", len(checkpoints))
	for _, cp := range checkpoints {
		fmt.Printf("- %s [%s]\n", cp.SourceType, renderStatus(cp.Status))
		fmt.Printf("  records: %d", cp.RecordsProcessed)
		if cp.LastProcessedID != nil {
			fmt.Printf("  cursor: %s", *cp.LastProcessedID)
		}
		if cp.LastProcessedTimestamp != nil {
			fmt.Printf("  as of: %s", cp.LastProcessedTimestamp.Format(time.RFC3339))
		}
		fmt.Println()
		if cp.LastSuccessAt != nil {
			fmt.Printf("  %s\n", dimStyle.Render("last success "+relative(*cp.LastSuccessAt)))
		}
		if cp.Status == models.StatusFailure && cp.ErrorMessage != nil {
			fmt.Printf("  %s\n", failureStyle.Render(*cp.ErrorMessage))
		}
		if verbose {
			if src := sources.Get(cp.SourceType); src != nil && src.Retry != nil {
				fmt.Printf("  %s\n", dimStyle.Render("retry schedule: "+formatDelays(retry.Delays(*src.Retry))))
			}
		}
	}

	counts, err := dbClient.QueryEntityCountsBySource(ctx)
	if err != nil {
		return fmt.Errorf("entity counts: %w", err)
	}
	if len(counts) > 0 {
		fmt.Println("\nEntities:")
		total := 0
		for _, c := range counts {
			fmt.Printf("  %s: %d\n", c.SourceType, c.Count)
			total += c.Count
		}
		fmt.Printf("  total: %d\n", total)
	}

	return nil
}

func renderStatus(status string) string {
	switch status {
	case models.StatusSuccess:
		return successStyle.Render(status)
	case models.StatusFailure:
		return failureStyle.Render(status)
	case models.StatusRunning:
		return runningStyle.Render(status)
	default:
		return dimStyle.Render(status)
	}
}

func formatDelays(delays []time.Duration) string {
	if len(delays) == 0 {
		return "no retries"
	}
	parts := make([]string, len(delays))
	for i, d := range delays {
		parts[i] = d.String()
	}
	return strings.Join(parts, ", ")
}

func relative(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}
