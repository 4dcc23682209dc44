package cli

import (
	"context"
	"fmt"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/unipipe/internal/models"
)

const pollInterval = time.Second

var watchCmd = &cobra.Command{
	Use:   "watch <source>",
	Short: "Run a source and watch its progress",
	Long: `Trigger a background run for a source and watch checkpoint progress
until it reaches a terminal state. Ctrl+C detaches; the run continues.

Example:
  unipipe watch market-csv`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	name := args[0]

	// Size the progress bar against the last completed run, best effort.
	var expected int
	if runs, err := dbClient.QueryListRuns(context.Background(), &name, 1); err == nil && len(runs) > 0 {
		expected = runs[0].RecordsProcessed
	}

	runID, err := manager.RunSourceAsync(name)
	if err != nil {
		return err
	}

	model := newWatchModel(name, runID, expected)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(watchModel); ok {
		// Ctrl+C detaches; the background run is not an error.
		if m.quitting {
			manager.Wait()
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}
	return nil
}

// tickMsg triggers polling the run status
type tickMsg time.Time

// runUpdateMsg carries the polled run and checkpoint
type runUpdateMsg struct {
	run *models.RunRecord
	cp  *models.Checkpoint
	err error
}

// watchModel is the bubbletea model for run progress.
type watchModel struct {
	source   string
	runID    string
	expected int

	run      *models.RunRecord
	cp       *models.Checkpoint
	progress progress.Model
	done     bool
	quitting bool
	err      error
}

func newWatchModel(source, runID string, expected int) watchModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return watchModel{
		source:   source,
		runID:    runID,
		expected: expected,
		progress: prog,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.progress.Init(),
	)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchStatus()

	case runUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch run status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.run = msg.run
		m.cp = msg.cp

		if m.run != nil {
			switch m.run.Status {
			case models.StatusSuccess:
				m.done = true
				return m, tea.Quit
			case models.StatusFailure:
				m.done = true
				if m.run.ErrorMessage != nil {
					m.err = fmt.Errorf("%s", *m.run.ErrorMessage)
				} else {
					m.err = fmt.Errorf("run failed")
				}
				return m, tea.Quit
			}
		}

		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m watchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m watchModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.run == nil {
		return "Starting run...\n"
	}

	processed := m.cpProcessed()
	var pct float64
	if m.expected > 0 {
		pct = float64(processed) / float64(m.expected)
		if pct > 1 {
			pct = 1
		}
	}

	status := runningStyle.Render(fmt.Sprintf("[%s]", m.run.Status))
	bar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d records", processed)
	hint := dimStyle.Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, counts, hint)
}

func (m watchModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nRun %s continues in background.\nUse 'unipipe history --source %s' to check the outcome.\n",
			m.runID, m.source)
		return dimStyle.Render(msg)
	}

	if m.err != nil {
		return failureStyle.Render(fmt.Sprintf("\n✗ Run failed: %s\n", m.err))
	}

	if m.run != nil {
		var output string
		output += successStyle.Render("✓ Completed") + "\n\n"
		output += fmt.Sprintf("  Records processed: %d\n", m.run.RecordsProcessed)
		output += fmt.Sprintf("  Inserted:          %d\n", m.run.RecordsInserted)
		output += fmt.Sprintf("  Updated:           %d\n", m.run.RecordsUpdated)
		if m.run.RecordsFailed > 0 {
			output += failureStyle.Render(fmt.Sprintf("  Failed:            %d\n", m.run.RecordsFailed))
		}
		return output
	}

	return successStyle.Render("✓ Completed\n")
}

func (m watchModel) cpProcessed() int {
	if m.run == nil {
		return 0
	}
	if m.cp == nil {
		return m.run.RecordsProcessed
	}
	return m.cp.RecordsProcessed
}

// fetchStatus polls the run and checkpoint from the database.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m watchModel) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		run, err := dbClient.QueryGetRun(ctx, m.runID)
		if err != nil {
			return runUpdateMsg{err: err}
		}
		cp, err := dbClient.QueryCheckpoint(ctx, m.source)
		return runUpdateMsg{run: run, cp: cp, err: err}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
