package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/identity"
	"github.com/raphaelgruber/unipipe/internal/metrics"
	"github.com/raphaelgruber/unipipe/internal/models"
	"github.com/raphaelgruber/unipipe/internal/ratelimit"
	"github.com/raphaelgruber/unipipe/internal/source"
)

// Manager owns the configured sources and triggers pipeline runs for them,
// synchronously or in the background. Per-source single-run exclusion is
// enforced by the checkpoint store, not in process memory, so it holds
// across replicas.
type Manager struct {
	store     Store
	sources   *config.Sources
	resolver  identity.Resolver
	limiters  *ratelimit.Registry
	logger    *slog.Logger
	collector *metrics.Collector

	wg sync.WaitGroup
}

// NewManager creates a manager over the configured sources.
func NewManager(store Store, sources *config.Sources, resolver identity.Resolver, logger *slog.Logger, collector *metrics.Collector) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Manager{
		store:     store,
		sources:   sources,
		resolver:  resolver,
		limiters:  ratelimit.NewRegistry(),
		logger:    logger,
		collector: collector,
	}
}

// Sources returns the configured source list.
func (m *Manager) Sources() []config.SourceConfig {
	return m.sources.Sources
}

// Metrics returns the shared collector.
func (m *Manager) Metrics() *metrics.Collector {
	return m.collector
}

// runner builds the per-source pipeline chain.
func (m *Manager) runner(name string) (*Runner, error) {
	cfg := m.sources.Get(name)
	if cfg == nil {
		return nil, fmt.Errorf("unknown source %q", name)
	}

	// One limiter per source, shared by the connector (per upstream
	// request) and the retry executor (per attempt).
	limiter := m.limiters.For(cfg.Name, cfg.RateLimit.Calls, cfg.RateLimit.Period.Std())

	connector, err := source.New(cfg, limiter)
	if err != nil {
		return nil, err
	}
	return NewRunner(m.store, connector, cfg, m.resolver, limiter, m.logger, m.collector), nil
}

// RunSource executes the pipeline for one source and blocks until it
// finishes. Returns the terminal RunRecord.
func (m *Manager) RunSource(ctx context.Context, name string) (*models.RunRecord, error) {
	r, err := m.runner(name)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, NewRunID())
}

// RunSourceAsync triggers the pipeline in the background and returns the
// run id immediately. The run detaches from the caller's context.
func (m *Manager) RunSourceAsync(name string) (string, error) {
	r, err := m.runner(name)
	if err != nil {
		return "", err
	}
	runID := NewRunID()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Error("pipeline run panicked", "source", name, "run_id", runID, "panic", rec)
			}
		}()

		if _, err := r.Run(context.Background(), runID); err != nil {
			m.logger.Error("background run failed", "source", name, "run_id", runID, "error", err)
		}
	}()

	return runID, nil
}

// RunAll executes every configured source concurrently. Sources fail
// independently; the aggregate error joins the per-source failures.
func (m *Manager) RunAll(ctx context.Context) ([]*models.RunRecord, error) {
	results := make([]*models.RunRecord, len(m.sources.Sources))

	// No shared cancellation: one failing source must not abort the others.
	var g errgroup.Group
	for i, cfg := range m.sources.Sources {
		g.Go(func() error {
			run, err := m.RunSource(ctx, cfg.Name)
			if err != nil {
				return fmt.Errorf("source %s: %w", cfg.Name, err)
			}
			results[i] = run
			return nil
		})
	}

	err := g.Wait()

	out := make([]*models.RunRecord, 0, len(results))
	for _, run := range results {
		if run != nil {
			out = append(out, run)
		}
	}
	return out, err
}

// Wait blocks until all background runs have finished. Used on shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}
