// Package pipeline drives incremental ingestion runs: begin, stream records
// through drift detection and normalization into idempotent upserts, commit
// checkpoint progress at batch boundaries, finalize.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/db"
	"github.com/raphaelgruber/unipipe/internal/drift"
	"github.com/raphaelgruber/unipipe/internal/identity"
	"github.com/raphaelgruber/unipipe/internal/metrics"
	"github.com/raphaelgruber/unipipe/internal/models"
	"github.com/raphaelgruber/unipipe/internal/ratelimit"
	"github.com/raphaelgruber/unipipe/internal/retry"
	"github.com/raphaelgruber/unipipe/internal/source"
)

// NewRunID generates a sortable, collision-free run identifier.
func NewRunID() string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("run_%s_%s", time.Now().UTC().Format("20060102_150405"), short)
}

// Runner executes one source's pipeline. It is the only component that
// knows the whole chain; each collaborator stays independently testable.
type Runner struct {
	store      Store
	connector  source.Connector
	cfg        *config.SourceConfig
	detector   *drift.Detector
	normalizer *Normalizer
	executor   *retry.Executor
	logger     *slog.Logger
	collector  *metrics.Collector
}

// NewRunner wires a runner for one configured source. The limiter and
// resolver may be nil; the collector may be nil to disable metrics.
func NewRunner(store Store, connector source.Connector, cfg *config.SourceConfig, resolver identity.Resolver, limiter *ratelimit.Limiter, logger *slog.Logger, collector *metrics.Collector) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	policy := cfg.Retry
	if policy == nil {
		policy = &config.RetryConfig{MaxRetries: 3, InitialBackoff: config.Duration(time.Second), MaxBackoff: config.Duration(time.Minute), Multiplier: 2.0, JitterFraction: 0.25}
	}
	return &Runner{
		store:      store,
		connector:  connector,
		cfg:        cfg,
		detector:   drift.NewDetector(connector.ExpectedSchema(), cfg.DriftThreshold),
		normalizer: NewNormalizer(resolver),
		executor:   retry.NewExecutor(*policy, limiter, logger),
		logger:     logger,
		collector:  collector,
	}
}

// batchState accumulates work since the last checkpoint commit. It is
// discarded when an extraction attempt fails, so counters never include
// records a retried attempt will re-process.
type batchState struct {
	n      int
	lastID string
	lastTS *time.Time
	counts models.RunCounts
}

func resetBatch(pending *batchState, cursor models.Cursor) {
	*pending = batchState{lastID: cursor.LastID, lastTS: cursor.LastTimestamp}
}

// Run executes the pipeline once for this source under the given run id.
// The returned RunRecord reflects the terminal state; a failed run is a
// normal result, not an error. Errors are reserved for begin conflicts and
// finalization failures.
func (r *Runner) Run(ctx context.Context, runID string) (*models.RunRecord, error) {
	log := r.logger.With("source", r.cfg.Name, "run_id", runID)

	if _, err := r.store.QueryBeginRun(ctx, r.cfg.Name, runID); err != nil {
		return nil, err
	}
	log.Info("run started", "batch_size", r.cfg.BatchSize)
	started := time.Now()

	var counts models.RunCounts
	finalized := false

	// Safety net: any exit path that skips finalization still moves the
	// checkpoint out of running.
	defer func() {
		if finalized {
			return
		}
		msg := "run aborted before finalization"
		if _, err := r.store.QueryCompleteRun(context.WithoutCancel(ctx), r.cfg.Name, runID, models.StatusFailure, counts, &msg); err != nil {
			log.Error("failed to finalize aborted run", "error", err)
		}
	}()

	cursor := models.Cursor{}
	cp, err := r.store.QueryCheckpoint(ctx, r.cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp != nil {
		cursor = cp.Cursor()
	}
	if cursor.LastID != "" {
		log.Info("resuming from checkpoint", "last_id", cursor.LastID)
	}

	var pending batchState
	runErr := r.executor.Do(ctx, "extract "+r.cfg.Name, func(ctx context.Context) error {
		// A fresh attempt re-extracts from the committed cursor, so any
		// uncommitted work from the failed attempt is dropped here.
		resetBatch(&pending, cursor)

		extractStart := time.Now()
		extracted := int64(0)
		for rec, err := range r.connector.Extract(ctx, cursor) {
			if err != nil {
				r.collector.RecordRetry(metrics.OpExtract)
				return &ExtractionError{Source: r.cfg.Name, Err: err}
			}
			extracted++
			r.processRecord(ctx, log, rec, &pending)

			if pending.n >= r.cfg.BatchSize {
				if err := r.commit(ctx, &cursor, &counts, &pending); err != nil {
					return retry.Permanent(err)
				}
			}
		}
		r.collector.RecordStage(metrics.OpExtract, time.Since(extractStart), extracted)
		return nil
	})

	// The tail batch holds fully processed records either way; commit it so
	// their progress survives.
	if pending.n > 0 {
		if err := r.commit(ctx, &cursor, &counts, &pending); err != nil {
			log.Error("failed to commit final batch", "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	status := models.StatusSuccess
	var errMsg *string
	switch {
	case runErr != nil:
		status = models.StatusFailure
		s := runErr.Error()
		errMsg = &s
	case counts.Processed > 0 && r.cfg.FailureRateThreshold > 0 && counts.Failed > 0:
		rate := float64(counts.Failed) / float64(counts.Processed)
		if rate >= r.cfg.FailureRateThreshold {
			status = models.StatusFailure
			s := fmt.Sprintf("failure rate %.2f reached threshold %.2f", rate, r.cfg.FailureRateThreshold)
			errMsg = &s
		}
	}

	run, err := r.store.QueryCompleteRun(context.WithoutCancel(ctx), r.cfg.Name, runID, status, counts, errMsg)
	if err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	finalized = true

	r.collector.RecordStage(metrics.OpRun, time.Since(started), int64(counts.Processed))
	log.Info("run finished",
		"status", status,
		"processed", counts.Processed,
		"inserted", counts.Inserted,
		"updated", counts.Updated,
		"failed", counts.Failed,
		"duration", time.Since(started).Round(time.Millisecond))

	return run, nil
}

// processRecord pushes one record through drift detection, normalization
// and upsert. Per-record failures are counted and logged, never fatal.
func (r *Runner) processRecord(ctx context.Context, log *slog.Logger, rec source.Record, pending *batchState) {
	pending.n++
	pending.counts.Processed++
	if rec.NaturalID != "" {
		pending.lastID = rec.NaturalID
	}
	if rec.Timestamp != nil {
		pending.lastTS = rec.Timestamp
	}

	driftStart := time.Now()
	report := r.detector.Detect(rec.Fields)
	r.collector.RecordStage(metrics.OpDrift, time.Since(driftStart), 1)

	if report.HasDrift() {
		log.Warn("schema drift detected",
			"record", rec.NaturalID,
			"confidence", report.Confidence,
			"missing", report.MissingFields,
			"mismatches", len(report.TypeMismatches))
		event := models.DriftEvent{
			SourceName:       r.cfg.Name,
			RecordID:         rec.NaturalID,
			ConfidenceScore:  report.Confidence,
			MissingFields:    report.MissingFields,
			ExtraFields:      report.ExtraFields,
			TypeMismatches:   report.TypeMismatches,
			FuzzySuggestions: report.FuzzySuggestions,
		}
		if err := r.store.QueryLogDriftEvent(ctx, event); err != nil {
			// Drift is an audit trail; losing one entry must not stop the run.
			log.Warn("failed to log drift event", "record", rec.NaturalID, "error", err)
		}
	}

	normStart := time.Now()
	entity, err := r.normalizer.Normalize(r.cfg.Name, rec, report)
	r.collector.RecordStage(metrics.OpNormalize, time.Since(normStart), 1)
	if err != nil {
		pending.counts.Failed++
		log.Warn("record rejected", "record", rec.NaturalID, "error", err)
		return
	}

	if err := r.store.QueryUpsertRawRecord(ctx, r.cfg.Name, rec.NaturalID, rec.Fields); err != nil {
		log.Warn("failed to store raw record", "record", rec.NaturalID, "error", err)
	}

	upsertStart := time.Now()
	_, wasCreated, err := r.store.QueryUpsertEntity(ctx, entity)
	if errors.Is(err, db.ErrTransactionConflict) {
		// Concurrent writers can collide on the same record id; one
		// immediate retry resolves the common case.
		r.collector.RecordRetry(metrics.OpUpsert)
		_, wasCreated, err = r.store.QueryUpsertEntity(ctx, entity)
	}
	r.collector.RecordStage(metrics.OpUpsert, time.Since(upsertStart), 1)
	if err != nil {
		pending.counts.Failed++
		log.Error("upsert failed", "record", rec.NaturalID, "error", err)
		return
	}
	if wasCreated {
		pending.counts.Inserted++
	} else {
		pending.counts.Updated++
	}
}

// commit persists a batch boundary and folds the pending counters into the
// run totals. After a commit, a crash re-processes at most the next batch.
func (r *Runner) commit(ctx context.Context, cursor *models.Cursor, counts *models.RunCounts, pending *batchState) error {
	if pending.n == 0 {
		return nil
	}
	if err := r.store.QueryRecordProgress(ctx, r.cfg.Name, pending.lastID, pending.lastTS, pending.n); err != nil {
		return fmt.Errorf("commit progress: %w", err)
	}

	cursor.LastID = pending.lastID
	cursor.LastTimestamp = pending.lastTS

	counts.Processed += pending.counts.Processed
	counts.Inserted += pending.counts.Inserted
	counts.Updated += pending.counts.Updated
	counts.Failed += pending.counts.Failed

	resetBatch(pending, *cursor)
	return nil
}
