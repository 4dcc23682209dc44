// Package db provides SurrealDB query functions for checkpoint and run
// history operations.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/unipipe/internal/models"
)

// QueryBeginRun transitions a source's checkpoint to running and creates the
// run history row. The checkpoint is created lazily on first use. Returns
// ErrRunInProgress when the checkpoint is already running.
func (c *Client) QueryBeginRun(ctx context.Context, source, runID string) (*models.RunRecord, error) {
	_, err := surrealdb.Query[any](ctx, c.db, `
		BEGIN TRANSACTION;
		UPSERT type::thing("checkpoint", $source) SET
			source_type = $source,
			updated_at = time::now();
		LET $cp = (SELECT status FROM ONLY type::thing("checkpoint", $source));
		IF $cp.status == "running" {
			THROW "run already in progress";
		};
		UPDATE type::thing("checkpoint", $source) SET
			status = "running",
			error_message = NONE,
			updated_at = time::now();
		CREATE type::thing("run", $run_id) SET
			run_id = $run_id,
			source_type = $source,
			status = "running";
		COMMIT TRANSACTION;
	`, map[string]any{"source": source, "run_id": runID})
	if err != nil {
		return nil, wrapQueryError(err)
	}

	run, err := c.QueryGetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("begin run %s: %w", runID, ErrNotFound)
	}
	return run, nil
}

// QueryGetRun retrieves a run history row by run id.
// Returns nil if not found.
func (c *Client) QueryGetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	results, err := surrealdb.Query[[]models.RunRecord](ctx, c.db, `
		SELECT * FROM type::record("run", $id)
	`, map[string]any{"id": runID})

	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// QueryRecordProgress commits a batch boundary: the checkpoint's cursor moves
// to the last record of the batch and the processed counter advances. On a
// later resume, at most the uncommitted tail is re-extracted.
func (c *Client) QueryRecordProgress(ctx context.Context, source, lastID string, lastTimestamp *time.Time, batchCount int) error {
	tsClause := ""
	vars := map[string]any{
		"source":  source,
		"last_id": lastID,
		"count":   batchCount,
	}
	if lastTimestamp != nil {
		tsClause = "last_processed_timestamp = type::datetime($last_ts),"
		vars["last_ts"] = lastTimestamp.UTC().Format(time.RFC3339Nano)
	}

	sql := fmt.Sprintf(`
		UPDATE type::thing("checkpoint", $source) SET
			last_processed_id = $last_id,
			%s
			records_processed += $count,
			updated_at = time::now()
	`, tsClause)

	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("record progress: %w", wrapQueryError(err))
	}
	return nil
}

// QueryCompleteRun finalizes a run and its checkpoint in one transaction.
// Status must be "success" or "failure"; the matching timestamp field on the
// checkpoint is set and the run row gets its duration.
func (c *Client) QueryCompleteRun(ctx context.Context, source, runID, status string, counts models.RunCounts, errorMessage *string) (*models.RunRecord, error) {
	if status != models.StatusSuccess && status != models.StatusFailure {
		return nil, fmt.Errorf("complete run: invalid terminal status %q", status)
	}

	tsField := "last_success_at"
	if status == models.StatusFailure {
		tsField = "last_failure_at"
	}

	vars := map[string]any{
		"source":    source,
		"run_id":    runID,
		"status":    status,
		"processed": counts.Processed,
		"inserted":  counts.Inserted,
		"updated":   counts.Updated,
		"failed":    counts.Failed,
	}
	errClause := "error_message = NONE"
	if errorMessage != nil {
		errClause = "error_message = $error"
		vars["error"] = *errorMessage
	}

	sql := fmt.Sprintf(`
		BEGIN TRANSACTION;
		UPDATE type::thing("run", $run_id) SET
			status = $status,
			completed_at = time::now(),
			duration_seconds = duration::secs(time::now() - started_at),
			records_processed = $processed,
			records_inserted = $inserted,
			records_updated = $updated,
			records_failed = $failed,
			%s;
		UPDATE type::thing("checkpoint", $source) SET
			status = $status,
			%s = time::now(),
			updated_at = time::now(),
			%s;
		COMMIT TRANSACTION;
	`, errClause, tsField, errClause)

	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return nil, fmt.Errorf("complete run: %w", wrapQueryError(err))
	}

	return c.QueryGetRun(ctx, runID)
}

// QueryCheckpoint retrieves the checkpoint for one source.
// Returns nil if the source has never run.
func (c *Client) QueryCheckpoint(ctx context.Context, source string) (*models.Checkpoint, error) {
	results, err := surrealdb.Query[[]models.Checkpoint](ctx, c.db, `
		SELECT * FROM type::record("checkpoint", $source)
	`, map[string]any{"source": source})

	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// QueryListCheckpoints returns all checkpoints ordered by source name.
func (c *Client) QueryListCheckpoints(ctx context.Context) ([]models.Checkpoint, error) {
	results, err := surrealdb.Query[[]models.Checkpoint](ctx, c.db, `
		SELECT * FROM checkpoint ORDER BY source_type
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.Checkpoint{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryRecoverAbandonedRuns converts orphaned running checkpoints and run
// rows to failure. Runs once at process start, before any new work is
// accepted, so a crash can never leave a permanently running source.
func (c *Client) QueryRecoverAbandonedRuns(ctx context.Context) ([]models.Checkpoint, error) {
	results, err := surrealdb.Query[[]models.Checkpoint](ctx, c.db, `
		UPDATE checkpoint SET
			status = "failure",
			error_message = "process terminated while run was in progress",
			last_failure_at = time::now(),
			updated_at = time::now()
		WHERE status = "running";
		UPDATE run SET
			status = "failure",
			completed_at = time::now(),
			duration_seconds = duration::secs(time::now() - started_at),
			error_message = "process terminated while run was in progress"
		WHERE status = "running";
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("recover abandoned runs: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return []models.Checkpoint{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryListRuns returns run history, most recent first. A nil source returns
// runs across all sources.
func (c *Client) QueryListRuns(ctx context.Context, source *string, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	sourceClause := ""
	vars := map[string]any{"limit": limit}
	if source != nil {
		sourceClause = "WHERE source_type = $source"
		vars["source"] = *source
	}

	sql := fmt.Sprintf(`
		SELECT * FROM run %s ORDER BY started_at DESC LIMIT $limit
	`, sourceClause)

	results, err := surrealdb.Query[[]models.RunRecord](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.RunRecord{}, nil
	}
	return (*results)[0].Result, nil
}
