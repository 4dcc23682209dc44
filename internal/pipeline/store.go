package pipeline

import (
	"context"
	"time"

	"github.com/raphaelgruber/unipipe/internal/models"
)

// Store is the persistence surface the orchestrator drives. *db.Client
// implements it; tests substitute in-memory fakes to exercise crash and
// resume paths.
type Store interface {
	// Checkpoint and run lifecycle.
	QueryBeginRun(ctx context.Context, source, runID string) (*models.RunRecord, error)
	QueryRecordProgress(ctx context.Context, source, lastID string, lastTimestamp *time.Time, batchCount int) error
	QueryCompleteRun(ctx context.Context, source, runID, status string, counts models.RunCounts, errorMessage *string) (*models.RunRecord, error)
	QueryCheckpoint(ctx context.Context, source string) (*models.Checkpoint, error)

	// Canonical entity persistence.
	QueryUpsertEntity(ctx context.Context, e models.CanonicalEntity) (*models.CanonicalEntity, bool, error)
	QueryUpsertRawRecord(ctx context.Context, sourceType, sourceID string, fields map[string]any) error

	// Drift audit log.
	QueryLogDriftEvent(ctx context.Context, event models.DriftEvent) error
}
