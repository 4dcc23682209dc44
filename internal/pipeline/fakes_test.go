package pipeline

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/raphaelgruber/unipipe/internal/db"
	"github.com/raphaelgruber/unipipe/internal/drift"
	"github.com/raphaelgruber/unipipe/internal/models"
	"github.com/raphaelgruber/unipipe/internal/source"
)

// fakeStore is an in-memory Store with the same semantics as the SurrealDB
// queries: single-row checkpoints, begin conflicts, created_at preservation.
type fakeStore struct {
	mu          sync.Mutex
	checkpoints map[string]*models.Checkpoint
	runs        map[string]*models.RunRecord
	entities    map[string]*models.CanonicalEntity
	raw         map[string]map[string]any
	driftEvents []models.DriftEvent

	// Failure injection.
	progressCalls     int
	failProgressAfter int // fail the Nth QueryRecordProgress call, 0 disables
	upsertErrFor      map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		checkpoints:  make(map[string]*models.Checkpoint),
		runs:         make(map[string]*models.RunRecord),
		entities:     make(map[string]*models.CanonicalEntity),
		raw:          make(map[string]map[string]any),
		upsertErrFor: make(map[string]error),
	}
}

func entityKey(sourceType, sourceID string) string {
	return sourceType + "|" + sourceID
}

func (s *fakeStore) QueryBeginRun(_ context.Context, sourceName, runID string) (*models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[sourceName]
	if !ok {
		cp = &models.Checkpoint{SourceType: sourceName, Status: models.StatusIdle}
		s.checkpoints[sourceName] = cp
	}
	if cp.Status == models.StatusRunning {
		return nil, fmt.Errorf("%w: source %s", db.ErrRunInProgress, sourceName)
	}
	cp.Status = models.StatusRunning
	cp.ErrorMessage = nil
	cp.UpdatedAt = time.Now()

	run := &models.RunRecord{
		RunID:      runID,
		SourceType: sourceName,
		StartedAt:  time.Now(),
		Status:     models.StatusRunning,
	}
	s.runs[runID] = run
	out := *run
	return &out, nil
}

func (s *fakeStore) QueryRecordProgress(_ context.Context, sourceName, lastID string, lastTimestamp *time.Time, batchCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.progressCalls++
	if s.failProgressAfter > 0 && s.progressCalls >= s.failProgressAfter {
		return fmt.Errorf("progress write rejected")
	}

	cp := s.checkpoints[sourceName]
	cp.LastProcessedID = &lastID
	cp.LastProcessedTimestamp = lastTimestamp
	cp.RecordsProcessed += batchCount
	cp.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) QueryCompleteRun(_ context.Context, sourceName, runID, status string, counts models.RunCounts, errorMessage *string) (*models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, db.ErrNotFound)
	}
	now := time.Now()
	dur := now.Sub(run.StartedAt).Seconds()
	run.Status = status
	run.CompletedAt = &now
	run.DurationSeconds = &dur
	run.RecordsProcessed = counts.Processed
	run.RecordsInserted = counts.Inserted
	run.RecordsUpdated = counts.Updated
	run.RecordsFailed = counts.Failed
	run.ErrorMessage = errorMessage

	cp := s.checkpoints[sourceName]
	cp.Status = status
	cp.ErrorMessage = errorMessage
	cp.UpdatedAt = now
	if status == models.StatusSuccess {
		cp.LastSuccessAt = &now
	} else {
		cp.LastFailureAt = &now
	}

	out := *run
	return &out, nil
}

func (s *fakeStore) QueryCheckpoint(_ context.Context, sourceName string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[sourceName]
	if !ok {
		return nil, nil
	}
	out := *cp
	return &out, nil
}

func (s *fakeStore) QueryUpsertEntity(_ context.Context, e models.CanonicalEntity) (*models.CanonicalEntity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(e.SourceType, e.SourceID)
	if err := s.upsertErrFor[key]; err != nil {
		return nil, false, err
	}

	now := time.Now()
	existing, ok := s.entities[key]
	if ok {
		e.CreatedAt = existing.CreatedAt
	} else {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	stored := e
	s.entities[key] = &stored
	out := e
	return &out, !ok, nil
}

func (s *fakeStore) QueryUpsertRawRecord(_ context.Context, sourceType, sourceID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[entityKey(sourceType, sourceID)] = fields
	return nil
}

func (s *fakeStore) QueryLogDriftEvent(_ context.Context, event models.DriftEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.DetectedAt = time.Now()
	s.driftEvents = append(s.driftEvents, event)
	return nil
}

func (s *fakeStore) entity(sourceType, sourceID string) *models.CanonicalEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[entityKey(sourceType, sourceID)]
}

func (s *fakeStore) entityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// fakeConnector replays a fixed record list, honoring cursor resume the way
// real connectors do. failAfter > 0 makes each of the first failAttempts
// extraction attempts error after yielding that many records.
type fakeConnector struct {
	name    string
	schema  drift.Schema
	records []source.Record

	failAfter    int
	failAttempts int

	mu      sync.Mutex
	opens   int
	cursors []models.Cursor
}

func (c *fakeConnector) Name() string { return c.name }

func (c *fakeConnector) ExpectedSchema() drift.Schema { return c.schema }

func (c *fakeConnector) Extract(ctx context.Context, cursor models.Cursor) iter.Seq2[source.Record, error] {
	c.mu.Lock()
	c.opens++
	attempt := c.opens
	c.cursors = append(c.cursors, cursor)
	c.mu.Unlock()

	return func(yield func(source.Record, error) bool) {
		resumed := cursor.LastID == ""
		yielded := 0
		for _, rec := range c.records {
			if !resumed {
				if rec.NaturalID == cursor.LastID {
					resumed = true
				}
				continue
			}
			if c.failAfter > 0 && attempt <= c.failAttempts && yielded >= c.failAfter {
				yield(source.Record{}, fmt.Errorf("source connection dropped"))
				return
			}
			if !yield(rec, nil) {
				return
			}
			yielded++
		}
	}
}

func rec(id string, fields map[string]any) source.Record {
	if fields == nil {
		fields = map[string]any{}
	}
	if _, ok := fields["id"]; !ok {
		fields["id"] = id
	}
	if _, ok := fields["name"]; !ok && id != "" {
		fields["name"] = "Entity " + id
	}
	return source.Record{NaturalID: id, Fields: fields}
}
