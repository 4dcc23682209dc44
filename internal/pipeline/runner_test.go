package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/db"
	"github.com/raphaelgruber/unipipe/internal/drift"
	"github.com/raphaelgruber/unipipe/internal/models"
	"github.com/raphaelgruber/unipipe/internal/source"
)

var testSchema = drift.Schema{
	"id":   drift.TypeString,
	"name": drift.TypeString,
}

func testSourceConfig(name string, batchSize, maxRetries int) *config.SourceConfig {
	return &config.SourceConfig{
		Name:                 name,
		Type:                 "csv",
		BatchSize:            batchSize,
		DriftThreshold:       0.6,
		FailureRateThreshold: 1.0,
		Retry: &config.RetryConfig{
			MaxRetries:     maxRetries,
			InitialBackoff: config.Duration(time.Millisecond),
			MaxBackoff:     config.Duration(5 * time.Millisecond),
			Multiplier:     2.0,
			JitterFraction: 0.25,
		},
	}
}

func testRunner(store Store, conn source.Connector, cfg *config.SourceConfig) *Runner {
	return NewRunner(store, conn, cfg, nil, nil, slog.New(slog.DiscardHandler), nil)
}

func TestRunProcessesAllRecords(t *testing.T) {
	store := newFakeStore()
	conn := &fakeConnector{
		name:    "csv-source",
		schema:  testSchema,
		records: []source.Record{rec("a", nil), rec("b", nil), rec("c", nil)},
	}
	r := testRunner(store, conn, testSourceConfig("csv-source", 2, 0))

	run, err := r.Run(context.Background(), NewRunID())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, run.Status)
	assert.Equal(t, 3, run.RecordsProcessed)
	assert.Equal(t, 3, run.RecordsInserted)
	assert.Equal(t, 0, run.RecordsFailed)
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.DurationSeconds)

	assert.Equal(t, 3, store.entityCount())

	cp, err := store.QueryCheckpoint(context.Background(), "csv-source")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, cp.Status)
	require.NotNil(t, cp.LastProcessedID)
	assert.Equal(t, "c", *cp.LastProcessedID)
	assert.Equal(t, 3, cp.RecordsProcessed)
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	store := newFakeStore()
	conn := &fakeConnector{
		name:    "csv-source",
		schema:  testSchema,
		records: []source.Record{rec("a", nil), rec("b", nil)},
	}
	cfg := testSourceConfig("csv-source", 10, 0)

	run1, err := testRunner(store, conn, cfg).Run(context.Background(), NewRunID())
	require.NoError(t, err)
	assert.Equal(t, 2, run1.RecordsInserted)

	createdA := store.entity("csv-source", "a").CreatedAt

	// Second run resumes past the cursor: nothing left to process.
	run2, err := testRunner(store, conn, cfg).Run(context.Background(), NewRunID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, run2.Status)
	assert.Equal(t, 0, run2.RecordsProcessed)
	assert.Equal(t, 2, store.entityCount())

	// Full re-ingestion (cursor reset, e.g. re-exported source) updates in
	// place: same keys, same created_at, no duplicates.
	time.Sleep(5 * time.Millisecond)
	store.checkpoints["csv-source"].LastProcessedID = nil

	run3, err := testRunner(store, conn, cfg).Run(context.Background(), NewRunID())
	require.NoError(t, err)
	assert.Equal(t, 2, run3.RecordsProcessed)
	assert.Equal(t, 0, run3.RecordsInserted)
	assert.Equal(t, 2, run3.RecordsUpdated)
	assert.Equal(t, 2, store.entityCount())
	assert.True(t, store.entity("csv-source", "a").CreatedAt.Equal(createdA))
}

func TestBeginRunConflict(t *testing.T) {
	store := newFakeStore()
	store.checkpoints["csv-source"] = &models.Checkpoint{
		SourceType: "csv-source",
		Status:     models.StatusRunning,
	}

	conn := &fakeConnector{name: "csv-source", schema: testSchema, records: []source.Record{rec("a", nil)}}
	_, err := testRunner(store, conn, testSourceConfig("csv-source", 2, 0)).Run(context.Background(), NewRunID())

	require.ErrorIs(t, err, db.ErrRunInProgress)
	assert.Equal(t, 0, store.entityCount())
	// The live run's checkpoint must not be disturbed.
	assert.Equal(t, models.StatusRunning, store.checkpoints["csv-source"].Status)
}

func TestCrashAfterBatchThenResume(t *testing.T) {
	store := newFakeStore()
	records := []source.Record{rec("a", nil), rec("b", nil), rec("c", nil)}

	// First run commits the [a, b] batch, then the stream dies before c.
	crashing := &fakeConnector{
		name:         "csv-source",
		schema:       testSchema,
		records:      records,
		failAfter:    2,
		failAttempts: 1,
	}
	run1, err := testRunner(store, crashing, testSourceConfig("csv-source", 2, 0)).Run(context.Background(), NewRunID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, run1.Status)
	assert.Equal(t, 2, run1.RecordsProcessed)
	assert.Equal(t, 2, store.entityCount())

	cp, _ := store.QueryCheckpoint(context.Background(), "csv-source")
	require.NotNil(t, cp.LastProcessedID)
	assert.Equal(t, "b", *cp.LastProcessedID)

	createdA := store.entity("csv-source", "a").CreatedAt
	createdB := store.entity("csv-source", "b").CreatedAt
	time.Sleep(5 * time.Millisecond)

	// Retriggered run picks up after the committed batch: only c remains.
	healthy := &fakeConnector{name: "csv-source", schema: testSchema, records: records}
	run2, err := testRunner(store, healthy, testSourceConfig("csv-source", 2, 0)).Run(context.Background(), NewRunID())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, run2.Status)
	assert.Equal(t, 1, run2.RecordsProcessed)
	assert.Equal(t, 1, run2.RecordsInserted)

	require.Len(t, healthy.cursors, 1)
	assert.Equal(t, "b", healthy.cursors[0].LastID)

	assert.Equal(t, 3, store.entityCount())
	assert.True(t, store.entity("csv-source", "a").CreatedAt.Equal(createdA))
	assert.True(t, store.entity("csv-source", "b").CreatedAt.Equal(createdB))
}

func TestExtractionRetryResumesFromCommittedCursor(t *testing.T) {
	store := newFakeStore()
	conn := &fakeConnector{
		name:         "api-source",
		schema:       testSchema,
		records:      []source.Record{rec("a", nil), rec("b", nil), rec("c", nil)},
		failAfter:    2,
		failAttempts: 1,
	}
	r := testRunner(store, conn, testSourceConfig("api-source", 2, 2))

	run, err := r.Run(context.Background(), NewRunID())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, run.Status)
	assert.Equal(t, 3, run.RecordsProcessed)
	assert.Equal(t, 3, store.entityCount())

	// The retried attempt re-opened extraction from the committed cursor,
	// bounding re-work to the uncommitted tail.
	require.Len(t, conn.cursors, 2)
	assert.Equal(t, "", conn.cursors[0].LastID)
	assert.Equal(t, "b", conn.cursors[1].LastID)
}

func TestValidationFailureCountsAndContinues(t *testing.T) {
	store := newFakeStore()
	conn := &fakeConnector{
		name:   "csv-source",
		schema: testSchema,
		records: []source.Record{
			rec("a", nil),
			{NaturalID: "", Fields: map[string]any{"name": "no id"}},
			rec("c", nil),
		},
	}
	run, err := testRunner(store, conn, testSourceConfig("csv-source", 10, 0)).Run(context.Background(), NewRunID())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, run.Status)
	assert.Equal(t, 3, run.RecordsProcessed)
	assert.Equal(t, 2, run.RecordsInserted)
	assert.Equal(t, 1, run.RecordsFailed)
	assert.Equal(t, 2, store.entityCount())
}

func TestFailureRateThresholdFailsRun(t *testing.T) {
	store := newFakeStore()
	conn := &fakeConnector{
		name:   "csv-source",
		schema: testSchema,
		records: []source.Record{
			{NaturalID: "", Fields: map[string]any{"name": "bad 1"}},
			{NaturalID: "", Fields: map[string]any{"name": "bad 2"}},
		},
	}
	run, err := testRunner(store, conn, testSourceConfig("csv-source", 10, 0)).Run(context.Background(), NewRunID())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailure, run.Status)
	assert.Equal(t, 2, run.RecordsFailed)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "failure rate")
}

func TestDriftEventsPersistedPerRecord(t *testing.T) {
	store := newFakeStore()
	schema := drift.Schema{
		"id":    drift.TypeString,
		"name":  drift.TypeString,
		"price": drift.TypeNumber,
	}
	conn := &fakeConnector{
		name:   "csv-source",
		schema: schema,
		records: []source.Record{
			rec("a", map[string]any{"price": "12.5"}),
			rec("b", map[string]any{"price": "not a number"}),
			rec("c", map[string]any{}), // price missing entirely
		},
	}
	run, err := testRunner(store, conn, testSourceConfig("csv-source", 10, 0)).Run(context.Background(), NewRunID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, run.Status)

	// a matches fully, b has a type mismatch, c misses a required field.
	require.Len(t, store.driftEvents, 2)
	assert.Equal(t, "b", store.driftEvents[0].RecordID)
	assert.Len(t, store.driftEvents[0].TypeMismatches, 1)
	assert.Equal(t, "c", store.driftEvents[1].RecordID)
	assert.Equal(t, []string{"price"}, store.driftEvents[1].MissingFields)

	// Drift never drops records.
	assert.Equal(t, 3, run.RecordsProcessed)
	assert.Equal(t, 3, store.entityCount())
}

func TestProgressWriteFailureFailsRun(t *testing.T) {
	store := newFakeStore()
	store.failProgressAfter = 1

	conn := &fakeConnector{
		name:    "csv-source",
		schema:  testSchema,
		records: []source.Record{rec("a", nil), rec("b", nil)},
	}
	run, err := testRunner(store, conn, testSourceConfig("csv-source", 2, 3)).Run(context.Background(), NewRunID())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailure, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "commit progress")

	// The checkpoint always lands in a terminal state.
	cp, _ := store.QueryCheckpoint(context.Background(), "csv-source")
	assert.Equal(t, models.StatusFailure, cp.Status)
}

func TestUpsertFailureCountsRecordAsFailed(t *testing.T) {
	store := newFakeStore()
	store.upsertErrFor[entityKey("csv-source", "b")] = db.ErrTransactionConflict

	conn := &fakeConnector{
		name:    "csv-source",
		schema:  testSchema,
		records: []source.Record{rec("a", nil), rec("b", nil), rec("c", nil)},
	}
	run, err := testRunner(store, conn, testSourceConfig("csv-source", 10, 0)).Run(context.Background(), NewRunID())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, run.Status)
	assert.Equal(t, 2, run.RecordsInserted)
	assert.Equal(t, 1, run.RecordsFailed)
	assert.Equal(t, 2, store.entityCount())
}
