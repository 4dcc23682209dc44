package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RunRecord is the append-only history row for one pipeline execution.
// Created when the run begins and finalized exactly once on completion.
type RunRecord struct {
	ID               surrealmodels.RecordID `json:"id"`
	RunID            string                 `json:"run_id"`
	SourceType       string                 `json:"source_type"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	DurationSeconds  *float64               `json:"duration_seconds,omitempty"`
	RecordsProcessed int                    `json:"records_processed"`
	RecordsInserted  int                    `json:"records_inserted"`
	RecordsUpdated   int                    `json:"records_updated"`
	RecordsFailed    int                    `json:"records_failed"`
	Status           string                 `json:"status"`
	ErrorMessage     *string                `json:"error_message,omitempty"`
}

// RunCounts aggregates per-run record counters.
type RunCounts struct {
	Processed int
	Inserted  int
	Updated   int
	Failed    int
}
