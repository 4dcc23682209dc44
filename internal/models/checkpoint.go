// Package models defines data structures for the unipipe ingestion service.
package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Checkpoint status values. A checkpoint may only be `running` while a live
// process owns the run; startup recovery reconciles anything else.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Checkpoint tracks per-source ingestion progress. Exactly one row exists per
// source: the record ID is keyed by the source name.
type Checkpoint struct {
	ID                     surrealmodels.RecordID `json:"id"`
	SourceType             string                 `json:"source_type"`
	LastProcessedID        *string                `json:"last_processed_id,omitempty"`
	LastProcessedTimestamp *time.Time             `json:"last_processed_timestamp,omitempty"`
	LastSuccessAt          *time.Time             `json:"last_success_at,omitempty"`
	LastFailureAt          *time.Time             `json:"last_failure_at,omitempty"`
	RecordsProcessed       int                    `json:"records_processed"`
	Status                 string                 `json:"status"`
	ErrorMessage           *string                `json:"error_message,omitempty"`
	UpdatedAt              time.Time              `json:"updated_at,omitempty"`
}

// Cursor is the resume position extracted from a checkpoint. A zero Cursor
// means "start from the beginning of the source".
type Cursor struct {
	LastID        string
	LastTimestamp *time.Time
}

// Cursor returns the checkpoint's committed resume position.
func (c *Checkpoint) Cursor() Cursor {
	cur := Cursor{LastTimestamp: c.LastProcessedTimestamp}
	if c.LastProcessedID != nil {
		cur.LastID = *c.LastProcessedID
	}
	return cur
}
