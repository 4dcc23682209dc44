package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// CanonicalEntity is the unified, schema-normalized representation of a
// record regardless of source. The record ID is the composite
// [source_type, source_id] key, so re-ingestion of the same pair updates in
// place and can never duplicate.
type CanonicalEntity struct {
	ID              surrealmodels.RecordID `json:"id"`
	SourceType      string                 `json:"source_type"`
	SourceID        string                 `json:"source_id"`
	CanonicalID     *string                `json:"canonical_id,omitempty"`
	Title           string                 `json:"title"`
	Description     *string                `json:"description,omitempty"`
	Value           *float64               `json:"value,omitempty"`
	Category        *string                `json:"category,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	SourceTimestamp *time.Time             `json:"source_timestamp,omitempty"`
	Extra           map[string]any         `json:"extra,omitempty"`
	CreatedAt       time.Time              `json:"created_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at,omitempty"`
}

// RawRecord stores the unmodified payload of a source record, upserted next
// to its canonical entity for audit and replay.
type RawRecord struct {
	ID         surrealmodels.RecordID `json:"id"`
	SourceType string                 `json:"source_type"`
	SourceID   string                 `json:"source_id"`
	Fields     map[string]any         `json:"fields"`
	IngestedAt time.Time              `json:"ingested_at,omitempty"`
}
