package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// TypeMismatch records one field whose value could not be coerced to the
// expected coarse type.
type TypeMismatch struct {
	Field        string `json:"field"`
	ExpectedType string `json:"expected_type"`
	ActualValue  string `json:"actual_value"`
}

// FuzzySuggestion is an advisory near-match between an expected field name
// and an unexpected field found in the record. It is never auto-applied.
type FuzzySuggestion struct {
	MissingField   string  `json:"missing_field"`
	SuggestedField string  `json:"suggested_field"`
	Similarity     float64 `json:"similarity"`
}

// DriftEvent is one append-only audit entry describing how a raw record's
// shape diverged from the expected schema. Drift never blocks ingestion.
type DriftEvent struct {
	ID               surrealmodels.RecordID `json:"id"`
	SourceName       string                 `json:"source_name"`
	RecordID         string                 `json:"record_id"`
	ConfidenceScore  float64                `json:"confidence_score"`
	MissingFields    []string               `json:"missing_fields,omitempty"`
	ExtraFields      []string               `json:"extra_fields,omitempty"`
	TypeMismatches   []TypeMismatch         `json:"type_mismatches,omitempty"`
	FuzzySuggestions []FuzzySuggestion      `json:"fuzzy_suggestions,omitempty"`
	DetectedAt       time.Time              `json:"detected_at,omitempty"`
}
