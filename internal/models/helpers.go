package models

import (
	"fmt"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RecordIDString safely extracts the string ID from a SurrealDB RecordID.
// Returns an error if the ID is not a string type.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// CompositeIDParts extracts [source_type, source_id] from a composite record
// ID as used by the entity and raw_record tables.
func CompositeIDParts(id surrealmodels.RecordID) (sourceType, sourceID string, err error) {
	parts, ok := id.ID.([]any)
	if !ok || len(parts) != 2 {
		return "", "", fmt.Errorf("unexpected composite ID: %v", id.ID)
	}
	st, ok1 := parts[0].(string)
	sid, ok2 := parts[1].(string)
	if !ok1 || !ok2 {
		return "", "", fmt.Errorf("non-string composite ID parts: %v", id.ID)
	}
	return st, sid, nil
}
