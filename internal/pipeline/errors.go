package pipeline

import "fmt"

// ExtractionError marks a failure while pulling records from a source.
// Extraction failures are transient by default and go through the retry
// executor, which re-opens the stream from the last committed cursor.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract from %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ValidationError marks one record that cannot be normalized. Validation
// failures are permanent for that record: it is counted as failed and the
// run continues.
type ValidationError struct {
	RecordID string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %q: %s", e.RecordID, e.Reason)
}
