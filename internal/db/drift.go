// Package db provides SurrealDB query functions for the drift audit log.
package db

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/unipipe/internal/models"
)

// QueryLogDriftEvent appends one drift event to the audit log. Events are
// never updated or deleted by the pipeline.
func (c *Client) QueryLogDriftEvent(ctx context.Context, event models.DriftEvent) error {
	mismatches := make([]map[string]any, 0, len(event.TypeMismatches))
	for _, m := range event.TypeMismatches {
		mismatches = append(mismatches, map[string]any{
			"field":         m.Field,
			"expected_type": m.ExpectedType,
			"actual_value":  m.ActualValue,
		})
	}
	suggestions := make([]map[string]any, 0, len(event.FuzzySuggestions))
	for _, s := range event.FuzzySuggestions {
		suggestions = append(suggestions, map[string]any{
			"missing_field":   s.MissingField,
			"suggested_field": s.SuggestedField,
			"similarity":      s.Similarity,
		})
	}

	missing := event.MissingFields
	if missing == nil {
		missing = []string{}
	}
	extra := event.ExtraFields
	if extra == nil {
		extra = []string{}
	}

	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE drift_event SET
			source_name = $source,
			record_id = $record_id,
			confidence_score = $confidence,
			missing_fields = $missing,
			extra_fields = $extra,
			type_mismatches = $mismatches,
			fuzzy_suggestions = $suggestions
	`, map[string]any{
		"source":      event.SourceName,
		"record_id":   event.RecordID,
		"confidence":  event.ConfidenceScore,
		"missing":     missing,
		"extra":       extra,
		"mismatches":  mismatches,
		"suggestions": suggestions,
	})
	if err != nil {
		return fmt.Errorf("log drift event: %w", wrapQueryError(err))
	}
	return nil
}

// QueryListDriftEvents returns drift events, most recent first. A nil source
// returns events across all sources.
func (c *Client) QueryListDriftEvents(ctx context.Context, source *string, limit int) ([]models.DriftEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	sourceClause := ""
	vars := map[string]any{"limit": limit}
	if source != nil {
		sourceClause = "WHERE source_name = $source"
		vars["source"] = *source
	}

	sql := fmt.Sprintf(`
		SELECT * FROM drift_event %s ORDER BY detected_at DESC LIMIT $limit
	`, sourceClause)

	results, err := surrealdb.Query[[]models.DriftEvent](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list drift events: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.DriftEvent{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryCountDriftEvents returns the drift event total, optionally per source.
func (c *Client) QueryCountDriftEvents(ctx context.Context, source *string) (int, error) {
	sourceClause := ""
	vars := map[string]any{}
	if source != nil {
		sourceClause = "WHERE source_name = $source"
		vars["source"] = *source
	}

	sql := fmt.Sprintf(`
		SELECT count() AS count FROM drift_event %s GROUP ALL
	`, sourceClause)

	results, err := surrealdb.Query[[]countRow](ctx, c.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("count drift events: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].Count, nil
}
