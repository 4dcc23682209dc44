// Package db provides SurrealDB query functions for canonical entity
// operations.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/unipipe/internal/models"
)

// SourceCount represents a source type with its entity count.
type SourceCount struct {
	SourceType string `json:"source_type"`
	Count      int    `json:"count"`
}

// EntityFilter narrows entity listings. Zero values mean "no filter".
type EntityFilter struct {
	SourceType  *string
	CanonicalID *string
	Category    *string
	Search      string
	Limit       int
	Offset      int
}

// QueryUpsertEntity creates or updates the canonical entity keyed by
// [source_type, source_id]. created_at survives re-ingestion; everything
// else reflects the latest sighting.
// Returns (entity, wasCreated, error) where wasCreated indicates a new row.
func (c *Client) QueryUpsertEntity(ctx context.Context, e models.CanonicalEntity) (*models.CanonicalEntity, bool, error) {
	vars := map[string]any{
		"st":       e.SourceType,
		"sid":      e.SourceID,
		"title":    e.Title,
		"desc":     e.Description,
		"value":    e.Value,
		"category": e.Category,
		"tags":     e.Tags,
		"extra":    e.Extra,
	}
	if e.Tags == nil {
		vars["tags"] = []string{}
	}

	canonicalClause := "canonical_id = NONE,"
	if e.CanonicalID != nil {
		canonicalClause = "canonical_id = $canonical,"
		vars["canonical"] = *e.CanonicalID
	}
	tsClause := "source_timestamp = NONE,"
	if e.SourceTimestamp != nil {
		tsClause = "source_timestamp = type::datetime($source_ts),"
		vars["source_ts"] = e.SourceTimestamp.UTC().Format(time.RFC3339Nano)
	}

	// Statement 1 snapshots the row before the upsert; an empty result
	// means the upsert created it.
	sql := fmt.Sprintf(`
		BEGIN TRANSACTION;
		SELECT * FROM type::thing("entity", [$st, $sid]);
		UPSERT type::thing("entity", [$st, $sid]) SET
			source_type = $st,
			source_id = $sid,
			%s
			title = $title,
			description = $desc,
			value = $value,
			category = $category,
			tags = $tags,
			%s
			extra = $extra,
			created_at = IF created_at THEN created_at ELSE time::now() END,
			updated_at = time::now()
		RETURN AFTER;
		COMMIT TRANSACTION;
	`, canonicalClause, tsClause)

	results, err := surrealdb.Query[[]models.CanonicalEntity](ctx, c.db, sql, vars)
	if err != nil {
		return nil, false, fmt.Errorf("upsert entity: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) < 2 || len((*results)[1].Result) == 0 {
		return nil, false, fmt.Errorf("upsert entity %s/%s: no row returned", e.SourceType, e.SourceID)
	}

	wasCreated := len((*results)[0].Result) == 0
	return &(*results)[1].Result[0], wasCreated, nil
}

// QueryUpsertRawRecord stores the as-extracted payload next to its entity,
// keyed the same way. Re-ingestion overwrites with the newest payload.
func (c *Client) QueryUpsertRawRecord(ctx context.Context, sourceType, sourceID string, fields map[string]any) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::thing("raw_record", [$st, $sid]) SET
			source_type = $st,
			source_id = $sid,
			fields = $fields,
			ingested_at = time::now()
	`, map[string]any{"st": sourceType, "sid": sourceID, "fields": fields})
	if err != nil {
		return fmt.Errorf("upsert raw record: %w", wrapQueryError(err))
	}
	return nil
}

// QueryGetEntity retrieves one canonical entity by its composite key.
// Returns nil if not found.
func (c *Client) QueryGetEntity(ctx context.Context, sourceType, sourceID string) (*models.CanonicalEntity, error) {
	results, err := surrealdb.Query[[]models.CanonicalEntity](ctx, c.db, `
		SELECT * FROM type::thing("entity", [$st, $sid])
	`, map[string]any{"st": sourceType, "sid": sourceID})

	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// QueryListEntities returns entities matching the filter, newest first.
// Search matches title and description through the full-text indexes.
func (c *Client) QueryListEntities(ctx context.Context, filter EntityFilter) ([]models.CanonicalEntity, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ""
	vars := map[string]any{"limit": limit, "offset": filter.Offset}
	and := func(clause string) {
		if where == "" {
			where = "WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}

	if filter.SourceType != nil {
		and("source_type = $source_type")
		vars["source_type"] = *filter.SourceType
	}
	if filter.CanonicalID != nil {
		and("canonical_id = $canonical_id")
		vars["canonical_id"] = *filter.CanonicalID
	}
	if filter.Category != nil {
		and("category = $category")
		vars["category"] = *filter.Category
	}
	if filter.Search != "" {
		and("(title @0@ $q OR description @1@ $q)")
		vars["q"] = filter.Search
	}

	sql := fmt.Sprintf(`
		SELECT * FROM entity %s ORDER BY updated_at DESC LIMIT $limit START $offset
	`, where)

	results, err := surrealdb.Query[[]models.CanonicalEntity](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.CanonicalEntity{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryEntityCountsBySource returns entity counts grouped by source type.
func (c *Client) QueryEntityCountsBySource(ctx context.Context) ([]SourceCount, error) {
	results, err := surrealdb.Query[[]SourceCount](ctx, c.db, `
		SELECT source_type, count() AS count FROM entity GROUP BY source_type ORDER BY count DESC
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("entity counts: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []SourceCount{}, nil
	}
	return (*results)[0].Result, nil
}

type countRow struct {
	Count int `json:"count"`
}

// QueryCountEntities returns the total number of canonical entities.
func (c *Client) QueryCountEntities(ctx context.Context) (int, error) {
	results, err := surrealdb.Query[[]countRow](ctx, c.db, `
		SELECT count() AS count FROM entity GROUP ALL
	`, nil)
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].Count, nil
}
