// Package source defines the extraction capability one ingestion source
// exposes and the connectors implementing it for csv, api and rss inputs.
package source

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/drift"
	"github.com/raphaelgruber/unipipe/internal/models"
	"github.com/raphaelgruber/unipipe/internal/ratelimit"
)

// Record is one raw record as extracted, before drift detection and
// normalization.
type Record struct {
	NaturalID string
	Timestamp *time.Time
	Fields    map[string]any
}

// Connector is the capability a source variant implements. Extract streams
// finite sequences and must be restartable from any previously returned
// cursor; yielding a non-nil error ends the current attempt.
type Connector interface {
	Name() string
	ExpectedSchema() drift.Schema
	Extract(ctx context.Context, cursor models.Cursor) iter.Seq2[Record, error]
}

// New selects the connector implementation for a source by its type tag.
// The limiter bounds the connector's upstream calls; every HTTP request
// consumes one slot. A nil limiter means no call budget.
func New(cfg *config.SourceConfig, limiter *ratelimit.Limiter) (Connector, error) {
	schema, err := schemaFromConfig(cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}

	switch cfg.Type {
	case "csv":
		return newCSVConnector(cfg, schema)
	case "api":
		return newAPIConnector(cfg, schema, limiter)
	case "rss":
		return newFeedConnector(cfg, schema, limiter)
	default:
		return nil, fmt.Errorf("source %s: unknown source type %q", cfg.Name, cfg.Type)
	}
}

func schemaFromConfig(raw map[string]string) (drift.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	schema := make(drift.Schema, len(raw))
	for field, typ := range raw {
		switch ft := drift.FieldType(typ); ft {
		case drift.TypeString, drift.TypeNumber, drift.TypeTimestamp, drift.TypeList:
			schema[field] = ft
		default:
			return nil, fmt.Errorf("field %s: unknown type %q", field, typ)
		}
	}
	return schema, nil
}

// afterCursor reports whether a record lies beyond the resume point.
// Timestamp ordering is preferred when both sides carry one; otherwise the
// caller is expected to have skipped up to the cursor's natural id.
func afterCursor(rec Record, cursor models.Cursor) bool {
	if cursor.LastTimestamp != nil && rec.Timestamp != nil {
		return rec.Timestamp.After(*cursor.LastTimestamp)
	}
	return true
}
