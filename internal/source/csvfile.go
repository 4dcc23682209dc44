package source

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/drift"
	"github.com/raphaelgruber/unipipe/internal/models"
)

// csvConnector streams rows from a headered CSV file. Rows keep their file
// order, so resume skips everything up to and including the cursor's id.
type csvConnector struct {
	name       string
	path       string
	idColumn   string
	idExplicit bool
	tsColumn   string
	schema     drift.Schema
}

var defaultCSVSchema = drift.Schema{
	"id":           drift.TypeString,
	"name":         drift.TypeString,
	"symbol":       drift.TypeString,
	"price":        drift.TypeNumber,
	"market_cap":   drift.TypeNumber,
	"last_updated": drift.TypeTimestamp,
}

func newCSVConnector(cfg *config.SourceConfig, schema drift.Schema) (*csvConnector, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("source %s: csv source requires a path", cfg.Name)
	}
	if schema == nil {
		schema = defaultCSVSchema
	}
	idColumn := cfg.IDColumn
	if idColumn == "" {
		idColumn = "id"
	}
	return &csvConnector{
		name:       cfg.Name,
		path:       cfg.Path,
		idColumn:   idColumn,
		idExplicit: cfg.IDColumn != "",
		tsColumn:   cfg.TimestampColumn,
		schema:     schema,
	}, nil
}

func (c *csvConnector) Name() string                 { return c.name }
func (c *csvConnector) ExpectedSchema() drift.Schema { return c.schema }

func (c *csvConnector) Extract(ctx context.Context, cursor models.Cursor) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(c.path)
		if err != nil {
			yield(Record{}, fmt.Errorf("open %s: %w", c.path, err))
			return
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1 // drifted files may gain or lose columns

		header, err := r.Read()
		if err != nil {
			yield(Record{}, fmt.Errorf("read header of %s: %w", c.path, err))
			return
		}

		idIdx := indexOf(header, c.idColumn)
		if idIdx < 0 && c.idExplicit {
			yield(Record{}, fmt.Errorf("csv %s: id column %q not in header", c.path, c.idColumn))
			return
		}
		// Without an id column, rows get a stable content-hash id so
		// re-ingestion of the same row stays idempotent.
		tsIdx := -1
		if c.tsColumn != "" {
			tsIdx = indexOf(header, c.tsColumn)
		}

		// A timestamp cursor filters by recency and survives re-exported
		// files; without one, skip rows up to the last processed id.
		resumed := cursor.LastID == "" || cursor.LastTimestamp != nil
		line := 1
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}

			row, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			line++
			if err != nil {
				if !yield(Record{}, fmt.Errorf("csv %s line %d: %w", c.path, line, err)) {
					return
				}
				continue
			}

			rec := c.rowToRecord(header, row, idIdx, tsIdx)

			if !resumed {
				if rec.NaturalID == cursor.LastID {
					resumed = true
				}
				continue
			}
			if !afterCursor(rec, cursor) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (c *csvConnector) rowToRecord(header, row []string, idIdx, tsIdx int) Record {
	fields := make(map[string]any, len(header))
	for i, name := range header {
		if i < len(row) {
			fields[name] = row[i]
		}
	}

	rec := Record{Fields: fields}
	if idIdx >= 0 && idIdx < len(row) {
		rec.NaturalID = row[idIdx]
	} else {
		rec.NaturalID = rowHash(row)
	}
	if tsIdx >= 0 && tsIdx < len(row) {
		if coerced, ok := drift.Coerce(row[tsIdx], drift.TypeTimestamp); ok {
			if t, ok := coerced.(time.Time); ok {
				rec.Timestamp = &t
			}
		}
	}
	return rec
}

func rowHash(row []string) string {
	sum := sha256.Sum256([]byte(strings.Join(row, "\x1f")))
	return hex.EncodeToString(sum[:8])
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}
