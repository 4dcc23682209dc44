package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/drift"
	"github.com/raphaelgruber/unipipe/internal/models"
	"github.com/raphaelgruber/unipipe/internal/ratelimit"
)

// apiConnector pages through a JSON HTTP API. Responses are either a bare
// array of objects or an envelope with a "data" array.
type apiConnector struct {
	name     string
	baseURL  string
	apiKey   string
	pageSize int
	idField  string
	tsField  string
	schema   drift.Schema
	limiter  *ratelimit.Limiter
	client   *http.Client
}

var defaultAPISchema = drift.Schema{
	"id":            drift.TypeString,
	"name":          drift.TypeString,
	"symbol":        drift.TypeString,
	"current_price": drift.TypeNumber,
	"market_cap":    drift.TypeNumber,
	"last_updated":  drift.TypeTimestamp,
}

func newAPIConnector(cfg *config.SourceConfig, schema drift.Schema, limiter *ratelimit.Limiter) (*apiConnector, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("source %s: api source requires a url", cfg.Name)
	}
	if schema == nil {
		schema = defaultAPISchema
	}

	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("source %s: api key env %s is not set", cfg.Name, cfg.APIKeyEnv)
		}
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	timeout := cfg.RequestTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	idField := cfg.IDColumn
	if idField == "" {
		idField = "id"
	}

	return &apiConnector{
		name:     cfg.Name,
		baseURL:  cfg.URL,
		apiKey:   apiKey,
		pageSize: pageSize,
		idField:  idField,
		tsField:  cfg.TimestampColumn,
		schema:   schema,
		limiter:  limiter,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (c *apiConnector) Name() string                 { return c.name }
func (c *apiConnector) ExpectedSchema() drift.Schema { return c.schema }

func (c *apiConnector) Extract(ctx context.Context, cursor models.Cursor) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		resumed := cursor.LastID == "" || cursor.LastTimestamp != nil

		for page := 1; ; page++ {
			items, err := c.fetchPage(ctx, page)
			if err != nil {
				yield(Record{}, err)
				return
			}

			for _, fields := range items {
				rec := c.itemToRecord(fields)

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

			if len(items) < c.pageSize {
				return
			}
		}
	}
}

// envelope covers APIs wrapping their results in a data field.
type envelope struct {
	Data []map[string]any `json:"data"`
}

func (c *apiConnector) fetchPage(ctx context.Context, page int) ([]map[string]any, error) {
	// Every page is one upstream call; the source's budget caps pages, not
	// extraction attempts.
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %s: %w", c.baseURL, err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", page, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch page %d: unexpected status %d", page, resp.StatusCode)
	}

	var items []map[string]any
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode page %d: %w", page, err)
	}
	return env.Data, nil
}

func (c *apiConnector) itemToRecord(fields map[string]any) Record {
	rec := Record{Fields: fields}

	if raw, ok := fields[c.idField]; ok {
		rec.NaturalID = fmt.Sprintf("%v", raw)
	}

	tsField := c.tsField
	if tsField == "" {
		tsField = "last_updated"
	}
	if raw, ok := fields[tsField]; ok {
		if coerced, ok := drift.Coerce(raw, drift.TypeTimestamp); ok {
			if t, ok := coerced.(time.Time); ok {
				rec.Timestamp = &t
			}
		}
	}
	return rec
}
