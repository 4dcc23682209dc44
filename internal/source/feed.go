package source

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/drift"
	"github.com/raphaelgruber/unipipe/internal/models"
	"github.com/raphaelgruber/unipipe/internal/ratelimit"
)

// feedConnector pulls an RSS 2.0 feed. Feeds are newest-first and
// unpaginated, so resume relies on the published timestamp.
type feedConnector struct {
	name    string
	url     string
	schema  drift.Schema
	limiter *ratelimit.Limiter
	client  *http.Client
}

var defaultFeedSchema = drift.Schema{
	"title":     drift.TypeString,
	"link":      drift.TypeString,
	"summary":   drift.TypeString,
	"published": drift.TypeTimestamp,
}

func newFeedConnector(cfg *config.SourceConfig, schema drift.Schema, limiter *ratelimit.Limiter) (*feedConnector, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("source %s: rss source requires a url", cfg.Name)
	}
	if schema == nil {
		schema = defaultFeedSchema
	}
	timeout := cfg.RequestTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &feedConnector{
		name:    cfg.Name,
		url:     cfg.URL,
		schema:  schema,
		limiter: limiter,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *feedConnector) Name() string                 { return c.name }
func (c *feedConnector) ExpectedSchema() drift.Schema { return c.schema }

type rssDoc struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate"`
	Description string `xml:"description"`
	Category    string `xml:"category"`
}

func (c *feedConnector) Extract(ctx context.Context, cursor models.Cursor) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		doc, err := c.fetch(ctx)
		if err != nil {
			yield(Record{}, err)
			return
		}

		// Oldest first, so a mid-stream checkpoint resumes correctly.
		items := doc.Channel.Items
		for i := len(items) - 1; i >= 0; i-- {
			rec := itemRecord(items[i])

			if cursor.LastID != "" && cursor.LastTimestamp == nil && rec.NaturalID == cursor.LastID {
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

func (c *feedConnector) fetch(ctx context.Context) (*rssDoc, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", c.url, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed %s: unexpected status %d", c.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read feed %s: %w", c.url, err)
	}

	var doc rssDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", c.url, err)
	}
	return &doc, nil
}

func itemRecord(item rssItem) Record {
	fields := map[string]any{
		"title":     item.Title,
		"link":      item.Link,
		"summary":   item.Description,
		"published": item.PubDate,
	}
	if item.Category != "" {
		fields["category"] = item.Category
	}

	rec := Record{Fields: fields}

	rec.NaturalID = item.GUID
	if rec.NaturalID == "" {
		rec.NaturalID = item.Link
	}

	if coerced, ok := drift.Coerce(item.PubDate, drift.TypeTimestamp); ok {
		if t, ok := coerced.(time.Time); ok {
			rec.Timestamp = &t
		}
	}
	return rec
}
