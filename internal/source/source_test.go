package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/models"
	"github.com/raphaelgruber/unipipe/internal/ratelimit"
)

func collect(t *testing.T, conn Connector, cursor models.Cursor) []Record {
	t.Helper()
	var out []Record
	for rec, err := range conn.Extract(context.Background(), cursor) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func ids(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.NaturalID)
	}
	return out
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(&config.SourceConfig{Name: "x", Type: "ftp"}, nil)
	require.ErrorContains(t, err, "unknown source type")
}

func TestNewRejectsBadSchemaType(t *testing.T) {
	_, err := New(&config.SourceConfig{
		Name: "x", Type: "csv", Path: "f.csv",
		Schema: map[string]string{"price": "decimal"},
	}, nil)
	require.ErrorContains(t, err, `unknown type "decimal"`)
}

func TestCSVExtractAll(t *testing.T) {
	path := writeCSV(t, "id,name,price\na,Alpha,1.5\nb,Beta,2.5\nc,Gamma,3.5\n")
	conn, err := New(&config.SourceConfig{Name: "test-csv", Type: "csv", Path: path}, nil)
	require.NoError(t, err)

	records := collect(t, conn, models.Cursor{})
	assert.Equal(t, []string{"a", "b", "c"}, ids(records))
	assert.Equal(t, "Alpha", records[0].Fields["name"])
	assert.Equal(t, "1.5", records[0].Fields["price"])
}

func TestCSVResumeSkipsUpToCursor(t *testing.T) {
	path := writeCSV(t, "id,name\na,Alpha\nb,Beta\nc,Gamma\n")
	conn, err := New(&config.SourceConfig{Name: "test-csv", Type: "csv", Path: path}, nil)
	require.NoError(t, err)

	records := collect(t, conn, models.Cursor{LastID: "b"})
	assert.Equal(t, []string{"c"}, ids(records))
}

func TestCSVTimestampColumn(t *testing.T) {
	path := writeCSV(t, "id,updated\na,2026-01-01T00:00:00Z\nb,2026-01-02T00:00:00Z\n")
	conn, err := New(&config.SourceConfig{
		Name: "test-csv", Type: "csv", Path: path, TimestampColumn: "updated",
	}, nil)
	require.NoError(t, err)

	records := collect(t, conn, models.Cursor{})
	require.Len(t, records, 2)
	require.NotNil(t, records[0].Timestamp)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *records[0].Timestamp)

	// Resume by timestamp: only strictly newer rows come back.
	ts := *records[0].Timestamp
	resumed := collect(t, conn, models.Cursor{LastID: "a", LastTimestamp: &ts})
	assert.Equal(t, []string{"b"}, ids(resumed))
}

func TestCSVMissingIDColumn(t *testing.T) {
	// An explicitly configured id column must exist.
	path := writeCSV(t, "name,price\nAlpha,1\n")
	conn, err := New(&config.SourceConfig{Name: "test-csv", Type: "csv", Path: path, IDColumn: "row_id"}, nil)
	require.NoError(t, err)

	for _, err := range conn.Extract(context.Background(), models.Cursor{}) {
		require.ErrorContains(t, err, `id column "row_id" not in header`)
		return
	}
	t.Fatal("expected an error from extraction")
}

func TestCSVContentHashFallback(t *testing.T) {
	// Without any id column, rows get stable content-hash ids.
	path := writeCSV(t, "name,price\nAlpha,1\nBeta,2\n")
	conn, err := New(&config.SourceConfig{Name: "test-csv", Type: "csv", Path: path}, nil)
	require.NoError(t, err)

	records := collect(t, conn, models.Cursor{})
	require.Len(t, records, 2)
	assert.NotEmpty(t, records[0].NaturalID)
	assert.NotEqual(t, records[0].NaturalID, records[1].NaturalID)

	// Same content hashes to the same id across extractions.
	again := collect(t, conn, models.Cursor{})
	assert.Equal(t, ids(records), ids(again))
}

func TestAPIExtractPaginates(t *testing.T) {
	pages := map[int][]map[string]any{
		1: {{"id": "a", "name": "Alpha"}, {"id": "b", "name": "Beta"}},
		2: {{"id": "c", "name": "Gamma"}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))
		_ = json.NewEncoder(w).Encode(pages[page])
	}))
	defer srv.Close()

	t.Setenv("TEST_API_KEY", "sekrit")
	conn, err := New(&config.SourceConfig{
		Name: "test-api", Type: "api",
		URL: srv.URL, APIKeyEnv: "TEST_API_KEY", PageSize: 2,
	}, nil)
	require.NoError(t, err)

	records := collect(t, conn, models.Cursor{})
	assert.Equal(t, []string{"a", "b", "c"}, ids(records))
}

func TestAPIExtractEnvelopeAndTimestampResume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "a", "last_updated": "2026-01-01T00:00:00Z"},
				{"id": "b", "last_updated": "2026-01-02T00:00:00Z"},
			},
		})
	}))
	defer srv.Close()

	conn, err := New(&config.SourceConfig{Name: "test-api", Type: "api", URL: srv.URL}, nil)
	require.NoError(t, err)

	all := collect(t, conn, models.Cursor{})
	assert.Equal(t, []string{"a", "b"}, ids(all))

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	resumed := collect(t, conn, models.Cursor{LastID: "a", LastTimestamp: &ts})
	assert.Equal(t, []string{"b"}, ids(resumed))
}

func TestAPIRateLimitBoundsPageFetches(t *testing.T) {
	var requests atomic.Int32
	pages := map[int][]map[string]any{
		1: {{"id": "a"}},
		2: {{"id": "b"}},
		3: {{"id": "c"}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		_ = json.NewEncoder(w).Encode(pages[page])
	}))
	defer srv.Close()

	cfg := &config.SourceConfig{Name: "test-api", Type: "api", URL: srv.URL, PageSize: 1}

	// Every page fetch consumes one slot: 3 full pages + the empty tail.
	limiter := ratelimit.New(10, time.Minute)
	conn, err := New(cfg, limiter)
	require.NoError(t, err)

	records := collect(t, conn, models.Cursor{})
	assert.Equal(t, []string{"a", "b", "c"}, ids(records))
	assert.Equal(t, int32(4), requests.Load())
	assert.Equal(t, 6, limiter.Available())

	// An exhausted budget blocks the next page instead of dispatching it.
	tight, err := New(cfg, ratelimit.New(1, time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	before := requests.Load()
	var got []string
	var lastErr error
	for rec, err := range tight.Extract(ctx, models.Cursor{}) {
		if err != nil {
			lastErr = err
			break
		}
		got = append(got, rec.NaturalID)
	}
	require.ErrorIs(t, lastErr, context.DeadlineExceeded)
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, before+1, requests.Load())
}

func TestAPIExtractErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	conn, err := New(&config.SourceConfig{Name: "test-api", Type: "api", URL: srv.URL}, nil)
	require.NoError(t, err)

	for _, err := range conn.Extract(context.Background(), models.Cursor{}) {
		require.ErrorContains(t, err, "unexpected status 429")
		return
	}
	t.Fatal("expected an error from extraction")
}

const testFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Example</title>
  <item>
    <title>Newest</title>
    <link>https://example.com/2</link>
    <guid>post-2</guid>
    <pubDate>Fri, 02 Jan 2026 00:00:00 +0000</pubDate>
    <description>second</description>
  </item>
  <item>
    <title>Oldest</title>
    <link>https://example.com/1</link>
    <guid>post-1</guid>
    <pubDate>Thu, 01 Jan 2026 00:00:00 +0000</pubDate>
    <description>first</description>
  </item>
</channel></rss>`

func TestFeedExtractOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testFeed)
	}))
	defer srv.Close()

	conn, err := New(&config.SourceConfig{Name: "test-rss", Type: "rss", URL: srv.URL}, nil)
	require.NoError(t, err)

	records := collect(t, conn, models.Cursor{})
	assert.Equal(t, []string{"post-1", "post-2"}, ids(records))
	assert.Equal(t, "Oldest", records[0].Fields["title"])
	require.NotNil(t, records[0].Timestamp)
}

func TestFeedResumeByTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testFeed)
	}))
	defer srv.Close()

	conn, err := New(&config.SourceConfig{Name: "test-rss", Type: "rss", URL: srv.URL}, nil)
	require.NoError(t, err)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := collect(t, conn, models.Cursor{LastID: "post-1", LastTimestamp: &ts})
	assert.Equal(t, []string{"post-2"}, ids(records))
}
