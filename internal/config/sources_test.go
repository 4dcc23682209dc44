package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSourcesAppliesDefaults(t *testing.T) {
	data := []byte(`
defaults:
  batch_size: 250
  drift_similarity_threshold: 0.7
sources:
  - name: market-csv
    type: csv
    path: ./data/market.csv
    id_column: id
  - name: coins-api
    type: api
    url: https://api.example.com/coins
    batch_size: 50
    rate_limit:
      calls: 100
      period: 60s
    retry:
      max_retries: 5
`)

	s, err := ParseSources(data)
	require.NoError(t, err)
	require.Len(t, s.Sources, 2)

	csv := s.Get("market-csv")
	require.NotNil(t, csv)
	require.Equal(t, 250, csv.BatchSize)
	require.Equal(t, 0.7, csv.DriftThreshold)
	require.Equal(t, 1.0, csv.FailureRateThreshold)
	require.Equal(t, 3, csv.Retry.MaxRetries)
	require.Equal(t, time.Second, csv.Retry.InitialBackoff.Std())

	api := s.Get("coins-api")
	require.NotNil(t, api)
	require.Equal(t, 50, api.BatchSize)
	require.Equal(t, 100, api.RateLimit.Calls)
	require.Equal(t, 60*time.Second, api.RateLimit.Period.Std())
	// Partial retry override keeps defaults for unset fields.
	require.Equal(t, 5, api.Retry.MaxRetries)
	require.Equal(t, 2.0, api.Retry.Multiplier)
	require.Equal(t, 60*time.Second, api.Retry.MaxBackoff.Std())
}

func TestParseSourcesRejectsDuplicates(t *testing.T) {
	data := []byte(`
sources:
  - name: a
    type: csv
  - name: a
    type: rss
`)
	_, err := ParseSources(data)
	require.ErrorContains(t, err, "duplicate source name")
}

func TestParseSourcesRequiresName(t *testing.T) {
	data := []byte(`
sources:
  - type: csv
`)
	_, err := ParseSources(data)
	require.ErrorContains(t, err, "name is required")
}

func TestGetUnknownSource(t *testing.T) {
	s, err := ParseSources([]byte(`sources: []`))
	require.NoError(t, err)
	require.Nil(t, s.Get("nope"))
}
