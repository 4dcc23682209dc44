package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/unipipe/internal/drift"
	"github.com/raphaelgruber/unipipe/internal/identity"
	"github.com/raphaelgruber/unipipe/internal/source"
)

func detect(schema drift.Schema, rec source.Record) drift.Report {
	return drift.NewDetector(schema, 0.6).Detect(rec.Fields)
}

func TestNormalizeMapsAliases(t *testing.T) {
	schema := drift.Schema{
		"id":            drift.TypeString,
		"name":          drift.TypeString,
		"current_price": drift.TypeNumber,
		"last_updated":  drift.TypeTimestamp,
	}
	record := source.Record{
		NaturalID: "btc",
		Fields: map[string]any{
			"id":            "btc",
			"name":          "Bitcoin",
			"current_price": 42000.5,
			"last_updated":  "2026-01-02T03:04:05Z",
			"summary":       "largest cryptocurrency",
			"tags":          "crypto, layer1",
		},
	}

	n := NewNormalizer(nil)
	e, err := n.Normalize("api-source", record, detect(schema, record))
	require.NoError(t, err)

	assert.Equal(t, "api-source", e.SourceType)
	assert.Equal(t, "btc", e.SourceID)
	assert.Equal(t, "Bitcoin", e.Title)
	require.NotNil(t, e.Value)
	assert.Equal(t, 42000.5, *e.Value)
	require.NotNil(t, e.Description)
	assert.Equal(t, "largest cryptocurrency", *e.Description)
	assert.Equal(t, []string{"crypto", "layer1"}, e.Tags)
	require.NotNil(t, e.SourceTimestamp)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), *e.SourceTimestamp)
	assert.Nil(t, e.CanonicalID)
}

func TestNormalizeKeepsExtraFields(t *testing.T) {
	schema := drift.Schema{"id": drift.TypeString, "name": drift.TypeString}
	record := source.Record{
		NaturalID: "x",
		Fields: map[string]any{
			"id":        "x",
			"name":      "Thing",
			"vendor_id": "v-17",
		},
	}

	e, err := NewNormalizer(nil).Normalize("csv-source", record, detect(schema, record))
	require.NoError(t, err)
	require.NotNil(t, e.Extra)
	assert.Equal(t, "v-17", e.Extra["vendor_id"])
}

func TestNormalizeUncoercibleValueStaysNull(t *testing.T) {
	schema := drift.Schema{"id": drift.TypeString, "price": drift.TypeNumber}
	record := source.Record{
		NaturalID: "x",
		Fields:    map[string]any{"id": "x", "price": "n/a"},
	}

	e, err := NewNormalizer(nil).Normalize("csv-source", record, detect(schema, record))
	require.NoError(t, err)
	assert.Nil(t, e.Value)
}

func TestNormalizeRequiresNaturalID(t *testing.T) {
	record := source.Record{Fields: map[string]any{"name": "orphan"}}
	_, err := NewNormalizer(nil).Normalize("csv-source", record, drift.Report{})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestNormalizeAppliesIdentityResolver(t *testing.T) {
	schema := drift.Schema{"id": drift.TypeString, "name": drift.TypeString}
	record := source.Record{
		NaturalID: "btc",
		Fields:    map[string]any{"id": "btc", "name": "Bitcoin"},
	}

	resolver := identity.NewVocabulary(map[string]string{"btc": "bitcoin"})
	e, err := NewNormalizer(resolver).Normalize("api-source", record, detect(schema, record))
	require.NoError(t, err)
	require.NotNil(t, e.CanonicalID)
	assert.Equal(t, "bitcoin", *e.CanonicalID)
}

func TestNewRunIDFormat(t *testing.T) {
	id := NewRunID()
	assert.Regexp(t, `^run_\d{8}_\d{6}_[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewRunID())
}
