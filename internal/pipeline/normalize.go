package pipeline

import (
	"time"

	"github.com/raphaelgruber/unipipe/internal/drift"
	"github.com/raphaelgruber/unipipe/internal/identity"
	"github.com/raphaelgruber/unipipe/internal/models"
	"github.com/raphaelgruber/unipipe/internal/source"
)

// Canonical field aliases, tried in order. Sources name the same business
// field differently; the first coerced alias wins.
var (
	titleAliases       = []string{"title", "name"}
	descriptionAliases = []string{"description", "summary", "content"}
	valueAliases       = []string{"value", "price", "current_price", "amount"}
	categoryAliases    = []string{"category", "section"}
	tagAliases         = []string{"tags", "labels"}
)

// Normalizer maps raw records plus their drift report into canonical
// entities. Identity resolution is optional and injected.
type Normalizer struct {
	resolver identity.Resolver
}

// NewNormalizer creates a normalizer. A nil resolver disables cross-source
// identity resolution.
func NewNormalizer(resolver identity.Resolver) *Normalizer {
	if resolver == nil {
		resolver = identity.Disabled{}
	}
	return &Normalizer{resolver: resolver}
}

// Normalize builds the canonical entity for one record. Only the drift
// report's coerced values feed canonical fields; uncoercible values stay
// null rather than aborting the record. The record must carry a natural id.
func (n *Normalizer) Normalize(sourceType string, rec source.Record, report drift.Report) (models.CanonicalEntity, error) {
	if rec.NaturalID == "" {
		return models.CanonicalEntity{}, &ValidationError{Reason: "missing natural id"}
	}

	// Coerced schema fields first, then best-effort coercion of raw fields
	// the schema doesn't cover.
	lookup := func(aliases []string, typ drift.FieldType) (any, bool) {
		for _, name := range aliases {
			if v, ok := report.Coerced[name]; ok {
				return v, true
			}
		}
		for _, name := range aliases {
			raw, ok := rec.Fields[name]
			if !ok {
				continue
			}
			if v, ok := drift.Coerce(raw, typ); ok && v != nil {
				return v, true
			}
		}
		return nil, false
	}

	e := models.CanonicalEntity{
		SourceType: sourceType,
		SourceID:   rec.NaturalID,
	}

	if v, ok := lookup(titleAliases, drift.TypeString); ok {
		e.Title, _ = v.(string)
	}
	if v, ok := lookup(descriptionAliases, drift.TypeString); ok {
		if s, ok := v.(string); ok && s != "" {
			e.Description = &s
		}
	}
	if v, ok := lookup(valueAliases, drift.TypeNumber); ok {
		if f, ok := v.(float64); ok {
			e.Value = &f
		}
	}
	if v, ok := lookup(categoryAliases, drift.TypeString); ok {
		if s, ok := v.(string); ok && s != "" {
			e.Category = &s
		}
	}
	if v, ok := lookup(tagAliases, drift.TypeList); ok {
		if tags, ok := v.([]string); ok {
			e.Tags = tags
		}
	}

	if rec.Timestamp != nil {
		ts := rec.Timestamp.UTC()
		e.SourceTimestamp = &ts
	} else if v, ok := report.Coerced["last_updated"]; ok {
		if t, ok := v.(time.Time); ok {
			e.SourceTimestamp = &t
		}
	}

	// Unexpected fields ride along in the extension map instead of being
	// dropped.
	if len(report.ExtraFields) > 0 {
		e.Extra = make(map[string]any, len(report.ExtraFields))
		for _, name := range report.ExtraFields {
			e.Extra[name] = rec.Fields[name]
		}
	}

	if canonical := n.resolver.Resolve(sourceType, rec.NaturalID, e.Title); canonical != "" {
		e.CanonicalID = &canonical
	}

	return e, nil
}
