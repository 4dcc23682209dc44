// Package drift compares raw records against an expected schema and reports
// field-shape divergence. Drift is advisory: detection never rejects a
// record, it only lowers confidence and logs what changed.
package drift

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/raphaelgruber/unipipe/internal/models"
)

// FieldType is the coarse type a schema field is expected to coerce to.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeTimestamp FieldType = "timestamp"
	TypeList      FieldType = "list"
)

// Schema maps required field names to their expected coarse types.
type Schema map[string]FieldType

// DefaultSimilarityThreshold is the minimum normalized similarity for a
// fuzzy field-name suggestion. Heuristic default; configurable per source.
const DefaultSimilarityThreshold = 0.6

// Report describes how one record's shape compares to the expected schema.
type Report struct {
	// Confidence is matched required fields / total required fields, where
	// matched means present (exactly or via an accepted fuzzy suggestion)
	// and coercible to the expected type.
	Confidence       float64
	MissingFields    []string
	ExtraFields      []string
	TypeMismatches   []models.TypeMismatch
	FuzzySuggestions []models.FuzzySuggestion

	// Coerced holds the expected fields whose values coerced successfully.
	// Fuzzy-suggested values are deliberately absent: suggestions are
	// advisory and never substituted into the canonical mapping.
	Coerced map[string]any
}

// HasDrift reports whether this record should be persisted to the drift log.
func (r Report) HasDrift() bool {
	return r.Confidence < 1.0 || len(r.TypeMismatches) > 0
}

// Detector checks records against one source's expected schema.
type Detector struct {
	schema    Schema
	threshold float64
}

// NewDetector creates a detector. A non-positive threshold falls back to
// DefaultSimilarityThreshold.
func NewDetector(schema Schema, threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &Detector{schema: schema, threshold: threshold}
}

// Detect compares a raw field map against the expected schema.
func (d *Detector) Detect(fields map[string]any) Report {
	report := Report{Coerced: make(map[string]any, len(d.schema))}

	if len(d.schema) == 0 {
		report.Confidence = 1.0
		return report
	}

	matchedExtra := make(map[string]bool)
	matched := 0

	for _, name := range sortedKeys(d.schema) {
		expected := d.schema[name]

		value, present := fields[name]
		if !present {
			report.MissingFields = append(report.MissingFields, name)
			continue
		}

		coerced, ok := Coerce(value, expected)
		if !ok {
			report.TypeMismatches = append(report.TypeMismatches, models.TypeMismatch{
				Field:        name,
				ExpectedType: string(expected),
				ActualValue:  truncate(fmt.Sprintf("%v", value), 50),
			})
			continue
		}
		if coerced != nil {
			report.Coerced[name] = coerced
		}
		matched++
	}

	for name := range fields {
		if _, expected := d.schema[name]; !expected {
			report.ExtraFields = append(report.ExtraFields, name)
		}
	}
	sort.Strings(report.ExtraFields)

	// Fuzzy-match missing fields against the leftover extras. A good match
	// counts toward confidence when its value would coerce, but the value is
	// never mapped: the suggestion is for a human to act on.
	for _, missing := range report.MissingFields {
		best, ok := d.bestMatch(missing, report.ExtraFields, matchedExtra)
		if !ok {
			continue
		}
		report.FuzzySuggestions = append(report.FuzzySuggestions, best)
		matchedExtra[best.SuggestedField] = true

		if _, coercible := Coerce(fields[best.SuggestedField], d.schema[missing]); coercible {
			matched++
		}
	}

	report.Confidence = float64(matched) / float64(len(d.schema))
	return report
}

// bestMatch finds the most similar unclaimed extra field above the threshold.
func (d *Detector) bestMatch(missing string, extras []string, claimed map[string]bool) (models.FuzzySuggestion, bool) {
	best := models.FuzzySuggestion{MissingField: missing, Similarity: d.threshold}
	found := false

	for _, extra := range extras {
		if claimed[extra] {
			continue
		}
		sim := Similarity(missing, extra)
		if sim >= best.Similarity && (!found || sim > best.Similarity) {
			best.SuggestedField = extra
			best.Similarity = sim
			found = true
		}
	}
	return best, found
}

// Similarity computes normalized edit-distance similarity in [0,1].
// Comparison is case-insensitive.
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1.0
	}
	// Distance counts runes, so the denominator must too.
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(longest)
}

// Coerce converts a raw value to the expected coarse type. A nil value is
// treated as present-but-empty: it coerces to nil without a mismatch.
func Coerce(value any, expected FieldType) (any, bool) {
	if value == nil {
		return nil, true
	}

	switch expected {
	case TypeString:
		switch v := value.(type) {
		case string:
			return v, true
		case float64, float32, int, int32, int64, bool:
			return fmt.Sprintf("%v", v), true
		default:
			return nil, false
		}

	case TypeNumber:
		switch v := value.(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case int32:
			return float64(v), true
		case int64:
			return float64(v), true
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return nil, true
			}
			f, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				return nil, false
			}
			return f, true
		default:
			return nil, false
		}

	case TypeTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v.UTC(), true
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return nil, true
			}
			t, ok := parseTimestamp(trimmed)
			if !ok {
				return nil, false
			}
			return t, true
		default:
			return nil, false
		}

	case TypeList:
		switch v := value.(type) {
		case []string:
			return v, true
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				out = append(out, fmt.Sprintf("%v", item))
			}
			return out, true
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, true
			}
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if trimmed := strings.TrimSpace(p); trimmed != "" {
					out = append(out, trimmed)
				}
			}
			return out, true
		default:
			return nil, false
		}
	}

	return nil, false
}

// timestampLayouts are tried in order; sources use a handful of shapes.
var timestampLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	// Unix seconds, common in API payloads.
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

func sortedKeys(s Schema) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
