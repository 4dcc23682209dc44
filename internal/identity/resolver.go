// Package identity assigns cross-source canonical identities to entities.
// Resolution is a pluggable strategy: the ingestion core works unchanged
// when no resolver is configured.
package identity

import (
	"regexp"
	"strings"
)

// Resolver derives a cross-source grouping key for an entity. An empty
// return means "no canonical identity", which is always acceptable.
type Resolver interface {
	Resolve(sourceType, sourceID, title string) string
}

// Disabled is the no-op resolver.
type Disabled struct{}

func (Disabled) Resolve(string, string, string) string { return "" }

// Vocabulary resolves identities through a fixed alias table, mapping
// known titles and source IDs to a shared key. Lookup is case-insensitive.
type Vocabulary struct {
	aliases map[string]string
}

// NewVocabulary builds a vocabulary resolver from alias -> canonical pairs.
func NewVocabulary(aliases map[string]string) *Vocabulary {
	v := &Vocabulary{aliases: make(map[string]string, len(aliases))}
	for alias, canonical := range aliases {
		v.aliases[strings.ToLower(strings.TrimSpace(alias))] = canonical
	}
	return v
}

func (v *Vocabulary) Resolve(_, sourceID, title string) string {
	if c, ok := v.aliases[strings.ToLower(strings.TrimSpace(sourceID))]; ok {
		return c
	}
	if c, ok := v.aliases[strings.ToLower(strings.TrimSpace(title))]; ok {
		return c
	}
	return ""
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// TitleSlug derives the identity from a normalized title slug. Entities
// sharing a title modulo case, punctuation and whitespace group together.
type TitleSlug struct{}

func (TitleSlug) Resolve(_, _, title string) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = nonAlnum.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// Chain tries each resolver in order and returns the first non-empty
// identity.
type Chain []Resolver

func (c Chain) Resolve(sourceType, sourceID, title string) string {
	for _, r := range c {
		if id := r.Resolve(sourceType, sourceID, title); id != "" {
			return id
		}
	}
	return ""
}
