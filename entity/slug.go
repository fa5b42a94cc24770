package entity

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// pathSeparator joins path key components; missingComponent stands in for an
// ancestor whose identifying value is unknown.
const (
	pathSeparator    = ":"
	missingComponent = "~"
)

// Slug folds s to a lowercase, diacritic-free token of letters and digits
// separated by single dashes. Two titles that differ only in casing,
// punctuation, spacing or accents share a slug.
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// component returns the path key segment contributed by e. Seasons and
// episodes are identified by number when one is known.
func component(e *Entity) string {
	if e == nil {
		return ""
	}
	switch e.typ {
	case TypeSeason, TypeEpisode:
		if n, ok := e.Number(); ok {
			return strconv.FormatInt(n, 10)
		}
	}
	return Slug(e.Title())
}

// PathKey returns the source-independent identity of e: the slugs of its
// ancestors and itself joined by ":", with "~" for unknown ancestors. It is
// empty when e itself has no title (or number, for seasons and episodes).
func (e *Entity) PathKey() string {
	own := component(e)
	if own == "" {
		return ""
	}
	rels := parents[e.typ]
	parts := make([]string, 0, len(rels)+1)
	for _, rel := range rels {
		c := component(e.parents[rel])
		if c == "" {
			c = missingComponent
		}
		parts = append(parts, c)
	}
	parts = append(parts, own)
	return strings.Join(parts, pathSeparator)
}
