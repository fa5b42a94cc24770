package entity

import (
	"fmt"
	"sort"
	"strings"
)

// Document field names shared by selectors and the document codec.
const (
	DocID        = "_id"
	DocRev       = "_rev"
	DocType      = "type"
	DocCreatedAt = "created_at"
	DocUpdatedAt = "updated_at"
	DocKeys      = "keys"
	DocValues    = "values"
)

// Selector is an equality match on dotted document paths.
type Selector map[string]string

// Fields returns the selector's paths, sorted.
func (s Selector) Fields() []string {
	return sortedKeys(s)
}

// KeyPath returns the document path of a key field for source.
func KeyPath(source, field string) string {
	return DocKeys + "." + source + "." + field
}

// KeySchemas names, per source, the key fields that identify an entity. A
// source with a schema only produces a selector when all of its fields are
// present; a source without one matches on whatever fields it supplied.
type KeySchemas map[string][]string

// IndexFields returns the field sets that should be indexed so every
// selector built from these schemas is served by an index.
func (s KeySchemas) IndexFields() [][]string {
	seen := map[string]bool{}
	var out [][]string
	add := func(fields []string) {
		sort.Strings(fields)
		name := strings.Join(fields, "+")
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, fields)
	}

	add([]string{DocType, KeyPath(ItemSource, SlugKey)})
	for _, src := range sortedKeys(s) {
		if src == ItemSource || len(s[src]) == 0 {
			continue
		}
		fields := []string{DocType}
		for _, f := range s[src] {
			fields = append(fields, KeyPath(src, f))
		}
		add(fields)
	}
	return out
}

// Selectors returns the lookups that identify e: one per source key set and
// one on the path key. Every selector includes the entity type.
func (e *Entity) Selectors(schemas KeySchemas) ([]Selector, error) {
	if !e.Valid() {
		return nil, ErrInvalidEntity
	}

	var out []Selector
	for _, src := range sortedKeys(e.keys) {
		ids := e.keys[src]
		if src == ItemSource || len(ids) == 0 {
			continue
		}
		sel := Selector{DocType: string(e.typ)}
		if fields := schemas[src]; len(fields) > 0 {
			complete := true
			for _, f := range fields {
				v := ids[f]
				if v == "" {
					complete = false
					break
				}
				sel[KeyPath(src, f)] = v
			}
			if !complete {
				continue
			}
		} else {
			for f, v := range ids {
				sel[KeyPath(src, f)] = v
			}
		}
		out = append(out, sel)
	}

	if pk := e.PathKey(); pk != "" {
		out = append(out, Selector{
			DocType:                      string(e.typ),
			KeyPath(ItemSource, SlugKey): pk,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSelectors, e.typ)
	}
	return out, nil
}
