package entity

import "sort"

// Reserved key source holding the derived path key.
const (
	ItemSource = "item"
	SlugKey    = "slug"
)

// Keys maps a source name to the identifiers that source uses for an entity.
type Keys map[string]map[string]string

func (k Keys) clone() Keys {
	out := make(Keys, len(k))
	for src, ids := range k {
		m := make(map[string]string, len(ids))
		for f, v := range ids {
			m[f] = v
		}
		out[src] = m
	}
	return out
}

// merge folds ids into the set for source, overwriting conflicting values.
// Empty values are skipped.
func (k Keys) merge(source string, ids map[string]string) bool {
	changed := false
	for f, v := range ids {
		if v == "" {
			continue
		}
		cur := k[source]
		if cur == nil {
			cur = map[string]string{}
			k[source] = cur
		}
		if cur[f] == v {
			continue
		}
		cur[f] = v
		changed = true
	}
	return changed
}

// conflict returns the first identifier in incoming that disagrees with k.
// The derived item source never conflicts.
func (k Keys) conflict(t Type, incoming Keys) error {
	sources := make([]string, 0, len(incoming))
	for src := range incoming {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		if src == ItemSource {
			continue
		}
		cur := k[src]
		for _, f := range sortedKeys(incoming[src]) {
			v := incoming[src][f]
			if existing, ok := cur[f]; ok && v != "" && existing != v {
				return &KeysConflictError{Type: t, Source: src, Field: f, Existing: existing, Incoming: v}
			}
		}
	}
	return nil
}
