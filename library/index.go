package library

import (
	"sort"

	"github.com/jacentio/medley/entity"
)

// pkKey names the path-key entry of an identity.
const pkKey = "#pk"

// identity is the set of (key name, value) pairs an entity is indexed
// under: its path key plus the transaction source's own key fields.
type identity []identityKey

type identityKey struct {
	name  string
	value string
}

// identityOf returns e's identity as seen by source, source keys first.
func identityOf(e *entity.Entity, source string) identity {
	var id identity
	ids := e.Key(source)
	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := ids[name]; v != "" {
			id = append(id, identityKey{name: name, value: v})
		}
	}
	if pk := e.PathKey(); pk != "" {
		id = append(id, identityKey{name: pkKey, value: pk})
	}
	return id
}

// index maps [type][key name][value] to an entry.
type index[V any] map[entity.Type]map[string]map[string]V

func (ix index[V]) lookup(t entity.Type, id identity) (V, bool) {
	v, _, ok := ix.match(t, id)
	return v, ok
}

// match is lookup that also reports the name of the key that hit.
func (ix index[V]) match(t entity.Type, id identity) (V, string, bool) {
	for _, k := range id {
		if v, ok := ix[t][k.name][k.value]; ok {
			return v, k.name, true
		}
	}
	var zero V
	return zero, "", false
}

func (ix index[V]) add(t entity.Type, id identity, v V) {
	byName := ix[t]
	if byName == nil {
		byName = map[string]map[string]V{}
		ix[t] = byName
	}
	for _, k := range id {
		values := byName[k.name]
		if values == nil {
			values = map[string]V{}
			byName[k.name] = values
		}
		values[k.value] = v
	}
}
