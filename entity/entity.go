package entity

import (
	"fmt"
	"strings"
	"time"
)

// Entity is a media metadata record assembled from one or more sources.
//
// An Entity is not safe for concurrent mutation.
type Entity struct {
	// ID is the store-assigned identifier; empty until persisted.
	ID string

	// Revision is the store revision the entity was read at.
	Revision string

	// CreatedAt is when the entity was first persisted.
	CreatedAt time.Time

	// UpdatedAt is the time of the most recent change to any layer.
	UpdatedAt time.Time

	typ     Type
	keys    Keys
	layers  map[string]map[string]Assertion
	parents map[Type]*Entity
}

// New returns an empty entity of type t.
func New(t Type) (*Entity, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, t)
	}
	return &Entity{
		typ:     t,
		keys:    Keys{},
		layers:  map[string]map[string]Assertion{},
		parents: map[Type]*Entity{},
	}, nil
}

// Create builds an entity of type t whose first layer is fields as reported
// by source, with ids as that source's keys.
func Create(t Type, source string, fields Fields, ids map[string]string) (*Entity, error) {
	e, err := New(t)
	if err != nil {
		return nil, err
	}
	if _, err := e.Update(source, fields); err != nil {
		return nil, err
	}
	if _, err := e.SetKeys(source, ids); err != nil {
		return nil, err
	}
	return e, nil
}

// Type returns the entity type.
func (e *Entity) Type() Type { return e.typ }

// Valid reports whether e is a usable entity.
func (e *Entity) Valid() bool {
	return e != nil && e.typ.Valid() && e.layers != nil && e.keys != nil && e.parents != nil
}

func checkSource(source string) error {
	switch {
	case source == "":
		return fmt.Errorf("%w: empty source", ErrInvalidEntity)
	case source == ItemSource:
		return fmt.Errorf("%w: source %q is reserved", ErrInvalidEntity, source)
	case strings.Contains(source, "."):
		return fmt.Errorf("%w: source %q contains '.'", ErrInvalidEntity, source)
	}
	return nil
}

// Update records fields as asserted by source now. See UpdateAt.
func (e *Entity) Update(source string, fields Fields) (bool, error) {
	return e.UpdateAt(source, fields, time.Now().UTC())
}

// UpdateAt overwrites only the fields present in fields within the layer of
// source, leaving other layers and fields untouched. Nil values are ignored.
// An assertion equal to the one already held keeps its original time. It
// reports whether any assertion changed; on error nothing is modified.
func (e *Entity) UpdateAt(source string, fields Fields, at time.Time) (bool, error) {
	if !e.Valid() {
		return false, ErrInvalidEntity
	}
	if err := checkSource(source); err != nil {
		return false, err
	}

	normalized := make(map[string]any, len(fields))
	for name, raw := range fields {
		if name == "" {
			return false, fmt.Errorf("%w: empty field name", ErrInvalidEntity)
		}
		if raw == nil {
			continue
		}
		v, err := normalizeValue(raw)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", name, err)
		}
		normalized[name] = v
	}

	changed := false
	for name, v := range normalized {
		layer := e.layers[source]
		if layer == nil {
			layer = map[string]Assertion{}
			e.layers[source] = layer
		}
		if cur, ok := layer[name]; ok && cur.Value == v {
			continue
		}
		layer[name] = Assertion{Value: v, At: at}
		changed = true
	}
	if changed {
		e.touch(at)
	}
	return changed, nil
}

// SetKeys merges ids into the key set of source, overwriting conflicting
// values. It reports whether the key set changed.
func (e *Entity) SetKeys(source string, ids map[string]string) (bool, error) {
	if !e.Valid() {
		return false, ErrInvalidEntity
	}
	if len(ids) == 0 {
		return false, nil
	}
	if err := checkSource(source); err != nil {
		return false, err
	}
	return e.keys.merge(source, ids), nil
}

func (e *Entity) touch(at time.Time) {
	if at.After(e.UpdatedAt) {
		e.UpdatedAt = at
	}
}

// Sources returns the names of every source with a value layer, sorted.
func (e *Entity) Sources() []string {
	return sortedKeys(e.layers)
}

// Layer returns a copy of the assertions recorded for source.
func (e *Entity) Layer(source string) map[string]Assertion {
	layer := e.layers[source]
	if layer == nil {
		return nil
	}
	out := make(map[string]Assertion, len(layer))
	for k, v := range layer {
		out[k] = v
	}
	return out
}

// Get returns the canonical value of field, or nil when no source asserts it.
func (e *Entity) Get(field string) any {
	c, ok := e.canonical(field)
	if !ok {
		return nil
	}
	return c.Value
}

// Provenance returns the source and time behind the canonical value of field.
func (e *Entity) Provenance(field string) (source string, at time.Time, ok bool) {
	c, ok := e.canonical(field)
	if !ok {
		return "", time.Time{}, false
	}
	return c.source, c.At, true
}

// Values returns the canonical value of every field asserted by any source.
func (e *Entity) Values() Fields {
	names := map[string]struct{}{}
	for _, layer := range e.layers {
		for name := range layer {
			names[name] = struct{}{}
		}
	}
	out := make(Fields, len(names))
	for name := range names {
		out[name] = e.Get(name)
	}
	return out
}

// Title returns the canonical title, or "" if none is known.
func (e *Entity) Title() string {
	s, _ := e.Get(FieldTitle).(string)
	return s
}

// Number returns the canonical number (track, season or episode number).
func (e *Entity) Number() (int64, bool) {
	return toInt64(e.Get(FieldNumber))
}

// Duration returns the canonical duration: the minimum positive value reported.
func (e *Entity) Duration() (int64, bool) {
	return toInt64(e.Get(FieldDuration))
}

// Keys returns a copy of every source's identifiers together with the
// derived item slug.
func (e *Entity) Keys() Keys {
	k := e.keys.clone()
	delete(k, ItemSource)
	if pk := e.PathKey(); pk != "" {
		k[ItemSource] = map[string]string{SlugKey: pk}
	}
	return k
}

// Key returns a copy of the identifiers supplied by source.
func (e *Entity) Key(source string) map[string]string {
	return e.Keys()[source]
}

// Parent returns the referenced entity of type rel, or nil.
func (e *Entity) Parent(rel Type) *Entity {
	return e.parents[rel]
}

// Relations returns the referenced parents, ancestor first.
func (e *Entity) Relations() []*Entity {
	var out []*Entity
	for _, rel := range parents[e.typ] {
		if p := e.parents[rel]; p != nil {
			out = append(out, p)
		}
	}
	return out
}

// SetParent attaches p under its type. The type must be a relation of e.
func (e *Entity) SetParent(p *Entity) error {
	if !e.Valid() || !p.Valid() {
		return ErrInvalidEntity
	}
	if !HasParent(e.typ, p.typ) {
		return fmt.Errorf("%w: %s cannot reference %s", ErrInvalidEntity, e.typ, p.typ)
	}
	e.parents[p.typ] = p
	return nil
}

// Apply merges other into e: key sets are unioned, value layers are
// overlaid and parent references are replaced following the resolved-id
// rules below. In strict mode a disagreeing identifier fails with a
// *KeysConflictError before anything is modified; otherwise the incoming
// identifier replaces the stored one.
//
// Parent references:
//   - no current parent: take the incoming one (a change when it has an id)
//   - incoming without id: replace only a current parent that also lacks one
//   - same id: adopt the incoming pointer without counting a change
//   - different id: take the incoming one
func (e *Entity) Apply(other *Entity, strict bool) (bool, error) {
	if !e.Valid() || !other.Valid() {
		return false, ErrInvalidEntity
	}
	if e.typ != other.typ {
		return false, fmt.Errorf("%w: cannot apply %s onto %s", ErrInvalidEntity, other.typ, e.typ)
	}
	if strict {
		if err := e.keys.conflict(e.typ, other.keys); err != nil {
			return false, err
		}
	}

	changed := false
	for _, src := range sortedKeys(other.keys) {
		if src == ItemSource {
			continue
		}
		if e.keys.merge(src, other.keys[src]) {
			changed = true
		}
	}

	for src, layer := range other.layers {
		dst := e.layers[src]
		if dst == nil {
			dst = make(map[string]Assertion, len(layer))
			e.layers[src] = dst
		}
		for name, a := range layer {
			if cur, ok := dst[name]; ok && cur.Value == a.Value {
				continue
			}
			dst[name] = a
			changed = true
		}
	}

	for _, rel := range parents[e.typ] {
		in := other.parents[rel]
		if in == nil {
			continue
		}
		cur := e.parents[rel]
		switch {
		case cur == nil:
			e.parents[rel] = in
			if in.ID != "" {
				changed = true
			}
		case in.ID == "":
			if cur.ID == "" {
				e.parents[rel] = in
			}
		case in.ID == cur.ID:
			e.parents[rel] = in
		default:
			e.parents[rel] = in
			changed = true
		}
	}

	if changed {
		e.touch(other.UpdatedAt)
	}
	return changed, nil
}

// Inherit returns a merge of e onto stored, the persisted version of the
// same entity. The merge carries stored's id, revision and creation time and
// counts as changed when Apply reports a change or the path key no longer
// matches the stored slug. On success e is replaced by the merge.
func (e *Entity) Inherit(stored *Entity, strict bool) (*Entity, bool, error) {
	if !e.Valid() || !stored.Valid() {
		return nil, false, ErrInvalidEntity
	}
	merged := stored.Clone()
	changed, err := merged.Apply(e, strict)
	if err != nil {
		return nil, false, err
	}
	merged.ID = stored.ID
	merged.Revision = stored.Revision
	merged.CreatedAt = stored.CreatedAt

	if merged.PathKey() != stored.keys[ItemSource][SlugKey] {
		changed = true
	}
	e.Restore(merged)
	return e, changed, nil
}

// Clone returns a copy of e with independent keys and layers. Parent
// pointers are shared.
func (e *Entity) Clone() *Entity {
	c := *e
	c.keys = e.keys.clone()
	c.layers = make(map[string]map[string]Assertion, len(e.layers))
	for src, layer := range e.layers {
		m := make(map[string]Assertion, len(layer))
		for k, v := range layer {
			m[k] = v
		}
		c.layers[src] = m
	}
	c.parents = make(map[Type]*Entity, len(e.parents))
	for k, v := range e.parents {
		c.parents[k] = v
	}
	return &c
}

// Restore overwrites e with a copy of snapshot, typically one taken with Clone.
func (e *Entity) Restore(snapshot *Entity) {
	*e = *snapshot.Clone()
}

// String identifies e for logs.
func (e *Entity) String() string {
	if e == nil {
		return "<nil>"
	}
	id := e.ID
	if id == "" {
		id = "new"
	}
	return fmt.Sprintf("%s(%s %q)", e.typ, id, e.PathKey())
}
