package entity

import (
	"fmt"
	"strconv"
	"time"
)

const (
	assertValue = "value"
	assertAt    = "at"
)

// ToDocument encodes e as a persisted document. Parents are embedded as
// documents without revisions.
func (e *Entity) ToDocument() map[string]any {
	return e.toDocument(true)
}

func (e *Entity) toDocument(withRev bool) map[string]any {
	doc := map[string]any{DocType: string(e.typ)}
	if e.ID != "" {
		doc[DocID] = e.ID
	}
	if withRev && e.Revision != "" {
		doc[DocRev] = e.Revision
	}
	if !e.CreatedAt.IsZero() {
		doc[DocCreatedAt] = formatTime(e.CreatedAt)
	}
	if !e.UpdatedAt.IsZero() {
		doc[DocUpdatedAt] = formatTime(e.UpdatedAt)
	}

	keys := map[string]any{}
	for src, ids := range e.Keys() {
		m := make(map[string]any, len(ids))
		for f, v := range ids {
			m[f] = v
		}
		keys[src] = m
	}
	doc[DocKeys] = keys

	values := map[string]any{}
	for src, layer := range e.layers {
		m := make(map[string]any, len(layer))
		for name, a := range layer {
			m[name] = map[string]any{assertValue: a.Value, assertAt: formatTime(a.At)}
		}
		values[src] = m
	}
	doc[DocValues] = values

	for rel, p := range e.parents {
		doc[string(rel)] = p.toDocument(false)
	}
	return doc
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FromDocument decodes a persisted document, including embedded parents.
func FromDocument(doc map[string]any) (*Entity, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrDecode)
	}
	ts, ok := doc[DocType].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}
	typ := Type(ts)
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %w %q", ErrDecode, ErrUnsupportedType, ts)
	}
	e, _ := New(typ)

	var err error
	if e.ID, err = optionalString(doc, DocID); err != nil {
		return nil, err
	}
	if e.Revision, err = optionalString(doc, DocRev); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = optionalTime(doc, DocCreatedAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = optionalTime(doc, DocUpdatedAt); err != nil {
		return nil, err
	}

	if raw, ok := doc[DocKeys]; ok && raw != nil {
		sources, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: keys is %T", ErrDecode, raw)
		}
		for src, rawIDs := range sources {
			ids, err := stringMap(rawIDs)
			if err != nil {
				return nil, fmt.Errorf("keys.%s: %w", src, err)
			}
			e.keys.merge(src, ids)
		}
	}

	if raw, ok := doc[DocValues]; ok && raw != nil {
		sources, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: values is %T", ErrDecode, raw)
		}
		for src, rawLayer := range sources {
			layer, err := decodeLayer(rawLayer)
			if err != nil {
				return nil, fmt.Errorf("values.%s: %w", src, err)
			}
			e.layers[src] = layer
		}
	}

	for _, rel := range parents[typ] {
		raw, ok := doc[string(rel)]
		if !ok || raw == nil {
			continue
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %T", ErrDecode, rel, raw)
		}
		p, err := FromDocument(m)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rel, err)
		}
		if p.typ != rel {
			return nil, fmt.Errorf("%w: %s holds a %s", ErrDecode, rel, p.typ)
		}
		e.parents[rel] = p
	}
	return e, nil
}

func decodeLayer(raw any) (map[string]Assertion, error) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: layer is %T", ErrDecode, raw)
	}
	layer := make(map[string]Assertion, len(fields))
	for name, rawA := range fields {
		m, ok := rawA.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %T", ErrDecode, name, rawA)
		}
		v, err := normalizeValue(m[assertValue])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDecode, name, err)
		}
		at, err := optionalTime(m, assertAt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		layer[name] = Assertion{Value: v, At: at}
	}
	return layer, nil
}

func optionalString(m map[string]any, name string) (string, error) {
	raw, ok := m[name]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T", ErrDecode, name, raw)
	}
	return s, nil
}

func optionalTime(m map[string]any, name string) (time.Time, error) {
	s, err := optionalString(m, name)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %w", ErrDecode, name, err)
	}
	return t, nil
}

// stringMap converts a decoded object of scalars to identifiers. Numbers are
// accepted and formatted, since many sources use numeric ids.
func stringMap(raw any) (map[string]string, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %T", ErrDecode, raw)
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case nil:
		case string:
			out[k] = x
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case int64:
			out[k] = strconv.FormatInt(x, 10)
		case int:
			out[k] = strconv.Itoa(x)
		default:
			return nil, fmt.Errorf("%w: %s is %T", ErrDecode, k, v)
		}
	}
	return out, nil
}
