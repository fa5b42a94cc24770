package entity

import (
	"fmt"

	"github.com/goccy/go-json"
)

// wireSource names the reporting source in a wire object.
const wireSource = "source"

var reservedWire = map[string]bool{
	DocID:        true,
	DocRev:       true,
	DocType:      true,
	DocKeys:      true,
	DocValues:    true,
	DocCreatedAt: true,
	DocUpdatedAt: true,
	wireSource:   true,
}

// FromPlainObject builds an entity from the flat wire shape sources emit:
// top-level scalar fields become the layer of "source", "keys" holds
// per-source identifiers, and relation names hold nested parent objects
// that inherit the outer source unless they name their own.
func FromPlainObject(obj map[string]any) (*Entity, error) {
	return fromPlain(obj, "")
}

// FromPlainObjectFor is FromPlainObject with source as the default for
// objects that do not name their own.
func FromPlainObjectFor(source string, obj map[string]any) (*Entity, error) {
	return fromPlain(obj, source)
}

func fromPlain(obj map[string]any, inherited string) (*Entity, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: nil object", ErrDecode)
	}
	ts, ok := obj[DocType].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}
	typ, err := ParseType(ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	e, _ := New(typ)

	source := inherited
	if raw, ok := obj[wireSource]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: source is %T", ErrDecode, raw)
		}
		source = s
	}

	if e.ID, err = optionalString(obj, DocID); err != nil {
		return nil, err
	}
	if e.Revision, err = optionalString(obj, DocRev); err != nil {
		return nil, err
	}

	fields := Fields{}
	for name, v := range obj {
		if reservedWire[name] || Type(name).Valid() {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: field %q is not a scalar", ErrDecode, name)
		}
		fields[name] = v
	}
	if len(fields) > 0 {
		if source == "" {
			return nil, fmt.Errorf("%w: %s has fields but no source", ErrDecode, typ)
		}
		if _, err := e.Update(source, fields); err != nil {
			return nil, err
		}
	}

	if raw, ok := obj[DocKeys]; ok && raw != nil {
		sources, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: keys is %T", ErrDecode, raw)
		}
		for src, rawIDs := range sources {
			if src == ItemSource {
				continue
			}
			ids, err := stringMap(rawIDs)
			if err != nil {
				return nil, fmt.Errorf("keys.%s: %w", src, err)
			}
			if _, err := e.SetKeys(src, ids); err != nil {
				return nil, err
			}
		}
	}

	for name, raw := range obj {
		rel := Type(name)
		if !rel.Valid() {
			continue
		}
		if !HasParent(typ, rel) {
			return nil, fmt.Errorf("%w: %s cannot reference %s", ErrDecode, typ, rel)
		}
		if raw == nil {
			continue
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %T", ErrDecode, rel, raw)
		}
		if _, ok := m[DocType]; !ok {
			m = withType(m, rel)
		}
		p, err := fromPlain(m, source)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rel, err)
		}
		if err := e.SetParent(p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
	}
	return e, nil
}

func withType(m map[string]any, t Type) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[DocType] = string(t)
	return out
}

// Decode parses a single JSON wire object.
func Decode(data []byte) (*Entity, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return FromPlainObject(obj)
}

// DecodeMany parses a JSON array of wire objects. Elements that fail to
// decode are reported by index and skipped.
func DecodeMany(data []byte) ([]*Entity, map[int]error, error) {
	return DecodeManyFor("", data)
}

// DecodeManyFor is DecodeMany with source as the default source.
func DecodeManyFor(source string, data []byte) ([]*Entity, map[int]error, error) {
	var objs []map[string]any
	if err := json.Unmarshal(data, &objs); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	out := make([]*Entity, 0, len(objs))
	var failed map[int]error
	for i, obj := range objs {
		e, err := fromPlain(obj, source)
		if err != nil {
			if failed == nil {
				failed = map[int]error{}
			}
			failed[i] = err
			continue
		}
		out = append(out, e)
	}
	return out, failed, nil
}
