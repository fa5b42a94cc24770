package entity

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Well-known fields. Any other field name is accepted and merged with the
// recency policy.
const (
	FieldTitle    = "title"
	FieldNumber   = "number"
	FieldDuration = "duration"
)

// Policy selects how the canonical value of a field is derived from layers.
type Policy int

const (
	// PolicyRecent keeps the most recent assertion across sources.
	PolicyRecent Policy = iota
	// PolicyMinimum keeps the smallest positive numeric assertion.
	PolicyMinimum
)

var policies = map[string]Policy{
	FieldDuration: PolicyMinimum,
}

// PolicyFor returns the merge policy applied to field.
func PolicyFor(field string) Policy {
	return policies[field]
}

// Assertion is a single value reported by one source, with the time it was
// recorded.
type Assertion struct {
	Value any
	At    time.Time
}

// Fields is a flat set of field values reported by one source.
type Fields map[string]any

// normalizeValue reduces v to one of string, int64, float64 or bool so that
// values round-trip through JSON and DynamoDB and compare with ==.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: integer %d out of range", ErrInvalidEntity, x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: integer %d out of range", ErrInvalidEntity, x)
		}
		return int64(x), nil
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrInvalidEntity, v)
	}
}

// maxExactFloat is the largest integer a float64 represents exactly.
const maxExactFloat = 1 << 53

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number", ErrInvalidEntity)
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxExactFloat {
		return int64(f), nil
	}
	return f, nil
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		if x == math.Trunc(x) {
			return int64(x), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// equivalent reports whether a newer value b should be considered the same
// observation as a. Strings compare by slug so casing and punctuation
// variants from different sources do not flip the canonical value.
func equivalent(a, b any) bool {
	if a == b {
		return true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return false
	}
	sa := Slug(as)
	return sa != "" && sa == Slug(bs)
}

type candidate struct {
	source string
	Assertion
}

// canonical derives the canonical assertion for field from every layer.
func (e *Entity) canonical(field string) (candidate, bool) {
	var cands []candidate
	for _, src := range sortedKeys(e.layers) {
		if a, ok := e.layers[src][field]; ok {
			cands = append(cands, candidate{source: src, Assertion: a})
		}
	}
	if len(cands) == 0 {
		return candidate{}, false
	}

	if PolicyFor(field) == PolicyMinimum {
		best, bestVal := -1, 0.0
		for i, c := range cands {
			f, ok := toFloat(c.Value)
			if !ok || f <= 0 {
				continue
			}
			if best < 0 || f < bestVal {
				best, bestVal = i, f
			}
		}
		if best >= 0 {
			return cands[best], true
		}
	}

	// Stable sort keeps source-name order for equal timestamps.
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].At.Before(cands[j].At)
	})
	cur := cands[0]
	for _, c := range cands[1:] {
		if !equivalent(cur.Value, c.Value) {
			cur = c
		}
	}
	return cur, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
