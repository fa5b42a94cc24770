package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// Reserved document fields.
const (
	FieldID   = "_id"
	FieldRev  = "_rev"
	FieldType = "type"
)

// Document is a JSON-shaped record. Nested objects are map[string]any and
// numbers decode as float64.
type Document map[string]any

// ID returns the document id, or "".
func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// Rev returns the document revision, or "".
func (d Document) Rev() string {
	s, _ := d[FieldRev].(string)
	return s
}

// Type returns the document type, or "".
func (d Document) Type() string {
	s, _ := d[FieldType].(string)
	return s
}

// Lookup resolves a dotted path such as "keys.alpha.id" to its scalar value
// formatted as a string.
func (d Document) Lookup(path string) (string, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if dm, isDoc := cur.(Document); isDoc {
				m = dm
			} else {
				return "", false
			}
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

// shallowCopy returns a copy of d safe to stamp with _id and _rev.
func (d Document) shallowCopy() Document {
	out := make(Document, len(d)+2)
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Condition matches a field against one or more values.
type Condition struct {
	Values []string
}

// Eq matches a single value.
func Eq(v string) Condition { return Condition{Values: []string{v}} }

// In matches any of vs.
func In(vs ...string) Condition { return Condition{Values: vs} }

func (c Condition) matches(v string) bool {
	for _, want := range c.Values {
		if want == v {
			return true
		}
	}
	return false
}

// Selector is a conjunction of conditions keyed by dotted field path.
type Selector map[string]Condition

// Fields returns the selector's paths, sorted.
func (s Selector) Fields() []string {
	out := make([]string, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Matches reports whether doc satisfies every condition in s.
func (s Selector) Matches(doc Document) bool {
	for path, cond := range s {
		v, ok := doc.Lookup(path)
		if !ok || !cond.matches(v) {
			return false
		}
	}
	return true
}

// Query selects documents. Limit <= 0 means no limit.
type Query struct {
	Selector Selector
	Limit    int
}

// WriteResult reports the outcome of one document write.
type WriteResult struct {
	OK  bool
	ID  string
	Rev string
	Err error
}

// Index declares a set of fields that are looked up together. Name is
// derived from the sorted fields.
type Index struct {
	Name   string
	Fields []string
}

// NewIndex builds an index over fields.
func NewIndex(fields ...string) Index {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	return Index{Name: strings.Join(sorted, "+"), Fields: sorted}
}

// DocumentStore is a JSON document database with optimistic revisions.
//
// Writes are atomic per document. BulkDocs reports one result per input in
// order; an error return means the whole call failed (closed store,
// cancelled context) rather than an individual document.
type DocumentStore interface {
	Get(ctx context.Context, id string) (Document, error)
	Post(ctx context.Context, doc Document) (WriteResult, error)
	Put(ctx context.Context, doc Document) (WriteResult, error)
	BulkDocs(ctx context.Context, docs []Document) ([]WriteResult, error)
	Find(ctx context.Context, q Query) ([]Document, error)
	EnsureIndex(ctx context.Context, idx Index) error
	Close() error
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	indexes []Index
	limiter *rate.Limiter
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIndexes declares indexes at open time.
func WithIndexes(idx ...Index) Option {
	return func(o *options) { o.indexes = append(o.indexes, idx...) }
}

// WithWriteLimit throttles writes to r per second with the given burst.
func WithWriteLimit(r float64, burst int) Option {
	return func(o *options) {
		if r > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
		}
	}
}

// plan is how a backend should answer a selector.
type plan struct {
	ids   []string // direct _id lookups
	index *Index   // declared index to probe
	keys  []string // index entry keys, one per value combination
	typ   string   // type scan
}

// maxIndexProbes bounds the cartesian expansion of $in conditions.
const maxIndexProbes = 256

// planQuery picks the cheapest access path for sel given the declared
// indexes: id lookup, then the widest index fully covered by the selector,
// then a type scan. A zero plan means a full scan. Results must still be
// filtered with sel.Matches.
func planQuery(sel Selector, indexes map[string]Index, entryKey func(Index, []string) string) plan {
	if cond, ok := sel[FieldID]; ok {
		return plan{ids: cond.Values}
	}

	var best *Index
	for name := range indexes {
		idx := indexes[name]
		covered := true
		for _, f := range idx.Fields {
			if _, ok := sel[f]; !ok {
				covered = false
				break
			}
		}
		if !covered {
			continue
		}
		if best == nil || len(idx.Fields) > len(best.Fields) ||
			(len(idx.Fields) == len(best.Fields) && idx.Name < best.Name) {
			best = &idx
		}
	}
	if best != nil {
		combos := [][]string{nil}
		for _, f := range best.Fields {
			var next [][]string
			for _, c := range combos {
				for _, v := range sel[f].Values {
					next = append(next, append(append([]string(nil), c...), v))
				}
			}
			combos = next
		}
		if len(combos) <= maxIndexProbes {
			p := plan{index: best}
			for _, c := range combos {
				p.keys = append(p.keys, entryKey(*best, c))
			}
			return p
		}
	}

	if cond, ok := sel[FieldType]; ok && len(cond.Values) == 1 {
		return plan{typ: cond.Values[0]}
	}
	return plan{}
}

// indexValues returns the values doc holds for idx, or false when any field
// is missing.
func indexValues(doc Document, idx Index) ([]string, bool) {
	vals := make([]string, len(idx.Fields))
	for i, f := range idx.Fields {
		v, ok := doc.Lookup(f)
		if !ok {
			return nil, false
		}
		vals[i] = v
	}
	return vals, true
}

func validateForWrite(doc Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	if _, ok := doc[FieldID]; ok && doc.ID() == "" {
		return fmt.Errorf("%w: _id must be a non-empty string", ErrInvalidDocument)
	}
	if doc.Type() == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidDocument)
	}
	return nil
}

// sortByID orders documents by id for stable Find results.
func sortByID(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
}

// bulk runs write for each document, honouring ctx between documents.
func bulk(ctx context.Context, docs []Document, write func(context.Context, Document) (WriteResult, error)) ([]WriteResult, error) {
	results := make([]WriteResult, len(docs))
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := write(ctx, doc)
		if err != nil {
			res = WriteResult{ID: doc.ID(), Err: err}
		}
		results[i] = res
	}
	return results, nil
}
