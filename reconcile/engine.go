package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/internal/metrics"
	"github.com/jacentio/medley/store"
)

// Engine creates, updates, fetches and upserts entities against a document
// store. It holds no per-call state and is safe for concurrent use as long
// as callers do not share entities between calls.
type Engine struct {
	store   store.DocumentStore
	schemas entity.KeySchemas
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeySchemas sets the per-source key fields used to build selectors.
func WithKeySchemas(s entity.KeySchemas) Option {
	return func(e *Engine) { e.schemas = s }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an engine persisting through s.
func New(s store.DocumentStore, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying document store.
func (e *Engine) Store() store.DocumentStore { return e.store }

// KeySchemas returns the configured key schemas.
func (e *Engine) KeySchemas() entity.KeySchemas { return e.schemas }

// Indexes returns the store indexes needed to serve every selector the
// engine can build.
func (e *Engine) Indexes() []store.Index {
	var out []store.Index
	for _, fields := range e.schemas.IndexFields() {
		out = append(out, store.NewIndex(fields...))
	}
	return out
}

// EnsureIndexes declares Indexes on the store.
func (e *Engine) EnsureIndexes(ctx context.Context) error {
	for _, idx := range e.Indexes() {
		if err := e.store.EnsureIndex(ctx, idx); err != nil {
			return fmt.Errorf("ensure index %s: %w", idx.Name, err)
		}
	}
	return nil
}

// stamp sets creation and modification times for a write.
func (e *Engine) stamp(item *entity.Entity) {
	now := e.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
}

func toStoreSelector(sel entity.Selector) store.Selector {
	out := make(store.Selector, len(sel))
	for path, v := range sel {
		out[path] = store.Eq(v)
	}
	return out
}

// Get loads and decodes the entity with id.
func (e *Engine) Get(ctx context.Context, id string) (*entity.Entity, error) {
	doc, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return entity.FromDocument(doc)
}

// Find loads and decodes every entity matching q.
func (e *Engine) Find(ctx context.Context, q store.Query) ([]*entity.Entity, error) {
	docs, err := e.store.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Entity, 0, len(docs))
	for _, doc := range docs {
		item, err := entity.FromDocument(doc)
		if err != nil {
			e.logger.Warn("skipping undecodable document", "id", doc.ID(), "error", err)
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// FindByType loads every entity of type t.
func (e *Engine) FindByType(ctx context.Context, t entity.Type) ([]*entity.Entity, error) {
	return e.Find(ctx, store.Query{Selector: store.Selector{store.FieldType: store.Eq(string(t))}})
}

// lookup finds the stored document for item: by id when known, otherwise by
// the first selector that matches. It returns nil when nothing matches.
func (e *Engine) lookup(ctx context.Context, item *entity.Entity) (store.Document, error) {
	if item.ID != "" {
		doc, err := e.store.Get(ctx, item.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return doc, err
	}

	selectors, err := item.Selectors(e.schemas)
	if err != nil {
		return nil, err
	}
	for _, sel := range selectors {
		docs, err := e.store.Find(ctx, store.Query{Selector: toStoreSelector(sel), Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			return docs[0], nil
		}
	}
	return nil, nil
}

// Create persists a new item and stamps its id and revision.
func (e *Engine) Create(ctx context.Context, item *entity.Entity) (Result, error) {
	if !item.Valid() {
		return Result{}, ErrInvalidItem
	}
	if item.ID != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyCreated, item.ID)
	}

	snapshot := item.Clone()
	e.stamp(item)
	res, err := e.store.Post(ctx, store.Document(item.ToDocument()))
	if err != nil {
		item.Restore(snapshot)
		metrics.CountItems("create", item.Type().String(), metrics.OutcomeFailed, 1)
		return Result{}, fmt.Errorf("create %s: %w", item.Type(), err)
	}
	item.ID, item.Revision = res.ID, res.Rev

	metrics.CountItems("create", item.Type().String(), metrics.OutcomeCreated, 1)
	e.logger.Debug("created item", "type", item.Type(), "id", item.ID)
	return Result{Created: true, Item: item}, nil
}

// CreateMany persists every valid, unpersisted item in one bulk write. Nil
// or malformed items count as invalid, items with an id as existing.
func (e *Engine) CreateMany(ctx context.Context, items []*entity.Entity) (CreateManyResult, error) {
	if items == nil {
		return CreateManyResult{}, fmt.Errorf("%w: nil items", ErrInvalidArgument)
	}
	result := CreateManyResult{Items: append([]*entity.Entity(nil), items...)}
	if len(items) == 0 {
		return result, nil
	}

	var (
		pending   []int
		docs      []store.Document
		snapshots []*entity.Entity
	)
	for i, item := range items {
		switch {
		case !item.Valid():
			result.Errors.Invalid++
		case item.ID != "":
			result.Errors.Exists++
		default:
			snapshots = append(snapshots, item.Clone())
			e.stamp(item)
			pending = append(pending, i)
			docs = append(docs, store.Document(item.ToDocument()))
		}
	}
	if len(docs) == 0 {
		return result, nil
	}

	writes, err := e.store.BulkDocs(ctx, docs)
	if err != nil {
		for n, i := range pending {
			items[i].Restore(snapshots[n])
		}
		return CreateManyResult{}, fmt.Errorf("bulk create: %w", err)
	}

	counts := map[entity.Type]int{}
	for n, i := range pending {
		item, w := items[i], writes[n]
		if !w.OK {
			item.Restore(snapshots[n])
			result.Errors.Failed++
			e.logger.Warn("bulk create failed", "type", item.Type(), "error", w.Err)
			metrics.CountItems("create", item.Type().String(), metrics.OutcomeFailed, 1)
			continue
		}
		item.ID, item.Revision = w.ID, w.Rev
		result.Created++
		counts[item.Type()]++
	}
	for t, n := range counts {
		metrics.CountItems("create", t.String(), metrics.OutcomeCreated, n)
	}
	metrics.CountItems("create", "", metrics.OutcomeInvalid, result.Errors.Invalid)
	metrics.CountItems("create", "", metrics.OutcomeExists, result.Errors.Exists)
	return result, nil
}

// Fetch resolves item against the store and merges the stored state into
// it, then does the same for its relations. An item that already carries a
// revision is treated as resolved. It reports whether item itself matched
// a stored document; no match is not an error.
func (e *Engine) Fetch(ctx context.Context, item *entity.Entity) (bool, error) {
	if !item.Valid() {
		return false, ErrInvalidItem
	}
	ord, ok := orderings[item.Type()]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedType, item.Type())
	}

	found := item.Revision != ""
	if !found {
		doc, err := e.lookup(ctx, item)
		if err != nil {
			return false, fmt.Errorf("fetch %s: %w", item.Type(), err)
		}
		if doc != nil {
			stored, err := entity.FromDocument(doc)
			if err != nil {
				return false, err
			}
			if _, _, err := item.Inherit(stored, false); err != nil {
				return false, err
			}
			found = true
		}
	}

	for _, rel := range ord.fetch {
		if p := item.Parent(rel); p != nil {
			if _, err := e.Fetch(ctx, p); err != nil {
				return found, fmt.Errorf("fetch %s of %s: %w", rel, item.Type(), err)
			}
		}
	}
	return found, nil
}

// Update merges item onto its stored document and writes the result. No
// write happens when the merge changes nothing.
func (e *Engine) Update(ctx context.Context, item *entity.Entity) (Result, error) {
	if !item.Valid() {
		return Result{}, ErrInvalidItem
	}
	if item.ID == "" {
		return Result{}, ErrNotCreated
	}

	doc, err := e.store.Get(ctx, item.ID)
	if err != nil {
		return Result{}, fmt.Errorf("update %s %s: %w", item.Type(), item.ID, err)
	}
	stored, err := entity.FromDocument(doc)
	if err != nil {
		return Result{}, err
	}

	_, changed, err := item.Inherit(stored, true)
	if err != nil {
		return Result{}, err
	}
	if !changed {
		metrics.CountItems("update", item.Type().String(), metrics.OutcomeMatched, 1)
		return Result{Item: item}, nil
	}

	e.stamp(item)
	res, err := e.store.Put(ctx, store.Document(item.ToDocument()))
	if err != nil {
		metrics.CountItems("update", item.Type().String(), metrics.OutcomeFailed, 1)
		return Result{}, fmt.Errorf("update %s %s: %w", item.Type(), item.ID, err)
	}
	item.Revision = res.Rev

	metrics.CountItems("update", item.Type().String(), metrics.OutcomeUpdated, 1)
	e.logger.Debug("updated item", "type", item.Type(), "id", item.ID, "rev", item.Revision)
	return Result{Updated: true, Item: item}, nil
}

// UpdateOption configures UpdateMany.
type UpdateOption func(*updateConfig)

type updateConfig struct {
	strict bool
}

// WithKeyCorrections lets incoming identifiers replace conflicting stored
// ones instead of failing the item.
func WithKeyCorrections() UpdateOption {
	return func(c *updateConfig) { c.strict = false }
}

// UpdateMany merges every valid, persisted item onto its stored document,
// reading all documents in one query and writing only the changed ones in
// one bulk write.
func (e *Engine) UpdateMany(ctx context.Context, items []*entity.Entity, opts ...UpdateOption) (UpdateManyResult, error) {
	if items == nil {
		return UpdateManyResult{}, fmt.Errorf("%w: nil items", ErrInvalidArgument)
	}
	cfg := updateConfig{strict: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	result := UpdateManyResult{Items: append([]*entity.Entity(nil), items...)}
	var (
		valid []int
		ids   []string
	)
	for i, item := range items {
		switch {
		case !item.Valid():
			result.Errors.Invalid++
		case item.ID == "":
			result.Errors.NotCreated++
		default:
			valid = append(valid, i)
			ids = append(ids, item.ID)
		}
	}
	if len(valid) == 0 {
		return result, nil
	}

	docs, err := e.store.Find(ctx, store.Query{Selector: store.Selector{store.FieldID: store.In(ids...)}})
	if err != nil {
		return UpdateManyResult{}, fmt.Errorf("bulk read: %w", err)
	}
	current := make(map[string]store.Document, len(docs))
	for _, doc := range docs {
		current[doc.ID()] = doc
	}

	var (
		changed   []int
		writes    []store.Document
		snapshots []*entity.Entity
	)
	for _, i := range valid {
		item := items[i]
		doc, ok := current[item.ID]
		if !ok {
			result.Errors.Failed++
			e.logger.Warn("update target missing", "type", item.Type(), "id", item.ID)
			continue
		}
		stored, err := entity.FromDocument(doc)
		if err != nil {
			result.Errors.Failed++
			e.logger.Warn("undecodable stored document", "id", item.ID, "error", err)
			continue
		}
		snapshot := item.Clone()
		_, diff, err := item.Inherit(stored, cfg.strict)
		if err != nil {
			result.Errors.Failed++
			e.logger.Warn("merge failed", "type", item.Type(), "id", item.ID, "error", err)
			continue
		}
		if !diff {
			continue
		}
		e.stamp(item)
		changed = append(changed, i)
		writes = append(writes, store.Document(item.ToDocument()))
		snapshots = append(snapshots, snapshot)
	}
	if len(writes) == 0 {
		return result, nil
	}

	res, err := e.store.BulkDocs(ctx, writes)
	if err != nil {
		return UpdateManyResult{}, fmt.Errorf("bulk update: %w", err)
	}
	counts := map[entity.Type]int{}
	for n, i := range changed {
		item := items[i]
		if !res[n].OK {
			item.Restore(snapshots[n])
			result.Errors.Failed++
			e.logger.Warn("bulk update failed", "type", item.Type(), "id", item.ID, "error", res[n].Err)
			metrics.CountItems("update", item.Type().String(), metrics.OutcomeFailed, 1)
			continue
		}
		item.Revision = res[n].Rev
		result.Updated++
		counts[item.Type()]++
	}
	for t, n := range counts {
		metrics.CountItems("update", t.String(), metrics.OutcomeUpdated, n)
	}
	metrics.CountItems("update", "", metrics.OutcomeInvalid, result.Errors.Invalid)
	metrics.CountItems("update", "", metrics.OutcomeNotCreated, result.Errors.NotCreated)
	return result, nil
}

// Upsert updates the stored entity matching item, or creates item when
// nothing matches. A match whose keys conflict with item is left untouched
// and item is created as a new entity instead.
func (e *Engine) Upsert(ctx context.Context, item *entity.Entity) (Result, error) {
	if !item.Valid() {
		return Result{}, ErrInvalidItem
	}

	doc, err := e.lookup(ctx, item)
	if err != nil {
		return Result{}, fmt.Errorf("upsert %s: %w", item.Type(), err)
	}
	if doc == nil {
		if item.ID != "" {
			return Result{}, fmt.Errorf("upsert %s %s: %w", item.Type(), item.ID, store.ErrNotFound)
		}
		return e.Create(ctx, item)
	}

	snapshot := item.Clone()
	item.ID = doc.ID()
	res, err := e.Update(ctx, item)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, ErrKeysConflict):
		item.Restore(snapshot)
		e.logger.Info("keys conflict on match, creating new item",
			"type", item.Type(), "matched", doc.ID(), "error", err)
		return e.Create(ctx, item)
	default:
		item.Restore(snapshot)
		return Result{}, err
	}
}

// UpsertTree upserts item and its relations in dependency order. Relation
// failures are recorded in Children.Ignored and do not fail the call; only
// the item's own upsert does.
func (e *Engine) UpsertTree(ctx context.Context, item *entity.Entity) (TreeResult, error) {
	if !item.Valid() {
		return TreeResult{}, ErrInvalidItem
	}
	ord, ok := orderings[item.Type()]
	if !ok {
		return TreeResult{}, fmt.Errorf("%w: %s", ErrUnsupportedType, item.Type())
	}

	result := newTreeResult(item)
	e.upsertRelations(ctx, item, ord.before, &result)

	own, err := e.Upsert(ctx, item)
	if err != nil {
		return TreeResult{}, err
	}
	result.Created = result.Created || own.Created
	result.Updated = result.Updated || own.Updated

	if len(ord.after) == 0 {
		return result, nil
	}
	anchored := map[entity.Type]string{}
	for _, rel := range ord.after {
		if p := item.Parent(rel); p != nil {
			anchored[rel] = p.ID
		}
	}
	e.upsertRelations(ctx, item, ord.after, &result)

	moved := false
	for rel, before := range anchored {
		if p := item.Parent(rel); p != nil && p.ID != before {
			moved = true
		}
	}
	if moved {
		upd, err := e.Update(ctx, item)
		if err != nil {
			return TreeResult{}, fmt.Errorf("reference %s relations: %w", item.Type(), err)
		}
		if !own.Created {
			result.Updated = result.Updated || upd.Updated
		}
	}
	return result, nil
}

func (e *Engine) upsertRelations(ctx context.Context, item *entity.Entity, rels []entity.Type, result *TreeResult) {
	for _, rel := range rels {
		p := item.Parent(rel)
		if p == nil {
			continue
		}
		sub, err := e.UpsertTree(ctx, p)
		if err != nil {
			result.Children.Ignored[rel] = err
			e.logger.Warn("ignored relation", "type", item.Type(), "relation", rel, "error", err)
			continue
		}
		result.absorb(rel, sub)
	}
}
