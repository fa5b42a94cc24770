// Package library reconciles a batch of entities observed by one source
// against the persisted library, then commits the result through the
// reconciliation engine.
//
// A Transaction moves through four phases in order:
//
//	constructed -> seeded (Fetch) -> staged (Add, AddMany) -> executed (Execute)
//
// Fetch seeds a database identity index from the store. Add stages items in
// a transaction-local arena, merging observations of the same entity.
// Execute classifies every staged item against the database index as
// created, updated or matched and writes the first two in bulk, parents
// before children.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/internal/metrics"
	"github.com/jacentio/medley/reconcile"
)

// DefaultChunk is the number of items handled between cancellation checks.
const DefaultChunk = 50

// Phase is a transaction state.
type Phase int

// Phases in order.
const (
	PhaseConstructed Phase = iota
	PhaseSeeded
	PhaseStaged
	PhaseExecuted
)

func (p Phase) String() string {
	switch p {
	case PhaseConstructed:
		return "constructed"
	case PhaseSeeded:
		return "seeded"
	case PhaseStaged:
		return "staged"
	case PhaseExecuted:
		return "executed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Transaction is a batch merge of one source's observations. It is not safe
// for concurrent use.
type Transaction struct {
	engine *reconcile.Engine
	source string
	types  []entity.Type
	chunk  int
	logger *slog.Logger

	phase Phase

	// arena holds staged entities by local id; parent pointers of staged
	// entities refer to other arena entries.
	arena  map[string]*entity.Entity
	locals map[*entity.Entity]string
	order  []string

	staged index[string]
	db     index[*entity.Entity]

	status  map[string]Status
	failed  map[string]bool
	ignored map[entity.Type]int
}

// Option configures a Transaction.
type Option func(*Transaction)

// WithTypes restricts the transaction to types. The default is every type.
func WithTypes(types ...entity.Type) Option {
	return func(tx *Transaction) {
		if len(types) > 0 {
			tx.types = types
		}
	}
}

// WithChunk sets the batch size for AddMany and bulk writes.
func WithChunk(n int) Option {
	return func(tx *Transaction) {
		if n > 0 {
			tx.chunk = n
		}
	}
}

// WithLogger sets the transaction logger.
func WithLogger(l *slog.Logger) Option {
	return func(tx *Transaction) {
		if l != nil {
			tx.logger = l
		}
	}
}

// NewTransaction starts a transaction for source persisting through engine.
func NewTransaction(engine *reconcile.Engine, source string, opts ...Option) (*Transaction, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", reconcile.ErrInvalidArgument)
	}
	if source == "" || source == entity.ItemSource {
		return nil, fmt.Errorf("%w: source %q", reconcile.ErrInvalidArgument, source)
	}
	tx := &Transaction{
		engine:  engine,
		source:  source,
		types:   entity.Types(),
		chunk:   DefaultChunk,
		logger:  slog.Default(),
		arena:   map[string]*entity.Entity{},
		locals:  map[*entity.Entity]string{},
		staged:  index[string]{},
		db:      index[*entity.Entity]{},
		status:  map[string]Status{},
		failed:  map[string]bool{},
		ignored: map[entity.Type]int{},
	}
	for _, opt := range opts {
		opt(tx)
	}

	// keep the allowed types in persistence order
	var ordered []entity.Type
	for _, t := range tx.types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", reconcile.ErrUnsupportedType, t)
		}
	}
	for _, t := range entity.Types() {
		if slices.Contains(tx.types, t) {
			ordered = append(ordered, t)
		}
	}
	tx.types = ordered
	tx.logger = tx.logger.With("source", source)
	return tx, nil
}

// Phase returns the current phase.
func (tx *Transaction) Phase() Phase { return tx.phase }

// Source returns the transaction source.
func (tx *Transaction) Source() string { return tx.source }

// Types returns the allowed types in persistence order.
func (tx *Transaction) Types() []entity.Type { return slices.Clone(tx.types) }

func (tx *Transaction) expect(op string, phases ...Phase) error {
	if slices.Contains(phases, tx.phase) {
		return nil
	}
	return fmt.Errorf("%w: %s not allowed while %s", ErrPhase, op, tx.phase)
}

func (tx *Transaction) allowed(t entity.Type) bool {
	return slices.Contains(tx.types, t)
}

// Fetch seeds the database identity index with every stored entity of the
// transaction's types.
func (tx *Transaction) Fetch(ctx context.Context) error {
	if err := tx.expect("fetch", PhaseConstructed); err != nil {
		return err
	}
	for _, t := range tx.types {
		items, err := tx.engine.FindByType(ctx, t)
		if err != nil {
			return fmt.Errorf("seed %s: %w", t, err)
		}
		if err := tx.seedMany(ctx, items); err != nil {
			return err
		}
		tx.logger.Debug("seeded", "type", t, "count", len(items))
	}
	tx.phase = PhaseSeeded
	return nil
}

func (tx *Transaction) seedMany(ctx context.Context, items []*entity.Entity) error {
	for start := 0; start < len(items); start += tx.chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, item := range items[start:min(start+tx.chunk, len(items))] {
			tx.db.add(item.Type(), identityOf(item, tx.source), item)
		}
	}
	return nil
}

// Add stages item and its relations, merging each into an already staged
// equivalent when one exists.
func (tx *Transaction) Add(ctx context.Context, item *entity.Entity) error {
	if err := tx.expect("add", PhaseSeeded, PhaseStaged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !item.Valid() {
		return reconcile.ErrInvalidItem
	}
	if !tx.allowed(item.Type()) {
		return fmt.Errorf("%w: %s", ErrTypeNotAllowed, item.Type())
	}
	if _, err := tx.stage(item); err != nil {
		return err
	}
	tx.phase = PhaseStaged
	return nil
}

// AddResult counts the outcome of AddMany.
type AddResult struct {
	Added   int
	Ignored int
}

// AddMany stages items in chunks. Items that fail to stage are logged and
// counted as ignored; only cancellation and phase errors abort the call.
func (tx *Transaction) AddMany(ctx context.Context, items []*entity.Entity) (AddResult, error) {
	var res AddResult
	if err := tx.expect("add", PhaseSeeded, PhaseStaged); err != nil {
		return res, err
	}
	for start := 0; start < len(items); start += tx.chunk {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+tx.chunk, len(items))
		for i, item := range items[start:end] {
			err := tx.Add(ctx, item)
			switch {
			case err == nil:
				res.Added++
				continue
			case errors.Is(err, ErrPhase), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return res, err
			}
			res.Ignored++
			if item.Valid() {
				tx.ignored[item.Type()]++
			}
			tx.logger.Warn("ignored item", "index", start+i, "item", item.String(), "error", err)
		}
		tx.logger.Debug("staged chunk", "from", start, "to", end)
	}
	return res, nil
}

// stage places a copy of item in the arena and returns the arena entity.
// Relations are staged first so the item's path key sees resolved parents.
func (tx *Transaction) stage(item *entity.Entity) (*entity.Entity, error) {
	c := item.Clone()
	resolved := map[entity.Type]*entity.Entity{}

	for _, rel := range entity.Parents(c.Type()) {
		p := c.Parent(rel)
		if p == nil {
			continue
		}
		// a parent without its own relation inherits the one already
		// resolved for the child, e.g. an album takes the track's artist
		for q, rp := range resolved {
			if entity.HasParent(rel, q) && p.Parent(q) == nil {
				p = p.Clone()
				if err := p.SetParent(rp); err != nil {
					return nil, err
				}
			}
		}
		sp, err := tx.stage(p)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", rel, err)
		}
		if err := c.SetParent(sp); err != nil {
			return nil, err
		}
		resolved[rel] = sp
	}
	// fill relations the item lacks from its resolved parents
	for _, rel := range entity.Parents(c.Type()) {
		if c.Parent(rel) != nil {
			continue
		}
		for _, sp := range resolved {
			if gp := sp.Parent(rel); gp != nil {
				if err := c.SetParent(gp); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	id := identityOf(c, tx.source)
	if local, ok := tx.staged.lookup(c.Type(), id); ok {
		existing := tx.arena[local]
		if _, err := existing.Apply(c, false); err != nil {
			return nil, err
		}
		tx.staged.add(existing.Type(), identityOf(existing, tx.source), local)
		return existing, nil
	}

	local := uuid.NewString()
	tx.arena[local] = c
	tx.locals[c] = local
	tx.order = append(tx.order, local)
	tx.staged.add(c.Type(), id, local)
	return c, nil
}

// Staged returns the number of entities in the arena.
func (tx *Transaction) Staged() int { return len(tx.arena) }

// StatusOf returns the classification of the staged entity equivalent to
// item.
func (tx *Transaction) StatusOf(item *entity.Entity) (Status, bool) {
	if !item.Valid() {
		return StatusPending, false
	}
	local, ok := tx.staged.lookup(item.Type(), identityOf(item, tx.source))
	if !ok {
		return StatusPending, false
	}
	return tx.status[local], true
}

// classify raises the status of local to s; statuses never move down.
func (tx *Transaction) classify(local string, s Status) {
	if s > tx.status[local] {
		tx.status[local] = s
	}
}

// walk returns the local ids of staged entities of type t, visiting every
// entity's relations before the entity itself.
func (tx *Transaction) walk(t entity.Type) []string {
	visited := map[string]bool{}
	var out []string
	var visit func(local string)
	visit = func(local string) {
		if visited[local] {
			return
		}
		visited[local] = true
		e := tx.arena[local]
		for _, p := range e.Relations() {
			if pl, ok := tx.locals[p]; ok {
				visit(pl)
			}
		}
		if e.Type() == t {
			out = append(out, local)
		}
	}
	for _, local := range tx.order {
		visit(local)
	}
	return out
}

// Process classifies every staged entity of type t against the database
// index and persists the created and updated ones.
func (tx *Transaction) Process(ctx context.Context, t entity.Type) error {
	if err := tx.expect("process", PhaseSeeded, PhaseStaged); err != nil {
		return err
	}
	if !tx.allowed(t) {
		return fmt.Errorf("%w: %s", ErrTypeNotAllowed, t)
	}

	var created, updated []string
	// stored ID -> local that took it over in this pass
	claimed := map[string]string{}
	for _, local := range tx.walk(t) {
		e := tx.arena[local]
		stored, via, found := tx.db.match(t, identityOf(e, tx.source))
		owner := ""
		if found && stored != e {
			owner = claimed[stored.ID]
			target := stored
			if owner != "" {
				target = tx.arena[owner]
			}
			// a path-key hit only counts when the source keys agree
			if via == pkKey {
				if _, err := target.Clone().Apply(e, true); errors.Is(err, entity.ErrKeysConflict) {
					found = false
				}
			}
		}
		switch {
		case found && stored == e:
			if e.ID != "" {
				claimed[e.ID] = local
			}
			tx.classify(local, StatusMatched)
		case found && owner != "" && owner != local:
			if tx.fold(local, owner) && !slices.Contains(updated, owner) {
				updated = append(updated, owner)
				tx.classify(owner, StatusUpdated)
			}
		case found:
			_, changed, err := e.Inherit(stored, false)
			if err != nil {
				tx.failed[local] = true
				tx.logger.Warn("merge failed", "item", e.String(), "error", err)
				continue
			}
			tx.db.add(t, identityOf(e, tx.source), e)
			claimed[e.ID] = local
			if changed {
				updated = append(updated, local)
				tx.classify(local, StatusUpdated)
			} else {
				tx.classify(local, StatusMatched)
			}
		case e.ID != "":
			// persisted outside the seeded index; leave it alone
			tx.classify(local, StatusMatched)
		default:
			created = append(created, local)
			tx.classify(local, StatusCreated)
		}
	}

	if err := tx.createMany(ctx, t, created); err != nil {
		return err
	}
	return tx.updateMany(ctx, t, updated)
}

// fold merges the staged entity at local into owner, which already took
// over the same stored document, so that document is written once. local
// becomes a matched copy of owner. It reports whether owner changed.
func (tx *Transaction) fold(local, owner string) bool {
	e, o := tx.arena[local], tx.arena[owner]
	changed, err := o.Apply(e, false)
	if err != nil {
		tx.failed[local] = true
		tx.logger.Warn("merge failed", "item", e.String(), "error", err)
		return false
	}
	e.Restore(o)
	tx.classify(local, StatusMatched)
	return changed
}

func (tx *Transaction) createMany(ctx context.Context, t entity.Type, locals []string) error {
	for start := 0; start < len(locals); start += tx.chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := locals[start:min(start+tx.chunk, len(locals))]
		items := make([]*entity.Entity, len(chunk))
		for i, local := range chunk {
			items[i] = tx.arena[local]
		}
		res, err := tx.engine.CreateMany(ctx, items)
		if err != nil {
			return fmt.Errorf("create %s: %w", t, err)
		}
		for i, local := range chunk {
			item := items[i]
			if item.ID == "" {
				tx.failed[local] = true
				continue
			}
			delete(tx.failed, local)
			tx.db.add(t, identityOf(item, tx.source), item)
		}
		tx.logger.Debug("created chunk", "type", t, "created", res.Created,
			"failed", res.Errors.Failed, "invalid", res.Errors.Invalid, "exists", res.Errors.Exists)
	}
	return nil
}

func (tx *Transaction) updateMany(ctx context.Context, t entity.Type, locals []string) error {
	for start := 0; start < len(locals); start += tx.chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := locals[start:min(start+tx.chunk, len(locals))]
		items := make([]*entity.Entity, len(chunk))
		revs := make([]string, len(chunk))
		for i, local := range chunk {
			items[i] = tx.arena[local]
			revs[i] = items[i].Revision
		}
		res, err := tx.engine.UpdateMany(ctx, items, reconcile.WithKeyCorrections())
		if err != nil {
			return fmt.Errorf("update %s: %w", t, err)
		}
		for i, local := range chunk {
			if items[i].Revision == revs[i] {
				tx.failed[local] = true
				continue
			}
			delete(tx.failed, local)
		}
		tx.logger.Debug("updated chunk", "type", t, "updated", res.Updated,
			"failed", res.Errors.Failed, "invalid", res.Errors.Invalid, "notCreated", res.Errors.NotCreated)
	}
	return nil
}

// Execute processes every allowed type, parents before children, and ends
// the transaction.
func (tx *Transaction) Execute(ctx context.Context) (Summary, error) {
	if err := tx.expect("execute", PhaseSeeded, PhaseStaged); err != nil {
		return nil, err
	}
	for _, t := range tx.types {
		if err := tx.Process(ctx, t); err != nil {
			return tx.Summary(), err
		}
	}
	tx.phase = PhaseExecuted

	summary := tx.Summary()
	for _, t := range tx.types {
		ts := summary.of(t)
		metrics.ImportItems.WithLabelValues(t.String(), metrics.OutcomeCreated).Add(float64(ts.Created))
		metrics.ImportItems.WithLabelValues(t.String(), metrics.OutcomeUpdated).Add(float64(ts.Updated))
		metrics.ImportItems.WithLabelValues(t.String(), metrics.OutcomeMatched).Add(float64(ts.Matched))
		metrics.ImportItems.WithLabelValues(t.String(), metrics.OutcomeFailed).Add(float64(ts.Failed))
		metrics.ImportItems.WithLabelValues(t.String(), metrics.OutcomeIgnored).Add(float64(ts.Ignored))
		tx.logger.Info("processed", "type", t, "created", ts.Created, "updated", ts.Updated,
			"matched", ts.Matched, "failed", ts.Failed, "ignored", ts.Ignored)
	}
	return summary, nil
}

// Summary reports the current classification counts of staged entities of
// the allowed types.
func (tx *Transaction) Summary() Summary {
	s := Summary{}
	for _, t := range tx.types {
		s.of(t).Ignored = tx.ignored[t]
	}
	for local, e := range tx.arena {
		if !tx.allowed(e.Type()) {
			continue
		}
		ts := s.of(e.Type())
		if tx.failed[local] {
			ts.Failed++
			continue
		}
		switch tx.status[local] {
		case StatusCreated:
			ts.Created++
		case StatusUpdated:
			ts.Updated++
		case StatusMatched:
			ts.Matched++
		}
	}
	return s
}
