package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/jacentio/medley/internal/keyhash"
)

// Key prefixes in the Badger keyspace.
const (
	prefixDoc   = "doc/"
	prefixType  = "type/"
	prefixIndex = "idx/"
)

// BadgerStore is an embedded DocumentStore backed by Badger.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	opts   options

	mu      sync.RWMutex
	indexes map[string]Index
	closed  bool
}

// OpenBadger opens (or creates) a Badger-backed store.
func OpenBadger(cfg BadgerConfig, opts ...Option) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.SyncWrites = cfg.SyncWrites
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	o := buildOptions(opts)
	s := &BadgerStore{
		db:      db,
		logger:  o.logger,
		opts:    o,
		indexes: map[string]Index{},
	}
	for _, idx := range o.indexes {
		if err := s.EnsureIndex(context.Background(), idx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func docKey(id string) []byte { return []byte(prefixDoc + id) }

func typeKey(typ, id string) []byte { return []byte(prefixType + typ + "/" + id) }

func typePrefix(typ string) []byte { return []byte(prefixType + typ + "/") }

func indexEntryPrefix(entry string) []byte { return []byte(prefixIndex + entry + "/") }

func indexKey(entry, id string) []byte { return append(indexEntryPrefix(entry), id...) }

func entryKey(idx Index, values []string) string {
	return keyhash.IndexEntryPK(idx.Name, values)
}

func (s *BadgerStore) check(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *BadgerStore) snapshotIndexes() map[string]Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Index, len(s.indexes))
	for k, v := range s.indexes {
		out[k] = v
	}
	return out
}

// entriesFor returns the index entry keys doc occupies.
func entriesFor(doc Document, indexes map[string]Index) []string {
	if doc == nil {
		return nil
	}
	var out []string
	for _, idx := range indexes {
		if vals, ok := indexValues(doc, idx); ok {
			out = append(out, entryKey(idx, vals))
		}
	}
	return out
}

// Get returns the document with id.
func (s *BadgerStore) Get(ctx context.Context, id string) (Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var doc Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = readDoc(txn, id)
		return err
	})
	return doc, err
}

func readDoc(txn *badger.Txn, id string) (Document, error) {
	item, err := txn.Get(docKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return doc, nil
}

// Post inserts a new document, assigning an id when it has none.
func (s *BadgerStore) Post(ctx context.Context, doc Document) (WriteResult, error) {
	if err := s.check(ctx); err != nil {
		return WriteResult{}, err
	}
	if err := validateForWrite(doc); err != nil {
		return WriteResult{}, err
	}
	doc = doc.shallowCopy()
	if doc.ID() == "" {
		doc[FieldID] = uuid.NewString()
	}
	delete(doc, FieldRev)
	if err := s.throttle(ctx); err != nil {
		return WriteResult{}, err
	}

	indexes := s.snapshotIndexes()
	var res WriteResult
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(docKey(doc.ID()))
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		res, err = writeDoc(txn, nil, doc, indexes)
		return err
	})
	return res, mapBadgerError(err)
}

// Put replaces an existing document. doc must carry the current revision.
func (s *BadgerStore) Put(ctx context.Context, doc Document) (WriteResult, error) {
	if err := s.check(ctx); err != nil {
		return WriteResult{}, err
	}
	if err := validateForWrite(doc); err != nil {
		return WriteResult{}, err
	}
	if doc.ID() == "" {
		return WriteResult{}, fmt.Errorf("%w: put without _id", ErrInvalidDocument)
	}
	if doc.Rev() == "" {
		return WriteResult{}, ErrConflict
	}
	doc = doc.shallowCopy()
	if err := s.throttle(ctx); err != nil {
		return WriteResult{}, err
	}

	indexes := s.snapshotIndexes()
	var res WriteResult
	err := s.db.Update(func(txn *badger.Txn) error {
		old, err := readDoc(txn, doc.ID())
		if err != nil {
			return err
		}
		if old.Rev() != doc.Rev() {
			return ErrConflict
		}
		res, err = writeDoc(txn, old, doc, indexes)
		return err
	})
	return res, mapBadgerError(err)
}

func (s *BadgerStore) throttle(ctx context.Context) error {
	if s.opts.limiter == nil {
		return nil
	}
	return s.opts.limiter.Wait(ctx)
}

// writeDoc stores doc with a fresh revision and moves its type and index
// entries from old.
func writeDoc(txn *badger.Txn, old, doc Document, indexes map[string]Index) (WriteResult, error) {
	id := doc.ID()
	prev := ""
	if old != nil {
		prev = old.Rev()
	}

	delete(doc, FieldRev)
	body, err := json.Marshal(doc)
	if err != nil {
		return WriteResult{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	rev := keyhash.Revision(prev, body)
	doc[FieldRev] = rev
	body, err = json.Marshal(doc)
	if err != nil {
		return WriteResult{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if err := txn.Set(docKey(id), body); err != nil {
		return WriteResult{}, err
	}

	if old != nil && old.Type() != doc.Type() {
		if err := txn.Delete(typeKey(old.Type(), id)); err != nil {
			return WriteResult{}, err
		}
	}
	if err := txn.Set(typeKey(doc.Type(), id), nil); err != nil {
		return WriteResult{}, err
	}

	next := map[string]bool{}
	for _, e := range entriesFor(doc, indexes) {
		next[e] = true
	}
	for _, e := range entriesFor(old, indexes) {
		if !next[e] {
			if err := txn.Delete(indexKey(e, id)); err != nil {
				return WriteResult{}, err
			}
		}
	}
	for e := range next {
		if err := txn.Set(indexKey(e, id), nil); err != nil {
			return WriteResult{}, err
		}
	}
	return WriteResult{OK: true, ID: id, Rev: rev}, nil
}

func mapBadgerError(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

// BulkDocs writes each document atomically: documents with a revision are
// replaced, the rest inserted.
func (s *BadgerStore) BulkDocs(ctx context.Context, docs []Document) ([]WriteResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return bulk(ctx, docs, func(ctx context.Context, doc Document) (WriteResult, error) {
		if doc.Rev() != "" {
			return s.Put(ctx, doc)
		}
		return s.Post(ctx, doc)
	})
}

// Find returns the documents matching q, ordered by id.
func (s *BadgerStore) Find(ctx context.Context, q Query) ([]Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	p := planQuery(q.Selector, s.snapshotIndexes(), entryKey)

	var out []Document
	err := s.db.View(func(txn *badger.Txn) error {
		ids, err := candidateIDs(txn, p)
		if err != nil {
			return err
		}
		for _, id := range ids {
			doc, err := readDoc(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if q.Selector.Matches(doc) {
				out = append(out, doc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByID(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// candidateIDs lists the ids to load for p, deduplicated.
func candidateIDs(txn *badger.Txn, p plan) ([]string, error) {
	switch {
	case p.ids != nil:
		return p.ids, nil
	case p.index != nil:
		seen := map[string]bool{}
		var ids []string
		for _, entry := range p.keys {
			for _, id := range scanSuffixes(txn, indexEntryPrefix(entry)) {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		return ids, nil
	case p.typ != "":
		return scanSuffixes(txn, typePrefix(p.typ)), nil
	default:
		return scanSuffixes(txn, []byte(prefixDoc)), nil
	}
}

// scanSuffixes returns the key remainder after prefix for every key under it.
func scanSuffixes(txn *badger.Txn, prefix []byte) []string {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()
	var out []string
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		out = append(out, string(bytes.TrimPrefix(k, prefix)))
	}
	return out
}

// EnsureIndex declares idx and backfills entries for existing documents.
func (s *BadgerStore) EnsureIndex(ctx context.Context, idx Index) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if idx.Name == "" {
		idx = NewIndex(idx.Fields...)
	}
	s.mu.Lock()
	_, exists := s.indexes[idx.Name]
	s.indexes[idx.Name] = idx
	s.mu.Unlock()
	if exists {
		return nil
	}

	single := map[string]Index{idx.Name: idx}
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range scanSuffixes(txn, []byte(prefixDoc)) {
			doc, err := readDoc(txn, id)
			if err != nil {
				return err
			}
			for _, e := range entriesFor(doc, single) {
				keys = append(keys, indexKey(e, id))
			}
		}
		return nil
	})
	if err == nil {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, k := range keys {
			if err = wb.Set(k, nil); err != nil {
				break
			}
		}
		if err == nil {
			err = wb.Flush()
		}
	}
	if err != nil {
		return fmt.Errorf("backfill index %s: %w", idx.Name, err)
	}
	s.logger.Debug("index ready", "index", idx.Name)
	return nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
