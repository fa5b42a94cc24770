package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/store"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return engineOn(t, openStore(t))
}

func openStore(t *testing.T) store.DocumentStore {
	t.Helper()
	s, err := store.OpenBadger(store.BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func engineOn(t *testing.T, s store.DocumentStore) *Engine {
	t.Helper()
	e := New(s,
		WithKeySchemas(entity.KeySchemas{"alpha": {"id"}, "beta": {"id"}}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return t0 }),
	)
	if err := e.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	return e
}

// failingBulkStore rejects the document at slot fail of every bulk write
// and passes the rest through.
type failingBulkStore struct {
	store.DocumentStore
	fail int
}

func (s *failingBulkStore) BulkDocs(ctx context.Context, docs []store.Document) ([]store.WriteResult, error) {
	out := make([]store.WriteResult, len(docs))
	var (
		rest []store.Document
		idx  []int
	)
	for i, d := range docs {
		if i == s.fail {
			out[i] = store.WriteResult{Err: store.ErrConflict}
			continue
		}
		rest = append(rest, d)
		idx = append(idx, i)
	}
	res, err := s.DocumentStore.BulkDocs(ctx, rest)
	if err != nil {
		return nil, err
	}
	for n, i := range idx {
		out[i] = res[n]
	}
	return out, nil
}

func item(t *testing.T, typ entity.Type, source string, fields entity.Fields, ids map[string]string) *entity.Entity {
	t.Helper()
	e, err := entity.New(typ)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.UpdateAt(source, fields, t0); err != nil {
		t.Fatalf("UpdateAt: %v", err)
	}
	if _, err := e.SetKeys(source, ids); err != nil {
		t.Fatalf("SetKeys: %v", err)
	}
	return e
}

func withParent(t *testing.T, child, parent *entity.Entity) *entity.Entity {
	t.Helper()
	if err := child.SetParent(parent); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	return child
}

func TestOrderings_CoverEveryType(t *testing.T) {
	if err := checkOrderings(orderings); err != nil {
		t.Fatalf("expected valid orderings, got %v", err)
	}

	broken := map[entity.Type]ordering{}
	for k, v := range orderings {
		broken[k] = v
	}
	delete(broken, entity.TypeMovie)
	if err := checkOrderings(broken); err == nil {
		t.Error("expected error for missing type")
	}

	broken[entity.TypeMovie] = ordering{}
	broken[entity.TypeTrack] = ordering{fetch: []entity.Type{entity.TypeAlbum}}
	if err := checkOrderings(broken); err == nil {
		t.Error("expected error for incomplete track ordering")
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	a := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Blur"}, map[string]string{"id": "a1"})

	res, err := e.Create(ctx, a)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Created || a.ID == "" || a.Revision == "" {
		t.Fatalf("expected created item with id and revision, got %+v (%s)", res, a)
	}
	if !a.CreatedAt.Equal(t0) {
		t.Errorf("expected created_at %v, got %v", t0, a.CreatedAt)
	}

	if _, err := e.Create(ctx, a); !errors.Is(err, ErrAlreadyCreated) {
		t.Errorf("expected ErrAlreadyCreated, got %v", err)
	}
	if _, err := e.Create(ctx, nil); !errors.Is(err, ErrInvalidItem) {
		t.Errorf("expected ErrInvalidItem, got %v", err)
	}

	got, err := e.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title() != "Blur" || got.Key("alpha")["id"] != "a1" {
		t.Errorf("expected stored Blur/a1, got %s %v", got.Title(), got.Keys())
	}
}

func TestCreateMany_Counts(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	existing := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Pulp"}, nil)
	existing.ID = "already"
	valid := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Blur"}, nil)

	res, err := e.CreateMany(ctx, []*entity.Entity{valid, nil, &entity.Entity{}, nil, existing})
	if err != nil {
		t.Fatalf("CreateMany: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("expected 1 created, got %d", res.Created)
	}
	if res.Errors.Invalid != 3 {
		t.Errorf("expected 3 invalid, got %d", res.Errors.Invalid)
	}
	if res.Errors.Exists != 1 {
		t.Errorf("expected 1 existing, got %d", res.Errors.Exists)
	}
	if len(res.Items) != 5 || res.Items[0] != valid || res.Items[0].ID == "" {
		t.Errorf("expected items in input order with first stamped, got %v", res.Items)
	}

	if _, err := e.CreateMany(ctx, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	empty, err := e.CreateMany(ctx, []*entity.Entity{})
	if err != nil || empty.Created != 0 {
		t.Errorf("expected empty result, got %+v %v", empty, err)
	}
}

func TestCreateMany_BulkFailure(t *testing.T) {
	ctx := context.Background()
	e := engineOn(t, &failingBulkStore{DocumentStore: openStore(t), fail: 1})

	a := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Blur"}, map[string]string{"id": "a1"})
	b := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Pulp"}, map[string]string{"id": "a2"})
	c := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Suede"}, map[string]string{"id": "a3"})
	snapshot := b.Clone()

	res, err := e.CreateMany(ctx, []*entity.Entity{a, b, c})
	if err != nil {
		t.Fatalf("CreateMany: %v", err)
	}
	if res.Created != 2 || res.Errors.Failed != 1 {
		t.Errorf("expected 2 created and 1 failed, got %+v", res)
	}
	if b.ID != "" || b.Revision != "" {
		t.Errorf("expected failed item without id and revision, got %q %q", b.ID, b.Revision)
	}
	if !reflect.DeepEqual(b.ToDocument(), snapshot.ToDocument()) {
		t.Errorf("expected failed item restored, got %v", b.ToDocument())
	}
	if res.Items[1] != b {
		t.Errorf("expected failed item kept at its index, got %v", res.Items[1])
	}
	if a.ID == "" || c.ID == "" {
		t.Errorf("expected the other items stamped, got %q %q", a.ID, c.ID)
	}
}

func TestUpdateMany_BulkFailure(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	a := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Blur"}, map[string]string{"id": "a1"})
	b := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Pulp"}, map[string]string{"id": "a2"})
	if _, err := engineOn(t, s).CreateMany(ctx, []*entity.Entity{a, b}); err != nil {
		t.Fatalf("CreateMany: %v", err)
	}

	e := engineOn(t, &failingBulkStore{DocumentStore: s, fail: 1})
	changedA, changedB := a.Clone(), b.Clone()
	if _, err := changedA.UpdateAt("alpha", entity.Fields{"title": "Blur!"}, t0.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateAt: %v", err)
	}
	if _, err := changedB.UpdateAt("alpha", entity.Fields{"title": "Pulp!"}, t0.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateAt: %v", err)
	}
	snapshot := changedB.Clone()

	res, err := e.UpdateMany(ctx, []*entity.Entity{changedA, changedB})
	if err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}
	if res.Updated != 1 || res.Errors.Failed != 1 {
		t.Errorf("expected 1 updated and 1 failed, got %+v", res)
	}
	if changedB.Revision != b.Revision {
		t.Errorf("expected revision %s restored, got %s", b.Revision, changedB.Revision)
	}
	if !reflect.DeepEqual(changedB.ToDocument(), snapshot.ToDocument()) {
		t.Errorf("expected failed item restored, got %v", changedB.ToDocument())
	}
	if res.Items[1] != changedB {
		t.Errorf("expected failed item kept at its index, got %v", res.Items[1])
	}

	got, err := e.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title() != "Pulp" || got.Revision != b.Revision {
		t.Errorf("expected stored Pulp at %s, got %s at %s", b.Revision, got.Title(), got.Revision)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	a := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Blur"}, map[string]string{"id": "a1"})
	if _, err := e.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rev := a.Revision

	res, err := e.Update(ctx, a)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.Updated || a.Revision != rev {
		t.Errorf("expected no-op update, got %+v rev %s", res, a.Revision)
	}

	if _, err := a.UpdateAt("beta", entity.Fields{"title": "blur"}, t0.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateAt: %v", err)
	}
	res, err = e.Update(ctx, a)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.Updated || a.Revision == rev {
		t.Errorf("expected new revision, got %+v rev %s", res, a.Revision)
	}

	fresh := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Oasis"}, nil)
	if _, err := e.Update(ctx, fresh); !errors.Is(err, ErrNotCreated) {
		t.Errorf("expected ErrNotCreated, got %v", err)
	}

	conflicting := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Blur"}, map[string]string{"id": "a2"})
	conflicting.ID = a.ID
	if _, err := e.Update(ctx, conflicting); !errors.Is(err, ErrKeysConflict) {
		t.Errorf("expected ErrKeysConflict, got %v", err)
	}
}

func TestUpdateMany(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	a := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Blur"}, map[string]string{"id": "a1"})
	b := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Pulp"}, map[string]string{"id": "a2"})
	if _, err := e.CreateMany(ctx, []*entity.Entity{a, b}); err != nil {
		t.Fatalf("CreateMany: %v", err)
	}

	changedA := a.Clone()
	if _, err := changedA.UpdateAt("alpha", entity.Fields{"title": "Blur!"}, t0.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateAt: %v", err)
	}
	unchangedB := b.Clone()
	corrected := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Pulp"}, map[string]string{"id": "a9"})
	corrected.ID = b.ID
	missing := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Suede"}, nil)

	res, err := e.UpdateMany(ctx, []*entity.Entity{changedA, unchangedB, missing, nil})
	if err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}
	if res.Updated != 1 || res.Errors.NotCreated != 1 || res.Errors.Invalid != 1 {
		t.Errorf("expected 1 updated, 1 not created, 1 invalid, got %+v", res)
	}

	res, err = e.UpdateMany(ctx, []*entity.Entity{corrected})
	if err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}
	if res.Errors.Failed != 1 {
		t.Errorf("expected strict conflict to fail, got %+v", res)
	}

	res, err = e.UpdateMany(ctx, []*entity.Entity{corrected}, WithKeyCorrections())
	if err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("expected correction to update, got %+v", res)
	}
	got, err := e.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Key("alpha")["id"] != "a9" {
		t.Errorf("expected corrected id a9, got %v", got.Key("alpha"))
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	build := func() *entity.Entity {
		return item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Blur"}, map[string]string{"id": "a1"})
	}

	first, err := e.Upsert(ctx, build())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected first upsert to create, got %+v", first)
	}

	second, err := e.Upsert(ctx, build())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if second.Created || second.Updated {
		t.Errorf("expected no-op, got %+v", second)
	}
	if second.Item.ID != first.Item.ID || second.Item.Revision != first.Item.Revision {
		t.Errorf("expected same id and revision, got %s/%s vs %s/%s",
			second.Item.ID, second.Item.Revision, first.Item.ID, first.Item.Revision)
	}
}

func TestUpsert_MergesSources(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	alpha := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Gorillaz"}, map[string]string{"id": "a1"})
	if _, err := e.Upsert(ctx, alpha); err != nil {
		t.Fatalf("Upsert alpha: %v", err)
	}
	beta := item(t, entity.TypeArtist, "beta", entity.Fields{"title": "GORILLAZ"}, map[string]string{"id": "b1"})
	res, err := e.Upsert(ctx, beta)
	if err != nil {
		t.Fatalf("Upsert beta: %v", err)
	}
	if res.Created || !res.Updated {
		t.Fatalf("expected slug match to update, got %+v", res)
	}
	if beta.ID != alpha.ID {
		t.Errorf("expected same entity, got %s and %s", alpha.ID, beta.ID)
	}
	if beta.Title() != "Gorillaz" {
		t.Errorf("expected title kept as Gorillaz, got %q", beta.Title())
	}
	if beta.Key("alpha")["id"] != "a1" || beta.Key("beta")["id"] != "b1" {
		t.Errorf("expected both source keys, got %v", beta.Keys())
	}

	all, err := e.FindByType(ctx, entity.TypeArtist)
	if err != nil {
		t.Fatalf("FindByType: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 artist, got %d", len(all))
	}
}

func TestUpsert_KeysConflictCreates(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	first := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Low"}, map[string]string{"id": "a1"})
	if _, err := e.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	other := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Low"}, map[string]string{"id": "a2"})
	res, err := e.Upsert(ctx, other)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !res.Created || other.ID == first.ID {
		t.Errorf("expected a second entity, got %+v", res)
	}
	if other.Key("alpha")["id"] != "a2" {
		t.Errorf("expected keys restored before create, got %v", other.Key("alpha"))
	}

	stored, err := e.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Key("alpha")["id"] != "a1" {
		t.Errorf("expected original keys untouched, got %v", stored.Key("alpha"))
	}
}

func TestUpsert_UnknownID(t *testing.T) {
	e := newEngine(t)
	a := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Blur"}, nil)
	a.ID = "nope"
	if _, err := e.Upsert(context.Background(), a); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertTree_PersistsParentsFirst(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	artist := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Gorillaz"}, map[string]string{"id": "ar1"})
	album := withParent(t, item(t, entity.TypeAlbum, "alpha", entity.Fields{"title": "Plastic Beach"}, map[string]string{"id": "al1"}), artist)
	track := item(t, entity.TypeTrack, "alpha", entity.Fields{"title": "On Melancholy Hill", "number": 10}, map[string]string{"id": "tr1"})
	withParent(t, track, album)
	withParent(t, track, artist)

	res, err := e.UpsertTree(ctx, track)
	if err != nil {
		t.Fatalf("UpsertTree: %v", err)
	}
	if !res.Created {
		t.Errorf("expected created tree, got %+v", res)
	}
	if !res.Children.Created[entity.TypeAlbum] || !res.Children.Created[entity.TypeArtist] {
		t.Errorf("expected album and artist created, got %+v", res.Children)
	}
	if len(res.Children.Ignored) != 0 {
		t.Errorf("expected nothing ignored, got %v", res.Children.Ignored)
	}

	doc, err := e.Store().Get(ctx, album.ID)
	if err != nil {
		t.Fatalf("Get album: %v", err)
	}
	embedded, _ := doc["artist"].(map[string]any)
	if embedded == nil || embedded["_id"] != artist.ID {
		t.Errorf("expected album document to carry artist id %s, got %v", artist.ID, doc["artist"])
	}

	stored, err := e.Get(ctx, track.ID)
	if err != nil {
		t.Fatalf("Get track: %v", err)
	}
	if p := stored.Parent(entity.TypeArtist); p == nil || p.ID != artist.ID {
		t.Errorf("expected track to reference artist %s, got %v", artist.ID, p)
	}
	if p := stored.Parent(entity.TypeAlbum); p == nil || p.ID != album.ID {
		t.Errorf("expected track to reference album %s, got %v", album.ID, p)
	}

	again, err := e.UpsertTree(ctx, track)
	if err != nil {
		t.Fatalf("UpsertTree: %v", err)
	}
	if again.Created || again.Updated {
		t.Errorf("expected unchanged tree, got %+v", again)
	}
}

func TestUpsertTree_IgnoresFailedRelation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	artist, err := entity.New(entity.TypeArtist)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	track := item(t, entity.TypeTrack, "alpha", entity.Fields{"title": "Song 2"}, map[string]string{"id": "tr1"})
	withParent(t, track, artist)

	res, err := e.UpsertTree(ctx, track)
	if err != nil {
		t.Fatalf("UpsertTree: %v", err)
	}
	if !res.Created {
		t.Errorf("expected track created, got %+v", res)
	}
	if !errors.Is(res.Children.Ignored[entity.TypeArtist], ErrNoSelectors) {
		t.Errorf("expected artist ignored with ErrNoSelectors, got %v", res.Children.Ignored)
	}
	if track.ID == "" {
		t.Error("expected track to be persisted")
	}
}

func TestUpsertTree_SeparateArtistReanchors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	show := item(t, entity.TypeShow, "alpha", entity.Fields{"title": "Severance"}, nil)
	season := withParent(t, item(t, entity.TypeSeason, "alpha", entity.Fields{"number": 2}, nil), show)
	episode := item(t, entity.TypeEpisode, "alpha", entity.Fields{"title": "Hello, Ms. Cobel", "number": 1}, map[string]string{"id": "ep1"})
	withParent(t, episode, season)
	// a distinct show instance, resolved only after the episode is written
	withParent(t, episode, item(t, entity.TypeShow, "alpha", entity.Fields{"title": "Severance"}, nil))

	if _, err := e.UpsertTree(ctx, episode); err != nil {
		t.Fatalf("UpsertTree: %v", err)
	}
	if episode.Parent(entity.TypeShow).ID != show.ID {
		t.Errorf("expected episode show to resolve to %s, got %s", show.ID, episode.Parent(entity.TypeShow).ID)
	}

	stored, err := e.Get(ctx, episode.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p := stored.Parent(entity.TypeShow); p == nil || p.ID != show.ID {
		t.Errorf("expected stored episode to reference show %s, got %v", show.ID, p)
	}

	shows, err := e.FindByType(ctx, entity.TypeShow)
	if err != nil {
		t.Fatalf("FindByType: %v", err)
	}
	if len(shows) != 1 {
		t.Errorf("expected 1 show, got %d", len(shows))
	}
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	artist := item(t, entity.TypeArtist, "alpha", entity.Fields{"title": "Blur"}, map[string]string{"id": "ar1"})
	album := withParent(t, item(t, entity.TypeAlbum, "alpha", entity.Fields{"title": "Parklife"}, nil), artist)
	if _, err := e.UpsertTree(ctx, album); err != nil {
		t.Fatalf("UpsertTree: %v", err)
	}

	probeArtist := item(t, entity.TypeArtist, "beta", entity.Fields{"title": "blur"}, nil)
	probe := withParent(t, item(t, entity.TypeAlbum, "beta", entity.Fields{"title": "Parklife"}, nil), probeArtist)

	found, err := e.Fetch(ctx, probe)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !found || probe.ID != album.ID {
		t.Errorf("expected album %s, got found=%v id=%s", album.ID, found, probe.ID)
	}
	if probe.Parent(entity.TypeArtist).ID != artist.ID {
		t.Errorf("expected artist %s, got %s", artist.ID, probe.Parent(entity.TypeArtist).ID)
	}
	if probe.Key("alpha")["id"] != "" {
		t.Errorf("album had no alpha keys, got %v", probe.Key("alpha"))
	}
	if got := probe.Parent(entity.TypeArtist).Key("alpha")["id"]; got != "ar1" {
		t.Errorf("expected artist key ar1, got %q", got)
	}

	unknown := item(t, entity.TypeMovie, "alpha", entity.Fields{"title": "Arrival"}, nil)
	found, err = e.Fetch(ctx, unknown)
	if err != nil || found || unknown.ID != "" {
		t.Errorf("expected no match, got found=%v id=%s err=%v", found, unknown.ID, err)
	}
}
