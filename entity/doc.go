// Package entity models hierarchical media metadata records and the rules
// for merging observations of them from several sources.
//
// An [Entity] is one node of a hierarchy (artist, album, track or show,
// season, episode, movie). Each source that reports on an entity writes into
// its own value layer, so the assertion of every source is retained. The
// canonical view returned by accessors such as [Entity.Title] is computed
// from those layers:
//
//   - most recent assertion wins, but a newer string that normalises to the
//     same slug as the current canonical value does not displace it
//   - duration keeps the minimum positive value ever observed
//   - keys are the union of all identifiers sources have supplied
//
// Identity is resolved through [Entity.Selectors]: one selector per source
// key set plus a source-independent path key built from the normalised
// titles of the entity and its ancestors (see [Entity.PathKey]).
//
// # Codecs
//
// [Entity.ToDocument] and [FromDocument] convert to and from the persisted
// document shape. [FromPlainObject] and [Decode] accept the looser wire
// shape produced by sources:
//
//	{"type": "track", "source": "alpha", "title": "On Melancholy Hill",
//	 "duration": 233000, "keys": {"alpha": {"id": "t1"}},
//	 "artist": {"type": "artist", "title": "Gorillaz"},
//	 "album":  {"type": "album", "title": "Plastic Beach"}}
//
// # Errors
//
//   - [ErrInvalidEntity] - nil or malformed entity, bad source or field
//   - [ErrUnsupportedType] - type outside the closed set
//   - [ErrNoSelectors] - not enough identifying data to look the entity up
//   - [ErrKeysConflict] - two sources' identifiers disagree (see [KeysConflictError])
//   - [ErrDecode] - structurally invalid document or wire object
package entity
