package entity

import (
	"fmt"
	"slices"
)

// Type identifies the kind of an entity. It is fixed at creation.
type Type string

// Entity types.
const (
	TypeArtist  Type = "artist"
	TypeAlbum   Type = "album"
	TypeTrack   Type = "track"
	TypeShow    Type = "show"
	TypeSeason  Type = "season"
	TypeEpisode Type = "episode"
	TypeMovie   Type = "movie"
)

// hierarchy lists types parents-first; persisting in this order guarantees
// a parent has an id before any child references it.
var hierarchy = []Type{
	TypeArtist, TypeAlbum, TypeTrack,
	TypeShow, TypeSeason, TypeEpisode,
	TypeMovie,
}

// parents maps a type to the types it references, ancestor first.
var parents = map[Type][]Type{
	TypeArtist:  nil,
	TypeAlbum:   {TypeArtist},
	TypeTrack:   {TypeArtist, TypeAlbum},
	TypeShow:    nil,
	TypeSeason:  {TypeShow},
	TypeEpisode: {TypeShow, TypeSeason},
	TypeMovie:   nil,
}

// Types returns every entity type in persistence order (parents first).
func Types() []Type {
	return slices.Clone(hierarchy)
}

// ParseType converts a string to a Type, failing for unknown values.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, s)
	}
	return t, nil
}

// Valid reports whether t belongs to the closed set of entity types.
func (t Type) Valid() bool {
	_, ok := parents[t]
	return ok
}

func (t Type) String() string { return string(t) }

// Parents returns the relation types an entity of type t may reference,
// ancestor first. It returns nil for root types and unknown types.
func Parents(t Type) []Type {
	return slices.Clone(parents[t])
}

// HasParent reports whether rel is a relation of type t.
func HasParent(t, rel Type) bool {
	return slices.Contains(parents[t], rel)
}
