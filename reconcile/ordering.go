package reconcile

import (
	"fmt"
	"slices"

	"github.com/jacentio/medley/entity"
)

// ordering describes how the relations of one entity type are traversed.
//
// fetch lists the relations Fetch resolves recursively. before relations are
// upserted ahead of the item because its persisted document should carry
// their ids; after relations are upserted once the item itself is anchored,
// then the item is updated to reference them.
type ordering struct {
	fetch  []entity.Type
	before []entity.Type
	after  []entity.Type
}

var orderings = map[entity.Type]ordering{
	entity.TypeArtist: {},
	entity.TypeAlbum: {
		fetch:  []entity.Type{entity.TypeArtist},
		before: []entity.Type{entity.TypeArtist},
	},
	entity.TypeTrack: {
		fetch:  []entity.Type{entity.TypeArtist, entity.TypeAlbum},
		before: []entity.Type{entity.TypeAlbum},
		after:  []entity.Type{entity.TypeArtist},
	},
	entity.TypeShow: {},
	entity.TypeSeason: {
		fetch:  []entity.Type{entity.TypeShow},
		before: []entity.Type{entity.TypeShow},
	},
	entity.TypeEpisode: {
		fetch:  []entity.Type{entity.TypeShow, entity.TypeSeason},
		before: []entity.Type{entity.TypeSeason},
		after:  []entity.Type{entity.TypeShow},
	},
	entity.TypeMovie: {},
}

func init() {
	if err := checkOrderings(orderings); err != nil {
		panic(err)
	}
}

// checkOrderings verifies every entity type has an ordering and that each
// ordering covers exactly the type's relations.
func checkOrderings(table map[entity.Type]ordering) error {
	for _, t := range entity.Types() {
		o, ok := table[t]
		if !ok {
			return fmt.Errorf("reconcile: no ordering for %s", t)
		}
		rels := entity.Parents(t)
		if !sameSet(o.fetch, rels) {
			return fmt.Errorf("reconcile: %s fetches %v, relations are %v", t, o.fetch, rels)
		}
		tree := append(slices.Clone(o.before), o.after...)
		if !sameSet(tree, rels) {
			return fmt.Errorf("reconcile: %s upserts %v, relations are %v", t, tree, rels)
		}
	}
	if len(table) != len(entity.Types()) {
		return fmt.Errorf("reconcile: ordering table has unknown types")
	}
	return nil
}

func sameSet(a, b []entity.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for _, t := range a {
		if !slices.Contains(b, t) {
			return false
		}
	}
	return true
}
