package reconcile

import "github.com/jacentio/medley/entity"

// Result is the outcome of a single-item operation.
type Result struct {
	Created bool
	Updated bool
	Item    *entity.Entity
}

// CreateErrors counts CreateMany failures by category.
type CreateErrors struct {
	Exists  int
	Failed  int
	Invalid int
}

// CreateManyResult is the outcome of CreateMany. Items has one slot per
// input, in input order; failed and invalid slots hold the input unchanged.
type CreateManyResult struct {
	Created int
	Errors  CreateErrors
	Items   []*entity.Entity
}

// UpdateErrors counts UpdateMany failures by category.
type UpdateErrors struct {
	Failed     int
	Invalid    int
	NotCreated int
}

// UpdateManyResult is the outcome of UpdateMany, shaped like CreateManyResult.
type UpdateManyResult struct {
	Updated int
	Errors  UpdateErrors
	Items   []*entity.Entity
}

// Children reports, per relation type, what happened to an item's relations
// during UpsertTree. Ignored holds the error for relations that failed.
type Children struct {
	Created map[entity.Type]bool
	Updated map[entity.Type]bool
	Ignored map[entity.Type]error
}

// TreeResult is the outcome of UpsertTree. Created and Updated are true when
// any node of the tree was created or updated.
type TreeResult struct {
	Created  bool
	Updated  bool
	Children Children
	Item     *entity.Entity
}

func newTreeResult(item *entity.Entity) TreeResult {
	return TreeResult{
		Item: item,
		Children: Children{
			Created: map[entity.Type]bool{},
			Updated: map[entity.Type]bool{},
			Ignored: map[entity.Type]error{},
		},
	}
}

// absorb folds the result of upserting relation rel into r.
func (r *TreeResult) absorb(rel entity.Type, sub TreeResult) {
	r.Children.Created[rel] = r.Children.Created[rel] || sub.Created
	r.Children.Updated[rel] = r.Children.Updated[rel] || sub.Updated
	for t, v := range sub.Children.Created {
		r.Children.Created[t] = r.Children.Created[t] || v
	}
	for t, v := range sub.Children.Updated {
		r.Children.Updated[t] = r.Children.Updated[t] || v
	}
	for t, err := range sub.Children.Ignored {
		r.Children.Ignored[t] = err
	}
	r.Created = r.Created || sub.Created
	r.Updated = r.Updated || sub.Updated
}
