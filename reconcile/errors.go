package reconcile

import (
	"errors"

	"github.com/jacentio/medley/entity"
)

var (
	// ErrInvalidItem is returned for nil or malformed items.
	ErrInvalidItem = errors.New("medley: invalid item")

	// ErrInvalidArgument is returned when a batch operation receives a nil slice.
	ErrInvalidArgument = errors.New("medley: invalid argument")

	// ErrAlreadyCreated is returned by Create for an item that already has an id.
	ErrAlreadyCreated = errors.New("medley: item already created")

	// ErrNotCreated is returned by Update for an item without an id.
	ErrNotCreated = errors.New("medley: item not created")
)

// Entity errors surfaced unchanged by the engine.
var (
	ErrUnsupportedType = entity.ErrUnsupportedType
	ErrNoSelectors     = entity.ErrNoSelectors
	ErrKeysConflict    = entity.ErrKeysConflict
)
