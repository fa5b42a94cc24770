package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEntity is returned for nil or malformed entities, reserved
	// source names and unsupported field values.
	ErrInvalidEntity = errors.New("medley: invalid entity")

	// ErrUnsupportedType is returned when a type is outside the closed set of entity types.
	ErrUnsupportedType = errors.New("medley: unsupported entity type")

	// ErrNoSelectors is returned when no source supplied enough identifying data.
	ErrNoSelectors = errors.New("medley: entity has no selectors")

	// ErrKeysConflict is returned by strict merges when the same source asserts
	// different identifiers for the same key field.
	ErrKeysConflict = errors.New("medley: keys conflict")

	// ErrDecode is returned for structurally invalid documents or wire objects.
	ErrDecode = errors.New("medley: malformed entity data")
)

// KeysConflictError describes the first identifier that failed a strict merge.
type KeysConflictError struct {
	Type     Type
	Source   string
	Field    string
	Existing string
	Incoming string
}

func (e *KeysConflictError) Error() string {
	return fmt.Sprintf("medley: keys conflict on %s %s.%s: %q != %q",
		e.Type, e.Source, e.Field, e.Existing, e.Incoming)
}

// Is reports whether target is ErrKeysConflict.
func (e *KeysConflictError) Is(target error) bool {
	return target == ErrKeysConflict
}
