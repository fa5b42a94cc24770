package store

import "errors"

var (
	// ErrNotFound is returned when no document has the requested id.
	ErrNotFound = errors.New("medley: document not found")

	// ErrConflict is returned when a write loses a race: Post for an id that
	// exists, or Put with a stale or missing revision.
	ErrConflict = errors.New("medley: document update conflict")

	// ErrInvalidDocument is returned for documents missing required fields or
	// holding values that cannot be stored.
	ErrInvalidDocument = errors.New("medley: invalid document")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("medley: store is closed")
)
