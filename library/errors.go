package library

import "errors"

var (
	// ErrPhase is returned when a transaction method is called out of order.
	ErrPhase = errors.New("medley: transaction phase")

	// ErrTypeNotAllowed is returned by Add for a type outside the
	// transaction's type list.
	ErrTypeNotAllowed = errors.New("medley: type not allowed in transaction")
)
