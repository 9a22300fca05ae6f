package store

import "errors"

var (
	ErrNotFound  = errors.New("store: resource not found")
	ErrDuplicate = errors.New("store: duplicate resource")
	// ErrConflict signals a lost compare-and-swap: the row was not in the
	// state the caller required. Callers retry against fresh state.
	ErrConflict = errors.New("store: conflicting resource state")
)
