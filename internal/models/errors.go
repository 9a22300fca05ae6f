package models

import (
	"errors"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition is returned when a job or task status change is
	// not legal from its current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrJobTerminal is returned when an operation targets a job that has
	// already reached completed, failed or cancelled.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrNoHandler is returned when a task's key has no registered handler.
	ErrNoHandler = errors.New("no handler registered for task key")
)
