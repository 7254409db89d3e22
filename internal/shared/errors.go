package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState indicates a disallowed state transition.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrPersistence indicates a repository write or read could not complete.
	// Runs hitting it must fail loudly and be redelivered by the queue.
	ErrPersistence = errors.New("persistence failure")
)
