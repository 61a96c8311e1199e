package store

import "errors"

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write loses a compare-and-swap race
	// or violates a uniqueness rule.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition is returned when a TaskPatch violates the task
	// lifecycle rules.
	ErrInvalidTransition = errors.New("invalid transition")
)
