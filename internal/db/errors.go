package db

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleState is returned by compare-and-swap writes whose precondition
	// no longer holds (status or tier moved since it was read).
	ErrStaleState = errors.New("stale state")
)
