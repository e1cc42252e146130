package types

import "errors"

var (
	// ErrNotFound is returned by storage lookups that match no row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness rule,
	// such as a duplicate site slug.
	ErrConflict = errors.New("already exists")
)
