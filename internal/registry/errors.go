// Package registry implements the persistence collaborators of the invoice
// pipeline: supplier/customer entities and extraction templates, each
// operation an atomic single-row read or write.
package registry

import "errors"

var (
	// ErrNotFound is returned when no row matches a lookup.
	ErrNotFound = errors.New("registry: not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint
	// (entity tax id or template key).
	ErrConflict = errors.New("registry: conflict")
)
