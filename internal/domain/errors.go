package domain

import "errors"

// Domain errors returned by store implementations.

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrCacheFull indicates the preload dedup set reached its hard cap and
	// refused an insertion.
	ErrCacheFull = errors.New("preload cache full")
)
