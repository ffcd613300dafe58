// Package backend provides the byte stores that hold committed cache entry
// files for each storage tier.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a failure of the store itself rather than of one
	// key: a missing root directory, a closed memory store. Callers treat it as
	// fatal for the whole tier.
	ErrUnavailable = errors.New("backend unavailable")
)

// Backend is the byte store a storage tier persists entry files into.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any previous value.
	// A reader never observes a partially written value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// IsUnavailable reports whether err means the store as a whole has failed.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
