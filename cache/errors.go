package cache

import (
	"context"
	"errors"
	"fmt"

	entrycache "github.com/wolfeidau/entry-cache"
)

var (
	// ErrNotFound is returned when a read-only open finds no entry.
	ErrNotFound = errors.New("cache entry not found")

	// ErrBusy is returned when a writer holds the key and the open asked not to wait.
	ErrBusy = errors.New("cache entry busy")

	// ErrAppCacheRequired is returned when an appcache storage is requested
	// without an app cache group.
	ErrAppCacheRequired = errors.New("app cache required for appcache storage")

	// ErrIOFailure wraps backing store failures, including a tier that has
	// been marked failed.
	ErrIOFailure = errors.New("cache i/o failure")

	// ErrDoomed is returned by a commit whose entry was evicted while it was
	// being written.
	ErrDoomed = errors.New("cache entry doomed")

	// ErrNotWriter is returned by write operations on an entry opened without
	// write admission, or after it was committed or dismissed.
	ErrNotWriter = errors.New("cache entry not open for writing")

	// ErrStale is returned by Entry.Reader when the stored payload no longer
	// belongs to the record the entry was opened with. It matches ErrNotFound.
	ErrStale = fmt.Errorf("%w: payload replaced since open", ErrNotFound)

	// ErrClosed is returned once the service has been closed.
	ErrClosed = errors.New("cache service closed")

	// ErrInvalidKey and ErrInvalidBackendKind are re-exported for callers
	// that only import this package.
	ErrInvalidKey         = entrycache.ErrInvalidKey
	ErrInvalidBackendKind = entrycache.ErrInvalidBackendKind

	// errAdmissionRejected marks an existing entry the admission check did not
	// want. It triggers the recreate path and is never surfaced on its own.
	errAdmissionRejected = errors.New("admission rejected")

	// errCorrupt is returned when a stored payload fails verification.
	errCorrupt = errors.New("cache entry payload corrupt")
)

// Status is the outcome delivered with every OpenResult.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusBusy
	StatusInvalidKey
	StatusIOFailure
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusBusy:
		return "busy"
	case StatusInvalidKey:
		return "invalid_key"
	case StatusIOFailure:
		return "io_failure"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// err returns the sentinel for a non-OK status.
func (s Status) err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusNotFound:
		return ErrNotFound
	case StatusBusy:
		return ErrBusy
	case StatusInvalidKey:
		return ErrInvalidKey
	case StatusAborted:
		return context.Canceled
	default:
		return ErrIOFailure
	}
}

// StatusOf maps an error to the status an open would report for it.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, errAdmissionRejected):
		return StatusNotFound
	case errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, ErrInvalidKey):
		return StatusInvalidKey
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusAborted
	default:
		return StatusIOFailure
	}
}
