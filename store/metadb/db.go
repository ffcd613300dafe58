// Package metadb provides the entry index for the cache using bbolt.
package metadb

import (
	"context"
	"errors"
	"time"

	berrors "go.etcd.io/bbolt/errors"
)

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("metadb: not found")

	// ErrClosed is returned when the index is used before Open or after Close.
	ErrClosed = errors.New("metadb: closed")
)

// Index stores one record per (kind, scope, key) plus per-scope counters.
type Index interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Entry records
	Get(ctx context.Context, kind, scope, key string) (*Record, error)
	Put(ctx context.Context, kind, scope string, rec *Record) error
	Delete(ctx context.Context, kind, scope, key string) (bool, error)
	// Touch increments the fetch count and sets the last fetched time.
	Touch(ctx context.Context, kind, scope, key string) (*Record, error)

	// Enumeration
	Keys(ctx context.Context, kind, scope string) ([]string, error)
	Scopes(ctx context.Context, kind string) ([]string, error)
	Stats(ctx context.Context, kind, scope string) (ScopeStats, error)
	DropKind(ctx context.Context, kind string) error

	// Expired returns up to limit unpinned records of kind that expire at or
	// before now, earliest first.
	Expired(ctx context.Context, kind string, now time.Time, limit int) ([]ExpiredEntry, error)
}

// New creates a new Index backed by bbolt.
func New() Index {
	return NewBoltDB()
}

// IsUnavailable reports whether err means the index can no longer serve requests.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, berrors.ErrDatabaseNotOpen)
}
