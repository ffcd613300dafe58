package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
)

// memoryLifeWindow is long enough that bigcache never expires entries on its
// own; removal only happens through Delete.
const memoryLifeWindow = 100 * 365 * 24 * time.Hour

// MemoryConfig configures the in-memory backend.
type MemoryConfig struct {
	// Shards is the number of bigcache shards (power of two). Default: 64.
	Shards int

	// HardMaxCacheSizeMB caps memory use. 0 means unlimited.
	HardMaxCacheSizeMB int
}

// Memory implements Backend on top of bigcache. Values live only for the
// lifetime of the process.
type Memory struct {
	c      *bigcache.BigCache
	closed atomic.Bool
}

// NewMemory creates an in-memory backend.
func NewMemory(ctx context.Context, cfg MemoryConfig) (*Memory, error) {
	conf := bigcache.DefaultConfig(memoryLifeWindow)
	conf.CleanWindow = 0
	conf.Verbose = false
	// These only size the initial shard allocation; shards grow on demand.
	conf.MaxEntriesInWindow = 1024
	conf.MaxEntrySize = 1024
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	} else {
		conf.Shards = 64
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}

	c, err := bigcache.New(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("creating memory store: %w", err)
	}
	return &Memory{c: c}, nil
}

// Write stores data at the given key. The value is buffered fully before it
// becomes visible.
func (m *Memory) Write(ctx context.Context, key string, r io.Reader) error {
	if m.closed.Load() {
		return fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	if err := m.c.Set(key, data); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// Read retrieves data at the given key.
func (m *Memory) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	data, err := m.c.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes data at the given key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if m.closed.Load() {
		return fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	err := m.c.Delete(key)
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Exists checks if a key exists.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if m.closed.Load() {
		return false, fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	_, err := m.c.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", key, err)
}

// List returns all keys with the given prefix. It walks every shard, so it is
// meant for maintenance sweeps, not request paths.
func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	var keys []string
	it := m.c.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			// Removed between SetNext and Value.
			continue
		}
		if strings.HasPrefix(info.Key(), prefix) {
			keys = append(keys, info.Key())
		}
	}
	return keys, nil
}

// Len returns the number of stored values.
func (m *Memory) Len() int {
	return m.c.Len()
}

// Close releases the store. Every later call fails with ErrUnavailable.
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.c.Close()
}

var _ Backend = (*Memory)(nil)
