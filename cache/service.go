// Package cache implements the entry cache service: per-kind storages whose
// opens, evictions and visits are serialized on one worker per tier, with
// single-writer admission per key.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	entrycache "github.com/wolfeidau/entry-cache"
	"github.com/wolfeidau/entry-cache/backend"
	"github.com/wolfeidau/entry-cache/store/metadb"
)

// IndexFileName is the name of the entry index inside Config.DataDir.
const IndexFileName = "index.db"

// Config configures a Service.
type Config struct {
	// DataDir holds the index and the disk and appcache payloads. Required.
	DataDir string

	// MemoryMaxMB caps the memory tier. 0 means unlimited.
	MemoryMaxMB int

	// MemoryShards is the number of memory tier shards (power of two). Default: 64.
	MemoryShards int

	// DiskCapacity and MemoryCapacity are reported as StorageInfo.Capacity.
	DiskCapacity   int64
	MemoryCapacity int64

	// NoSync disables fsync on index commits. Only for tests.
	NoSync bool

	Logger *slog.Logger
	Now    func() time.Time
}

type storageKey struct {
	kind  entrycache.Kind
	lc    entrycache.LoadContext
	group string
}

// Service is the registry of storages. It owns the index, the tier workers
// and their backing stores.
type Service struct {
	logger *slog.Logger
	index  *metadb.BoltDB
	codec  *backend.Codec
	tiers  map[entrycache.Kind]*tier
	group  *errgroup.Group

	mu       sync.Mutex
	closed   bool
	storages map[storageKey]*Storage
}

// NewService opens the index and the tier backends and starts one worker per
// tier. ctx bounds the memory tier's background work.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MemoryCapacity == 0 && cfg.MemoryMaxMB > 0 {
		cfg.MemoryCapacity = int64(cfg.MemoryMaxMB) << 20
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	index := metadb.NewBoltDB(
		metadb.WithLogger(cfg.Logger),
		metadb.WithNow(cfg.Now),
		metadb.WithNoSync(cfg.NoSync),
		metadb.WithEphemeralKinds(string(entrycache.KindMemory)),
	)
	if err := index.Open(filepath.Join(cfg.DataDir, IndexFileName)); err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	codec, err := backend.NewCodec()
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	s := &Service{
		logger:   cfg.Logger,
		index:    index,
		codec:    codec,
		tiers:    make(map[entrycache.Kind]*tier),
		storages: make(map[storageKey]*Storage),
	}

	factories := map[entrycache.Kind]backendFactory{
		entrycache.KindMemory: func() (backend.Backend, string, error) {
			m, err := backend.NewMemory(ctx, backend.MemoryConfig{
				Shards:             cfg.MemoryShards,
				HardMaxCacheSizeMB: cfg.MemoryMaxMB,
			})
			if err != nil {
				return nil, "", err
			}
			return backend.NewInstrumentedBackend(m, string(entrycache.KindMemory)), "", nil
		},
		entrycache.KindDisk:     filesystemFactory(cfg.DataDir, entrycache.KindDisk),
		entrycache.KindAppCache: filesystemFactory(cfg.DataDir, entrycache.KindAppCache),
	}
	capacity := map[entrycache.Kind]int64{
		entrycache.KindMemory: cfg.MemoryCapacity,
		entrycache.KindDisk:   cfg.DiskCapacity,
	}

	for _, kind := range []entrycache.Kind{entrycache.KindMemory, entrycache.KindDisk, entrycache.KindAppCache} {
		t, err := newTier(kind, index, codec, cfg.Logger, cfg.Now, capacity[kind], factories[kind])
		if err != nil {
			s.closeResources()
			return nil, err
		}
		s.tiers[kind] = t
	}

	s.group = &errgroup.Group{}
	for _, t := range s.tiers {
		s.group.Go(t.run)
	}

	cfg.Logger.Info("cache service started", "data_dir", cfg.DataDir, "memory_max_mb", cfg.MemoryMaxMB)
	return s, nil
}

func filesystemFactory(dataDir string, kind entrycache.Kind) backendFactory {
	return func() (backend.Backend, string, error) {
		dir := filepath.Join(dataDir, string(kind))
		fs, err := backend.NewFilesystem(dir)
		if err != nil {
			return nil, "", err
		}
		return backend.NewInstrumentedBackend(fs, string(kind)), fs.Root(), nil
	}
}

// Storage returns the storage for (kind, lc, appCache). appCache is required
// for KindAppCache and ignored otherwise. Disk and pin storages requested
// with a private load context are served by the memory tier.
func (s *Service) Storage(kind entrycache.Kind, lc entrycache.LoadContext, appCache *AppCache) (*Storage, error) {
	if _, err := entrycache.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if kind == entrycache.KindAppCache {
		if appCache == nil {
			return nil, ErrAppCacheRequired
		}
	} else {
		appCache = nil
	}
	if lc.Private && (kind == entrycache.KindDisk || kind == entrycache.KindPin) {
		kind = entrycache.KindMemory
	}

	key := storageKey{kind: kind, lc: lc}
	if appCache != nil {
		key.group = appCache.Group
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if st, ok := s.storages[key]; ok {
		return st, nil
	}

	t := s.tiers[kind]
	if kind == entrycache.KindPin {
		t = s.tiers[entrycache.KindDisk]
	}
	var ac *AppCache
	if appCache != nil {
		c := *appCache
		ac = &c
	}
	st := newStorage(t, kind, lc, ac)
	s.storages[key] = st
	return st, nil
}

// StorageByName is Storage with the kind given by name.
func (s *Service) StorageByName(name string, lc entrycache.LoadContext, appCache *AppCache) (*Storage, error) {
	kind, err := entrycache.ParseKind(name)
	if err != nil {
		return nil, err
	}
	return s.Storage(kind, lc, appCache)
}

func (s *Service) MemoryStorage(lc entrycache.LoadContext) (*Storage, error) {
	return s.Storage(entrycache.KindMemory, lc, nil)
}

func (s *Service) DiskStorage(lc entrycache.LoadContext) (*Storage, error) {
	return s.Storage(entrycache.KindDisk, lc, nil)
}

func (s *Service) AppCacheStorage(lc entrycache.LoadContext, appCache *AppCache) (*Storage, error) {
	return s.Storage(entrycache.KindAppCache, lc, appCache)
}

func (s *Service) PinningStorage(lc entrycache.LoadContext) (*Storage, error) {
	return s.Storage(entrycache.KindPin, lc, nil)
}

// Reinitialize replaces the backing store of kind and clears a recorded
// failure. Reinitializing pin reinitializes disk, which it shares. The memory
// tier comes back empty.
func (s *Service) Reinitialize(ctx context.Context, kind entrycache.Kind) error {
	if _, err := entrycache.ParseKind(string(kind)); err != nil {
		return err
	}
	if kind == entrycache.KindPin {
		kind = entrycache.KindDisk
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.tiers[kind].reinitialize(ctx)
}

// Close stops accepting work, lets every tier drain its queue, aborts opens
// still parked and releases the index and backends.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, t := range s.tiers {
		t.shutdown()
	}
	err := s.group.Wait()
	s.closeResources()
	s.logger.Info("cache service stopped")
	return err
}

func (s *Service) closeResources() {
	for _, t := range s.tiers {
		closeStore(t.byteStore())
	}
	s.codec.Close()
	if err := s.index.Close(); err != nil {
		s.logger.Warn("closing index", "error", err)
	}
}
