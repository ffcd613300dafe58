package metadb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements Index using bbolt.
type BoltDB struct {
	db             *bbolt.DB
	logger         *slog.Logger
	now            func() time.Time
	noSync         bool     // disables fsync per transaction (for testing only)
	ephemeralKinds []string // kinds whose records do not survive a restart
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// WithEphemeralKinds lists kinds whose records are dropped every time the
// database is opened, because their payloads live in process memory.
func WithEphemeralKinds(kinds ...string) BoltDBOption {
	return func(b *BoltDB) {
		b.ephemeralKinds = append(b.ephemeralKinds, kinds...)
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Index = (*BoltDB)(nil)

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	expiryCreated, err := b.createBuckets()
	if err != nil {
		_ = db.Close()
		return err
	}

	for _, kind := range b.ephemeralKinds {
		if err := b.DropKind(context.Background(), kind); err != nil {
			_ = db.Close()
			return fmt.Errorf("dropping ephemeral kind %s: %w", kind, err)
		}
	}

	if expiryCreated {
		if _, err := b.RebuildIndexes(context.Background()); err != nil {
			_ = db.Close()
			return fmt.Errorf("building expiry index: %w", err)
		}
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync, "ephemeral", b.ephemeralKinds)
	return nil
}

// createBuckets creates the top-level buckets. It reports whether the expiry
// index had to be created, which means any existing records are not in it.
func (b *BoltDB) createBuckets() (expiryCreated bool, err error) {
	err = b.db.Update(func(tx *bbolt.Tx) error {
		expiryCreated = tx.Bucket(bucketEntriesByExpiry) == nil
		for _, name := range [][]byte{bucketEntries, bucketScopeStats, bucketEntriesByExpiry} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	return expiryCreated, err
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// DB returns the underlying bbolt database.
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

func (b *BoltDB) view(fn func(tx *bbolt.Tx) error) error {
	if b.db == nil {
		return ErrClosed
	}
	return b.db.View(fn)
}

func (b *BoltDB) update(fn func(tx *bbolt.Tx) error) error {
	if b.db == nil {
		return ErrClosed
	}
	return b.db.Update(fn)
}

// scopeBucket returns the nested bucket for (kind, scope), or nil.
func scopeBucket(tx *bbolt.Tx, kind, scope string) *bbolt.Bucket {
	entries := tx.Bucket(bucketEntries)
	if entries == nil {
		return nil
	}
	kb := entries.Bucket([]byte(kind))
	if kb == nil {
		return nil
	}
	return kb.Bucket(scopeBucketName(scope))
}

func createScopeBucket(tx *bbolt.Tx, kind, scope string) (*bbolt.Bucket, error) {
	entries := tx.Bucket(bucketEntries)
	if entries == nil {
		return nil, fmt.Errorf("entries bucket not found")
	}
	kb, err := entries.CreateBucketIfNotExists([]byte(kind))
	if err != nil {
		return nil, fmt.Errorf("creating kind bucket %s: %w", kind, err)
	}
	sb, err := kb.CreateBucketIfNotExists(scopeBucketName(scope))
	if err != nil {
		return nil, fmt.Errorf("creating scope bucket: %w", err)
	}
	return sb, nil
}

// Get retrieves the record for key.
func (b *BoltDB) Get(_ context.Context, kind, scope, key string) (*Record, error) {
	var rec *Record
	err := b.view(func(tx *bbolt.Tx) error {
		sb := scopeBucket(tx, kind, scope)
		if sb == nil {
			return ErrNotFound
		}
		val := sb.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		var err error
		rec, err = UnmarshalRecord(val)
		return err
	})
	return rec, err
}

// Put stores rec under rec.Key, replacing any previous record and adjusting
// the scope counters.
func (b *BoltDB) Put(_ context.Context, kind, scope string, rec *Record) error {
	if rec.Key == "" {
		return fmt.Errorf("putting record: empty key")
	}
	if strings.IndexByte(scope, 0) >= 0 {
		return fmt.Errorf("putting record: scope contains NUL")
	}
	return b.update(func(tx *bbolt.Tx) error {
		sb, err := createScopeBucket(tx, kind, scope)
		if err != nil {
			return err
		}

		delta := statsDelta(rec, 1)
		if old := sb.Get([]byte(rec.Key)); old != nil {
			prev, err := UnmarshalRecord(old)
			if err != nil {
				return fmt.Errorf("decoding previous record: %w", err)
			}
			delta = delta.add(statsDelta(prev, -1))
			if err := unindexExpiry(tx, kind, scope, prev); err != nil {
				return err
			}
		}

		if err := sb.Put([]byte(rec.Key), MarshalRecord(rec)); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		if err := indexExpiry(tx, kind, scope, rec); err != nil {
			return err
		}
		return adjustStats(tx, kind, scope, delta)
	})
}

// Delete removes the record for key. It reports whether a record existed.
func (b *BoltDB) Delete(_ context.Context, kind, scope, key string) (bool, error) {
	var deleted bool
	err := b.update(func(tx *bbolt.Tx) error {
		sb := scopeBucket(tx, kind, scope)
		if sb == nil {
			return nil
		}
		val := sb.Get([]byte(key))
		if val == nil {
			return nil
		}
		prev, err := UnmarshalRecord(val)
		if err != nil {
			return fmt.Errorf("decoding record: %w", err)
		}
		if err := sb.Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
		if err := unindexExpiry(tx, kind, scope, prev); err != nil {
			return err
		}
		deleted = true

		if err := adjustStats(tx, kind, scope, statsDelta(prev, -1)); err != nil {
			return err
		}

		// Drop the scope bucket once it is empty so Scopes stays accurate.
		if k, _ := sb.Cursor().First(); k == nil {
			kb := tx.Bucket(bucketEntries).Bucket([]byte(kind))
			if err := kb.DeleteBucket(scopeBucketName(scope)); err != nil {
				return fmt.Errorf("deleting empty scope bucket: %w", err)
			}
		}
		return nil
	})
	return deleted, err
}

// Touch increments the fetch count and updates the last fetched time.
// Returns the updated record, or ErrNotFound.
func (b *BoltDB) Touch(_ context.Context, kind, scope, key string) (*Record, error) {
	var rec *Record
	err := b.update(func(tx *bbolt.Tx) error {
		sb := scopeBucket(tx, kind, scope)
		if sb == nil {
			return ErrNotFound
		}
		val := sb.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		var err error
		rec, err = UnmarshalRecord(val)
		if err != nil {
			return err
		}
		if rec.FetchCount < ^uint32(0) {
			rec.FetchCount++
		}
		rec.LastFetched = b.now().UTC()
		return sb.Put([]byte(key), MarshalRecord(rec))
	})
	return rec, err
}

// Keys returns the keys of (kind, scope) in index order.
func (b *BoltDB) Keys(_ context.Context, kind, scope string) ([]string, error) {
	var keys []string
	err := b.view(func(tx *bbolt.Tx) error {
		sb := scopeBucket(tx, kind, scope)
		if sb == nil {
			return nil
		}
		return sb.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Scopes returns the non-empty scopes of kind.
func (b *BoltDB) Scopes(_ context.Context, kind string) ([]string, error) {
	var scopes []string
	err := b.view(func(tx *bbolt.Tx) error {
		kb := tx.Bucket(bucketEntries).Bucket([]byte(kind))
		if kb == nil {
			return nil
		}
		return kb.ForEachBucket(func(name []byte) error {
			scopes = append(scopes, parseScopeBucketName(name))
			return nil
		})
	})
	slices.Sort(scopes)
	return scopes, err
}

// Stats returns the aggregate counters for (kind, scope).
// A scope with no entries reports zero values.
func (b *BoltDB) Stats(_ context.Context, kind, scope string) (ScopeStats, error) {
	var stats ScopeStats
	err := b.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketScopeStats)
		if bucket == nil {
			return nil
		}
		stats = decodeStats(bucket.Get(makeStatsKey(kind, scope)))
		return nil
	})
	return stats, err
}

// DropKind removes every record and counter of kind.
func (b *BoltDB) DropKind(_ context.Context, kind string) error {
	return b.update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries.Bucket([]byte(kind)) != nil {
			if err := entries.DeleteBucket([]byte(kind)); err != nil {
				return fmt.Errorf("deleting kind bucket %s: %w", kind, err)
			}
		}

		if err := deletePrefix(tx.Bucket(bucketScopeStats), makeStatsKey(kind, "")); err != nil {
			return fmt.Errorf("deleting scope stats: %w", err)
		}
		if err := deletePrefix(tx.Bucket(bucketEntriesByExpiry), expiryKindPrefix(kind)); err != nil {
			return fmt.Errorf("deleting expiry index: %w", err)
		}
		return nil
	})
}

func deletePrefix(bucket *bbolt.Bucket, prefix []byte) error {
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// Expired returns up to limit unpinned records of kind whose expiration time
// is at or before now, earliest first.
func (b *BoltDB) Expired(_ context.Context, kind string, now time.Time, limit int) ([]ExpiredEntry, error) {
	var entries []ExpiredEntry
	prefix := expiryKindPrefix(kind)
	cutoff := makeExpiryKey(kind, now, "", "")[:len(prefix)+8]

	err := b.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntriesByExpiry).Cursor()
		for k, _ := c.Seek(prefix); k != nil && len(entries) < limit; k, _ = c.Next() {
			if !bytes.HasPrefix(k, prefix) || bytes.Compare(k[:min(len(k), len(cutoff))], cutoff) > 0 {
				break
			}
			expiresAt, scope, key, ok := parseExpiryKey(k, len(prefix))
			if !ok {
				b.logger.Warn("skipping malformed expiry key", "kind", kind)
				continue
			}
			entries = append(entries, ExpiredEntry{Scope: scope, Key: key, ExpiresAt: expiresAt})
		}
		return nil
	})
	return entries, err
}

func indexExpiry(tx *bbolt.Tx, kind, scope string, rec *Record) error {
	if !expiryIndexed(rec) {
		return nil
	}
	if err := tx.Bucket(bucketEntriesByExpiry).Put(makeExpiryKey(kind, rec.ExpiresAt, scope, rec.Key), nil); err != nil {
		return fmt.Errorf("indexing expiry: %w", err)
	}
	return nil
}

func unindexExpiry(tx *bbolt.Tx, kind, scope string, rec *Record) error {
	if !expiryIndexed(rec) {
		return nil
	}
	if err := tx.Bucket(bucketEntriesByExpiry).Delete(makeExpiryKey(kind, rec.ExpiresAt, scope, rec.Key)); err != nil {
		return fmt.Errorf("removing expiry index: %w", err)
	}
	return nil
}

func adjustStats(tx *bbolt.Tx, kind, scope string, delta ScopeStats) error {
	bucket := tx.Bucket(bucketScopeStats)
	if bucket == nil {
		return fmt.Errorf("scope stats bucket not found")
	}
	key := makeStatsKey(kind, scope)
	stats := decodeStats(bucket.Get(key)).add(delta)
	if stats.EntryCount <= 0 {
		return bucket.Delete(key)
	}
	return bucket.Put(key, encodeStats(stats))
}
