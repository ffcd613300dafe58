package metadb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	opts = append([]BoltDBOption{WithNoSync(true)}, opts...)
	db := NewBoltDB(opts...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRecord(key string, size int64) *Record {
	return &Record{
		Key:          key,
		DataSize:     size,
		StoredSize:   size,
		Metadata:     map[string]string{"content-type": "text/plain"},
		LastModified: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		ContentHash:  "abc",
		Encoding:     "identity",
	}
}

func TestBoltDB_RecordOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("Put and Get round-trip", func(t *testing.T) {
		db := newTestBoltDB(t)

		rec := testRecord("http://a/", 1)
		rec.Pinned = true
		require.NoError(t, db.Put(ctx, "disk", "", rec))

		got, err := db.Get(ctx, "disk", "", "http://a/")
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("Get returns ErrNotFound for missing key", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.Get(ctx, "disk", "", "http://missing/")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("scopes and kinds are isolated", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.Put(ctx, "disk", "", testRecord("http://a/", 1)))

		_, err := db.Get(ctx, "disk", "p,", "http://a/")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = db.Get(ctx, "memory", "", "http://a/")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Put rejects empty key", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.Error(t, db.Put(ctx, "disk", "", &Record{}))
	})

	t.Run("Delete removes record", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.Put(ctx, "disk", "", testRecord("http://a/", 1)))

		deleted, err := db.Delete(ctx, "disk", "", "http://a/")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = db.Get(ctx, "disk", "", "http://a/")
		require.ErrorIs(t, err, ErrNotFound)

		deleted, err = db.Delete(ctx, "disk", "", "http://a/")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("Touch increments fetch count", func(t *testing.T) {
		now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		db := newTestBoltDB(t, WithNow(func() time.Time { return now }))

		require.NoError(t, db.Put(ctx, "disk", "", testRecord("http://a/", 1)))

		rec, err := db.Touch(ctx, "disk", "", "http://a/")
		require.NoError(t, err)
		assert.Equal(t, uint32(1), rec.FetchCount)
		assert.Equal(t, now, rec.LastFetched)

		rec, err = db.Touch(ctx, "disk", "", "http://a/")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), rec.FetchCount)

		got, err := db.Get(ctx, "disk", "", "http://a/")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), got.FetchCount)

		_, err = db.Touch(ctx, "disk", "", "http://missing/")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBoltDB_Stats(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	stats, err := db.Stats(ctx, "disk", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeStats{}, stats)

	require.NoError(t, db.Put(ctx, "disk", "", testRecord("http://a/", 10)))
	require.NoError(t, db.Put(ctx, "disk", "", testRecord("http://b/", 5)))
	require.NoError(t, db.Put(ctx, "disk", "a,", testRecord("http://a/", 7)))

	stats, err = db.Stats(ctx, "disk", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeStats{EntryCount: 2, Bytes: 15}, stats)

	// Replacing a record adjusts bytes but not the count.
	require.NoError(t, db.Put(ctx, "disk", "", testRecord("http://a/", 3)))
	stats, err = db.Stats(ctx, "disk", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeStats{EntryCount: 2, Bytes: 8}, stats)

	_, err = db.Delete(ctx, "disk", "", "http://b/")
	require.NoError(t, err)
	stats, err = db.Stats(ctx, "disk", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeStats{EntryCount: 1, Bytes: 3}, stats)

	stats, err = db.Stats(ctx, "disk", "a,")
	require.NoError(t, err)
	assert.Equal(t, ScopeStats{EntryCount: 1, Bytes: 7}, stats)
}

func TestBoltDB_PinnedStats(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	pinned := testRecord("http://p/", 4)
	pinned.Pinned = true
	require.NoError(t, db.Put(ctx, "disk", "", pinned))
	require.NoError(t, db.Put(ctx, "disk", "", testRecord("http://a/", 10)))

	stats, err := db.Stats(ctx, "disk", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeStats{EntryCount: 2, Bytes: 14, PinnedCount: 1, PinnedBytes: 4}, stats)

	// Replacing a pinned record with an unpinned one moves it out of the pinned counters.
	require.NoError(t, db.Put(ctx, "disk", "", testRecord("http://p/", 6)))
	stats, err = db.Stats(ctx, "disk", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeStats{EntryCount: 2, Bytes: 16}, stats)
}

func TestBoltDB_KeysAndScopes(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	for _, k := range []string{"http://c/", "http://a/", "http://b/"} {
		require.NoError(t, db.Put(ctx, "memory", "", testRecord(k, 1)))
	}
	require.NoError(t, db.Put(ctx, "memory", "p,", testRecord("http://z/", 1)))

	keys, err := db.Keys(ctx, "memory", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a/", "http://b/", "http://c/"}, keys)

	keys, err = db.Keys(ctx, "memory", "a,")
	require.NoError(t, err)
	assert.Empty(t, keys)

	scopes, err := db.Scopes(ctx, "memory")
	require.NoError(t, err)
	assert.Equal(t, []string{"", "p,"}, scopes)

	_, err = db.Delete(ctx, "memory", "p,", "http://z/")
	require.NoError(t, err)

	scopes, err = db.Scopes(ctx, "memory")
	require.NoError(t, err)
	assert.Equal(t, []string{""}, scopes)

	scopes, err = db.Scopes(ctx, "disk")
	require.NoError(t, err)
	assert.Empty(t, scopes)
}

func TestBoltDB_DropKind(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	require.NoError(t, db.Put(ctx, "memory", "", testRecord("http://a/", 1)))
	require.NoError(t, db.Put(ctx, "memory", "p,", testRecord("http://b/", 1)))
	require.NoError(t, db.Put(ctx, "disk", "", testRecord("http://a/", 1)))

	require.NoError(t, db.DropKind(ctx, "memory"))

	_, err := db.Get(ctx, "memory", "", "http://a/")
	require.ErrorIs(t, err, ErrNotFound)
	stats, err := db.Stats(ctx, "memory", "p,")
	require.NoError(t, err)
	assert.Zero(t, stats.EntryCount)

	_, err = db.Get(ctx, "disk", "", "http://a/")
	require.NoError(t, err)
	stats, err = db.Stats(ctx, "disk", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.EntryCount)

	// Dropping an unknown kind is a no-op.
	require.NoError(t, db.DropKind(ctx, "pin"))
}

func TestBoltDB_EphemeralKindsDroppedOnOpen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db := NewBoltDB(WithNoSync(true))
	require.NoError(t, db.Open(dbPath))
	require.NoError(t, db.Put(ctx, "memory", "", testRecord("http://a/", 1)))
	require.NoError(t, db.Put(ctx, "disk", "", testRecord("http://a/", 1)))
	require.NoError(t, db.Close())

	db = NewBoltDB(WithNoSync(true), WithEphemeralKinds("memory"))
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })

	_, err := db.Get(ctx, "memory", "", "http://a/")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = db.Get(ctx, "disk", "", "http://a/")
	require.NoError(t, err)
}

func TestBoltDB_Unavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("before open", func(t *testing.T) {
		db := NewBoltDB()
		_, err := db.Get(ctx, "disk", "", "http://a/")
		require.ErrorIs(t, err, ErrClosed)
		assert.True(t, IsUnavailable(err))
	})

	t.Run("after close", func(t *testing.T) {
		db := NewBoltDB(WithNoSync(true))
		require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
		require.NoError(t, db.Close())

		_, err := db.Get(ctx, "disk", "", "http://a/")
		require.Error(t, err)
		assert.True(t, IsUnavailable(err))
	})

	t.Run("not found is not unavailable", func(t *testing.T) {
		assert.False(t, IsUnavailable(ErrNotFound))
	})
}

func TestBoltDB_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("http://host/%d", i)
			assert.NoError(t, db.Put(ctx, "disk", "", testRecord(key, 2)))
			_, err := db.Touch(ctx, "disk", "", key)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := db.Stats(ctx, "disk", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeStats{EntryCount: 20, Bytes: 40}, stats)
}
