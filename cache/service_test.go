package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	entrycache "github.com/wolfeidau/entry-cache"
)

func TestService_RequiresDataDir(t *testing.T) {
	_, err := NewService(context.Background(), Config{})
	require.Error(t, err)
}

func TestService_StorageIsMemoized(t *testing.T) {
	svc := newTestService(t)

	a, err := svc.DiskStorage(entrycache.DefaultLoadContext)
	require.NoError(t, err)
	b, err := svc.Storage(entrycache.KindDisk, entrycache.LoadContext{}, nil)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := svc.DiskStorage(entrycache.AnonymousLoadContext)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	d, err := svc.StorageByName("disk", entrycache.DefaultLoadContext, nil)
	require.NoError(t, err)
	assert.Same(t, a, d)
}

func TestService_InvalidKind(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Storage("tape", entrycache.DefaultLoadContext, nil)
	require.ErrorIs(t, err, ErrInvalidBackendKind)

	_, err = svc.StorageByName("offline", entrycache.DefaultLoadContext, nil)
	require.ErrorIs(t, err, ErrInvalidBackendKind)

	require.ErrorIs(t, svc.Reinitialize(context.Background(), "tape"), ErrInvalidBackendKind)
}

func TestService_AppCacheGroup(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AppCacheStorage(entrycache.DefaultLoadContext, nil)
	require.ErrorIs(t, err, ErrAppCacheRequired)

	// Ignored for other kinds.
	mem, err := svc.Storage(entrycache.KindMemory, entrycache.DefaultLoadContext, &AppCache{Group: "g"})
	require.NoError(t, err)
	assert.Nil(t, mem.AppCache())

	g1, err := svc.AppCacheStorage(entrycache.DefaultLoadContext, &AppCache{Group: "http://one/manifest"})
	require.NoError(t, err)
	g2, err := svc.AppCacheStorage(entrycache.DefaultLoadContext, &AppCache{Group: "http://two/manifest"})
	require.NoError(t, err)
	require.NotSame(t, g1, g2)

	writeEntry(t, g1, "http://a/", "one", nil)
	assert.Equal(t, StatusNotFound, openAndWait(t, g2, "http://a/", OpenReadOnly).Status)
	assert.Equal(t, "one", readEntry(t, g1, "http://a/"))
}

func TestService_PrivateDiskIsServedFromMemory(t *testing.T) {
	svc := newTestService(t)

	private, err := svc.DiskStorage(entrycache.PrivateLoadContext)
	require.NoError(t, err)
	assert.Equal(t, entrycache.KindMemory, private.Kind())

	pinPrivate, err := svc.PinningStorage(entrycache.PrivateLoadContext)
	require.NoError(t, err)
	assert.Same(t, private, pinPrivate)

	writeEntry(t, private, "http://a/", "secret", nil)

	memPrivate, err := svc.MemoryStorage(entrycache.PrivateLoadContext)
	require.NoError(t, err)
	assert.Equal(t, int64(1), visitAndWait(t, memPrivate, false).info.EntryCount)

	disk, err := svc.DiskStorage(entrycache.DefaultLoadContext)
	require.NoError(t, err)
	assert.Equal(t, int64(0), visitAndWait(t, disk, false).info.EntryCount)
}

func TestService_AppCacheIsNotRerouted(t *testing.T) {
	svc := newTestService(t)

	st, err := svc.AppCacheStorage(entrycache.PrivateLoadContext, &AppCache{Group: "g"})
	require.NoError(t, err)
	assert.Equal(t, entrycache.KindAppCache, st.Kind())
}

func TestService_RestartKeepsPersistentTiers(t *testing.T) {
	dir := t.TempDir()

	first, err := NewService(context.Background(), Config{DataDir: dir, NoSync: true, Logger: testLogger()})
	require.NoError(t, err)
	writeEntry(t, testStorage(t, first, entrycache.KindDisk, entrycache.DefaultLoadContext), "http://a/", "disk", nil)
	writeEntry(t, testStorage(t, first, entrycache.KindPin, entrycache.DefaultLoadContext), "http://p/", "pin", nil)
	writeEntry(t, testStorage(t, first, entrycache.KindMemory, entrycache.DefaultLoadContext), "http://a/", "memory", nil)
	require.NoError(t, first.Close())

	second := newTestServiceAt(t, dir)
	assert.Equal(t, "disk", readEntry(t, testStorage(t, second, entrycache.KindDisk, entrycache.DefaultLoadContext), "http://a/"))
	assert.Equal(t, "pin", readEntry(t, testStorage(t, second, entrycache.KindPin, entrycache.DefaultLoadContext), "http://p/"))

	mem := testStorage(t, second, entrycache.KindMemory, entrycache.DefaultLoadContext)
	assert.Equal(t, StatusNotFound, openAndWait(t, mem, "http://a/", OpenReadOnly).Status)
	assert.Equal(t, int64(0), visitAndWait(t, mem, false).info.EntryCount)
}

func TestService_ReinitializeMemoryDropsEntries(t *testing.T) {
	svc := newTestService(t)
	mem := testStorage(t, svc, entrycache.KindMemory, entrycache.DefaultLoadContext)
	writeEntry(t, mem, "http://a/", "x", nil)

	require.NoError(t, svc.Reinitialize(context.Background(), entrycache.KindMemory))

	assert.Equal(t, StatusNotFound, openAndWait(t, mem, "http://a/", OpenReadOnly).Status)
	assert.Equal(t, int64(0), visitAndWait(t, mem, false).info.EntryCount)
	writeEntry(t, mem, "http://a/", "y", nil)
	assert.Equal(t, "y", readEntry(t, mem, "http://a/"))
}

func TestService_Close(t *testing.T) {
	svc := newTestService(t)
	st := testStorage(t, svc, entrycache.KindMemory, entrycache.DefaultLoadContext)

	w := openAndWait(t, st, "http://a/", OpenNormally)
	require.Equal(t, StatusOK, w.Status)
	parked := openAsync(context.Background(), st, "http://a/", OpenNormally, Callbacks{})
	requireNoResult(t, parked)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	r := waitResult(t, parked)
	assert.Equal(t, StatusAborted, r.Status)
	assert.ErrorIs(t, r.Err, ErrClosed)

	require.ErrorIs(t, w.Entry.Commit(), ErrClosed)

	_, err := svc.MemoryStorage(entrycache.AnonymousLoadContext)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, svc.Reinitialize(context.Background(), entrycache.KindMemory), ErrClosed)

	r = openAndWait(t, st, "http://b/", OpenNormally)
	assert.Equal(t, StatusAborted, r.Status)
	require.ErrorIs(t, evictAndWait(t, st), ErrClosed)
	assert.ErrorIs(t, visitAndWait(t, st, false).err, ErrClosed)
}

func TestStorage_Exists(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	disk := testStorage(t, svc, entrycache.KindDisk, entrycache.DefaultLoadContext)
	pin := testStorage(t, svc, entrycache.KindPin, entrycache.DefaultLoadContext)

	ok, err := disk.Exists(ctx, entrycache.MustParseKey("http://a/"))
	require.NoError(t, err)
	assert.False(t, ok)

	writeEntry(t, disk, "http://a/", "x", nil)

	ok, err = disk.Exists(ctx, entrycache.MustParseKey("http://a/"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pin.Exists(ctx, entrycache.MustParseKey("http://a/"))
	require.NoError(t, err)
	assert.False(t, ok)
}
