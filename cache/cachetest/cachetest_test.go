package cachetest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	entrycache "github.com/wolfeidau/entry-cache"
	"github.com/wolfeidau/entry-cache/cache"
)

func newHarness(t *testing.T) *Harness {
	t.Helper()
	svc, err := cache.NewService(context.Background(), cache.Config{
		DataDir: t.TempDir(),
		NoSync:  true,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	h := New(svc)
	h.AppCache = &cache.AppCache{Group: "http://app/manifest"}
	return h
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func put(t *testing.T, h *Harness, where, locator, data string) {
	t.Helper()
	r, err := h.OpenAndWait(testContext(t), where, locator, cache.OpenNormally, nil)
	require.NoError(t, err)
	require.Equal(t, cache.StatusOK, r.Status)
	w, err := r.Entry.Writer()
	require.NoError(t, err)
	_, err = io.WriteString(w, data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestHarness_CheckPresence(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	require.NoError(t, h.CheckPresence(ctx, "disk", "http://a/", false))
	require.ErrorIs(t, h.CheckPresence(ctx, "disk", "http://a/", true), ErrUnexpectedPresence)

	put(t, h, "disk", "http://a/", "x")

	require.NoError(t, h.CheckPresence(ctx, "disk", "http://a/", true))
	require.ErrorIs(t, h.CheckPresence(ctx, "disk", "http://a/", false), ErrUnexpectedPresence)
	require.NoError(t, h.CheckPresence(ctx, "memory", "http://a/", false))

	require.ErrorIs(t, h.CheckPresence(ctx, "tape", "http://a/", false), entrycache.ErrInvalidBackendKind)
}

func TestHarness_DeviceEntryCount(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	count, size := h.DeviceEntryCount(ctx, "memory")
	assert.Equal(t, int64(0), count)
	assert.Equal(t, int64(0), size)

	put(t, h, "memory", "http://a/", "abc")
	put(t, h, "memory", "http://b/", "de")

	count, size = h.DeviceEntryCount(ctx, "memory")
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(5), size)

	count, size = h.DeviceEntryCount(ctx, "offline")
	assert.Equal(t, int64(-1), count)
	assert.Equal(t, int64(0), size)
}

func TestHarness_SyncWithIOThread(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.SyncWithIOThread(testContext(t)))
}

func TestHarness_EvictCacheEntries(t *testing.T) {
	ctx := context.Background()

	t.Run("all clears disk and memory but not appcache", func(t *testing.T) {
		h := newHarness(t)
		put(t, h, "disk", "http://a/", "x")
		put(t, h, "memory", "http://a/", "x")
		put(t, h, "appcache", "http://a/", "x")

		require.NoError(t, h.EvictCacheEntries(ctx, ""))

		assert.NoError(t, h.CheckPresence(testContext(t), "disk", "http://a/", false))
		assert.NoError(t, h.CheckPresence(testContext(t), "memory", "http://a/", false))
		assert.NoError(t, h.CheckPresence(testContext(t), "appcache", "http://a/", true))
	})

	t.Run("single tier", func(t *testing.T) {
		h := newHarness(t)
		put(t, h, "disk", "http://a/", "x")
		put(t, h, "memory", "http://a/", "x")
		put(t, h, "appcache", "http://a/", "x")

		require.NoError(t, h.EvictCacheEntries(ctx, "memory"))
		assert.NoError(t, h.CheckPresence(testContext(t), "memory", "http://a/", false))
		assert.NoError(t, h.CheckPresence(testContext(t), "disk", "http://a/", true))

		require.NoError(t, h.EvictCacheEntries(ctx, "appcache"))
		assert.NoError(t, h.CheckPresence(testContext(t), "appcache", "http://a/", false))
		assert.NoError(t, h.CheckPresence(testContext(t), "disk", "http://a/", true))
	})

	t.Run("appcache without group", func(t *testing.T) {
		h := newHarness(t)
		h.AppCache = nil
		require.ErrorIs(t, h.EvictCacheEntries(ctx, "appcache"), cache.ErrAppCacheRequired)
	})
}

func TestOpenAndWait_CallbackSeesCheck(t *testing.T) {
	h := newHarness(t)
	put(t, h, "disk", "http://a/", "x")

	var checked bool
	r, err := h.OpenAndWait(testContext(t), "disk", "http://a/", cache.OpenReadOnly, cache.Callbacks{
		Check: func(*cache.Entry, *cache.AppCache) cache.CheckResult {
			checked = true
			return cache.EntryNotWanted
		},
	})
	require.NoError(t, err)
	assert.True(t, checked)
	assert.Equal(t, cache.StatusNotFound, r.Status)
}

func TestOpenAndWait_ContextDone(t *testing.T) {
	h := newHarness(t)
	st := h.Storage("memory")
	require.NotNil(t, st)

	w, err := OpenAndWait(testContext(t), st, "http://a/", cache.OpenNormally, nil)
	require.NoError(t, err)
	require.Equal(t, cache.StatusOK, w.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = OpenAndWait(ctx, st, "http://a/", cache.OpenNormally, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	w.Entry.Dismiss()
}
