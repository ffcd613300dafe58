package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	entrycache "github.com/wolfeidau/entry-cache"
)

func TestEntry_ReadOnlyRejectsWrites(t *testing.T) {
	svc := newTestService(t)
	st := testStorage(t, svc, entrycache.KindMemory, entrycache.DefaultLoadContext)
	writeEntry(t, st, "http://a/", "x", nil)

	r := openAndWait(t, st, "http://a/", OpenReadOnly)
	require.Equal(t, StatusOK, r.Status)

	require.ErrorIs(t, r.Entry.SetMetadataElement("k", "v"), ErrNotWriter)
	require.ErrorIs(t, r.Entry.SetExpirationTime(time.Now()), ErrNotWriter)
	require.ErrorIs(t, r.Entry.Commit(), ErrNotWriter)
	_, err := r.Entry.Writer()
	require.ErrorIs(t, err, ErrNotWriter)

	// Dismissing a reader is a no-op.
	r.Entry.Dismiss()
}

func TestEntry_CommitMetadataKeepsPayload(t *testing.T) {
	svc := newTestService(t)
	st := testStorage(t, svc, entrycache.KindDisk, entrycache.DefaultLoadContext)
	writeEntry(t, st, "http://a/", "payload", map[string]string{"a": "1", "b": "2"})

	w := openAndWait(t, st, "http://a/", OpenNormally)
	require.Equal(t, StatusOK, w.Status)
	v, ok := w.Entry.MetadataElement("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, w.Entry.SetMetadataElement("a", ""))
	require.NoError(t, w.Entry.SetMetadataElement("c", "3"))
	require.NoError(t, w.Entry.Commit())

	_, err := w.Entry.Writer()
	require.ErrorIs(t, err, ErrNotWriter)

	r := openAndWait(t, st, "http://a/", OpenReadOnly)
	require.Equal(t, StatusOK, r.Status)
	assert.Equal(t, map[string]string{"b": "2", "c": "3"}, r.Entry.Metadata())
	assert.Equal(t, int64(7), r.Entry.DataSize())
	assert.Equal(t, "payload", readPayload(t, r.Entry))
}

func TestEntry_CommitNewEntryWithoutPayload(t *testing.T) {
	svc := newTestService(t)
	st := testStorage(t, svc, entrycache.KindMemory, entrycache.DefaultLoadContext)

	w := openAndWait(t, st, "http://a/", OpenNormally)
	require.NoError(t, w.Entry.SetMetadataElement("k", "v"))
	require.NoError(t, w.Entry.Commit())

	r := openAndWait(t, st, "http://a/", OpenReadOnly)
	require.Equal(t, StatusOK, r.Status)
	assert.Equal(t, int64(0), r.Entry.DataSize())
	assert.Equal(t, "", readPayload(t, r.Entry))
	v, ok := r.Entry.MetadataElement("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestEntry_Times(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewService(context.Background(), Config{
		DataDir: t.TempDir(),
		NoSync:  true,
		Logger:  testLogger(),
		Now:     func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	st := testStorage(t, svc, entrycache.KindDisk, entrycache.DefaultLoadContext)

	expires := now.Add(time.Hour)
	w := openAndWait(t, st, "http://a/", OpenNormally)
	require.NoError(t, w.Entry.SetExpirationTime(expires))
	assert.Equal(t, expires, w.Entry.ExpirationTime())
	writePayload(t, w.Entry, "x", nil)

	r := openAndWait(t, st, "http://a/", OpenReadOnly)
	require.Equal(t, StatusOK, r.Status)
	assert.Equal(t, now, r.Entry.LastModified())
	assert.True(t, expires.Equal(r.Entry.ExpirationTime()))
	assert.True(t, r.Entry.LastFetched().IsZero())

	readPayload(t, r.Entry)
	assert.Equal(t, now, r.Entry.LastFetched())
}

func TestEntry_WriterRejectsWritesAfterClose(t *testing.T) {
	svc := newTestService(t)
	st := testStorage(t, svc, entrycache.KindMemory, entrycache.DefaultLoadContext)

	r := openAndWait(t, st, "http://a/", OpenNormally)
	w, err := r.Entry.Writer()
	require.NoError(t, err)
	_, err = io.WriteString(w, "x")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = io.WriteString(w, "y")
	require.ErrorIs(t, err, ErrNotWriter)
}

func TestEntry_ReaderDetectsCorruption(t *testing.T) {
	svc := newTestService(t)
	st := testStorage(t, svc, entrycache.KindDisk, entrycache.DefaultLoadContext)
	writeEntry(t, st, "http://a/", "original", nil)

	r := openAndWait(t, st, "http://a/", OpenReadOnly)
	require.Equal(t, StatusOK, r.Status)

	// Replace the stored file with garbage.
	path := storagePath(st.scope, entrycache.MustParseKey("http://a/"))
	require.NoError(t, st.tier.byteStore().Write(context.Background(), path, io.LimitReader(zeroReader{}, 32)))

	_, err := r.Entry.Reader(context.Background())
	require.ErrorIs(t, err, errCorrupt)
}

func TestEntry_ReaderRejectsReplacedPayload(t *testing.T) {
	for _, kind := range []entrycache.Kind{entrycache.KindMemory, entrycache.KindDisk} {
		t.Run(string(kind), func(t *testing.T) {
			svc := newTestService(t)
			st := testStorage(t, svc, kind, entrycache.DefaultLoadContext)
			writeEntry(t, st, "http://a/", "old", nil)

			r := openAndWait(t, st, "http://a/", OpenReadOnly)
			require.Equal(t, StatusOK, r.Status)
			require.Equal(t, int64(3), r.Entry.DataSize())

			writeEntry(t, st, "http://a/", "new-longer-payload", nil)

			_, err := r.Entry.Reader(context.Background())
			require.ErrorIs(t, err, ErrStale)
			require.ErrorIs(t, err, ErrNotFound)
			assert.Equal(t, StatusNotFound, StatusOf(err))

			fresh := openAndWait(t, st, "http://a/", OpenReadOnly)
			require.Equal(t, StatusOK, fresh.Status)
			assert.Equal(t, int64(18), fresh.Entry.DataSize())
			assert.Equal(t, "new-longer-payload", readPayload(t, fresh.Entry))
		})
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
