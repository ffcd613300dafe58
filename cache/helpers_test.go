package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	entrycache "github.com/wolfeidau/entry-cache"
)

const waitTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return newTestServiceAt(t, t.TempDir())
}

func newTestServiceAt(t *testing.T, dir string) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), Config{
		DataDir:      dir,
		MemoryShards: 8,
		NoSync:       true,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func testStorage(t *testing.T, svc *Service, kind entrycache.Kind, lc entrycache.LoadContext) *Storage {
	t.Helper()
	var ac *AppCache
	if kind == entrycache.KindAppCache {
		ac = &AppCache{Group: "http://app/manifest", ClientID: "client-1"}
	}
	st, err := svc.Storage(kind, lc, ac)
	require.NoError(t, err)
	return st
}

func openAsync(ctx context.Context, st *Storage, key string, flags OpenFlags, cb Callbacks) <-chan OpenResult {
	ch := make(chan OpenResult, 1)
	done := cb.Done
	cb.Done = func(r OpenResult) {
		if done != nil {
			done(r)
		}
		ch <- r
	}
	st.Open(ctx, entrycache.MustParseKey(key), flags, cb)
	return ch
}

func waitResult(t *testing.T, ch <-chan OpenResult) OpenResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for open result")
		return OpenResult{}
	}
}

func requireNoResult(t *testing.T, ch <-chan OpenResult) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected open result: %s %v", r.Status, r.Err)
	case <-time.After(50 * time.Millisecond):
	}
}

func openAndWait(t *testing.T, st *Storage, key string, flags OpenFlags) OpenResult {
	t.Helper()
	return waitResult(t, openAsync(context.Background(), st, key, flags, Callbacks{}))
}

func writeEntry(t *testing.T, st *Storage, key, data string, meta map[string]string) {
	t.Helper()
	r := openAndWait(t, st, key, OpenNormally)
	require.Equal(t, StatusOK, r.Status, "open %s: %v", key, r.Err)
	writePayload(t, r.Entry, data, meta)
}

func writePayload(t *testing.T, e *Entry, data string, meta map[string]string) {
	t.Helper()
	for k, v := range meta {
		require.NoError(t, e.SetMetadataElement(k, v))
	}
	w, err := e.Writer()
	require.NoError(t, err)
	_, err = io.WriteString(w, data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readPayload(t *testing.T, e *Entry) string {
	t.Helper()
	rc, err := e.Reader(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func readEntry(t *testing.T, st *Storage, key string) string {
	t.Helper()
	r := openAndWait(t, st, key, OpenReadOnly)
	require.Equal(t, StatusOK, r.Status, "open %s: %v", key, r.Err)
	return readPayload(t, r.Entry)
}

func evictAndWait(t *testing.T, st *Storage) error {
	t.Helper()
	ch := make(chan error, 2)
	st.EvictAll(context.Background(), func(err error) { ch <- err })
	select {
	case err := <-ch:
		select {
		case <-ch:
			t.Fatal("evict completion fired twice")
		case <-time.After(20 * time.Millisecond):
		}
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for eviction")
		return nil
	}
}

type visitResult struct {
	info    StorageInfo
	entries []EntryInfo
	err     error
	events  []VisitEventType
}

func visitAndWait(t *testing.T, st *Storage, wantEntries bool) visitResult {
	t.Helper()
	var res visitResult
	done := make(chan struct{})
	st.Visit(context.Background(), wantEntries, func(ev VisitEvent) {
		res.events = append(res.events, ev.Type)
		switch ev.Type {
		case VisitStorageInfo:
			res.info = ev.Info
		case VisitEntry:
			res.entries = append(res.entries, ev.Entry)
		case VisitEnd:
			res.err = ev.Err
			close(done)
		}
	})
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for visit")
	}
	return res
}
