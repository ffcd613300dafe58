package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	entrycache "github.com/wolfeidau/entry-cache"
	"github.com/wolfeidau/entry-cache/backend"
	"github.com/wolfeidau/entry-cache/store/metadb"
	"github.com/wolfeidau/entry-cache/telemetry"
)

// Entry is an opened cache entry. Entries handed out with write admission
// accept metadata and payload changes until Commit, Writer().Close or
// Dismiss; all others are read-only views of the last committed state.
type Entry struct {
	tier    *tier
	storage *Storage
	key     entrycache.Key
	hk      string
	isNew   bool

	// doomed is guarded by tier.mu.
	doomed bool

	mu       sync.Mutex
	rec      *metadb.Record
	writable bool
	meta     map[string]string
	expires  time.Time
}

func newEntry(t *tier, st *Storage, key entrycache.Key, rec *metadb.Record) *Entry {
	return &Entry{
		tier:    t,
		storage: st,
		key:     key,
		hk:      handleKey(st.scope, key),
		isNew:   rec == nil,
		rec:     rec,
	}
}

// grantWrite turns the entry into the key's writer. Pending state starts from
// the committed record.
func (e *Entry) grantWrite() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writable = true
	e.meta = make(map[string]string)
	if e.rec != nil {
		maps.Copy(e.meta, e.rec.Metadata)
		e.expires = e.rec.ExpiresAt
	}
}

func (e *Entry) Key() entrycache.Key                 { return e.key }
func (e *Entry) LoadContext() entrycache.LoadContext { return e.storage.lc }
func (e *Entry) Kind() entrycache.Kind               { return e.storage.kind }

// IsNew reports whether the entry did not exist when it was opened.
func (e *Entry) IsNew() bool { return e.isNew }

// IsWriter reports whether the entry still holds write admission.
func (e *Entry) IsWriter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writable
}

// Pinned reports whether the entry belongs to the pinning storage.
func (e *Entry) Pinned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		return e.rec.Pinned
	}
	return e.storage.pinning
}

// Metadata returns a copy of the entry's metadata, including uncommitted
// changes when the entry is open for writing.
func (e *Entry) Metadata() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writable {
		return maps.Clone(e.meta)
	}
	if e.rec == nil {
		return map[string]string{}
	}
	return maps.Clone(e.rec.Metadata)
}

// MetadataElement returns one metadata value.
func (e *Entry) MetadataElement(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writable {
		v, ok := e.meta[name]
		return v, ok
	}
	if e.rec == nil {
		return "", false
	}
	v, ok := e.rec.Metadata[name]
	return v, ok
}

// SetMetadataElement stages a metadata change. An empty value removes name.
func (e *Entry) SetMetadataElement(name, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.writable {
		return ErrNotWriter
	}
	if value == "" {
		delete(e.meta, name)
	} else {
		e.meta[name] = value
	}
	return nil
}

// SetExpirationTime stages the expiration time. The zero time means never.
func (e *Entry) SetExpirationTime(t time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.writable {
		return ErrNotWriter
	}
	e.expires = t
	return nil
}

// DataSize is the size of the committed payload.
func (e *Entry) DataSize() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return 0
	}
	return e.rec.DataSize
}

func (e *Entry) FetchCount() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return 0
	}
	return e.rec.FetchCount
}

func (e *Entry) LastFetched() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return time.Time{}
	}
	return e.rec.LastFetched
}

func (e *Entry) LastModified() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return time.Time{}
	}
	return e.rec.LastModified
}

func (e *Entry) ExpirationTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writable {
		return e.expires
	}
	if e.rec == nil {
		return time.Time{}
	}
	return e.rec.ExpiresAt
}

// Writer returns a writer for a replacement payload. Close commits the
// payload together with the staged metadata.
func (e *Entry) Writer() (io.WriteCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.writable {
		return nil, ErrNotWriter
	}
	w := &entryWriter{entry: e}
	w.hw = entrycache.NewHashingWriter(&w.buf)
	return w, nil
}

type entryWriter struct {
	entry  *Entry
	buf    bytes.Buffer
	hw     *entrycache.HashingWriter
	closed bool
}

func (w *entryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrNotWriter
	}
	if w.hw.BytesWritten()+int64(len(p)) > backend.MaxDecodedSize {
		return 0, fmt.Errorf("entry payload exceeds %d bytes", backend.MaxDecodedSize)
	}
	return w.hw.Write(p)
}

func (w *entryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.entry.commit(context.Background(), &payload{data: w.buf.Bytes(), hash: w.hw.Sum()})
}

type payload struct {
	data []byte
	hash entrycache.Hash
}

// Commit publishes the staged metadata, keeping the committed payload. A new
// entry committed this way has an empty payload.
func (e *Entry) Commit() error {
	return e.commit(context.Background(), nil)
}

// Dismiss releases write admission without committing. A new entry that was
// never committed disappears.
func (e *Entry) Dismiss() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.writable {
		return
	}
	e.releaseLocked()
}

func (e *Entry) releaseLocked() {
	e.writable = false
	e.meta = nil
	e.tier.release(e)
}

func (e *Entry) commit(ctx context.Context, p *payload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.writable {
		return ErrNotWriter
	}
	defer e.releaseLocked()

	t := e.tier
	st := e.storage
	switch {
	case t.isClosed():
		return ErrClosed
	case t.failure() != nil:
		return t.failedErr()
	case t.isDoomed(e):
		return ErrDoomed
	}

	now := t.now().UTC()
	rec := &metadb.Record{
		Key:          e.key.String(),
		Metadata:     maps.Clone(e.meta),
		Pinned:       st.pinning,
		LastModified: now,
		ExpiresAt:    e.expires,
	}
	if prev := e.rec; prev != nil {
		rec.FetchCount = prev.FetchCount
		rec.LastFetched = prev.LastFetched
		if p == nil {
			rec.DataSize = prev.DataSize
			rec.StoredSize = prev.StoredSize
			rec.ContentHash = prev.ContentHash
			rec.Encoding = prev.Encoding
		}
	}
	if p == nil && e.rec == nil {
		p = &payload{hash: entrycache.HashBytes(nil)}
	}

	if p != nil {
		stored, enc, err := t.codec.Encode(p.data)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		header := &backend.EntryHeader{
			Key:         rec.Key,
			Scope:       st.scope,
			ContentHash: p.hash.String(),
			Encoding:    enc,
			Size:        int64(len(p.data)),
			StoredAt:    now.Format(time.RFC3339Nano),
		}
		var framed bytes.Buffer
		if err := backend.WriteFramed(&framed, header, bytes.NewReader(stored)); err != nil {
			return fmt.Errorf("framing payload: %w", err)
		}
		if err := t.byteStore().Write(ctx, storagePath(st.scope, e.key), &framed); err != nil {
			return fmt.Errorf("%w: writing payload: %w", ErrIOFailure, t.check(err))
		}
		rec.DataSize = int64(len(p.data))
		rec.StoredSize = int64(len(stored))
		rec.ContentHash = header.ContentHash
		rec.Encoding = string(enc)
	}

	if err := t.index.Put(ctx, string(t.kind), st.scope, rec); err != nil {
		return fmt.Errorf("%w: writing index: %w", ErrIOFailure, t.check(err))
	}

	// An eviction may have doomed the entry while the payload was written.
	if t.isDoomed(e) {
		if err := t.removeEntry(ctx, st.scope, e.key); err != nil {
			t.logger.Warn("removing doomed entry", "key", rec.Key, "error", err)
		}
		return ErrDoomed
	}

	e.rec = rec
	telemetry.RecordCommit(ctx, string(st.kind), rec.DataSize)
	t.logger.Debug("entry committed", "key", rec.Key, "size", rec.DataSize, "encoding", rec.Encoding)
	return nil
}

// Reader returns the committed payload the entry was opened with. The payload
// digest must match the one recorded in the entry's record; a payload that was
// replaced after the entry was opened fails with ErrStale.
func (e *Entry) Reader(ctx context.Context) (io.ReadCloser, error) {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	if rec == nil {
		return nil, fmt.Errorf("%w: %s has no committed payload", ErrNotFound, e.key)
	}

	t := e.tier
	st := e.storage
	if t.failure() != nil {
		return nil, t.failedErr()
	}

	data, digest, err := t.readPayload(ctx, st.scope, e.key)
	if err != nil {
		return nil, err
	}
	if digest != rec.ContentHash {
		return nil, fmt.Errorf("%w: %s", ErrStale, e.key)
	}

	updated, err := t.index.Touch(ctx, string(t.kind), st.scope, rec.Key)
	switch {
	case err == nil:
		e.mu.Lock()
		if e.rec != nil && e.rec.ContentHash == updated.ContentHash {
			e.rec.FetchCount = updated.FetchCount
			e.rec.LastFetched = updated.LastFetched
		}
		e.mu.Unlock()
	case !errors.Is(err, metadb.ErrNotFound):
		t.logger.Debug("recording fetch", "key", rec.Key, "error", err)
	}
	telemetry.RecordFetch(ctx, string(st.kind))

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (t *tier) readPayload(ctx context.Context, scope string, key entrycache.Key) ([]byte, string, error) {
	rc, err := t.byteStore().Read(ctx, storagePath(scope, key))
	if errors.Is(err, backend.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: %s payload missing", ErrNotFound, key)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading payload: %w", ErrIOFailure, t.check(err))
	}
	defer rc.Close()

	header, body, err := backend.ReadFramed(rc)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", errCorrupt, err)
	}
	stored, err := io.ReadAll(io.LimitReader(body, backend.MaxDecodedSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading payload: %w", ErrIOFailure, err)
	}
	data, err := t.codec.Decode(stored, header.Encoding, header.Size)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", errCorrupt, err)
	}
	if got := entrycache.HashBytes(data).String(); got != header.ContentHash {
		return nil, "", fmt.Errorf("%w: digest mismatch for %s", errCorrupt, key)
	}
	return data, header.ContentHash, nil
}
