package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/entry-cache/store/metadb"
	"github.com/wolfeidau/entry-cache/telemetry"
)

// runOpen executes the open protocol for req on the worker. Parked requests
// re-enter here from the start when the key's writer releases.
func (t *tier) runOpen(req *openRequest) {
	if req.done.Load() {
		return
	}
	if err := req.ctx.Err(); err != nil {
		t.complete(req, OpenResult{Status: StatusAborted, Err: err})
		return
	}
	if t.failure() != nil {
		t.complete(req, OpenResult{Status: StatusIOFailure, Err: t.failedErr()})
		return
	}

	st := req.storage
	hk := handleKey(st.scope, req.key)
	write := req.flags.writes()

	t.mu.Lock()
	h := t.handles[hk]
	busy := h != nil && h.writer != nil
	if busy && (write || h.writer.isNew) {
		parked, res := t.parkLocked(req, h, "writer_active")
		t.mu.Unlock()
		if !parked {
			t.complete(req, res)
		}
		return
	}
	t.mu.Unlock()

	rec, err := t.lookup(req, busy)
	if err != nil {
		t.complete(req, ioFailure(err))
		return
	}

	if rec != nil && req.flags&OpenTruncate != 0 {
		if err := t.removeEntry(req.ctx, st.scope, req.key); err != nil {
			t.complete(req, ioFailure(err))
			return
		}
		rec = nil
	}

	if rec == nil {
		if !write {
			t.complete(req, OpenResult{Status: StatusNotFound, Err: fmt.Errorf("%w: %s", ErrNotFound, req.key)})
			return
		}
		t.admitNew(req, hk)
		return
	}

	entry := newEntry(t, st, req.key, rec)
	result := req.cb.CheckEntry(entry, st.appCache)
	telemetry.RecordAdmission(context.WithoutCancel(req.ctx), string(st.kind), result.String())

	switch result {
	case EntryNotWanted:
		if busy || req.rejected || !write {
			if !busy && !req.rejected {
				if err := t.removeEntry(req.ctx, st.scope, req.key); err != nil {
					t.complete(req, ioFailure(err))
					return
				}
			}
			t.complete(req, OpenResult{Status: StatusNotFound, Err: fmt.Errorf("%w: %w", ErrNotFound, errAdmissionRejected)})
			return
		}
		req.rejected = true
		if err := t.removeEntry(req.ctx, st.scope, req.key); err != nil {
			t.complete(req, ioFailure(err))
			return
		}
		t.logger.Debug("stale entry doomed", "key", req.key.String())
		t.runOpen(req)
		return

	case EntryRecheckAfterWriteFinished:
		t.mu.Lock()
		if h := t.handles[hk]; h != nil && h.writer != nil {
			parked, res := t.parkLocked(req, h, "recheck")
			t.mu.Unlock()
			if !parked {
				t.complete(req, res)
			}
			return
		}
		t.mu.Unlock()
	}

	if write {
		entry.grantWrite()
		t.mu.Lock()
		t.handleLocked(hk).writer = entry
		t.mu.Unlock()
	}
	t.deliver(req, OpenResult{Status: StatusOK, Entry: entry})
}

// lookup returns the committed record for req, or nil when there is none.
// A record whose payload has vanished from the store is dropped. A record of
// the other pinning is invisible to req; a writing open replaces it.
func (t *tier) lookup(req *openRequest, busy bool) (*metadb.Record, error) {
	st := req.storage
	rec, err := t.index.Get(req.ctx, string(t.kind), st.scope, req.key.String())
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", t.check(err))
	}

	if rec.Pinned != st.pinning {
		if busy || !req.flags.writes() {
			return nil, nil
		}
		if err := t.removeEntry(req.ctx, st.scope, req.key); err != nil {
			return nil, err
		}
		return nil, nil
	}

	ok, err := t.byteStore().Exists(req.ctx, storagePath(st.scope, req.key))
	if err != nil {
		return nil, fmt.Errorf("checking payload: %w", t.check(err))
	}
	if !ok {
		t.logger.Warn("dropping index record without payload", "key", rec.Key, "scope", st.scope)
		if !busy {
			if _, err := t.index.Delete(req.ctx, string(t.kind), st.scope, rec.Key); err != nil {
				return nil, fmt.Errorf("deleting index record: %w", t.check(err))
			}
		}
		return nil, nil
	}
	return rec, nil
}

func (t *tier) admitNew(req *openRequest, hk string) {
	entry := newEntry(t, req.storage, req.key, nil)
	entry.grantWrite()
	t.mu.Lock()
	t.handleLocked(hk).writer = entry
	t.mu.Unlock()
	t.deliver(req, OpenResult{Status: StatusOK, Entry: entry, IsNew: true})
}

func (t *tier) handleLocked(hk string) *handle {
	h := t.handles[hk]
	if h == nil {
		h = &handle{}
		t.handles[hk] = h
	}
	return h
}

// deliver completes req unless it was abandoned meanwhile, in which case any
// write admission it was granted is released.
func (t *tier) deliver(req *openRequest, res OpenResult) {
	if err := req.ctx.Err(); err != nil {
		if res.Entry != nil {
			res.Entry.Dismiss()
		}
		res = OpenResult{Status: StatusAborted, Err: err}
	}
	t.complete(req, res)
}

// complete fires req's callback. Only the first call has any effect.
func (t *tier) complete(req *openRequest, res OpenResult) {
	if !req.done.CompareAndSwap(false, true) {
		if res.Entry != nil {
			res.Entry.Dismiss()
		}
		return
	}
	if req.stop != nil {
		req.stop()
	}
	if res.Err == nil {
		res.Err = res.Status.err()
	}
	res.AppCache = req.storage.appCache

	telemetry.RecordOpen(context.WithoutCancel(req.ctx), string(req.storage.kind), res.Status.String(), res.IsNew, time.Since(req.start))
	t.logger.Debug("open completed",
		"key", req.key.String(),
		"status", res.Status.String(),
		"is_new", res.IsNew,
	)
	req.cb.EntryAvailable(res)
}

// abandon completes a parked request whose context was cancelled. Requests
// that are queued or running observe the cancellation themselves.
func (t *tier) abandon(req *openRequest) {
	if req.done.Load() {
		return
	}
	t.mu.Lock()
	removed := t.unparkLocked(req)
	t.mu.Unlock()
	if removed {
		t.complete(req, OpenResult{Status: StatusAborted, Err: req.ctx.Err()})
	}
}

func ioFailure(err error) OpenResult {
	if !errors.Is(err, ErrIOFailure) {
		err = fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return OpenResult{Status: StatusIOFailure, Err: err}
}
