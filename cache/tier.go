package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	entrycache "github.com/wolfeidau/entry-cache"
	"github.com/wolfeidau/entry-cache/backend"
	"github.com/wolfeidau/entry-cache/store/metadb"
	"github.com/wolfeidau/entry-cache/telemetry"
)

// backendFactory builds a fresh byte store for a tier. It returns the store
// and the directory reported by visits.
type backendFactory func() (backend.Backend, string, error)

// handle tracks the write admission of one (scope, key).
type handle struct {
	writer  *Entry
	waiters []*openRequest
}

// tier owns one backing store and the single worker that serializes every
// open, eviction and visit against it.
type tier struct {
	kind       entrycache.Kind
	index      metadb.Index
	codec      *backend.Codec
	logger     *slog.Logger
	now        func() time.Time
	capacity   int64
	newBackend backendFactory

	mu        sync.Mutex
	cond      *sync.Cond
	priority  []func()
	normal    []func()
	closed    bool
	store     backend.Backend
	directory string
	failed    error
	handles   map[string]*handle
}

func newTier(kind entrycache.Kind, index metadb.Index, codec *backend.Codec, logger *slog.Logger, now func() time.Time, capacity int64, factory backendFactory) (*tier, error) {
	store, dir, err := factory()
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", kind, err)
	}
	t := &tier{
		kind:       kind,
		index:      index,
		codec:      codec,
		logger:     logger.With("tier", string(kind)),
		now:        now,
		capacity:   capacity,
		newBackend: factory,
		store:      store,
		directory:  dir,
		handles:    make(map[string]*handle),
	}
	t.cond = sync.NewCond(&t.mu)
	return t, nil
}

// run processes tasks until the tier is shut down and its queues are empty.
func (t *tier) run() error {
	for {
		t.mu.Lock()
		for len(t.priority) == 0 && len(t.normal) == 0 && !t.closed {
			t.cond.Wait()
		}
		var task func()
		switch {
		case len(t.priority) > 0:
			task = t.priority[0]
			t.priority[0] = nil
			t.priority = t.priority[1:]
		case len(t.normal) > 0:
			task = t.normal[0]
			t.normal[0] = nil
			t.normal = t.normal[1:]
		default:
			t.mu.Unlock()
			t.logger.Debug("worker stopped")
			return nil
		}
		t.mu.Unlock()
		task()
	}
}

// enqueue schedules task on the worker. It returns false once the tier is closed.
func (t *tier) enqueue(priority bool, task func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enqueueLocked(priority, task)
}

func (t *tier) enqueueLocked(priority bool, task func()) bool {
	if t.closed {
		return false
	}
	if priority {
		t.priority = append(t.priority, task)
	} else {
		t.normal = append(t.normal, task)
	}
	t.cond.Signal()
	return true
}

// shutdown stops accepting work. Queued tasks still run, then parked requests
// are aborted and the worker exits.
func (t *tier) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.normal = append(t.normal, t.abortParked)
	t.closed = true
	t.cond.Broadcast()
}

func (t *tier) abortParked() {
	t.mu.Lock()
	var parked []*openRequest
	for hk, h := range t.handles {
		parked = append(parked, h.waiters...)
		h.waiters = nil
		if h.writer == nil {
			delete(t.handles, hk)
		}
	}
	t.mu.Unlock()

	for _, req := range parked {
		t.complete(req, OpenResult{Status: StatusAborted, Err: ErrClosed})
	}
}

func (t *tier) byteStore() backend.Backend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store
}

func (t *tier) dir() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directory
}

func (t *tier) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *tier) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// check marks the tier failed when err means its store or index is gone.
// It returns err unchanged.
func (t *tier) check(err error) error {
	if err != nil && (backend.IsUnavailable(err) || metadb.IsUnavailable(err)) {
		t.markFailed(err)
	}
	return err
}

// markFailed records a fatal failure. Parked requests are re-queued so they
// observe it and complete with StatusIOFailure.
func (t *tier) markFailed(err error) {
	t.mu.Lock()
	if t.failed != nil {
		t.mu.Unlock()
		return
	}
	t.failed = err
	for hk, h := range t.handles {
		for _, req := range h.waiters {
			t.requeueLocked(req)
		}
		h.waiters = nil
		if h.writer == nil {
			delete(t.handles, hk)
		}
	}
	t.mu.Unlock()

	t.logger.Error("storage tier failed", "error", err)
	telemetry.RecordTierFailure(context.Background(), string(t.kind))
}

func (t *tier) failedErr() error {
	return fmt.Errorf("%w: %s tier failed: %w", ErrIOFailure, t.kind, t.failure())
}

// reinitialize replaces the byte store and clears a recorded failure.
func (t *tier) reinitialize(ctx context.Context) error {
	store, dir, err := t.newBackend()
	if err != nil {
		return fmt.Errorf("recreating %s backend: %w", t.kind, err)
	}

	// Memory payloads do not survive a new store, so neither may their records.
	if !t.kind.Persistent() {
		if err := t.index.DropKind(ctx, string(t.kind)); err != nil {
			closeStore(store)
			return fmt.Errorf("dropping %s index records: %w", t.kind, err)
		}
	}

	t.mu.Lock()
	old := t.store
	t.store = store
	t.directory = dir
	t.failed = nil
	t.mu.Unlock()

	if old != store {
		closeStore(old)
	}
	t.logger.Info("storage tier reinitialized", "directory", dir)
	return nil
}

// closeStore releases stores that hold resources, unwrapping instrumentation.
func closeStore(b backend.Backend) {
	if ib, ok := b.(*backend.InstrumentedBackend); ok {
		b = ib.Unwrap()
	}
	if m, ok := b.(*backend.Memory); ok {
		_ = m.Close()
	}
}

// parkLocked stores req as a continuation of the key's writer. It returns
// false when the request must complete instead: BypassIfBusy or a closed tier.
func (t *tier) parkLocked(req *openRequest, h *handle, reason string) (bool, OpenResult) {
	if t.closed {
		return false, OpenResult{Status: StatusAborted, Err: ErrClosed}
	}
	if req.flags&OpenBypassIfBusy != 0 {
		return false, OpenResult{Status: StatusBusy, Err: fmt.Errorf("%w: %s", ErrBusy, req.key)}
	}
	h.waiters = append(h.waiters, req)
	telemetry.RecordParked(context.WithoutCancel(req.ctx), string(req.storage.kind), reason)
	t.logger.Debug("open parked", "key", req.key.String(), "reason", reason)
	return true, OpenResult{}
}

// unparkLocked removes req from whichever key it is parked on.
func (t *tier) unparkLocked(req *openRequest) bool {
	hk := handleKey(req.storage.scope, req.key)
	h := t.handles[hk]
	if h == nil {
		return false
	}
	for i, w := range h.waiters {
		if w == req {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (t *tier) requeueLocked(req *openRequest) {
	if !t.enqueueLocked(req.flags.priority(), func() { t.runOpen(req) }) {
		go t.complete(req, OpenResult{Status: StatusAborted, Err: ErrClosed})
	}
}

// release drops e's write admission and re-queues the key's waiters in the
// order they parked.
func (t *tier) release(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.handles[e.hk]
	if h == nil || h.writer != e {
		return
	}
	h.writer = nil
	for _, req := range h.waiters {
		t.requeueLocked(req)
	}
	h.waiters = nil
	delete(t.handles, e.hk)
}

// doomScopeLocked dooms every active writer in scope whose pinning matches.
func (t *tier) doomScopeLocked(scope string, pinned bool) int {
	prefix := scope + "\x00"
	doomed := 0
	for hk, h := range t.handles {
		if h.writer == nil || !strings.HasPrefix(hk, prefix) || h.writer.storage.pinning != pinned {
			continue
		}
		h.writer.doomed = true
		doomed++
	}
	return doomed
}

func (t *tier) isDoomed(e *Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.doomed
}

// activeWritersLocked returns the storage paths of keys in scope with a writer.
func (t *tier) activeWritersLocked(scope string) map[string]struct{} {
	prefix := scope + "\x00"
	paths := make(map[string]struct{})
	for hk, h := range t.handles {
		if h.writer != nil && strings.HasPrefix(hk, prefix) {
			paths[storagePath(scope, h.writer.key)] = struct{}{}
		}
	}
	return paths
}

// removeEntry deletes the index record first so lookups stop finding the
// entry, then its payload.
func (t *tier) removeEntry(ctx context.Context, scope string, key entrycache.Key) error {
	if _, err := t.index.Delete(ctx, string(t.kind), scope, key.String()); err != nil {
		return fmt.Errorf("deleting index record: %w", t.check(err))
	}
	if err := t.byteStore().Delete(ctx, storagePath(scope, key)); err != nil {
		return fmt.Errorf("deleting payload: %w", t.check(err))
	}
	return nil
}

func handleKey(scope string, key entrycache.Key) string {
	return scope + "\x00" + key.String()
}

// scopeDir is the backend prefix holding every payload of scope.
func scopeDir(scope string) string {
	return entrycache.HashString(scope).String()
}

// storagePath is the backend key of an entry payload.
// Layout: {scope hash}/{first key hash byte}/{key hash}
func storagePath(scope string, key entrycache.Key) string {
	kh := key.Hash()
	return scopeDir(scope) + "/" + kh.Dir() + "/" + kh.String()
}
