package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	entrycache "github.com/wolfeidau/entry-cache"
	"github.com/wolfeidau/entry-cache/store/metadb"
)

// Storage is a handle on one (kind, load context, app cache group). Handles
// are memoized by the Service and safe for concurrent use.
type Storage struct {
	tier     *tier
	kind     entrycache.Kind
	lc       entrycache.LoadContext
	appCache *AppCache
	scope    string
	pinning  bool
}

func newStorage(t *tier, kind entrycache.Kind, lc entrycache.LoadContext, appCache *AppCache) *Storage {
	scope := lc.Suffix()
	if appCache != nil {
		scope += "G^" + url.QueryEscape(appCache.Group) + ","
	}
	return &Storage{
		tier:     t,
		kind:     kind,
		lc:       lc,
		appCache: appCache,
		scope:    scope,
		pinning:  kind == entrycache.KindPin,
	}
}

// Kind returns the tier this storage serves. A private disk or pin request is
// served by the memory tier and reports KindMemory.
func (s *Storage) Kind() entrycache.Kind { return s.kind }

// LoadContext returns the load context the storage is bound to.
func (s *Storage) LoadContext() entrycache.LoadContext { return s.lc }

// AppCache returns the app cache group, or nil.
func (s *Storage) AppCache() *AppCache { return s.appCache }

// openRequest is a pending Open. It is completed exactly once.
type openRequest struct {
	storage  *Storage
	key      entrycache.Key
	flags    OpenFlags
	cb       OpenCallback
	ctx      context.Context
	start    time.Time
	done     atomic.Bool
	stop     func() bool
	rejected bool
}

// Open looks up key and hands the result to cb on the tier worker. It never
// blocks and never calls cb synchronously. Cancelling ctx abandons the open:
// the result is StatusAborted and any write admission is released.
func (s *Storage) Open(ctx context.Context, key entrycache.Key, flags OpenFlags, cb OpenCallback) {
	req := s.newRequest(ctx, key, flags, cb)
	if key.IsZero() {
		s.fail(req, OpenResult{Status: StatusInvalidKey, Err: fmt.Errorf("%w: empty key", ErrInvalidKey)})
		return
	}
	t := s.tier
	req.stop = context.AfterFunc(req.ctx, func() {
		t.enqueue(true, func() { t.abandon(req) })
	})
	if !t.enqueue(flags.priority(), func() { t.runOpen(req) }) {
		go t.complete(req, OpenResult{Status: StatusAborted, Err: ErrClosed})
	}
}

// OpenURI parses locator and opens it. A locator that does not parse
// completes with StatusInvalidKey through cb.
func (s *Storage) OpenURI(ctx context.Context, locator, idExtension string, flags OpenFlags, cb OpenCallback) {
	key, err := entrycache.ParseKey(locator, idExtension)
	if err != nil {
		s.fail(s.newRequest(ctx, key, flags, cb), OpenResult{Status: StatusInvalidKey, Err: err})
		return
	}
	s.Open(ctx, key, flags, cb)
}

func (s *Storage) newRequest(ctx context.Context, key entrycache.Key, flags OpenFlags, cb OpenCallback) *openRequest {
	if ctx == nil {
		ctx = context.Background()
	}
	if cb == nil {
		cb = OpenFunc(func(OpenResult) {})
	}
	return &openRequest{
		storage: s,
		key:     key,
		flags:   flags,
		cb:      cb,
		ctx:     ctx,
		start:   time.Now(),
	}
}

// fail completes req on the worker with res.
func (s *Storage) fail(req *openRequest, res OpenResult) {
	t := s.tier
	if !t.enqueue(req.flags.priority(), func() { t.complete(req, res) }) {
		go t.complete(req, res)
	}
}

// EvictAll removes every entry of this storage and calls done exactly once.
// Writers active in the scope are doomed: their commit fails with ErrDoomed.
func (s *Storage) EvictAll(ctx context.Context, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	t := s.tier
	if !t.enqueue(false, func() { done(t.evictAll(ctx, s)) }) {
		go done(ErrClosed)
	}
}

// Visit reports the storage's consumption and optionally its entries to fn.
// The last event is always VisitEnd.
func (s *Storage) Visit(ctx context.Context, wantEntries bool, fn VisitFunc) {
	if fn == nil {
		fn = func(VisitEvent) {}
	}
	t := s.tier
	if !t.enqueue(false, func() { t.visit(ctx, s, wantEntries, fn) }) {
		go fn(VisitEvent{Type: VisitEnd, Err: ErrClosed})
	}
}

// Exists reports whether a committed entry for key is indexed in this storage.
func (s *Storage) Exists(ctx context.Context, key entrycache.Key) (bool, error) {
	t := s.tier
	if err := t.failure(); err != nil {
		return false, t.failedErr()
	}
	rec, err := t.index.Get(ctx, string(t.kind), s.scope, key.String())
	if errors.Is(err, metadb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrIOFailure, t.check(err))
	}
	return rec.Pinned == s.pinning, nil
}
