// Package cachetest drives a cache.Service synchronously for tests and
// tooling: open and wait, presence checks, per-tier entry counts, eviction
// by tier name and a barrier against a tier worker.
package cachetest

import (
	"context"
	"errors"
	"fmt"

	entrycache "github.com/wolfeidau/entry-cache"
	"github.com/wolfeidau/entry-cache/cache"
)

// WhereAll names every tier EvictCacheEntries clears by default.
const WhereAll = "all"

// barrierKey is never written, so a read-only open of it always misses.
const barrierKey = "http://nonexistententry/"

// ErrUnexpectedPresence is returned by CheckPresence when the entry's presence
// does not match the expectation.
var ErrUnexpectedPresence = errors.New("unexpected cache entry presence")

// Harness binds a service to the load context and app cache group used for
// every storage it resolves.
type Harness struct {
	Service     *cache.Service
	LoadContext entrycache.LoadContext
	AppCache    *cache.AppCache
}

// New returns a harness using the default load context.
func New(svc *cache.Service) *Harness {
	return &Harness{Service: svc}
}

// Storage resolves a tier name. It returns nil for names that are not a kind.
func (h *Harness) Storage(where string) *cache.Storage {
	kind, err := entrycache.ParseKind(where)
	if err != nil {
		return nil
	}
	st, err := h.Service.Storage(kind, h.LoadContext, h.AppCache)
	if err != nil {
		return nil
	}
	return st
}

// OpenAndWait opens locator on the named tier and blocks for the result. cb
// may be nil, in which case every existing entry is wanted.
func (h *Harness) OpenAndWait(ctx context.Context, where, locator string, flags cache.OpenFlags, cb cache.OpenCallback) (cache.OpenResult, error) {
	st, err := h.storage(where)
	if err != nil {
		return cache.OpenResult{}, err
	}
	return OpenAndWait(ctx, st, locator, flags, cb)
}

// OpenAndWait opens locator on st and blocks until the result is delivered or
// ctx is done.
func OpenAndWait(ctx context.Context, st *cache.Storage, locator string, flags cache.OpenFlags, cb cache.OpenCallback) (cache.OpenResult, error) {
	ch := make(chan cache.OpenResult, 1)
	st.OpenURI(ctx, locator, "", flags, waitCallback{next: cb, ch: ch})
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		// The open completes with StatusAborted on the worker; drain it so a
		// granted entry is not leaked.
		go func() {
			if r := <-ch; r.Entry != nil {
				r.Entry.Dismiss()
			}
		}()
		return cache.OpenResult{}, ctx.Err()
	}
}

type waitCallback struct {
	next cache.OpenCallback
	ch   chan<- cache.OpenResult
}

func (w waitCallback) CheckEntry(e *cache.Entry, ac *cache.AppCache) cache.CheckResult {
	if w.next == nil {
		return cache.EntryWanted
	}
	return w.next.CheckEntry(e, ac)
}

func (w waitCallback) EntryAvailable(r cache.OpenResult) {
	if w.next != nil {
		w.next.EntryAvailable(r)
	}
	w.ch <- r
}

// CheckPresence opens locator read-only and compares the outcome with
// shouldExist.
func (h *Harness) CheckPresence(ctx context.Context, where, locator string, shouldExist bool) error {
	r, err := h.OpenAndWait(ctx, where, locator, cache.OpenReadOnly, nil)
	if err != nil {
		return err
	}
	switch r.Status {
	case cache.StatusOK:
		if !shouldExist {
			return fmt.Errorf("%w: %s present in %s", ErrUnexpectedPresence, locator, where)
		}
	case cache.StatusNotFound:
		if shouldExist {
			return fmt.Errorf("%w: %s missing from %s", ErrUnexpectedPresence, locator, where)
		}
	default:
		return fmt.Errorf("checking %s in %s: %w", locator, where, r.Err)
	}
	return nil
}

// DeviceEntryCount returns the entry count and consumption of the named tier.
// It returns (-1, 0) when the tier cannot be resolved or visited.
func (h *Harness) DeviceEntryCount(ctx context.Context, where string) (int64, int64) {
	st := h.Storage(where)
	if st == nil {
		return -1, 0
	}

	type summary struct {
		info cache.StorageInfo
		err  error
	}
	ch := make(chan summary, 1)
	var info cache.StorageInfo
	st.Visit(ctx, false, func(ev cache.VisitEvent) {
		switch ev.Type {
		case cache.VisitStorageInfo:
			info = ev.Info
		case cache.VisitEnd:
			ch <- summary{info: info, err: ev.Err}
		}
	})

	select {
	case s := <-ch:
		if s.err != nil {
			return -1, 0
		}
		return s.info.EntryCount, s.info.Consumption
	case <-ctx.Done():
		return -1, 0
	}
}

// SyncWithIOThread waits until every task queued on the disk tier worker
// before the call has run.
func (h *Harness) SyncWithIOThread(ctx context.Context) error {
	r, err := h.OpenAndWait(ctx, string(entrycache.KindDisk), barrierKey, cache.OpenReadOnly, nil)
	if err != nil {
		return err
	}
	if r.Status != cache.StatusNotFound {
		return fmt.Errorf("barrier open returned %s: %w", r.Status, ErrUnexpectedPresence)
	}
	return nil
}

// EvictCacheEntries evicts the named tier. "" and "all" evict disk and memory;
// "appcache" requires the harness to carry an app cache group.
func (h *Harness) EvictCacheEntries(ctx context.Context, where string) error {
	var tiers []string
	switch where {
	case "", WhereAll:
		tiers = []string{string(entrycache.KindDisk), string(entrycache.KindMemory)}
	default:
		tiers = []string{where}
	}

	var errs []error
	for _, name := range tiers {
		st, err := h.storage(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, Evict(ctx, st))
	}
	return errors.Join(errs...)
}

// Evict runs EvictAll on st and waits for its completion.
func Evict(ctx context.Context, st *cache.Storage) error {
	ch := make(chan error, 1)
	st.EvictAll(ctx, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Harness) storage(where string) (*cache.Storage, error) {
	return h.Service.StorageByName(where, h.LoadContext, h.AppCache)
}
