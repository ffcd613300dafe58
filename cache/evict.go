package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	entrycache "github.com/wolfeidau/entry-cache"
	"github.com/wolfeidau/entry-cache/store/metadb"
	"github.com/wolfeidau/entry-cache/telemetry"
)

// evictAll removes every entry of st. It runs on the worker, so no open of
// the tier interleaves with the sweep.
func (t *tier) evictAll(ctx context.Context, st *Storage) error {
	start := time.Now()
	removed, err := t.sweep(ctx, st)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordEviction(context.WithoutCancel(ctx), string(st.kind), outcome, removed, time.Since(start))

	if err != nil {
		t.logger.Warn("evict all failed", "scope", st.scope, "removed", removed, "error", err)
		return err
	}
	t.logger.Info("evicted all entries", "scope", st.scope, "pinned", st.pinning, "removed", removed)
	return nil
}

func (t *tier) sweep(ctx context.Context, st *Storage) (int, error) {
	if t.failure() != nil {
		return 0, t.failedErr()
	}

	t.mu.Lock()
	doomed := t.doomScopeLocked(st.scope, st.pinning)
	t.mu.Unlock()
	if doomed > 0 {
		t.logger.Debug("doomed active writers", "scope", st.scope, "count", doomed)
	}

	kind := string(t.kind)
	keys, err := t.index.Keys(ctx, kind, st.scope)
	if err != nil {
		return 0, fmt.Errorf("%w: listing keys: %w", ErrIOFailure, t.check(err))
	}

	removed := 0
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		rec, err := t.index.Get(ctx, kind, st.scope, k)
		if errors.Is(err, metadb.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("%w: reading index: %w", ErrIOFailure, t.check(err))
		}
		if rec.Pinned != st.pinning {
			continue
		}
		if err := t.removeEntry(ctx, st.scope, entrycache.KeyFromString(k)); err != nil {
			return removed, fmt.Errorf("%w: %w", ErrIOFailure, err)
		}
		removed++
	}

	t.sweepOrphans(ctx, st)
	return removed, nil
}

// sweepOrphans deletes payloads in the scope that no index record or active
// writer accounts for, such as files left by an interrupted commit.
func (t *tier) sweepOrphans(ctx context.Context, st *Storage) {
	store := t.byteStore()
	prefix := scopeDir(st.scope) + "/"
	paths, err := store.List(ctx, prefix)
	if err != nil {
		t.logger.Warn("listing payloads for orphan sweep", "scope", st.scope, "error", t.check(err))
		return
	}
	if len(paths) == 0 {
		return
	}

	keys, err := t.index.Keys(ctx, string(t.kind), st.scope)
	if err != nil {
		t.logger.Warn("listing keys for orphan sweep", "scope", st.scope, "error", t.check(err))
		return
	}
	t.mu.Lock()
	live := t.activeWritersLocked(st.scope)
	t.mu.Unlock()
	for _, k := range keys {
		live[storagePath(st.scope, entrycache.KeyFromString(k))] = struct{}{}
	}

	for _, p := range paths {
		if _, ok := live[p]; ok || !strings.HasPrefix(p, prefix) {
			continue
		}
		if err := store.Delete(ctx, p); err != nil {
			t.logger.Warn("deleting orphan payload", "path", p, "error", t.check(err))
			continue
		}
		t.logger.Debug("deleted orphan payload", "path", p)
	}
}
