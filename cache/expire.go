package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	entrycache "github.com/wolfeidau/entry-cache"
	"github.com/wolfeidau/entry-cache/store/metadb"
)

// PurgeResult summarizes one PurgeExpired pass.
type PurgeResult struct {
	Removed        int
	BytesReclaimed int64
}

// PurgeExpired removes every entry whose expiration time has passed, across
// all tiers and scopes. Pinned entries and entries with an active writer are
// left alone. Each tier is purged on its own worker, so the pass never
// interleaves with an open of the same tier.
func (s *Service) PurgeExpired(ctx context.Context) (PurgeResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return PurgeResult{}, ErrClosed
	}

	var total PurgeResult
	var errs []error
	for _, kind := range entrycache.Kinds {
		t, ok := s.tiers[kind]
		if !ok {
			continue
		}
		res, err := t.purgeExpiredAndWait(ctx)
		total.Removed += res.Removed
		total.BytesReclaimed += res.BytesReclaimed
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return total, errors.Join(errs...)
}

type purgeOutcome struct {
	res PurgeResult
	err error
}

func (t *tier) purgeExpiredAndWait(ctx context.Context) (PurgeResult, error) {
	ch := make(chan purgeOutcome, 1)
	if !t.enqueue(false, func() {
		res, err := t.purgeExpired(ctx)
		ch <- purgeOutcome{res: res, err: err}
	}) {
		return PurgeResult{}, ErrClosed
	}
	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return PurgeResult{}, ctx.Err()
	}
}

// purgeBatchSize is how many expired records one index query returns.
const purgeBatchSize = 256

// purgeExpired walks the expiry index of the tier in batches. Entries with an
// active writer are skipped and stay indexed, so each query asks for enough
// records to get past the ones already skipped.
func (t *tier) purgeExpired(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	if t.failure() != nil {
		return res, t.failedErr()
	}

	kind := string(t.kind)
	now := t.now()
	skipped := make(map[string]struct{})

	for {
		limit := len(skipped) + purgeBatchSize
		expired, err := t.index.Expired(ctx, kind, now, limit)
		if err != nil {
			return res, fmt.Errorf("%w: querying expiry index: %w", ErrIOFailure, t.check(err))
		}

		progressed := false
		for _, ex := range expired {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			hk := handleKey(ex.Scope, entrycache.KeyFromString(ex.Key))
			if _, ok := skipped[hk]; ok {
				continue
			}

			removed, size, err := t.purgeOne(ctx, ex, now)
			if err != nil {
				return res, err
			}
			if !removed {
				skipped[hk] = struct{}{}
				continue
			}
			progressed = true
			res.Removed++
			res.BytesReclaimed += size
		}

		if len(expired) < limit || !progressed {
			break
		}
	}

	if res.Removed > 0 {
		t.logger.Info("purged expired entries", "removed", res.Removed, "bytes", res.BytesReclaimed, "skipped", len(skipped))
	}
	return res, nil
}

// purgeOne removes one expired entry unless a writer holds it or the record
// changed since the index was queried.
func (t *tier) purgeOne(ctx context.Context, ex metadb.ExpiredEntry, now time.Time) (bool, int64, error) {
	key := entrycache.KeyFromString(ex.Key)
	t.mu.Lock()
	h := t.handles[handleKey(ex.Scope, key)]
	busy := h != nil && h.writer != nil
	t.mu.Unlock()
	if busy {
		return false, 0, nil
	}

	rec, err := t.index.Get(ctx, string(t.kind), ex.Scope, ex.Key)
	if errors.Is(err, metadb.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("%w: reading index: %w", ErrIOFailure, t.check(err))
	}
	if rec.Pinned || rec.ExpiresAt.IsZero() || rec.ExpiresAt.After(now) {
		return false, 0, nil
	}

	if err := t.removeEntry(ctx, ex.Scope, key); err != nil {
		return false, 0, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return true, rec.DataSize, nil
}
