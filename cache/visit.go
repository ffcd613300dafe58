package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	entrycache "github.com/wolfeidau/entry-cache"
	"github.com/wolfeidau/entry-cache/store/metadb"
	"github.com/wolfeidau/entry-cache/telemetry"
)

// VisitEventType tags the events delivered to a VisitFunc.
type VisitEventType int

const (
	VisitStorageInfo VisitEventType = iota
	VisitEntry
	VisitEnd
)

func (v VisitEventType) String() string {
	switch v {
	case VisitStorageInfo:
		return "storage_info"
	case VisitEntry:
		return "entry"
	case VisitEnd:
		return "end"
	default:
		return "unknown"
	}
}

// StorageInfo is the aggregate state of one storage.
type StorageInfo struct {
	EntryCount  int64
	Consumption int64
	Capacity    int64
	Directory   string
}

// EntryInfo describes one committed entry.
type EntryInfo struct {
	Key          entrycache.Key
	Metadata     map[string]string
	DataSize     int64
	FetchCount   uint32
	LastFetched  time.Time
	LastModified time.Time
	ExpiresAt    time.Time
	Pinned       bool
}

// VisitEvent is one visit callback. Info is set for VisitStorageInfo, Entry
// for VisitEntry and Err, possibly nil, for VisitEnd.
type VisitEvent struct {
	Type  VisitEventType
	Info  StorageInfo
	Entry EntryInfo
	Err   error
}

// VisitFunc receives visit events on the tier worker.
type VisitFunc func(VisitEvent)

func (t *tier) visit(ctx context.Context, st *Storage, wantEntries bool, fn VisitFunc) {
	mode := "aggregate"
	if wantEntries {
		mode = "enumerate"
	}
	telemetry.RecordVisit(context.WithoutCancel(ctx), string(st.kind), mode)

	if err := t.visitStorage(ctx, st, wantEntries, fn); err != nil {
		t.logger.Debug("visit ended with error", "scope", st.scope, "mode", mode, "error", err)
		fn(VisitEvent{Type: VisitEnd, Err: err})
		return
	}
	fn(VisitEvent{Type: VisitEnd})
}

func (t *tier) visitStorage(ctx context.Context, st *Storage, wantEntries bool, fn VisitFunc) error {
	if t.failure() != nil {
		return t.failedErr()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	kind := string(t.kind)
	stats, err := t.index.Stats(ctx, kind, st.scope)
	if err != nil {
		return fmt.Errorf("%w: reading stats: %w", ErrIOFailure, t.check(err))
	}
	info := StorageInfo{Capacity: t.capacity, Directory: t.dir()}
	if st.pinning {
		info.EntryCount, info.Consumption = stats.PinnedCount, stats.PinnedBytes
	} else {
		info.EntryCount, info.Consumption = stats.EntryCount-stats.PinnedCount, stats.Bytes-stats.PinnedBytes
	}
	fn(VisitEvent{Type: VisitStorageInfo, Info: info})

	if !wantEntries {
		return nil
	}

	keys, err := t.index.Keys(ctx, kind, st.scope)
	if err != nil {
		return fmt.Errorf("%w: listing keys: %w", ErrIOFailure, t.check(err))
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := t.index.Get(ctx, kind, st.scope, k)
		if errors.Is(err, metadb.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: reading index: %w", ErrIOFailure, t.check(err))
		}
		if rec.Pinned != st.pinning {
			continue
		}
		fn(VisitEvent{Type: VisitEntry, Entry: EntryInfo{
			Key:          entrycache.KeyFromString(rec.Key),
			Metadata:     rec.Metadata,
			DataSize:     rec.DataSize,
			FetchCount:   rec.FetchCount,
			LastFetched:  rec.LastFetched,
			LastModified: rec.LastModified,
			ExpiresAt:    rec.ExpiresAt,
			Pinned:       rec.Pinned,
		}})
	}
	return nil
}
