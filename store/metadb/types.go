package metadb

import (
	"maps"
	"time"
)

// Record is the indexed state of one committed cache entry.
type Record struct {
	Key          string
	DataSize     int64
	StoredSize   int64
	Metadata     map[string]string
	Pinned       bool
	FetchCount   uint32
	LastFetched  time.Time
	LastModified time.Time
	ExpiresAt    time.Time
	ContentHash  string
	Encoding     string
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// ExpiredEntry locates a record whose expiration time has passed.
type ExpiredEntry struct {
	Scope     string
	Key       string
	ExpiresAt time.Time
}

// ScopeStats holds the aggregate counters for one (kind, scope). The pinned
// counters are the subset of EntryCount and Bytes held by pinned records.
type ScopeStats struct {
	EntryCount  int64
	Bytes       int64
	PinnedCount int64
	PinnedBytes int64
}

// statsDelta is the change rec contributes to its scope counters.
func statsDelta(rec *Record, sign int64) ScopeStats {
	d := ScopeStats{EntryCount: sign, Bytes: sign * rec.DataSize}
	if rec.Pinned {
		d.PinnedCount = sign
		d.PinnedBytes = sign * rec.DataSize
	}
	return d
}

func (s ScopeStats) add(d ScopeStats) ScopeStats {
	return ScopeStats{
		EntryCount:  s.EntryCount + d.EntryCount,
		Bytes:       s.Bytes + d.Bytes,
		PinnedCount: s.PinnedCount + d.PinnedCount,
		PinnedBytes: s.PinnedBytes + d.PinnedBytes,
	}
}
