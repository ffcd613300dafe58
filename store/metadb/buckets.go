package metadb

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// Entry records - nested structure: entries -> kind -> scope -> key -> Record
	bucketEntries = []byte("entries")

	// Aggregate counters: kind|scope -> count, bytes, pinned count, pinned bytes (8 bytes each)
	bucketScopeStats = []byte("scope_stats")

	// Expiry index: kind|timestamp|scope|key -> empty. Pinned records are not indexed.
	bucketEntriesByExpiry = []byte("entries_by_expiry")
)

// scopeBucketPrefix keeps the default scope (empty suffix) a valid bucket name.
const scopeBucketPrefix = '#'

func scopeBucketName(scope string) []byte {
	name := make([]byte, 1+len(scope))
	name[0] = scopeBucketPrefix
	copy(name[1:], scope)
	return name
}

func parseScopeBucketName(name []byte) string {
	if len(name) == 0 || name[0] != scopeBucketPrefix {
		return string(name)
	}
	return string(name[1:])
}

// makeStatsKey creates a compound key for the scope_stats bucket.
// Format: [kind][separator][scope]
func makeStatsKey(kind, scope string) []byte {
	result := make([]byte, len(kind)+1+len(scope))
	copy(result, kind)
	result[len(kind)] = 0 // null separator
	copy(result[len(kind)+1:], scope)
	return result
}

// makeExpiryKey creates a key for the entries_by_expiry index. Keys of one
// kind sort by expiry time.
// Format: [kind][separator][8-byte timestamp][scope][separator][key]
func makeExpiryKey(kind string, expiresAt time.Time, scope, key string) []byte {
	result := make([]byte, 0, len(kind)+1+8+len(scope)+1+len(key))
	result = append(result, kind...)
	result = append(result, 0)
	result = binary.BigEndian.AppendUint64(result, encodeTimestamp(expiresAt))
	result = append(result, scope...)
	result = append(result, 0)
	return append(result, key...)
}

// expiryKindPrefix is the common prefix of every expiry key of kind.
func expiryKindPrefix(kind string) []byte {
	return append([]byte(kind), 0)
}

// parseExpiryKey reverses makeExpiryKey for a key known to start with the
// kind prefix of length prefixLen.
func parseExpiryKey(data []byte, prefixLen int) (expiresAt time.Time, scope, key string, ok bool) {
	if len(data) < prefixLen+8+1 {
		return time.Time{}, "", "", false
	}
	expiresAt = decodeTimestamp(binary.BigEndian.Uint64(data[prefixLen:]))
	rest := data[prefixLen+8:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return time.Time{}, "", "", false
	}
	return expiresAt, string(rest[:i]), string(rest[i+1:]), true
}

// expiryIndexed reports whether rec belongs in the expiry index.
func expiryIndexed(rec *Record) bool {
	return !rec.ExpiresAt.IsZero() && !rec.Pinned
}

func encodeStats(s ScopeStats) []byte {
	buf := make([]byte, 32)
	for i, v := range []int64{s.EntryCount, s.Bytes, s.PinnedCount, s.PinnedBytes} {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(max(v, 0))) //nolint:gosec // clamped
	}
	return buf
}

func decodeStats(b []byte) ScopeStats {
	if len(b) < 32 {
		return ScopeStats{}
	}
	field := func(i int) int64 {
		return int64(binary.BigEndian.Uint64(b[i*8:])) //nolint:gosec // written by encodeStats
	}
	return ScopeStats{
		EntryCount:  field(0),
		Bytes:       field(1),
		PinnedCount: field(2),
		PinnedBytes: field(3),
	}
}

// encodeTimestamp converts a time.Time to an order-preserving unsigned value.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) uint64 {
	return uint64(t.UnixNano() - (-1 << 63)) //nolint:gosec // intentional signed->unsigned shift
}

// decodeTimestamp reverses encodeTimestamp.
func decodeTimestamp(u uint64) time.Time {
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}
