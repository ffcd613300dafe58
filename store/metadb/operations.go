package metadb

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"

	"go.etcd.io/bbolt"
)

// compactTxMaxSize bounds the size of each copy transaction during CompactTo.
const compactTxMaxSize = 64 << 20

// StatsDiscrepancy is a scope whose stored counters differ from the counters
// computed from its records.
type StatsDiscrepancy struct {
	Kind     string     `json:"kind"`
	Scope    string     `json:"scope"`
	Stored   ScopeStats `json:"stored"`
	Computed ScopeStats `json:"computed"`
}

type scopeRef struct {
	kind  string
	scope string
}

// forEachRecord calls fn for every decodable record. Records that fail to
// decode are logged and skipped.
func (b *BoltDB) forEachRecord(tx *bbolt.Tx, fn func(ref scopeRef, rec *Record) error) error {
	entries := tx.Bucket(bucketEntries)
	return entries.ForEachBucket(func(kindName []byte) error {
		kb := entries.Bucket(kindName)
		return kb.ForEachBucket(func(scopeName []byte) error {
			ref := scopeRef{kind: string(kindName), scope: parseScopeBucketName(scopeName)}
			return kb.Bucket(scopeName).ForEach(func(k, v []byte) error {
				rec, err := UnmarshalRecord(v)
				if err != nil {
					b.logger.Warn("skipping undecodable record", "kind", ref.kind, "scope", ref.scope, "key", string(k), "error", err)
					return nil
				}
				return fn(ref, rec)
			})
		})
	})
}

func (b *BoltDB) computeStats(tx *bbolt.Tx) (map[scopeRef]ScopeStats, error) {
	computed := make(map[scopeRef]ScopeStats)
	err := b.forEachRecord(tx, func(ref scopeRef, rec *Record) error {
		computed[ref] = computed[ref].add(statsDelta(rec, 1))
		return nil
	})
	return computed, err
}

func parseStatsKey(k []byte) scopeRef {
	kind, scope, _ := bytes.Cut(k, []byte{0})
	return scopeRef{kind: string(kind), scope: string(scope)}
}

// VerifyStats compares every stored scope counter with the counters computed
// from the records. It does not modify the database.
func (b *BoltDB) VerifyStats(_ context.Context) ([]StatsDiscrepancy, error) {
	var discrepancies []StatsDiscrepancy
	err := b.view(func(tx *bbolt.Tx) error {
		computed, err := b.computeStats(tx)
		if err != nil {
			return err
		}

		c := tx.Bucket(bucketScopeStats).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ref := parseStatsKey(k)
			stored := decodeStats(v)
			if want := computed[ref]; stored != want {
				discrepancies = append(discrepancies, StatsDiscrepancy{Kind: ref.kind, Scope: ref.scope, Stored: stored, Computed: want})
			}
			delete(computed, ref)
		}
		for ref, want := range computed {
			discrepancies = append(discrepancies, StatsDiscrepancy{Kind: ref.kind, Scope: ref.scope, Computed: want})
		}
		return nil
	})

	slices.SortFunc(discrepancies, func(a, b StatsDiscrepancy) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Scope, b.Scope))
	})
	return discrepancies, err
}

// RebuildIndexes recomputes every scope counter and the expiry index from the
// records. It returns the number of scope counters that changed.
func (b *BoltDB) RebuildIndexes(_ context.Context) (int, error) {
	var changed int
	err := b.update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketEntriesByExpiry) != nil {
			if err := tx.DeleteBucket(bucketEntriesByExpiry); err != nil {
				return fmt.Errorf("clearing expiry index: %w", err)
			}
		}
		if _, err := tx.CreateBucket(bucketEntriesByExpiry); err != nil {
			return fmt.Errorf("creating expiry index: %w", err)
		}

		computed := make(map[scopeRef]ScopeStats)
		err := b.forEachRecord(tx, func(ref scopeRef, rec *Record) error {
			computed[ref] = computed[ref].add(statsDelta(rec, 1))
			return indexExpiry(tx, ref.kind, ref.scope, rec)
		})
		if err != nil {
			return err
		}

		stats := tx.Bucket(bucketScopeStats)
		var stale [][]byte
		err = stats.ForEach(func(k, v []byte) error {
			ref := parseStatsKey(k)
			want, ok := computed[ref]
			switch {
			case !ok:
				stale = append(stale, bytes.Clone(k))
			case decodeStats(v) == want:
				delete(computed, ref)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := stats.Delete(k); err != nil {
				return fmt.Errorf("deleting scope stats: %w", err)
			}
			changed++
		}
		for ref, want := range computed {
			if err := stats.Put(makeStatsKey(ref.kind, ref.scope), encodeStats(want)); err != nil {
				return fmt.Errorf("writing scope stats: %w", err)
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		b.logger.Info("rebuilt index counters", "scopes_changed", changed)
	}
	return changed, nil
}

// CompactTo writes a compacted copy of the database to destPath, reclaiming
// the space of deleted records.
func (b *BoltDB) CompactTo(_ context.Context, destPath string) error {
	if b.db == nil {
		return ErrClosed
	}
	dst, err := bbolt.Open(destPath, 0o600, &bbolt.Options{NoSync: b.noSync})
	if err != nil {
		return fmt.Errorf("opening destination database: %w", err)
	}
	if err := bbolt.Compact(dst, b.db, compactTxMaxSize); err != nil {
		_ = dst.Close()
		return fmt.Errorf("compacting database: %w", err)
	}
	return dst.Close()
}
