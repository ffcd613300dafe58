package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/wolfeidau/entry-cache/cache"
	"github.com/wolfeidau/entry-cache/store/metadb"
)

// IndexCmd works on the index file directly. The server must not be running,
// since it holds the file lock.
type IndexCmd struct {
	Check   IndexCheckCmd   `cmd:"" help:"Compare the stored scope counters with the records."`
	Compact IndexCompactCmd `cmd:"" help:"Rewrite the index without free pages."`
}

// IndexFlags locate the index file.
type IndexFlags struct {
	DataDir string `help:"Directory holding the index." default:"./cache" env:"ENTRY_CACHE_DATA_DIR"`
}

func (f IndexFlags) path() string {
	return filepath.Join(f.DataDir, cache.IndexFileName)
}

func (f IndexFlags) open(g *Globals) (*metadb.BoltDB, error) {
	path := f.path()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("index not found: %w", err)
	}
	db := metadb.NewBoltDB(metadb.WithLogger(g.Logger))
	if err := db.Open(path); err != nil {
		return nil, err
	}
	return db, nil
}

// IndexCheckCmd verifies the scope counters and optionally rebuilds them.
type IndexCheckCmd struct {
	IndexFlags
	Repair bool `help:"Rebuild the counters and the expiry index when they disagree."`
}

func (c *IndexCheckCmd) Run(g *Globals) error {
	ctx := context.Background()
	db, err := c.open(g)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	discrepancies, err := db.VerifyStats(ctx)
	if err != nil {
		return fmt.Errorf("verifying index: %w", err)
	}
	if len(discrepancies) == 0 {
		_, _ = fmt.Fprintln(g.Stdout, "index counters ok")
		return nil
	}

	tw := tabwriter.NewWriter(g.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KIND\tSCOPE\tSTORED\tCOMPUTED")
	for _, d := range discrepancies {
		_, _ = fmt.Fprintf(tw, "%s\t%q\t%d entries / %d bytes\t%d entries / %d bytes\n",
			d.Kind, d.Scope, d.Stored.EntryCount, d.Stored.Bytes, d.Computed.EntryCount, d.Computed.Bytes)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !c.Repair {
		return fmt.Errorf("index counters disagree in %d scopes, rerun with --repair", len(discrepancies))
	}
	changed, err := db.RebuildIndexes(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	_, _ = fmt.Fprintf(g.Stdout, "rebuilt %d scope counters\n", changed)
	return nil
}

// IndexCompactCmd copies the index into a fresh file and swaps it in.
type IndexCompactCmd struct {
	IndexFlags
}

func (c *IndexCompactCmd) Run(g *Globals) error {
	path := c.path()
	before, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("index not found: %w", err)
	}

	db, err := c.open(g)
	if err != nil {
		return err
	}
	tmp := path + ".compact"
	_ = os.Remove(tmp)
	if err := db.CompactTo(context.Background(), tmp); err != nil {
		_ = db.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := db.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing index: %w", err)
	}

	after, err := os.Stat(path)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(g.Stdout, "compacted %s: %d -> %d bytes\n", path, before.Size(), after.Size())
	return nil
}
