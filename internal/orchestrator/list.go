package orchestrator

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/tis24dev/snapkeep/internal/manifest"
	"github.com/tis24dev/snapkeep/internal/storage"
)

// ChainEntry is one snapshot as shown by --list.
type ChainEntry struct {
	Snapshot storage.Snapshot
	Label    string
	LinkBase string
	Note     string
}

// List returns the snapshot chain oldest first with the label and link
// base recorded in each manifest. A missing or unreadable manifest is
// reported in Note, never as an error.
func (o *Orchestrator) List(ctx context.Context) ([]ChainEntry, error) {
	snapshots, err := o.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots in %s: %w", o.store.Root(), err)
	}

	entries := make([]ChainEntry, 0, len(snapshots))
	for _, snap := range snapshots {
		entry := ChainEntry{Snapshot: snap}
		m, err := manifest.Load(filepath.Join(snap.Path, storage.ManifestFile))
		switch {
		case err != nil && snap.Complete():
			entry.Note = fmt.Sprintf("manifest unreadable: %v", err)
		case err != nil:
			entry.Note = "no manifest"
		default:
			entry.Label = m.Label
			entry.LinkBase = m.LinkBase
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// WriteChain prints entries as a fixed-width table.
func WriteChain(w io.Writer, entries []ChainEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No snapshots found")
		return
	}
	fmt.Fprintf(w, "%-19s  %-10s  %-19s  %s\n", "SNAPSHOT", "STATE", "LINK BASE", "LABEL")
	for _, e := range entries {
		linkBase := e.LinkBase
		if linkBase == "" {
			linkBase = "-"
		}
		label := e.Label
		if e.Note != "" {
			if label != "" {
				label += " "
			}
			label += "(" + e.Note + ")"
		}
		fmt.Fprintf(w, "%-19s  %-10s  %-19s  %s\n", e.Snapshot.Name, e.Snapshot.State, linkBase, label)
	}
}
