package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/internal/safefs"
	"github.com/tis24dev/snapkeep/internal/types"
)

var (
	osMkdir     = os.Mkdir
	osRemove    = os.Remove
	osRemoveAll = os.RemoveAll
)

// Store manages snapshot directories under a single root.
type Store struct {
	root      string
	logger    *logging.Logger
	runner    CommandRunner
	ioTimeout time.Duration
}

// NewStore creates a store rooted at root. runner may be nil; it is only
// used to strip ACLs on platforms that need an external tool for it.
func NewStore(root string, logger *logging.Logger, runner CommandRunner, ioTimeout time.Duration) *Store {
	return &Store{
		root:      filepath.Clean(root),
		logger:    logger,
		runner:    runner,
		ioTimeout: ioTimeout,
	}
}

// Root returns the snapshot root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the directory of the snapshot called name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.root, name)
}

// List returns all snapshots ordered by timestamp ascending, each classified
// by the presence of its completion marker. A missing root is an empty chain.
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	entries, err := safefs.ReadDir(ctx, s.root, s.ioTimeout)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Operation: "list", Path: s.root, Err: err, IsCritical: true}
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ts, ok := ParseSnapshotName(entry.Name())
		if !ok {
			s.logger.Debug("Ignoring non-snapshot entry %s", entry.Name())
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		state := types.SnapshotIncomplete
		if _, err := os.Lstat(filepath.Join(path, MarkerFile)); err == nil {
			state = types.SnapshotComplete
		}
		snapshots = append(snapshots, Snapshot{
			Name:      entry.Name(),
			Path:      path,
			Timestamp: ts,
			State:     state,
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// Complete filters snapshots down to those carrying the completion marker,
// keeping their order.
func Complete(snapshots []Snapshot) []Snapshot {
	var out []Snapshot
	for _, snap := range snapshots {
		if snap.Complete() {
			out = append(out, snap)
		}
	}
	return out
}

// LinkBase returns the newest complete snapshot, or nil for an empty chain.
func (s *Store) LinkBase(ctx context.Context) (*Snapshot, error) {
	snapshots, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	complete := Complete(snapshots)
	if len(complete) == 0 {
		return nil, nil
	}
	base := complete[len(complete)-1]
	return &base, nil
}

// CleanupIncomplete deletes every snapshot that lacks the completion marker
// and returns how many were removed.
func (s *Store) CleanupIncomplete(ctx context.Context) (int, error) {
	snapshots, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, snap := range snapshots {
		if snap.Complete() {
			continue
		}
		s.logger.Info("Removing incomplete snapshot %s", snap.Name)
		if err := s.Delete(ctx, snap); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Create allocates an empty snapshot directory for ts. It fails with
// *AllocationError when the path exists or ts is not strictly later than
// every snapshot already in the chain.
func (s *Store) Create(ctx context.Context, ts time.Time) (Snapshot, error) {
	name := SnapshotName(ts)
	path := s.Path(name)
	parsed, _ := ParseSnapshotName(name)

	existing, err := s.List(ctx)
	if err != nil {
		return Snapshot{}, &AllocationError{Path: path, Reason: "cannot list snapshot root", Err: err}
	}
	if n := len(existing); n > 0 && !parsed.After(existing[n-1].Timestamp) {
		return Snapshot{}, &AllocationError{
			Path:   path,
			Reason: fmt.Sprintf("timestamp is not later than newest snapshot %s", existing[n-1].Name),
		}
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return Snapshot{}, &AllocationError{Path: path, Reason: "cannot create snapshot root", Err: err}
	}
	if err := osMkdir(path, 0o755); err != nil {
		return Snapshot{}, &AllocationError{Path: path, Reason: "mkdir failed", Err: err}
	}

	s.logger.Debug("Allocated snapshot directory %s", path)
	return Snapshot{
		Name:      name,
		Path:      path,
		Timestamp: parsed,
		State:     types.SnapshotIncomplete,
	}, nil
}

// MarkComplete writes the completion marker stamped with at. The manifest
// must already be on disk; the marker is the last write to the snapshot.
func (s *Store) MarkComplete(snap Snapshot, at time.Time) (Snapshot, error) {
	if _, err := os.Lstat(filepath.Join(snap.Path, ManifestFile)); err != nil {
		return snap, &StorageError{
			Operation:  "mark_complete",
			Path:       snap.Path,
			Err:        fmt.Errorf("manifest missing: %w", err),
			IsCritical: true,
		}
	}

	markerPath := filepath.Join(snap.Path, MarkerFile)
	f, err := os.OpenFile(markerPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return snap, &StorageError{Operation: "mark_complete", Path: markerPath, Err: err, IsCritical: true}
	}
	if _, err := fmt.Fprintf(f, "%s\n", at.Format(time.RFC3339)); err != nil {
		f.Close()
		return snap, &StorageError{Operation: "mark_complete", Path: markerPath, Err: err, IsCritical: true}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return snap, &StorageError{Operation: "mark_complete", Path: markerPath, Err: err, IsCritical: true}
	}
	if err := f.Close(); err != nil {
		return snap, &StorageError{Operation: "mark_complete", Path: markerPath, Err: err, IsCritical: true}
	}
	if err := syncDir(snap.Path); err != nil {
		s.logger.Warning("Failed to sync snapshot directory %s: %v", snap.Path, err)
	}

	snap.State = types.SnapshotComplete
	return snap, nil
}

// Delete removes a snapshot tree. Immutable/append-only flags and ACLs are
// stripped first and owner write permission is restored on directories;
// failures there are only warnings. The completion marker is removed and
// made durable before anything else, so a delete that stops part way leaves
// an incomplete snapshot for CleanupIncomplete. A failed removal is a
// *StorageError.
func (s *Store) Delete(ctx context.Context, snap Snapshot) error {
	if err := s.checkOwned(snap); err != nil {
		return &StorageError{Operation: "delete", Path: snap.Path, Err: err, IsCritical: true}
	}

	done := logging.DebugStart(s.logger, "delete snapshot", "path=%s", snap.Path)
	changed, failures := s.unprotectTree(ctx, snap.Path)
	if changed > 0 {
		s.logger.Debug("Cleared protection on %d entries under %s", changed, snap.Path)
	}
	if failures > 0 {
		s.logger.Warning("Could not clear protection on %d entries under %s", failures, snap.Path)
	}

	if err := s.demote(snap); err != nil {
		done(err)
		return err
	}

	err := osRemoveAll(snap.Path)
	done(err)
	if err != nil {
		return &StorageError{
			Operation:   "delete",
			Path:        snap.Path,
			Err:         err,
			IsCritical:  true,
			Recoverable: failures > 0,
		}
	}
	s.logger.Debug("Deleted snapshot %s", snap.Name)
	return nil
}

// demote removes the completion marker and syncs the snapshot directory.
func (s *Store) demote(snap Snapshot) error {
	markerPath := filepath.Join(snap.Path, MarkerFile)
	if err := osRemove(markerPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &StorageError{Operation: "delete", Path: markerPath, Err: err, IsCritical: true}
	}
	if err := syncDir(snap.Path); err != nil {
		s.logger.Warning("Failed to sync snapshot directory %s: %v", snap.Path, err)
	}
	return nil
}

// checkOwned refuses to delete anything that is not a snapshot directly
// under this store's root.
func (s *Store) checkOwned(snap Snapshot) error {
	clean := filepath.Clean(snap.Path)
	if filepath.Dir(clean) != s.root {
		return fmt.Errorf("%s is outside snapshot root %s", clean, s.root)
	}
	if _, ok := ParseSnapshotName(filepath.Base(clean)); !ok {
		return fmt.Errorf("%s is not a snapshot directory", clean)
	}
	return nil
}

// unprotectTree walks root clearing flags and restoring u+rwx on
// directories before they are descended into. It returns how many entries
// were changed and how many could not be.
func (s *Store) unprotectTree(ctx context.Context, root string) (int, int) {
	changed, failures := 0, 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			s.logger.Debug("Walk %s: %v", path, err)
			failures++
			return nil
		}
		mode := d.Type()
		if mode&fs.ModeSymlink != 0 || (!mode.IsRegular() && !mode.IsDir()) {
			return nil
		}
		cleared, err := clearEntryProtection(path, d.IsDir())
		if err != nil {
			s.logger.Debug("Clear protection on %s: %v", path, err)
			failures++
		} else if cleared {
			changed++
		}
		if d.IsDir() {
			info, err := d.Info()
			if err == nil && info.Mode().Perm()&0o700 != 0o700 {
				if err := os.Chmod(path, info.Mode().Perm()|0o700); err != nil {
					failures++
				} else {
					changed++
				}
			}
		}
		return nil
	})

	if err := clearTreeACLs(ctx, s.runner, root); err != nil {
		s.logger.Debug("Clear ACLs under %s: %v", root, err)
		failures++
	}
	return changed, failures
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !isUnsupportedSync(err) {
		return err
	}
	return nil
}

func isUnsupportedSync(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP)
}
