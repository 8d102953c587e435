package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tis24dev/snapkeep/internal/config"
	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/internal/manifest"
	"github.com/tis24dev/snapkeep/internal/rsync"
	"github.com/tis24dev/snapkeep/internal/safefs"
	"github.com/tis24dev/snapkeep/internal/storage"
	"github.com/tis24dev/snapkeep/internal/types"
)

var testBaseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

// fakeClock returns a time one minute later on every call so snapshot
// names never collide.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// fakeSync mirrors the source with os.Link for files unchanged against the
// link base, the way rsync --link-dest does.
type fakeSync struct {
	mu         sync.Mutex
	calls      []rsync.Request
	excludes   []string
	err        error
	versionErr error
	onRun      func(ctx context.Context, req rsync.Request) error
}

func (f *fakeSync) Binary() string { return "rsync" }

func (f *fakeSync) Args(req rsync.Request) []string {
	return rsync.NewRunner("rsync", nil).Args(req)
}

func (f *fakeSync) Version(context.Context) (string, error) {
	if f.versionErr != nil {
		return "", f.versionErr
	}
	return "rsync  version 3.2.7  protocol version 31", nil
}

func (f *fakeSync) Run(ctx context.Context, req rsync.Request) (rsync.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	result := rsync.Result{Command: "rsync " + strings.Join(f.Args(req), " "), Duration: time.Second}
	if req.ExcludeFile != "" {
		data, err := os.ReadFile(req.ExcludeFile)
		if err != nil {
			return result, fmt.Errorf("exclude file: %w", err)
		}
		f.excludes = strings.Split(strings.TrimSpace(string(data)), "\n")
	}
	if f.onRun != nil {
		if err := f.onRun(ctx, req); err != nil {
			result.ExitCode = -1
			return result, err
		}
	}
	if f.err != nil {
		result.ExitCode = 23
		return result, f.err
	}
	stats, err := mirror(req, f.excludes)
	result.Stats = stats
	return result, err
}

func (f *fakeSync) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func mirror(req rsync.Request, excludes []string) (rsync.Stats, error) {
	var stats rsync.Stats
	skipped := make(map[string]bool)
	for _, p := range excludes {
		if strings.HasPrefix(p, "/") {
			skipped[strings.TrimSuffix(strings.TrimPrefix(p, "/"), "/")] = true
		}
	}

	err := filepath.WalkDir(req.Source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(req.Source, path)
		if rel == "." {
			return nil
		}
		if skipped[filepath.ToSlash(rel)] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		dst := filepath.Join(req.Destination, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		stats.Files++
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		stats.TotalSize += int64(len(data))
		if req.LinkBase != "" {
			base := filepath.Join(req.LinkBase, rel)
			if prev, err := os.ReadFile(base); err == nil && bytes.Equal(prev, data) {
				return os.Link(base, dst)
			}
		}
		stats.FilesTransferred++
		stats.TransferredSize += int64(len(data))
		return os.WriteFile(dst, data, 0o644)
	})
	return stats, err
}

// fakeVolume reports 100 MiB total with usedBase MiB used plus perSnapshot
// MiB for every directory in the snapshot root.
type fakeVolume struct {
	root        string
	usedBase    uint64
	perSnapshot uint64
	err         error
}

const mib = 1 << 20

func (v *fakeVolume) stat(context.Context, string, time.Duration) (safefs.VolumeStats, error) {
	if v.err != nil {
		return safefs.VolumeStats{}, v.err
	}
	entries, _ := os.ReadDir(v.root)
	used := v.usedBase + v.perSnapshot*uint64(len(entries))
	total := uint64(100)
	if used > total {
		used = total
	}
	return safefs.VolumeStats{BlockSize: 4096, TotalBytes: total * mib, FreeBytes: (total - used) * mib}, nil
}

type testEnv struct {
	t      *testing.T
	cfg    *config.Config
	logger *logging.Logger
	clock  *fakeClock
	sync   *fakeSync
	volume *fakeVolume
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dest := filepath.Join(root, "dest")
	for _, dir := range []string{src, filepath.Join(src, "docs"), dest} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "docs", "b.txt"), "bravo")

	cfg := &config.Config{
		SourcePath:      src,
		DestinationPath: dest,
		SnapshotDir:     "snapshots",
		LogDir:          "logs",
		RsyncPath:       "rsync",
		RsyncOptions:    []string{"-a", "--delete"},
		MinFreePercent:  10,
		MaxEvictions:    100,
		LockMaxAge:      time.Hour,
		StatfsTimeout:   time.Second,
		Label:           "nightly",
	}

	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)

	return &testEnv{
		t:      t,
		cfg:    cfg,
		logger: logger,
		clock:  &fakeClock{now: testBaseTime, step: time.Minute},
		sync:   &fakeSync{},
		volume: &fakeVolume{root: cfg.SnapshotRoot(), usedBase: 10},
	}
}

func (e *testEnv) orchestrator() *Orchestrator {
	o := NewWithDeps(Deps{
		Logger:   e.logger,
		Config:   e.cfg,
		DryRun:   e.cfg.DryRun,
		Time:     e.clock,
		Command:  noCommands{},
		Sync:     e.sync,
		StatFunc: e.volume.stat,
		Notify: func(parent context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(parent)
			e.cancel = cancel
			return ctx, cancel
		},
		Hostname: func() (string, error) { return "testhost", nil },
	})
	o.SetVersion("1.0.0")
	return o
}

func (e *testEnv) run() (*RunStats, error) {
	e.t.Helper()
	return e.orchestrator().Run(context.Background())
}

func (e *testEnv) store() *storage.Store {
	return storage.NewStore(e.cfg.SnapshotRoot(), e.logger, nil, time.Second)
}

// seed creates a snapshot at ts holding one file, complete or not.
func (e *testEnv) seed(ts time.Time, complete bool) storage.Snapshot {
	e.t.Helper()
	store := e.store()
	snap, err := store.Create(context.Background(), ts)
	if err != nil {
		e.t.Fatalf("seed Create: %v", err)
	}
	writeFile(e.t, filepath.Join(snap.Path, "a.txt"), "old")
	if !complete {
		return snap
	}
	m := &manifest.Manifest{Snapshot: snap.Name, Source: e.cfg.SourcePath, Label: "seed"}
	if err := manifest.Write(filepath.Join(snap.Path, storage.ManifestFile), m); err != nil {
		e.t.Fatalf("seed manifest: %v", err)
	}
	snap, err = store.MarkComplete(snap, ts)
	if err != nil {
		e.t.Fatalf("seed MarkComplete: %v", err)
	}
	return snap
}

func (e *testEnv) snapshotNames() []string {
	e.t.Helper()
	snaps, err := e.store().List(context.Background())
	if err != nil {
		e.t.Fatalf("List: %v", err)
	}
	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	return names
}

type noCommands struct{}

func (noCommands) Run(context.Context, string, ...string) ([]byte, error) {
	return nil, fmt.Errorf("no commands in tests")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func requireRunError(t *testing.T, err error, code types.ExitCode, phase Phase) *RunError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", code)
	}
	runErr, ok := asRunError(err)
	if !ok {
		t.Fatalf("expected *RunError, got %T: %v", err, err)
	}
	if runErr.Code != code {
		t.Fatalf("exit code = %d (%s), want %d; err=%v", runErr.Code, runErr.Code, code, err)
	}
	if phase != "" && runErr.Phase != phase {
		t.Fatalf("phase = %s, want %s", runErr.Phase, phase)
	}
	return runErr
}
