// Package orchestrator drives one snapshot run through its phases: pre-run
// checks, space enforcement, preparation, copy, manifest, completion marker
// and age pruning, rolling back the new snapshot when the copy does not
// finish.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tis24dev/snapkeep/internal/checks"
	"github.com/tis24dev/snapkeep/internal/config"
	"github.com/tis24dev/snapkeep/internal/excludes"
	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/internal/manifest"
	"github.com/tis24dev/snapkeep/internal/metrics"
	"github.com/tis24dev/snapkeep/internal/rsync"
	"github.com/tis24dev/snapkeep/internal/space"
	"github.com/tis24dev/snapkeep/internal/storage"
	"github.com/tis24dev/snapkeep/internal/types"
	"github.com/tis24dev/snapkeep/pkg/utils"
)

// excludeListPrefix names the temporary --exclude-from file in the log dir.
const excludeListPrefix = ".excludes_"

var interruptSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// Orchestrator coordinates a snapshot run.
type Orchestrator struct {
	logger    *logging.Logger
	cfg       *config.Config
	clock     TimeProvider
	cmdRunner CommandRunner
	sync      SyncRunner
	notify    NotifyFunc
	hostname  func() (string, error)
	dryRun    bool
	version   string
	startTime time.Time

	checker   *checks.Checker
	store     *storage.Store
	governor  *space.Governor
	retention *storage.Retention
	detector  *storage.FilesystemDetector
	excludes  *excludes.Builder
}

// copyPlan is everything PREP decided for the copy.
type copyPlan struct {
	linkBase    *storage.Snapshot
	excludes    *excludes.Set
	excludeFile string
	options     []string
	downgrades  []string
	filesystem  string
	syncVersion string
}

// New creates an orchestrator for cfg with the real clock, rsync and OS.
func New(logger *logging.Logger, cfg *config.Config) *Orchestrator {
	return NewWithDeps(Deps{Logger: logger, Config: cfg})
}

// NewWithDeps creates an orchestrator; unset dependencies get defaults.
func NewWithDeps(deps Deps) *Orchestrator {
	deps = deps.merge(defaultDeps(deps.Logger, deps.Config))
	cfg := deps.Config

	o := &Orchestrator{
		logger:    deps.Logger,
		cfg:       cfg,
		clock:     deps.Time,
		cmdRunner: deps.Command,
		sync:      deps.Sync,
		notify:    deps.Notify,
		hostname:  deps.Hostname,
		dryRun:    deps.DryRun,
	}

	checkerCfg := checks.GetDefaultCheckerConfig(cfg.SourcePath, cfg.DestinationPath, cfg.SnapshotDir, cfg.LogDir)
	if cfg.LockMaxAge > 0 {
		checkerCfg.MaxLockAge = cfg.LockMaxAge
	}
	checkerCfg.DryRun = o.dryRun
	o.checker = checks.NewChecker(o.logger, checkerCfg)

	o.store = storage.NewStore(cfg.SnapshotRoot(), o.logger, o.cmdRunner, cfg.StatfsTimeout)
	o.governor = space.NewGovernor(cfg.DestinationPath, cfg.StatfsTimeout).WithStatFunc(deps.StatFunc)
	o.retention = storage.NewRetention(o.store, o.governor, storage.RetentionConfig{
		Budget: space.Budget{
			MinFreeBytes:   cfg.MinFreeBytes,
			MinFreePercent: cfg.MinFreePercent,
		},
		MaxEvictions: cfg.MaxEvictions,
		MaxAgeDays:   cfg.MaxAgeDays,
	}, o.logger)
	o.detector = storage.NewFilesystemDetector(o.logger)
	o.excludes = excludes.NewBuilder(o.logger, o.cmdRunner)
	return o
}

// SetVersion sets the tool version recorded in manifests and metrics.
func (o *Orchestrator) SetVersion(version string) {
	o.version = strings.TrimSpace(version)
}

// SetStartTime injects the timestamp shared with the run log name.
func (o *Orchestrator) SetStartTime(t time.Time) {
	o.startTime = t
}

func (o *Orchestrator) now() time.Time {
	if o != nil && o.clock != nil {
		return o.clock.Now()
	}
	return time.Now()
}

func (o *Orchestrator) host() string {
	if o.hostname == nil {
		return ""
	}
	name, err := o.hostname()
	if err != nil {
		o.logger.Debug("Hostname lookup failed: %v", err)
		return ""
	}
	return name
}

func (o *Orchestrator) budget() space.Budget {
	return o.retention.Config().Budget
}

// Run executes one snapshot run. The returned stats are never nil; on
// failure err is a *RunError carrying the exit code and failed phase.
func (o *Orchestrator) Run(ctx context.Context) (stats *RunStats, err error) {
	startTime := o.startTime
	if startTime.IsZero() {
		startTime = o.now()
		o.startTime = startTime
	}

	stats = newRunStats(startTime)
	stats.Hostname = o.host()
	stats.Source = o.cfg.SourcePath
	stats.Destination = o.cfg.DestinationPath
	stats.Label = o.cfg.Label
	stats.ToolVersion = o.version
	stats.DryRun = o.dryRun
	stats.LogFilePath = o.logger.LogFilePath()

	defer func() {
		o.finalize(ctx, stats, err)
	}()

	if o.dryRun {
		o.logger.Info("[DRY RUN] Planning snapshot of %s into %s: nothing will be changed", stats.Source, o.store.Root())
	} else {
		o.logger.Info("Starting snapshot of %s into %s", stats.Source, o.store.Root())
	}

	o.logger.Phase("%s", PhaseStart)
	if err := o.RunPreRunChecks(ctx); err != nil {
		return stats, o.fail(stats, checkErrorCode(err), err)
	}
	defer func() {
		if relErr := o.checker.ReleaseLock(); relErr != nil {
			o.logger.Warning("Failed to release lock: %v", relErr)
		}
	}()

	if o.cfg.ExcludeFile != "" {
		if _, err := excludes.ReadPatternFile(o.cfg.ExcludeFile); err != nil {
			return stats, o.fail(stats, types.ExitConfigError, err)
		}
	}

	cleaned, err := o.cleanupIncomplete(ctx)
	stats.Cleaned = cleaned
	if err != nil {
		return stats, o.fail(stats, types.ExitStorageError, fmt.Errorf("cleanup of incomplete snapshots: %w", err))
	}

	o.enter(stats, PhaseSpaceCheck)
	if err := o.enforceSpace(ctx, stats); err != nil {
		return stats, o.fail(stats, spaceErrorCode(err), err)
	}

	o.enter(stats, PhasePrep)
	plan, code, err := o.prepare(ctx, stats)
	if err != nil {
		return stats, o.fail(stats, code, err)
	}
	defer o.removeExcludeFile(plan)

	if o.dryRun {
		o.planOnly(ctx, stats, plan)
		stats.Phase = PhaseDone
		return stats, nil
	}

	guardCtx, stopGuard := o.notify(ctx, interruptSignals...)
	defer stopGuard()

	o.enter(stats, PhaseCopy)
	snap, err := o.store.Create(ctx, stats.StartTime)
	if err != nil {
		return stats, o.fail(stats, types.ExitStorageError, err)
	}
	stats.Snapshot = snap.Name
	stats.SnapshotPath = snap.Path
	o.logger.Info("New snapshot: %s", snap.Path)

	if code, err := o.copy(guardCtx, stats, plan, snap); err != nil {
		return stats, o.abort(ctx, stats, snap, code, err)
	}
	o.removeExcludeFile(plan)

	o.enter(stats, PhaseManifestWrite)
	if err := guardCtx.Err(); err != nil {
		return stats, o.abort(ctx, stats, snap, types.ExitInterrupted, fmt.Errorf("interrupted: %w", err))
	}
	if err := o.writeManifest(stats, plan, snap); err != nil {
		return stats, o.abort(ctx, stats, snap, types.ExitStorageError, err)
	}

	o.enter(stats, PhaseCompleteMark)
	if err := guardCtx.Err(); err != nil {
		return stats, o.abort(ctx, stats, snap, types.ExitInterrupted, fmt.Errorf("interrupted: %w", err))
	}
	snap, err = o.store.MarkComplete(snap, o.now())
	if err != nil {
		return stats, o.abort(ctx, stats, snap, types.ExitStorageError, err)
	}
	stopGuard()
	o.logger.Info("Snapshot %s is complete", snap.Name)

	o.enter(stats, PhaseAgePrune)
	o.pruneByAge(context.WithoutCancel(ctx), stats, snap.Name)

	o.enter(stats, PhaseDone)
	return stats, nil
}

// RunPreRunChecks runs the checker and logs every result. On success the
// destination lock is held until the checker releases it.
func (o *Orchestrator) RunPreRunChecks(ctx context.Context) error {
	o.logger.Step("Pre-run validation checks")

	results, err := o.checker.RunAllChecks(ctx)
	for _, result := range results {
		if result.Passed {
			o.logger.Info("✓ %s: %s", result.Name, result.Message)
		} else {
			o.logger.Error("✗ %s: %s", result.Name, result.Message)
		}
	}
	if err != nil {
		return fmt.Errorf("pre-run checks failed: %w", err)
	}

	o.logger.Info("All pre-run checks passed")
	return nil
}

func (o *Orchestrator) enter(stats *RunStats, next Phase) {
	if !stats.Phase.CanTransition(next) {
		o.logger.Debug("Unexpected phase transition %s -> %s", stats.Phase, next)
	}
	stats.Phase = next
	o.logger.Phase("%s", next)
}

func (o *Orchestrator) fail(stats *RunStats, code types.ExitCode, err error) error {
	runErr := &RunError{Phase: stats.Phase, Err: err, Code: code}
	stats.Phase = PhaseError
	o.logger.Error("%v", runErr)
	return runErr
}

// abort fails the run and deletes the snapshot allocated by it. The delete
// runs detached from cancellation so an interrupt cannot skip it.
func (o *Orchestrator) abort(ctx context.Context, stats *RunStats, snap storage.Snapshot, code types.ExitCode, err error) error {
	failed := stats.Phase
	runErr := o.fail(stats, code, err)
	if !failed.rollsBack() {
		return runErr
	}

	o.logger.Warning("Rolling back snapshot %s", snap.Name)
	if delErr := o.store.Delete(context.WithoutCancel(ctx), snap); delErr != nil {
		o.logger.Error("Rollback of %s failed, it will be removed by the next run: %v", snap.Name, delErr)
		return runErr
	}
	stats.RolledBack = true
	o.logger.Info("Snapshot %s rolled back", snap.Name)
	return runErr
}

func (o *Orchestrator) cleanupIncomplete(ctx context.Context) (int, error) {
	if !o.dryRun {
		return o.store.CleanupIncomplete(ctx)
	}
	snapshots, err := o.store.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, snap := range snapshots {
		if !snap.Complete() {
			o.logger.Info("[DRY RUN] Would remove incomplete snapshot %s", snap.Name)
		}
	}
	return 0, nil
}

func (o *Orchestrator) enforceSpace(ctx context.Context, stats *RunStats) error {
	if !o.dryRun {
		report, err := o.retention.EnforceSpace(ctx)
		stats.FreeBefore = report.Before
		for _, snap := range report.Evicted {
			stats.Evicted = append(stats.Evicted, snap.Name)
		}
		if err != nil {
			return err
		}
		o.logger.Info("Free space: %s (budget %s)", report.After, o.budget())
		return nil
	}

	ok, capacity, err := o.governor.MeetsBudget(ctx, o.budget())
	if err != nil {
		return err
	}
	stats.FreeBefore = capacity
	if ok {
		o.logger.Info("Free space: %s (budget %s)", capacity, o.budget())
		return nil
	}
	snapshots, err := o.store.List(ctx)
	if err != nil {
		return err
	}
	complete := storage.Complete(snapshots)
	if len(complete) == 0 {
		return fmt.Errorf("%w: %s, need %s, no complete snapshot left to evict",
			storage.ErrInsufficientSpace, capacity, o.budget())
	}
	o.logger.Warning("[DRY RUN] Space below budget (%s): would evict complete snapshots oldest first, starting with %s",
		capacity, complete[0].Name)
	return nil
}

func (o *Orchestrator) prepare(ctx context.Context, stats *RunStats) (*copyPlan, types.ExitCode, error) {
	plan := &copyPlan{}

	base, err := o.store.LinkBase(ctx)
	if err != nil {
		return nil, types.ExitStorageError, fmt.Errorf("find link base: %w", err)
	}
	if base != nil {
		plan.linkBase = base
		stats.LinkBase = base.Name
		o.logger.Info("Link base: %s", base.Name)
	} else {
		o.logger.Info("No complete snapshot found: this snapshot is a full copy")
	}

	if o.dryRun {
		o.logger.Skip("[DRY RUN] Filesystem detection skipped")
	} else if info, err := o.detector.DetectFilesystem(ctx, o.store.Root()); err != nil {
		o.logger.Warning("Filesystem detection failed: %v", err)
	} else {
		plan.filesystem = info.Type.String()
		stats.Filesystem = plan.filesystem
	}

	set, err := o.excludes.Build(ctx, excludes.Context{
		Source:          o.cfg.SourcePath,
		IsRoot:          utils.IsFilesystemRoot(o.cfg.SourcePath),
		DiscoverAliases: o.cfg.DiscoverAliases,
		ExcludeFile:     o.cfg.ExcludeFile,
	})
	if err != nil {
		return nil, types.ExitConfigError, fmt.Errorf("build exclude set: %w", err)
	}
	plan.excludes = set
	stats.ExcludeCount = set.Len()
	stats.ExcludeDigest = set.Digest()
	o.logger.Info("Exclude set: %d pattern(s) from %v", set.Len(), set.Sources())

	caps := o.checker.ProbeCapabilities(o.store.Root(), o.cfg.RsyncOptions, o.cfg.AutoDetectXattrs, o.cfg.SkipSymlinks)
	plan.options = caps.Options
	plan.downgrades = caps.Notes
	stats.Options = caps.Options
	stats.Downgrades = caps.Notes

	syncVersion, err := o.sync.Version(ctx)
	if err != nil {
		return nil, types.ExitConfigError, fmt.Errorf("sync binary unusable: %w", err)
	}
	plan.syncVersion = syncVersion
	o.logger.Debug("Sync primitive: %s", syncVersion)

	if set.Len() > 0 {
		plan.excludeFile = filepath.Join(o.cfg.LogRoot(), excludeListPrefix+stats.StartTime.Format(logging.RunLogLayout))
		if o.dryRun {
			o.logger.Info("[DRY RUN] Would write exclude list %s", plan.excludeFile)
		} else if err := set.WriteFile(plan.excludeFile); err != nil {
			plan.excludeFile = ""
			return nil, types.ExitStorageError, err
		}
	}
	return plan, types.ExitSuccess, nil
}

func (o *Orchestrator) request(plan *copyPlan, destination string) rsync.Request {
	req := rsync.Request{
		Source:      o.cfg.SourcePath,
		Destination: destination,
		ExcludeFile: plan.excludeFile,
		Options:     plan.options,
	}
	if plan.linkBase != nil {
		req.LinkBase = plan.linkBase.Path
	}
	return req
}

// copy runs the sync pass. Any non-clean termination is a failure;
// cancellation of ctx maps to ExitInterrupted.
func (o *Orchestrator) copy(ctx context.Context, stats *RunStats, plan *copyPlan, snap storage.Snapshot) (types.ExitCode, error) {
	done := logging.DebugStart(o.logger, "sync", "snapshot=%s", snap.Name)
	result, err := o.sync.Run(ctx, o.request(plan, snap.Path))
	done(err)
	stats.Sync = result
	if err == nil {
		o.logger.Info("Copy finished in %s: %d of %d file(s) transferred",
			result.Duration.Round(time.Second), result.Stats.FilesTransferred, result.Stats.Files)
		return types.ExitSuccess, nil
	}

	var exitErr *rsync.ExitError
	if ctx.Err() != nil || (errors.As(err, &exitErr) && exitErr.Interrupted) {
		return types.ExitInterrupted, fmt.Errorf("copy interrupted: %w", err)
	}
	return types.ExitSyncError, fmt.Errorf("copy failed: %w", err)
}

func (o *Orchestrator) removeExcludeFile(plan *copyPlan) {
	if plan == nil || plan.excludeFile == "" || o.dryRun {
		return
	}
	if err := os.Remove(plan.excludeFile); err != nil && !os.IsNotExist(err) {
		o.logger.Warning("Failed to remove exclude list %s: %v", plan.excludeFile, err)
	}
	plan.excludeFile = ""
}

func (o *Orchestrator) writeManifest(stats *RunStats, plan *copyPlan, snap storage.Snapshot) error {
	m := &manifest.Manifest{
		Version:     manifest.CurrentVersion,
		Snapshot:    snap.Name,
		Source:      o.cfg.SourcePath,
		Destination: o.cfg.DestinationPath,
		LinkBase:    stats.LinkBase,
		Label:       o.cfg.Label,
		Hostname:    stats.Hostname,
		ToolVersion: o.version,
		CreatedAt:   o.now(),
		Sync: manifest.Sync{
			Binary:  o.sync.Binary(),
			Version: plan.syncVersion,
			Options: plan.options,
		},
		Excludes: manifest.Excludes{
			Sources:  plan.excludes.Sources(),
			Count:    plan.excludes.Len(),
			Digest:   plan.excludes.Digest(),
			Patterns: plan.excludes.Patterns(),
		},
		Downgrades:  plan.downgrades,
		DurationSec: stats.Sync.Duration.Seconds(),
		Filesystem:  plan.filesystem,
	}
	path := filepath.Join(snap.Path, storage.ManifestFile)
	if err := manifest.Write(path, m); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	o.logger.Debug("Manifest written: %s", path)
	return nil
}

func (o *Orchestrator) pruneByAge(ctx context.Context, stats *RunStats, keep string) {
	report := o.retention.PruneByAge(ctx, o.now(), keep)
	if report.Disabled {
		o.logger.Skip("Age pruning disabled (MAX_AGE_DAYS=0)")
		return
	}
	for _, snap := range report.Deleted {
		stats.Aged = append(stats.Aged, snap.Name)
	}
	for _, snap := range report.Failed {
		stats.AgeFailed = append(stats.AgeFailed, snap.Name)
	}
	if len(report.Deleted) == 0 && report.Err == nil {
		o.logger.Info("No snapshot older than %s", report.Cutoff.Format(time.DateOnly))
	}
}

// planOnly logs what the copy and pruning phases would do.
func (o *Orchestrator) planOnly(ctx context.Context, stats *RunStats, plan *copyPlan) {
	now := o.now()
	name := storage.SnapshotName(stats.StartTime)
	stats.Snapshot = name
	o.logger.Phase("%s", PhaseCopy)
	o.logger.Info("[DRY RUN] Would create snapshot %s", o.store.Path(name))
	o.logger.Info("[DRY RUN] Would run: %s",
		rsync.FormatCommand(o.sync.Binary(), o.sync.Args(o.request(plan, o.store.Path(name)))))
	o.logger.Info("[DRY RUN] Would write %s and %s", storage.ManifestFile, storage.MarkerFile)

	o.logger.Phase("%s", PhaseAgePrune)
	snapshots, err := o.store.List(ctx)
	if err != nil {
		o.logger.Warning("[DRY RUN] Cannot list snapshots: %v", err)
		return
	}
	candidates := o.retention.AgeCandidates(snapshots, now, name)
	if len(candidates) == 0 {
		o.logger.Info("[DRY RUN] No snapshot would be aged out")
	}
	for _, snap := range candidates {
		o.logger.Info("[DRY RUN] Would delete aged snapshot %s", snap.Name)
		stats.Aged = append(stats.Aged, snap.Name)
	}
}

// finalize fills the closing counters and exports metrics. It runs on every
// exit path of Run.
func (o *Orchestrator) finalize(ctx context.Context, stats *RunStats, err error) {
	bg := context.WithoutCancel(ctx)
	if capacity, capErr := o.governor.FreeCapacity(bg); capErr == nil {
		stats.FreeAfter = capacity
	}
	if snapshots, listErr := o.store.List(bg); listErr == nil {
		stats.SnapshotsTotal = len(snapshots)
		stats.SnapshotsComplete = len(storage.Complete(snapshots))
	}
	stats.ErrorCount = o.logger.ErrorCount()
	stats.WarningCount = o.logger.WarningCount()
	stats.finish(o.now(), err)

	if !o.cfg.MetricsEnabled || o.dryRun {
		return
	}
	exporter := metrics.NewPrometheusExporter(o.cfg.MetricsDir(), o.logger)
	if exportErr := exporter.Export(stats.toPrometheusMetrics()); exportErr != nil {
		o.logger.Warning("Failed to export Prometheus metrics: %v", exportErr)
	}
}

func asRunError(err error) (*RunError, bool) {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr, true
	}
	return nil, false
}

// ExitCodeOf derives the process exit code from a Run error.
func ExitCodeOf(err error) types.ExitCode {
	return exitCodeOf(err)
}

func exitCodeOf(err error) types.ExitCode {
	if err == nil {
		return types.ExitSuccess
	}
	if runErr, ok := asRunError(err); ok {
		return runErr.Code
	}
	return types.ExitGenericError
}

func checkErrorCode(err error) types.ExitCode {
	var checkErr *checks.CheckError
	if !errors.As(err, &checkErr) {
		if errors.Is(err, context.Canceled) {
			return types.ExitInterrupted
		}
		return types.ExitGenericError
	}
	switch checkErr.Result.Code {
	case checks.CodeSourceMissing:
		return types.ExitSourceError
	case checks.CodeDestinationMissing:
		return types.ExitConfigError
	case checks.CodePermissionDenied, checks.CodeReadOnly, checks.CodePermission:
		return types.ExitPermissionError
	case checks.CodeDirectory, checks.CodeIOError:
		return types.ExitStorageError
	case checks.CodeLocked, checks.CodeLockError:
		return types.ExitLockError
	default:
		return types.ExitGenericError
	}
}

func spaceErrorCode(err error) types.ExitCode {
	var evictErr *storage.EvictionError
	switch {
	case errors.Is(err, storage.ErrInsufficientSpace):
		return types.ExitDiskSpaceError
	case errors.Is(err, storage.ErrPolicyExhausted):
		return types.ExitEvictionExhausted
	case errors.As(err, &evictErr):
		return types.ExitEvictionError
	default:
		return types.ExitStorageError
	}
}
