package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/internal/space"
)

// DefaultMaxEvictions bounds the space eviction loop.
const DefaultMaxEvictions = 100

var (
	// ErrInsufficientSpace means the budget is still unmet with no complete
	// snapshot left to evict.
	ErrInsufficientSpace = errors.New("insufficient free space")

	// ErrPolicyExhausted means the eviction loop hit its iteration bound.
	ErrPolicyExhausted = errors.New("eviction loop exhausted")
)

// EvictionError wraps a failed deletion that was required to meet the budget.
type EvictionError struct {
	Snapshot Snapshot
	Err      error
}

func (e *EvictionError) Error() string {
	return fmt.Sprintf("evict snapshot %s: %v", e.Snapshot.Name, e.Err)
}

func (e *EvictionError) Unwrap() error { return e.Err }

// SpaceChecker evaluates the destination volume against a budget.
type SpaceChecker interface {
	MeetsBudget(ctx context.Context, budget space.Budget) (bool, space.Capacity, error)
}

// RetentionConfig defines the retention policy configuration
type RetentionConfig struct {
	// Budget the destination must satisfy before a sync starts
	Budget space.Budget

	// MaxEvictions bounds the eviction loop; <= 0 uses DefaultMaxEvictions
	MaxEvictions int

	// MaxAgeDays is the age window; 0 disables age pruning
	MaxAgeDays int
}

// EvictionReport describes one run of the space eviction loop.
type EvictionReport struct {
	Before  space.Capacity
	After   space.Capacity
	Evicted []Snapshot
}

// AgeReport describes one run of age pruning.
type AgeReport struct {
	Disabled bool
	Cutoff   time.Time
	Deleted  []Snapshot
	Failed   []Snapshot
	Err      error
}

// Retention applies space-driven and age-driven eviction to a store.
type Retention struct {
	store   *Store
	checker SpaceChecker
	config  RetentionConfig
	logger  *logging.Logger
}

// NewRetention creates a retention policy for store.
func NewRetention(store *Store, checker SpaceChecker, config RetentionConfig, logger *logging.Logger) *Retention {
	if config.MaxEvictions <= 0 {
		config.MaxEvictions = DefaultMaxEvictions
	}
	return &Retention{store: store, checker: checker, config: config, logger: logger}
}

// Config returns the effective configuration.
func (r *Retention) Config() RetentionConfig {
	return r.config
}

// EnforceSpace deletes complete snapshots oldest first until the budget is
// met. It returns ErrInsufficientSpace when none are left, ErrPolicyExhausted
// when the loop bound is hit and *EvictionError when a deletion fails.
func (r *Retention) EnforceSpace(ctx context.Context) (EvictionReport, error) {
	var report EvictionReport

	for i := 0; ; i++ {
		ok, capacity, err := r.checker.MeetsBudget(ctx, r.config.Budget)
		if err != nil {
			return report, err
		}
		if i == 0 {
			report.Before = capacity
		}
		report.After = capacity
		if ok {
			if i > 0 {
				r.logger.Info("Space budget met after evicting %d snapshot(s): %s", i, capacity)
			}
			return report, nil
		}
		if i >= r.config.MaxEvictions {
			return report, fmt.Errorf("%w after %d evictions: %s, need %s",
				ErrPolicyExhausted, i, capacity, r.config.Budget)
		}

		snapshots, err := r.store.List(ctx)
		if err != nil {
			return report, err
		}
		complete := Complete(snapshots)
		if len(complete) == 0 {
			return report, fmt.Errorf("%w: %s, need %s, no complete snapshot left to evict",
				ErrInsufficientSpace, capacity, r.config.Budget)
		}

		oldest := complete[0]
		r.logger.Step("Space below budget (%s): evicting oldest snapshot %s", capacity, oldest.Name)
		if err := r.store.Delete(ctx, oldest); err != nil {
			return report, &EvictionError{Snapshot: oldest, Err: err}
		}
		report.Evicted = append(report.Evicted, oldest)
	}
}

// AgeCandidates returns the complete snapshots older than the age window,
// excluding the snapshot named keep. The result is empty when age pruning
// is disabled.
func (r *Retention) AgeCandidates(snapshots []Snapshot, now time.Time, keep string) []Snapshot {
	if r.config.MaxAgeDays <= 0 {
		return nil
	}
	cutoff := r.cutoff(now)
	var out []Snapshot
	for _, snap := range Complete(snapshots) {
		if snap.Name == keep {
			continue
		}
		if snap.Timestamp.Before(cutoff) {
			out = append(out, snap)
		}
	}
	return out
}

func (r *Retention) cutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(r.config.MaxAgeDays) * 24 * time.Hour)
}

// PruneByAge deletes complete snapshots older than the age window. It is
// best effort: failures are collected in the report and never returned.
// Incomplete snapshots and the snapshot named keep are never touched.
func (r *Retention) PruneByAge(ctx context.Context, now time.Time, keep string) AgeReport {
	if r.config.MaxAgeDays <= 0 {
		return AgeReport{Disabled: true}
	}
	report := AgeReport{Cutoff: r.cutoff(now)}

	snapshots, err := r.store.List(ctx)
	if err != nil {
		report.Err = err
		r.logger.Warning("Age pruning skipped: %v", err)
		return report
	}

	for _, snap := range r.AgeCandidates(snapshots, now, keep) {
		if err := ctx.Err(); err != nil {
			report.Err = multierr.Append(report.Err, err)
			break
		}
		r.logger.Step("Snapshot %s is older than %d days, deleting", snap.Name, r.config.MaxAgeDays)
		if err := r.store.Delete(ctx, snap); err != nil {
			r.logger.Warning("Failed to delete aged snapshot %s: %v", snap.Name, err)
			report.Failed = append(report.Failed, snap)
			report.Err = multierr.Append(report.Err, err)
			continue
		}
		report.Deleted = append(report.Deleted, snap)
	}

	if n := len(multierr.Errors(report.Err)); n > 0 {
		r.logger.Warning("Age pruning finished with %d error(s)", n)
	}
	return report
}
