// Package space answers "how much room is left on the destination volume"
// and whether that satisfies the configured budget.
package space

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-units"

	"github.com/tis24dev/snapkeep/internal/safefs"
)

// StatFunc queries volume statistics for path.
type StatFunc func(ctx context.Context, path string, timeout time.Duration) (safefs.VolumeStats, error)

// Capacity is one observation of the destination volume.
type Capacity struct {
	FreeBytes   uint64
	TotalBytes  uint64
	FreePercent float64
}

func (c Capacity) String() string {
	return fmt.Sprintf("%s free of %s (%.1f%%)",
		units.BytesSize(float64(c.FreeBytes)), units.BytesSize(float64(c.TotalBytes)), c.FreePercent)
}

// Budget is the free space the destination must keep. A zero field disables
// that half of the check.
type Budget struct {
	MinFreeBytes   uint64
	MinFreePercent float64
}

// Satisfied reports whether c meets both halves of the budget.
func (b Budget) Satisfied(c Capacity) bool {
	if b.MinFreeBytes > 0 && c.FreeBytes < b.MinFreeBytes {
		return false
	}
	if b.MinFreePercent > 0 && c.FreePercent < b.MinFreePercent {
		return false
	}
	return true
}

func (b Budget) String() string {
	return fmt.Sprintf("min %s / %.1f%% free", units.BytesSize(float64(b.MinFreeBytes)), b.MinFreePercent)
}

// Governor reads free space of a single volume. It never caches: pruning
// changes the answer between calls.
type Governor struct {
	path    string
	timeout time.Duration
	stat    StatFunc
}

// NewGovernor creates a governor for the volume holding path.
func NewGovernor(path string, timeout time.Duration) *Governor {
	return &Governor{path: path, timeout: timeout, stat: safefs.Statfs}
}

// WithStatFunc replaces the volume query, mainly for tests.
func (g *Governor) WithStatFunc(fn StatFunc) *Governor {
	if fn != nil {
		g.stat = fn
	}
	return g
}

// Path returns the path whose volume is measured.
func (g *Governor) Path() string {
	return g.path
}

// FreeCapacity returns the current free space of the volume.
func (g *Governor) FreeCapacity(ctx context.Context) (Capacity, error) {
	stats, err := g.stat(ctx, g.path, g.timeout)
	if err != nil {
		return Capacity{}, fmt.Errorf("query free space on %s: %w", g.path, err)
	}
	c := Capacity{FreeBytes: stats.FreeBytes, TotalBytes: stats.TotalBytes}
	if stats.TotalBytes > 0 {
		c.FreePercent = float64(stats.FreeBytes) / float64(stats.TotalBytes) * 100
	}
	return c, nil
}

// MeetsBudget measures the volume and evaluates budget against it.
func (g *Governor) MeetsBudget(ctx context.Context, budget Budget) (bool, Capacity, error) {
	c, err := g.FreeCapacity(ctx)
	if err != nil {
		return false, Capacity{}, err
	}
	return budget.Satisfied(c), c, nil
}
