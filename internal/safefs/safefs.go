// Package safefs wraps filesystem queries that may hang on a stalled volume
// (USB disk gone to sleep, network mount dropped) with a deadline.
package safefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

var (
	osStat     = os.Stat
	osReadDir  = os.ReadDir
	unixStatfs = unix.Statfs
)

// ErrTimeout is a sentinel error used to classify filesystem operations that did not
// complete within the configured timeout.
var ErrTimeout = errors.New("filesystem operation timed out")

// TimeoutError is returned when a filesystem operation exceeds its allowed duration.
// Note that this does not cancel the underlying kernel call; it only stops waiting.
type TimeoutError struct {
	Op      string
	Path    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return "filesystem operation timed out"
	}
	if e.Timeout > 0 {
		return fmt.Sprintf("%s %s: timeout after %s", e.Op, e.Path, e.Timeout)
	}
	return fmt.Sprintf("%s %s: timeout", e.Op, e.Path)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// VolumeStats is the portable subset of statfs used for space accounting.
// Free counts blocks available to unprivileged users, matching what df shows.
type VolumeStats struct {
	BlockSize  uint64
	TotalBytes uint64
	FreeBytes  uint64
}

func effectiveTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0
		}
		if remaining < timeout {
			return remaining
		}
	}
	return timeout
}

// bounded runs fn in a goroutine and stops waiting once the timeout or ctx
// expires. A zero timeout runs fn inline.
func bounded[T any](ctx context.Context, op, path string, timeout time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	timeout = effectiveTimeout(ctx, timeout)
	if timeout <= 0 {
		return fn()
	}

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn()
		ch <- result{val: val, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, &TimeoutError{Op: op, Path: path, Timeout: timeout}
	}
}

func Stat(ctx context.Context, path string, timeout time.Duration) (fs.FileInfo, error) {
	return bounded(ctx, "stat", path, timeout, func() (fs.FileInfo, error) {
		return osStat(path)
	})
}

func ReadDir(ctx context.Context, path string, timeout time.Duration) ([]os.DirEntry, error) {
	return bounded(ctx, "readdir", path, timeout, func() ([]os.DirEntry, error) {
		return osReadDir(path)
	})
}

// Statfs queries the volume holding path. Every call hits the kernel.
func Statfs(ctx context.Context, path string, timeout time.Duration) (VolumeStats, error) {
	return bounded(ctx, "statfs", path, timeout, func() (VolumeStats, error) {
		var st unix.Statfs_t
		if err := unixStatfs(path, &st); err != nil {
			return VolumeStats{}, err
		}
		bsize := uint64(st.Bsize)
		return VolumeStats{
			BlockSize:  bsize,
			TotalBytes: uint64(st.Blocks) * bsize,
			FreeBytes:  uint64(st.Bavail) * bsize,
		}, nil
	})
}
