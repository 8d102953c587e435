// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Missing or invalid configuration.
	ExitConfigError ExitCode = 2

	// ExitSourceError - Source tree missing or unreadable.
	ExitSourceError ExitCode = 3

	// ExitSyncError - The sync primitive failed; the partial snapshot was rolled back.
	ExitSyncError ExitCode = 4

	// ExitStorageError - Snapshot store operation failed (allocation, manifest, marker).
	ExitStorageError ExitCode = 5

	// ExitPermissionError - Destination not writable.
	ExitPermissionError ExitCode = 7

	// ExitDiskSpaceError - Space budget unreachable even after evicting every complete snapshot.
	ExitDiskSpaceError ExitCode = 12

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 13

	// ExitEvictionExhausted - Eviction loop hit its iteration bound.
	ExitEvictionExhausted ExitCode = 15

	// ExitEvictionError - A snapshot required to free space could not be deleted.
	ExitEvictionError ExitCode = 16

	// ExitLockError - Another run holds the destination lock.
	ExitLockError ExitCode = 17

	// ExitInterrupted - Run interrupted by a signal during the copy; rollback performed.
	ExitInterrupted ExitCode = 130
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitSourceError:
		return "source missing"
	case ExitSyncError:
		return "sync failed"
	case ExitStorageError:
		return "storage error"
	case ExitPermissionError:
		return "permission error"
	case ExitDiskSpaceError:
		return "insufficient disk space"
	case ExitPanicError:
		return "panic error"
	case ExitEvictionExhausted:
		return "eviction loop exhausted"
	case ExitEvictionError:
		return "eviction failed"
	case ExitLockError:
		return "destination locked"
	case ExitInterrupted:
		return "interrupted"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an int.
func (e ExitCode) Int() int {
	return int(e)
}

// IsPreflight reports whether the code belongs to a failure raised before any
// snapshot was allocated.
func (e ExitCode) IsPreflight() bool {
	switch e {
	case ExitConfigError, ExitSourceError, ExitPermissionError, ExitLockError,
		ExitDiskSpaceError, ExitEvictionExhausted, ExitEvictionError:
		return true
	default:
		return false
	}
}
