// Package storage manages the snapshot chain on the destination volume:
// enumeration, allocation, completion marking, deletion and retention.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/tis24dev/snapkeep/internal/types"
)

const (
	// NameLayout is the time layout snapshot directory names are parsed with.
	NameLayout = "2006-01-02_15-04-05"

	// MarkerFile is the completion marker. Its presence is the only proof a
	// snapshot is usable as a link base.
	MarkerFile = ".complete"

	// ManifestFile holds the run parameters of a snapshot.
	ManifestFile = ".manifest"
)

// FilesystemType represents the detected filesystem type
type FilesystemType string

const (
	// Filesystems with hard link support
	FilesystemAPFS  FilesystemType = "apfs"
	FilesystemHFS   FilesystemType = "hfs"
	FilesystemExt4  FilesystemType = "ext4"
	FilesystemExt3  FilesystemType = "ext3"
	FilesystemXFS   FilesystemType = "xfs"
	FilesystemBtrfs FilesystemType = "btrfs"
	FilesystemZFS   FilesystemType = "zfs"

	// Filesystems that cannot hard link
	FilesystemFAT32 FilesystemType = "vfat"
	FilesystemExFAT FilesystemType = "exfat"

	// Network filesystems (need testing)
	FilesystemNFS  FilesystemType = "nfs"
	FilesystemSMB  FilesystemType = "smbfs"
	FilesystemCIFS FilesystemType = "cifs"

	FilesystemUnknown FilesystemType = "unknown"
)

// FilesystemInfo contains information about the destination filesystem
type FilesystemInfo struct {
	Path             string
	Type             FilesystemType
	SupportsHardLink bool
	IsNetworkFS      bool
	MountPoint       string
	Device           string
}

// Snapshot is one timestamped directory under the snapshot root.
type Snapshot struct {
	Name      string
	Path      string
	Timestamp time.Time
	State     types.SnapshotState
}

// Complete reports whether the completion marker was present when listed.
func (s Snapshot) Complete() bool {
	return s.State == types.SnapshotComplete
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.State)
}

// ParseSnapshotName returns the timestamp encoded in name. Only names that
// parse exactly with NameLayout are snapshots; everything else under the
// snapshot root is left alone.
func ParseSnapshotName(name string) (time.Time, bool) {
	ts, err := time.ParseInLocation(NameLayout, name, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	if ts.Format(NameLayout) != name {
		return time.Time{}, false
	}
	return ts, true
}

// SnapshotName formats ts as a snapshot directory name.
func SnapshotName(ts time.Time) string {
	return ts.In(time.Local).Format(NameLayout)
}

// StorageError represents an error from a storage operation
type StorageError struct {
	Operation   string // "list", "delete", "mark_complete", ...
	Path        string
	Err         error
	IsCritical  bool
	Recoverable bool
}

func (e *StorageError) Error() string {
	criticality := "WARNING"
	if e.IsCritical {
		criticality = "CRITICAL"
	}

	recoverable := ""
	if e.Recoverable {
		recoverable = " (recoverable)"
	}

	return criticality + ": snapshot store " + e.Operation +
		" operation failed for " + e.Path + recoverable + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// AllocationError is returned when a new snapshot directory cannot be created.
type AllocationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *AllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot allocate snapshot %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot allocate snapshot %s: %s", e.Path, e.Reason)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// SupportsHardLinks returns false for filesystems where rsync --link-dest
// degrades to full copies.
func (f FilesystemType) SupportsHardLinks() bool {
	switch f {
	case FilesystemFAT32, FilesystemExFAT:
		return false
	default:
		return true
	}
}

// IsNetworkFilesystem returns true if the filesystem is network-based
func (f FilesystemType) IsNetworkFilesystem() bool {
	switch f {
	case FilesystemNFS, FilesystemSMB, FilesystemCIFS:
		return true
	default:
		return false
	}
}

// String returns a human-readable description of the filesystem type
func (f FilesystemType) String() string {
	return string(f)
}

// CommandRunner executes external commands (chmod -N on darwin).
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}
