package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/pkg/utils"
)

// FilesystemDetector provides methods to detect and validate filesystem types
type FilesystemDetector struct {
	logger *logging.Logger
	lookup func(path string) (mountPoint, fsType, device string, err error)
}

// NewFilesystemDetector creates a new filesystem detector
func NewFilesystemDetector(logger *logging.Logger) *FilesystemDetector {
	return &FilesystemDetector{
		logger: logger,
		lookup: lookupFilesystem,
	}
}

// DetectFilesystem detects the filesystem holding path and verifies hard
// links work there. A failed lookup degrades to FilesystemUnknown.
func (d *FilesystemDetector) DetectFilesystem(ctx context.Context, path string) (*FilesystemInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("path does not exist: %s: %w", path, err)
	}

	info := &FilesystemInfo{Path: path, Type: FilesystemUnknown}
	mountPoint, fsType, device, err := d.lookup(path)
	if err != nil {
		d.logger.Debug("Filesystem lookup for %s failed: %v", path, err)
	} else {
		info.Type = parseFilesystemType(fsType)
		info.MountPoint = mountPoint
		info.Device = device
	}
	info.IsNetworkFS = info.Type.IsNetworkFilesystem()
	info.SupportsHardLink = info.Type.SupportsHardLinks()

	if info.IsNetworkFS || info.Type == FilesystemUnknown {
		info.SupportsHardLink = d.testHardLinkSupport(ctx, path)
	}

	d.logFilesystemInfo(info)
	if !info.SupportsHardLink {
		d.logger.Warning("Filesystem %s at %s does not support hard links: every snapshot will be a full copy", info.Type, path)
	}
	return info, nil
}

// logFilesystemInfo logs filesystem information next to the path
func (d *FilesystemDetector) logFilesystemInfo(info *FilesystemInfo) {
	links := "no hard links"
	if info.SupportsHardLink {
		links = "hard links"
	}

	network := ""
	if info.IsNetworkFS {
		network = " [network]"
	}

	d.logger.Debug("Path: %s -> Filesystem: %s (%s)%s [mount: %s]",
		info.Path,
		info.Type,
		links,
		network,
		info.MountPoint,
	)
}

// testHardLinkSupport creates a file and a hard link to it under path and
// checks both names see the same inode.
func (d *FilesystemDetector) testHardLinkSupport(ctx context.Context, path string) bool {
	if ctx.Err() != nil {
		return false
	}
	suffix := utils.GenerateRandomString(8)
	testFile := filepath.Join(path, ".snapkeep_link_test_"+suffix)
	linkFile := testFile + ".lnk"

	if err := os.WriteFile(testFile, []byte("x"), 0o600); err != nil {
		d.logger.Debug("Cannot create test file for hard link check: %v", err)
		return false
	}
	defer os.Remove(testFile)

	if err := os.Link(testFile, linkFile); err != nil {
		d.logger.Debug("Hard link test failed: %v", err)
		return false
	}
	defer os.Remove(linkFile)

	a, errA := os.Stat(testFile)
	b, errB := os.Stat(linkFile)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(a, b)
}

// parseFilesystemType converts a filesystem type string to FilesystemType
func parseFilesystemType(fsTypeStr string) FilesystemType {
	switch strings.ToLower(fsTypeStr) {
	case "apfs":
		return FilesystemAPFS
	case "hfs", "hfsplus":
		return FilesystemHFS
	case "ext4":
		return FilesystemExt4
	case "ext3", "ext2":
		return FilesystemExt3
	case "xfs":
		return FilesystemXFS
	case "btrfs":
		return FilesystemBtrfs
	case "zfs":
		return FilesystemZFS
	case "vfat", "fat32", "msdos", "fat":
		return FilesystemFAT32
	case "exfat":
		return FilesystemExFAT
	case "nfs", "nfs4":
		return FilesystemNFS
	case "smbfs":
		return FilesystemSMB
	case "cifs", "smb3":
		return FilesystemCIFS
	default:
		return FilesystemUnknown
	}
}
