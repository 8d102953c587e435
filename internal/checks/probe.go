package checks

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tis24dev/snapkeep/internal/rsync"
)

// setProbeXattr writes a throwaway extended attribute; replaced in tests.
var setProbeXattr = setXattr

// Capabilities is what the destination filesystem accepted during the probe.
type Capabilities struct {
	Xattrs   bool
	Symlinks bool
	Options  []string
	Notes    []string
}

// ProbeCapabilities writes test entries in dir and adapts the sync options
// to what the filesystem accepts. When autoDetect is false the options pass
// through untouched. Probe failures never fail the run: they only downgrade
// options and leave a note for the manifest.
func (c *Checker) ProbeCapabilities(dir string, options []string, autoDetect, skipSymlinks bool) Capabilities {
	caps := Capabilities{
		Xattrs:   true,
		Symlinks: true,
		Options:  append([]string(nil), options...),
	}
	if !autoDetect {
		c.logger.Skip("Capability probe disabled")
		return caps
	}
	if c.config.DryRun {
		c.logger.Info("[DRY RUN] Would probe xattr and symlink support in %s", dir)
		return caps
	}

	testFile := filepath.Join(dir, fmt.Sprintf(".snapkeep-probe-%d", os.Getpid()))
	if err := osWriteFile(testFile, []byte("probe"), 0o600); err != nil {
		c.logger.Warning("Capability probe failed: cannot write in %s: %v", dir, err)
		c.dropAttributes(&caps, fmt.Sprintf("capability probe could not write in destination (%v)", err))
		return caps
	}
	defer osRemove(testFile)

	c.logger.Debug("Testing extended attribute support: %s", dir)
	if err := setProbeXattr(testFile); err != nil {
		c.dropAttributes(&caps, fmt.Sprintf("xattrs unsupported on destination (%v)", err))
	}

	c.logger.Debug("Testing symlink support: %s", dir)
	testSymlink := testFile + ".link"
	if err := osSymlink(filepath.Base(testFile), testSymlink); err != nil {
		caps.Symlinks = false
		switch {
		case skipSymlinks && !rsync.HasOption(caps.Options, "--no-links", 0):
			caps.Options = append(caps.Options, "--no-links")
			caps.Notes = append(caps.Notes, fmt.Sprintf("symlinks unsupported on destination (%v): added --no-links", err))
			c.logger.Warning("Symlinks unsupported: adding --no-links")
		case !skipSymlinks:
			c.logger.Warning("Symlinks unsupported on destination and SKIP_SYMLINKS is false; the copy may fail: %v", err)
		}
	} else {
		osRemove(testSymlink)
	}

	if caps.Xattrs && caps.Symlinks {
		c.logger.Debug("Destination supports xattrs and symlinks")
	}
	return caps
}

// dropAttributes disables xattr/ACL preservation and records why.
func (c *Checker) dropAttributes(caps *Capabilities, reason string) {
	caps.Xattrs = false
	kept, dropped := rsync.DropAttributeOptions(caps.Options)
	caps.Options = kept
	if len(dropped) > 0 {
		caps.Notes = append(caps.Notes, fmt.Sprintf("%s: dropped %v", reason, dropped))
		c.logger.Warning("Dropping %v from sync options: %s", dropped, reason)
	}
}
