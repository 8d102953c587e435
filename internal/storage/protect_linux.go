//go:build linux

package storage

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Inode flags from linux/fs.h.
const (
	fsImmutableFl = 0x00000010
	fsAppendFl    = 0x00000020
)

var posixACLAttrs = []string{"system.posix_acl_access", "system.posix_acl_default"}

// clearEntryProtection drops immutable/append-only inode flags and POSIX ACL
// xattrs from path. It reports whether anything was changed.
func clearEntryProtection(path string, isDir bool) (bool, error) {
	changed := false
	var errs []error

	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK, 0)
	if err == nil {
		fd := int(f.Fd())
		flags, err := unix.IoctlGetUint32(fd, unix.FS_IOC_GETFLAGS)
		switch {
		case err == nil && flags&(fsImmutableFl|fsAppendFl) != 0:
			cleared := int(flags &^ (fsImmutableFl | fsAppendFl))
			if err := unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, cleared); err != nil {
				errs = append(errs, err)
			} else {
				changed = true
			}
		case err != nil && !isUnsupported(err):
			errs = append(errs, err)
		}
		f.Close()
	} else if !errors.Is(err, os.ErrPermission) {
		errs = append(errs, err)
	}

	for _, attr := range posixACLAttrs {
		if attr == "system.posix_acl_default" && !isDir {
			continue
		}
		err := unix.Lremovexattr(path, attr)
		switch {
		case err == nil:
			changed = true
		case isUnsupported(err) || errors.Is(err, unix.ENODATA):
		default:
			errs = append(errs, err)
		}
	}

	return changed, errors.Join(errs...)
}

// clearTreeACLs is a no-op on linux; ACL xattrs are removed per entry.
func clearTreeACLs(context.Context, CommandRunner, string) error {
	return nil
}

func isUnsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL)
}
