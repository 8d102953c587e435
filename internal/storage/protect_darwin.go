//go:build darwin

package storage

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// clearEntryProtection resets BSD file flags (uchg, uappnd, schg, ...) on
// path. It reports whether anything was changed.
func clearEntryProtection(path string, _ bool) (bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false, err
	}
	if st.Flags == 0 {
		return false, nil
	}
	if err := unix.Chflags(path, 0); err != nil {
		return false, err
	}
	return true, nil
}

// clearTreeACLs strips every ACL entry below root with chmod -RN.
func clearTreeACLs(ctx context.Context, runner CommandRunner, root string) error {
	if runner == nil {
		return nil
	}
	out, err := runner.Run(ctx, "chmod", "-RN", root)
	if err != nil {
		return fmt.Errorf("chmod -RN %s: %w: %s", root, err, strings.TrimSpace(string(out)))
	}
	return nil
}
