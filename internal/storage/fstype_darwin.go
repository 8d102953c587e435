//go:build darwin

package storage

import (
	"golang.org/x/sys/unix"
)

// lookupFilesystem reads mount point, type and device straight from statfs.
func lookupFilesystem(path string) (string, string, string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", "", "", err
	}
	return unix.ByteSliceToString(st.Mntonname[:]),
		unix.ByteSliceToString(st.Fstypename[:]),
		unix.ByteSliceToString(st.Mntfromname[:]),
		nil
}
