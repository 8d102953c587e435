package utils

import (
	"os"
	"path/filepath"
)

// FileExists checks whether a regular (non-directory) path exists.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks whether a directory exists.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// IsFilesystemRoot reports whether path resolves to "/" after cleaning and
// following symlinks.
func IsFilesystemRoot(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs) == string(filepath.Separator)
}
