//go:build !linux && !darwin

package storage

import "errors"

func lookupFilesystem(string) (string, string, string, error) {
	return "", "", "", errors.New("filesystem detection not supported on this platform")
}
