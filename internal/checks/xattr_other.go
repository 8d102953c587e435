//go:build !linux && !darwin

package checks

import "errors"

func setXattr(string) error {
	return errors.New("extended attributes not supported on this platform")
}
