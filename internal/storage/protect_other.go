//go:build !linux && !darwin

package storage

import "context"

func clearEntryProtection(string, bool) (bool, error) {
	return false, nil
}

func clearTreeACLs(context.Context, CommandRunner, string) error {
	return nil
}
