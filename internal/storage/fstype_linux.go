//go:build linux

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var procMountsPath = "/proc/mounts"

// lookupFilesystem finds the longest mount point containing path in
// /proc/mounts and returns it with its type and device.
func lookupFilesystem(path string) (string, string, string, error) {
	data, err := os.ReadFile(procMountsPath)
	if err != nil {
		return "", "", "", err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = resolved
	}

	var bestMount, bestType, bestDevice string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mountPoint := unescapeOctal(fields[1])
		if !withinMount(absPath, mountPoint) {
			continue
		}
		if len(mountPoint) >= len(bestMount) {
			bestMount = mountPoint
			bestType = fields[2]
			bestDevice = fields[0]
		}
	}
	if bestMount == "" {
		return "", "", "", fmt.Errorf("no mount entry covers %s", absPath)
	}
	return bestMount, bestType, bestDevice, nil
}

func withinMount(path, mountPoint string) bool {
	if mountPoint == "/" || path == mountPoint {
		return true
	}
	return strings.HasPrefix(path, mountPoint+"/")
}

// unescapeOctal unescapes octal sequences in mount point strings
// /proc/mounts represents spaces as \040, etc.
func unescapeOctal(s string) string {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == '\\' && i+3 < len(s) {
			octal := s[i+1 : i+4]
			var val int
			if _, err := fmt.Sscanf(octal, "%o", &val); err == nil {
				result.WriteByte(byte(val))
				i += 4
				continue
			}
		}
		result.WriteByte(s[i])
		i++
	}
	return result.String()
}
