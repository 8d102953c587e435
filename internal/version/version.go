package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Populated at build time via -ldflags, e.g.
//
//	-X github.com/tis24dev/snapkeep/internal/version.Version=v1.0.0
//	-X github.com/tis24dev/snapkeep/internal/version.Commit=abcdef123
//	-X github.com/tis24dev/snapkeep/internal/version.Date=2026-01-01T12:34:56Z
var (
	// Version is left empty in development builds.
	Version = ""
	Commit  = ""
	Date    = ""
)

var readBuildInfo = debug.ReadBuildInfo

// String returns the version recorded in manifests and metrics: the ldflags
// value, else the main module version, else a development placeholder. A
// leading "v" is stripped.
func String() string {
	v := strings.TrimSpace(Version)

	if v == "" {
		if info, ok := readBuildInfo(); ok && info != nil {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
	}
	if v == "" {
		v = "0.0.0-dev"
	}
	return strings.TrimPrefix(v, "v")
}

// Full is String plus commit and build date when known.
func Full() string {
	var extra []string
	if c := strings.TrimSpace(Commit); c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		extra = append(extra, "commit "+c)
	}
	if d := strings.TrimSpace(Date); d != "" {
		extra = append(extra, "built "+d)
	}
	if len(extra) == 0 {
		return String()
	}
	return fmt.Sprintf("%s (%s)", String(), strings.Join(extra, ", "))
}
