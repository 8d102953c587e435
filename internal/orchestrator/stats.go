package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tis24dev/snapkeep/internal/metrics"
	"github.com/tis24dev/snapkeep/internal/rsync"
	"github.com/tis24dev/snapkeep/internal/space"
	"github.com/tis24dev/snapkeep/internal/types"
)

// RunStats describes one snapshot run, successful or not.
type RunStats struct {
	Hostname    string
	Source      string
	Destination string
	Label       string
	ToolVersion string
	DryRun      bool

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Phase       Phase
	FailedPhase Phase
	ExitCode    int
	Err         string

	Snapshot     string
	SnapshotPath string
	LinkBase     string
	RolledBack   bool
	Cleaned      int

	FreeBefore space.Capacity
	FreeAfter  space.Capacity
	Evicted    []string
	Aged       []string
	AgeFailed  []string

	Filesystem    string
	Options       []string
	Downgrades    []string
	ExcludeCount  int
	ExcludeDigest string
	Sync          rsync.Result

	SnapshotsTotal    int
	SnapshotsComplete int

	LogFilePath  string
	ErrorCount   int
	WarningCount int
}

func newRunStats(start time.Time) *RunStats {
	return &RunStats{StartTime: start, Phase: PhaseStart}
}

// finish stamps end time and the exit code derived from err.
func (s *RunStats) finish(end time.Time, err error) {
	s.EndTime = end
	s.Duration = end.Sub(s.StartTime)
	if err == nil {
		s.ExitCode = types.ExitSuccess.Int()
		return
	}
	s.Err = err.Error()
	s.ExitCode = exitCodeOf(err).Int()
	if re, ok := asRunError(err); ok {
		s.FailedPhase = re.Phase
	}
}

func (s *RunStats) toPrometheusMetrics() *metrics.RunMetrics {
	if s == nil {
		return nil
	}
	return &metrics.RunMetrics{
		Hostname:          s.Hostname,
		Source:            s.Source,
		Destination:       s.Destination,
		Label:             s.Label,
		ToolVersion:       s.ToolVersion,
		StartTime:         s.StartTime,
		EndTime:           s.EndTime,
		Duration:          s.Duration,
		ExitCode:          s.ExitCode,
		ErrorCount:        s.ErrorCount,
		WarningCount:      s.WarningCount,
		FreeBytesBefore:   s.FreeBefore.FreeBytes,
		FreeBytesAfter:    s.FreeAfter.FreeBytes,
		SnapshotsTotal:    s.SnapshotsTotal,
		SnapshotsComplete: s.SnapshotsComplete,
		Evicted:           len(s.Evicted),
		Aged:              len(s.Aged),
		FilesTransferred:  s.Sync.Stats.FilesTransferred,
		BytesTransferred:  s.Sync.Stats.TransferredSize,
	}
}

const summaryRule = "=============================================================="

// Summary renders the block prepended to the run log.
func (s *RunStats) Summary() string {
	p := message.NewPrinter(language.English)
	var b strings.Builder

	line := func(label, format string, args ...interface{}) {
		fmt.Fprintf(&b, "%-14s %s\n", label+":", p.Sprintf(format, args...))
	}

	b.WriteString(summaryRule + "\n")
	b.WriteString("SNAPKEEP RUN SUMMARY\n")
	b.WriteString(summaryRule + "\n")

	status := "SUCCESS"
	switch {
	case s.ExitCode != 0 && s.FailedPhase != "":
		status = fmt.Sprintf("FAILED in %s", s.FailedPhase)
	case s.ExitCode != 0:
		status = "FAILED"
	case s.DryRun:
		status = "SUCCESS (dry run)"
	}
	line("Status", "%s (exit %d, %s)", status, s.ExitCode, types.ExitCode(s.ExitCode))
	if s.Err != "" {
		line("Error", "%s", s.Err)
	}

	line("Start", "%s", s.StartTime.Format(time.RFC3339))
	line("End", "%s", s.EndTime.Format(time.RFC3339))
	line("Duration", "%s", s.Duration.Round(time.Second))
	line("Host", "%s", s.Hostname)
	line("Source", "%s", s.Source)
	line("Destination", "%s", s.Destination)
	if s.Label != "" {
		line("Label", "%s", s.Label)
	}

	snapshot := s.Snapshot
	if snapshot == "" {
		snapshot = "(none)"
	} else if s.RolledBack {
		snapshot += " (rolled back)"
	}
	line("Snapshot", "%s", snapshot)
	linkBase := s.LinkBase
	if linkBase == "" {
		linkBase = "(none, full copy)"
	}
	line("Link base", "%s", linkBase)

	line("Free before", "%s", formatCapacity(s.FreeBefore))
	line("Free after", "%s", formatCapacity(s.FreeAfter))
	line("Evicted", "%d %s", len(s.Evicted), nameList(s.Evicted))
	line("Aged out", "%d %s", len(s.Aged), nameList(s.Aged))
	if len(s.AgeFailed) > 0 {
		line("Age failures", "%d %s", len(s.AgeFailed), nameList(s.AgeFailed))
	}
	if s.Cleaned > 0 {
		line("Cleaned", "%d incomplete snapshot(s)", s.Cleaned)
	}

	if s.Sync.Command != "" {
		line("Files", "%d transferred of %d", s.Sync.Stats.FilesTransferred, s.Sync.Stats.Files)
		line("Transferred", "%s of %s",
			units.BytesSize(float64(s.Sync.Stats.TransferredSize)),
			units.BytesSize(float64(s.Sync.Stats.TotalSize)))
	}
	if s.ExcludeCount > 0 {
		line("Excludes", "%d pattern(s)", s.ExcludeCount)
	}
	if len(s.Downgrades) > 0 {
		line("Downgrades", "%s", strings.Join(s.Downgrades, "; "))
	}
	line("Snapshots", "%d total, %d complete", s.SnapshotsTotal, s.SnapshotsComplete)
	line("Issues", "%d error(s), %d warning(s)", s.ErrorCount, s.WarningCount)

	b.WriteString(summaryRule + "\n")
	return b.String()
}

func formatCapacity(c space.Capacity) string {
	if c.TotalBytes == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%s of %s (%.1f%%)",
		units.BytesSize(float64(c.FreeBytes)), units.BytesSize(float64(c.TotalBytes)), c.FreePercent)
}

func nameList(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return "(" + strings.Join(names, ", ") + ")"
}
