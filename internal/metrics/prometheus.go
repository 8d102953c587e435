package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tis24dev/snapkeep/internal/logging"
)

// FileName is the textfile node_exporter picks up.
const FileName = "snapkeep.prom"

// RunMetrics is the subset of run statistics exported as Prometheus metrics.
type RunMetrics struct {
	Hostname    string
	Source      string
	Destination string
	Label       string
	ToolVersion string

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	ExitCode     int
	ErrorCount   int
	WarningCount int

	FreeBytesBefore uint64
	FreeBytesAfter  uint64

	SnapshotsTotal    int
	SnapshotsComplete int
	Evicted           int
	Aged              int

	FilesTransferred int64
	BytesTransferred int64
}

// PrometheusExporter writes run metrics in Prometheus textfile format for node_exporter.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
}

// NewPrometheusExporter creates a new PrometheusExporter using the provided directory.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// Path returns the final metrics file location.
func (pe *PrometheusExporter) Path() string {
	return filepath.Join(pe.textfileDir, FileName)
}

// Export writes the given metrics to snapkeep.prom in textfileDir.
func (pe *PrometheusExporter) Export(m *RunMetrics) error {
	if pe == nil || m == nil {
		return nil
	}
	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}
	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	tmpPath := pe.Path() + ".tmp"
	finalPath := pe.Path()

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create metrics file %s: %w", tmpPath, err)
	}
	defer f.Close()

	writeMetric := func(name, help string, value interface{}) {
		fmt.Fprintf(f, "# HELP %s %s\n", name, help)
		fmt.Fprintf(f, "# TYPE %s gauge\n", name)
		switch v := value.(type) {
		case float64:
			fmt.Fprintf(f, "%s %.2f\n", name, v)
		default:
			fmt.Fprintf(f, "%s %v\n", name, v)
		}
	}

	endTs := m.EndTime.Unix()
	if m.EndTime.IsZero() && !m.StartTime.IsZero() {
		endTs = m.StartTime.Unix() + int64(m.Duration.Seconds())
	}

	// 0=success, 1=warning, 2=error
	status := 0
	if m.ExitCode != 0 {
		status = 2
	} else if m.WarningCount > 0 {
		status = 1
	}

	writeMetric("snapkeep_start_time_seconds", "Unix timestamp of run start", m.StartTime.Unix())
	writeMetric("snapkeep_end_time_seconds", "Unix timestamp of run end", endTs)
	writeMetric("snapkeep_duration_seconds", "Duration of last run in seconds", m.Duration.Seconds())
	writeMetric("snapkeep_exit_code", "Exit code of last run", m.ExitCode)
	writeMetric("snapkeep_status", "Status of last run (0=success,1=warning,2=error)", status)
	writeMetric("snapkeep_errors_total", "Errors logged during last run", m.ErrorCount)
	writeMetric("snapkeep_warnings_total", "Warnings logged during last run", m.WarningCount)
	writeMetric("snapkeep_snapshots_total", "Snapshots on the destination after the run", m.SnapshotsTotal)
	writeMetric("snapkeep_snapshots_complete", "Complete snapshots on the destination after the run", m.SnapshotsComplete)
	writeMetric("snapkeep_evicted_total", "Snapshots deleted for free space during last run", m.Evicted)
	writeMetric("snapkeep_aged_total", "Snapshots deleted by age during last run", m.Aged)
	writeMetric("snapkeep_files_transferred_total", "Files copied (not hard-linked) by last run", m.FilesTransferred)
	writeMetric("snapkeep_bytes_transferred", "Bytes copied (not hard-linked) by last run", m.BytesTransferred)

	fmt.Fprintf(f, "# HELP snapkeep_free_bytes Free bytes on the destination volume\n")
	fmt.Fprintf(f, "# TYPE snapkeep_free_bytes gauge\n")
	fmt.Fprintf(f, "snapkeep_free_bytes{when=\"before\"} %d\n", m.FreeBytesBefore)
	fmt.Fprintf(f, "snapkeep_free_bytes{when=\"after\"} %d\n", m.FreeBytesAfter)

	fmt.Fprintf(f, "# HELP snapkeep_info Static information about this snapshot chain\n")
	fmt.Fprintf(f, "# TYPE snapkeep_info gauge\n")
	fmt.Fprintf(
		f,
		"snapkeep_info{hostname=%q,source=%q,destination=%q,label=%q,version=%q} 1\n",
		m.Hostname,
		m.Source,
		m.Destination,
		m.Label,
		m.ToolVersion,
	)

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync metrics file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename metrics file to %s: %w", finalPath, err)
	}

	if pe.logger != nil {
		pe.logger.Debug("Prometheus metrics exported to %s", finalPath)
	}
	return nil
}
