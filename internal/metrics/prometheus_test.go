package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/internal/types"
)

func TestPrometheusExporterExport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "textfile")
	logger := logging.New(types.LogLevelError, false)
	exporter := NewPrometheusExporter(dir+"/", logger)

	m := &RunMetrics{
		Hostname:          "mac-mini",
		Source:            "/Users/me",
		Destination:       "/Volumes/Backup",
		Label:             "nightly",
		ToolVersion:       "1.2.0",
		StartTime:         time.Unix(1000, 0),
		EndTime:           time.Unix(1100, 0),
		Duration:          100 * time.Second,
		ExitCode:          0,
		WarningCount:      2,
		FreeBytesBefore:   5000,
		FreeBytesAfter:    4000,
		SnapshotsTotal:    12,
		SnapshotsComplete: 11,
		Evicted:           1,
		Aged:              3,
		FilesTransferred:  42,
		BytesTransferred:  123456,
	}

	if err := exporter.Export(m); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if exporter.Path() != filepath.Join(dir, FileName) {
		t.Errorf("Path() = %s", exporter.Path())
	}

	data, err := os.ReadFile(filepath.Join(dir, "snapkeep.prom"))
	if err != nil {
		t.Fatalf("Failed to read metrics file: %v", err)
	}
	content := string(data)
	for _, expected := range []string{
		"snapkeep_start_time_seconds 1000",
		"snapkeep_end_time_seconds 1100",
		"snapkeep_duration_seconds 100.00",
		"snapkeep_exit_code 0",
		"snapkeep_status 1",
		"snapkeep_warnings_total 2",
		"snapkeep_snapshots_total 12",
		"snapkeep_snapshots_complete 11",
		"snapkeep_evicted_total 1",
		"snapkeep_aged_total 3",
		"snapkeep_files_transferred_total 42",
		`snapkeep_free_bytes{when="before"} 5000`,
		`snapkeep_free_bytes{when="after"} 4000`,
		`snapkeep_info{hostname="mac-mini",source="/Users/me",destination="/Volumes/Backup",label="nightly",version="1.2.0"} 1`,
	} {
		if !strings.Contains(content, expected) {
			t.Fatalf("metrics output missing %q\n%s", expected, content)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "snapkeep.prom.tmp")); !os.IsNotExist(err) {
		t.Error("temporary metrics file left behind")
	}
}

func TestPrometheusExporterFailedRun(t *testing.T) {
	dir := t.TempDir()
	m := &RunMetrics{StartTime: time.Unix(2000, 0), Duration: 5 * time.Second, ExitCode: 12}
	if err := NewPrometheusExporter(dir, nil).Export(m); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, FileName))
	for _, expected := range []string{"snapkeep_status 2", "snapkeep_exit_code 12", "snapkeep_end_time_seconds 2005"} {
		if !strings.Contains(string(data), expected) {
			t.Errorf("missing %q\n%s", expected, data)
		}
	}
}

func TestPrometheusExporterNilMetrics(t *testing.T) {
	exporter := NewPrometheusExporter(t.TempDir(), nil)
	if err := exporter.Export(nil); err != nil {
		t.Fatalf("Export(nil) error = %v", err)
	}
	if err := NewPrometheusExporter("", nil).Export(&RunMetrics{}); err == nil {
		t.Error("empty directory accepted")
	}
}
