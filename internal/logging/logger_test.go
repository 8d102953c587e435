package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/snapkeep/internal/types"
)

func TestNew(t *testing.T) {
	logger := New(types.LogLevelInfo, true)

	if logger.level != types.LogLevelInfo {
		t.Errorf("Expected level %v, got %v", types.LogLevelInfo, logger.level)
	}
	if !logger.useColor {
		t.Error("Expected useColor to be true")
	}
	if logger.output == nil {
		t.Error("Expected output to be set")
	}
}

func TestSetLevel(t *testing.T) {
	logger := New(types.LogLevelInfo, false)
	logger.SetLevel(types.LogLevelDebug)

	if logger.GetLevel() != types.LogLevelDebug {
		t.Errorf("Expected level %v, got %v", types.LogLevelDebug, logger.GetLevel())
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelWarning, false)
	logger.SetOutput(&buf)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warning("warning message")
	logger.Error("error message")
	logger.Critical("critical message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("messages below WARNING leaked into output:\n%s", output)
	}
	for _, want := range []string{"warning message", "error message", "critical message"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
	if logger.WarningCount() != 1 || logger.ErrorCount() != 2 {
		t.Errorf("counters = (%d warnings, %d errors), want (1, 2)", logger.WarningCount(), logger.ErrorCount())
	}
}

func TestColorOnlyOnConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, true)
	logger.SetOutput(&buf)

	logPath := filepath.Join(t.TempDir(), "run.log")
	if err := logger.OpenLogFile(logPath); err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	logger.Phase("COPY")
	if err := logger.CloseLogFile(); err != nil {
		t.Fatalf("CloseLogFile: %v", err)
	}

	if !strings.Contains(buf.String(), "\033[34m") {
		t.Errorf("expected colored PHASE label on console, got %q", buf.String())
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "\033[") {
		t.Errorf("log file must not contain color codes: %q", data)
	}
	if !strings.Contains(string(data), "PHASE") || !strings.Contains(string(data), "COPY") {
		t.Errorf("log file missing phase line: %q", data)
	}
}

func TestTranscriptGoesToFileAndDebugConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&buf)

	logPath := filepath.Join(t.TempDir(), "run.log")
	if err := logger.OpenLogFile(logPath); err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	logger.Transcript("sending incremental file list")
	logger.SetLevel(types.LogLevelDebug)
	logger.Transcript("Number of files: 3")
	logger.CloseLogFile()

	if strings.Contains(buf.String(), "incremental") {
		t.Error("transcript must not reach console at INFO level")
	}
	if !strings.Contains(buf.String(), "Number of files: 3") {
		t.Error("transcript should reach console at DEBUG level")
	}
	data, _ := os.ReadFile(logPath)
	if !strings.Contains(string(data), "sending incremental file list") ||
		!strings.Contains(string(data), "Number of files: 3") {
		t.Errorf("log file missing transcript: %q", data)
	}
}

func TestColorWantedRequiresTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "notatty")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if ColorWanted(true, f) {
		t.Error("regular file must not be treated as a terminal")
	}
	if ColorWanted(false, os.Stdout) {
		t.Error("color must stay off when not requested")
	}
}

func TestPrependSummary(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 3, 1, 4, 5, 6, 0, time.Local)

	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&bytes.Buffer{})
	path, cleanup, err := StartRunLog(logger, filepath.Join(dir, "logs"), ts)
	if err != nil {
		t.Fatalf("StartRunLog: %v", err)
	}
	if filepath.Base(path) != "backup_2026-03-01_04-05-06.log" {
		t.Errorf("unexpected log name %s", filepath.Base(path))
	}
	logger.Info("body line")
	cleanup()
	cleanup()

	if err := PrependSummary(path, "=== SUMMARY ===\nstatus: ok"); err != nil {
		t.Fatalf("PrependSummary: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "=== SUMMARY ===\nstatus: ok\n") {
		t.Errorf("summary not at top:\n%s", content)
	}
	if !strings.Contains(content, "body line") {
		t.Errorf("original body lost:\n%s", content)
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "logs", ".runlog-*")); len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestDebugStart(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelDebug, false)
	logger.SetOutput(&buf)

	done := DebugStart(logger, "statfs", "path=%s", "/Volumes/Backup")
	done(nil)

	out := buf.String()
	if !strings.Contains(out, "Start statfs: path=/Volumes/Backup") || !strings.Contains(out, "End statfs (ok") {
		t.Errorf("unexpected trace output:\n%s", out)
	}

	if f := DebugStart(nil, "noop", ""); f == nil {
		t.Error("DebugStart(nil) must return a callable")
	}
}
