package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunLogLayout is the timestamp layout shared by snapshot names and run logs.
const RunLogLayout = "2006-01-02_15-04-05"

// RunLogPath returns the per-run log path: <logDir>/backup_<timestamp>.log.
func RunLogPath(logDir string, ts time.Time) string {
	return filepath.Join(logDir, fmt.Sprintf("backup_%s.log", ts.Format(RunLogLayout)))
}

// StartRunLog creates logDir if needed and attaches the run log to logger.
// The returned cleanup detaches the file; it is safe to call more than once.
func StartRunLog(logger *Logger, logDir string, ts time.Time) (string, func(), error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create log directory %s: %w", logDir, err)
	}
	path := RunLogPath(logDir, ts)
	if err := logger.OpenLogFile(path); err != nil {
		return "", nil, err
	}
	cleanup := func() {
		_ = logger.CloseLogFile()
	}
	return path, cleanup, nil
}

// PrependSummary rewrites the log at path with summary in front of the
// existing content. The file must not be open for writing by a logger; the
// rewrite goes through a temp file and rename so a crash leaves either the
// old or the new log.
func PrependSummary(path, summary string) error {
	body, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read run log %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".runlog-*")
	if err != nil {
		return fmt.Errorf("create temp run log: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(summary); err != nil {
		tmp.Close()
		return fmt.Errorf("write summary: %w", err)
	}
	if len(summary) > 0 && summary[len(summary)-1] != '\n' {
		if _, err := tmp.WriteString("\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write run log body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync run log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close run log: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod run log: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace run log %s: %w", path, err)
	}
	return nil
}
