package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tis24dev/snapkeep/internal/types"
)

type bootstrapEntry struct {
	level   types.LogLevel
	message string
}

// BootstrapLogger collects messages produced before the run logger exists
// (flag parsing, config loading) so they can be replayed into the run log.
// Messages are printed immediately: info to stdout, warnings and errors to
// stderr.
type BootstrapLogger struct {
	mu       sync.Mutex
	entries  []bootstrapEntry
	flushed  bool
	minLevel types.LogLevel
	stdout   io.Writer
	stderr   io.Writer
}

// NewBootstrapLogger creates a bootstrap logger with INFO as minimum level.
func NewBootstrapLogger() *BootstrapLogger {
	return &BootstrapLogger{
		minLevel: types.LogLevelInfo,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
	}
}

// SetLevel updates the minimum level used for console output and flush.
func (b *BootstrapLogger) SetLevel(level types.LogLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minLevel = level
}

// Debug records a debug message; it is only printed when the level allows.
func (b *BootstrapLogger) Debug(format string, args ...interface{}) {
	b.record(types.LogLevelDebug, fmt.Sprintf(format, args...))
}

// Info records an informational message.
func (b *BootstrapLogger) Info(format string, args ...interface{}) {
	b.record(types.LogLevelInfo, fmt.Sprintf(format, args...))
}

// Warning records a warning (stderr).
func (b *BootstrapLogger) Warning(format string, args ...interface{}) {
	b.record(types.LogLevelWarning, fmt.Sprintf(format, args...))
}

// Error records an error (stderr).
func (b *BootstrapLogger) Error(format string, args ...interface{}) {
	b.record(types.LogLevelError, fmt.Sprintf(format, args...))
}

func (b *BootstrapLogger) record(level types.LogLevel, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if level <= b.minLevel {
		w := b.stdout
		if level <= types.LogLevelWarning {
			w = b.stderr
		}
		fmt.Fprintln(w, message)
	}
	if b.flushed {
		return
	}
	b.entries = append(b.entries, bootstrapEntry{level: level, message: message})
}

// Flush replays the collected entries into logger's file only, since they
// already reached the console. It runs once.
func (b *BootstrapLogger) Flush(logger *Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed || logger == nil {
		return
	}
	for _, entry := range b.entries {
		if entry.level > b.minLevel {
			continue
		}
		logger.AppendRaw(fmt.Sprintf("[bootstrap] %-8s %s", entry.level.String(), entry.message))
	}
	b.flushed = true
	b.entries = nil
}
