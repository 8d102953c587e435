package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/tis24dev/snapkeep/internal/types"
)

const (
	colorReset    = "\033[0m"
	colorCyan     = "\033[36m"
	colorGreen    = "\033[32m"
	colorYellow   = "\033[33m"
	colorRed      = "\033[31m"
	colorBoldRed  = "\033[1;31m"
	colorBlue     = "\033[34m"
	colorMagenta  = "\033[35m"
	defaultLayout = "2006-01-02 15:04:05"
)

// Logger handles application logging. Every line goes to the console writer
// (colored when enabled) and, once a log file is attached, to that file
// without color codes.
type Logger struct {
	mu           sync.Mutex
	level        types.LogLevel
	useColor     bool
	output       io.Writer
	timeFormat   string
	logFile      *os.File
	warningCount int64
	errorCount   int64
}

// New creates a new logger writing to stdout.
func New(level types.LogLevel, useColor bool) *Logger {
	return &Logger{
		level:      level,
		useColor:   useColor,
		output:     os.Stdout,
		timeFormat: defaultLayout,
	}
}

// ColorWanted returns true only when color is requested and f is a terminal,
// so cron/launchd runs never get escape codes in captured output.
func ColorWanted(requested bool, f *os.File) bool {
	if !requested || f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// SetOutput sets the console writer. nil restores stdout.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		l.output = os.Stdout
		return
	}
	l.output = w
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level types.LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() types.LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// OpenLogFile attaches a log file opened for synchronous appends. A previously
// attached file is closed first.
func (l *Logger) OpenLogFile(logPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		l.logFile.Close()
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	l.logFile = file
	return nil
}

// CloseLogFile detaches and closes the log file.
func (l *Logger) CloseLogFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}

	err := l.logFile.Close()
	l.logFile = nil
	return err
}

// LogFilePath returns the path of the attached log file, or "".
func (l *Logger) LogFilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return ""
	}
	return l.logFile.Name()
}

func levelColor(level types.LogLevel) string {
	switch level {
	case types.LogLevelDebug:
		return colorCyan
	case types.LogLevelInfo:
		return colorGreen
	case types.LogLevelWarning:
		return colorYellow
	case types.LogLevelError:
		return colorRed
	case types.LogLevelCritical:
		return colorBoldRed
	default:
		return ""
	}
}

func (l *Logger) emit(level types.LogLevel, label, color string, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	switch level {
	case types.LogLevelWarning:
		l.warningCount++
	case types.LogLevelError, types.LogLevelCritical:
		l.errorCount++
	}

	timestamp := time.Now().Format(l.timeFormat)
	if label == "" {
		label = level.String()
	}
	message := fmt.Sprintf(format, args...)

	if l.useColor {
		if color == "" {
			color = levelColor(level)
		}
		fmt.Fprintf(l.output, "[%s] %s%-8s%s %s\n", timestamp, color, label, colorReset, message)
	} else {
		fmt.Fprintf(l.output, "[%s] %-8s %s\n", timestamp, label, message)
	}

	if l.logFile != nil {
		fmt.Fprintf(l.logFile, "[%s] %-8s %s\n", timestamp, label, message)
	}
}

// Debug writes a debug log.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.emit(types.LogLevelDebug, "", "", format, args...)
}

// Info writes an informational log.
func (l *Logger) Info(format string, args ...interface{}) {
	l.emit(types.LogLevelInfo, "", "", format, args...)
}

// Phase marks a state transition of the run.
func (l *Logger) Phase(format string, args ...interface{}) {
	l.emit(types.LogLevelInfo, "PHASE", colorBlue, format, args...)
}

// Step highlights a sequential activity within a phase.
func (l *Logger) Step(format string, args ...interface{}) {
	l.emit(types.LogLevelInfo, "STEP", colorBlue, format, args...)
}

// Skip reports a disabled or bypassed element.
func (l *Logger) Skip(format string, args ...interface{}) {
	l.emit(types.LogLevelInfo, "SKIP", colorMagenta, format, args...)
}

// Warning writes a warning log.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.emit(types.LogLevelWarning, "", "", format, args...)
}

// Error writes an error log.
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit(types.LogLevelError, "", "", format, args...)
}

// Critical writes a critical log.
func (l *Logger) Critical(format string, args ...interface{}) {
	l.emit(types.LogLevelCritical, "", "", format, args...)
}

// Transcript records one line of sync-primitive output. The file always gets
// the raw line; the console only shows it at debug level.
func (l *Logger) Transcript(line string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		fmt.Fprintf(l.logFile, "  | %s\n", line)
	}
	if l.level >= types.LogLevelDebug {
		fmt.Fprintf(l.output, "  | %s\n", line)
	}
}

// AppendRaw writes a line to the log file only, without timestamp or label.
func (l *Logger) AppendRaw(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return
	}
	fmt.Fprintln(l.logFile, message)
}

// WarningCount returns how many warnings were logged.
func (l *Logger) WarningCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.warningCount)
}

// ErrorCount returns how many error or critical lines were logged.
func (l *Logger) ErrorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.errorCount)
}

// HasWarnings returns true if at least one warning was logged.
func (l *Logger) HasWarnings() bool {
	return l.WarningCount() > 0
}

// HasErrors returns true if at least one error or critical message was logged.
func (l *Logger) HasErrors() bool {
	return l.ErrorCount() > 0
}
