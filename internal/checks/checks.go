package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tis24dev/snapkeep/internal/logging"
)

// LockFileName is created in the destination root while a run holds it.
const LockFileName = ".snapkeep.lock"

// createTestFile is a small indirection over os.Create used by permission
// checks to allow tests to inject controlled failures (e.g., EIO) without
// depending on specific filesystem behavior.
var createTestFile = os.Create

var (
	osStat      = os.Stat
	osRemove    = os.Remove
	osOpenFile  = os.OpenFile
	osMkdirAll  = os.MkdirAll
	osWriteFile = os.WriteFile
	osSymlink   = os.Symlink
	osReadFile  = os.ReadFile
	syncFile    = func(f *os.File) error { return f.Sync() }
	processGone = func(pid int) bool {
		err := syscall.Kill(pid, 0)
		return errors.Is(err, syscall.ESRCH)
	}
)

// Result codes callers map to exit codes.
const (
	CodeSourceMissing      = "SOURCE_MISSING"
	CodeDestinationMissing = "DESTINATION_MISSING"
	CodeDirectory          = "DIRECTORY_CHECK_FAILED"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeReadOnly           = "FS_READONLY"
	CodeIOError            = "FS_IO_ERROR"
	CodePermission         = "PERMISSION_CHECK_FAILED"
	CodeLocked             = "LOCKED"
	CodeLockError          = "LOCK_ERROR"
)

// Checker performs pre-run validation checks
type Checker struct {
	logger *logging.Logger
	config *CheckerConfig
}

// CheckerConfig holds configuration for pre-run checks
type CheckerConfig struct {
	SourcePath      string
	DestinationPath string
	SnapshotPath    string
	LogPath         string
	LockFilePath    string
	MaxLockAge      time.Duration
	DryRun          bool
}

// Validate checks if the checker configuration is valid
func (c *CheckerConfig) Validate() error {
	if c.SourcePath == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.DestinationPath == "" {
		return fmt.Errorf("destination path cannot be empty")
	}
	if c.SnapshotPath == "" {
		return fmt.Errorf("snapshot path cannot be empty")
	}
	if c.LogPath == "" {
		return fmt.Errorf("log path cannot be empty")
	}
	if c.LockFilePath == "" {
		c.LockFilePath = filepath.Join(c.DestinationPath, LockFileName)
	}
	if c.MaxLockAge <= 0 {
		return fmt.Errorf("max lock age must be positive")
	}
	return nil
}

// CheckResult holds the result of a validation check
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   error
	Code    string
}

// CheckError is returned by RunAllChecks for the first failing check.
type CheckError struct {
	Result CheckResult
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s check failed: %s", strings.ToLower(e.Result.Name), e.Result.Message)
}

func (e *CheckError) Unwrap() error { return e.Result.Error }

// NewChecker creates a new pre-run checker
func NewChecker(logger *logging.Logger, config *CheckerConfig) *Checker {
	return &Checker{
		logger: logger,
		config: config,
	}
}

// LockPath returns the lock file location.
func (c *Checker) LockPath() string {
	if c.config.LockFilePath != "" {
		return c.config.LockFilePath
	}
	return filepath.Join(c.config.DestinationPath, LockFileName)
}

// RunAllChecks performs all pre-run validation checks. Order is important:
// nothing is created until the source and destination are known to exist,
// and the lock is taken last.
func (c *Checker) RunAllChecks(ctx context.Context) ([]CheckResult, error) {
	c.logger.Debug("Running pre-run validation checks")

	steps := []func() CheckResult{
		c.CheckSource,
		c.CheckDirectories,
		c.CheckPermissions,
		c.CheckLockFile,
	}

	var results []CheckResult
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result := step()
		results = append(results, result)
		if !result.Passed {
			return results, &CheckError{Result: result}
		}
	}

	c.logger.Debug("All pre-run checks passed")
	return results, nil
}

// CheckSource verifies the source tree exists and is a directory
func (c *Checker) CheckSource() CheckResult {
	result := CheckResult{
		Name: "Source",
		Code: CodeSourceMissing,
	}

	info, err := osStat(c.config.SourcePath)
	if err != nil {
		result.Error = fmt.Errorf("source %s is not accessible: %w", c.config.SourcePath, err)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}
	if !info.IsDir() {
		result.Error = fmt.Errorf("source %s is not a directory", c.config.SourcePath)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	result.Passed = true
	result.Code = ""
	result.Message = "Source directory present"
	c.logger.Debug("%s: %s", result.Message, c.config.SourcePath)
	return result
}

// CheckDirectories verifies the destination exists and creates the snapshot
// and log directories below it. The destination itself is never created: a
// missing destination usually means an unmounted volume.
func (c *Checker) CheckDirectories() CheckResult {
	result := CheckResult{
		Name: "Directories",
		Code: CodeDirectory,
	}

	dest := filepath.Clean(c.config.DestinationPath)
	info, err := osStat(dest)
	if err != nil {
		result.Code = CodeDestinationMissing
		result.Error = fmt.Errorf("destination %s is not accessible (volume not mounted?): %w", dest, err)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}
	if !info.IsDir() {
		result.Code = CodeDestinationMissing
		result.Error = fmt.Errorf("destination %s is not a directory", dest)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	for _, dir := range []string{c.config.SnapshotPath, c.config.LogPath, filepath.Dir(c.LockPath())} {
		dir = filepath.Clean(dir)
		c.logger.Debug("Checking directory: %s", dir)
		info, err := osStat(dir)
		if err == nil {
			if !info.IsDir() {
				result.Error = fmt.Errorf("required path is not a directory: %s", dir)
				result.Message = result.Error.Error()
				c.logger.Error("%s", result.Message)
				return result
			}
			continue
		}

		if !os.IsNotExist(err) {
			result.Error = fmt.Errorf("failed to stat directory %s: %w", dir, err)
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}

		if c.config.DryRun {
			c.logger.Info("[DRY RUN] Would create directory: %s", dir)
			continue
		}

		if err := osMkdirAll(dir, 0o755); err != nil {
			result.Error = fmt.Errorf("failed to create directory %s: %w", dir, err)
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}
		c.logger.Info("Created missing directory: %s", dir)
	}

	result.Passed = true
	result.Code = ""
	result.Message = "All required directories exist"
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckPermissions verifies write permissions on required directories
func (c *Checker) CheckPermissions() CheckResult {
	result := CheckResult{
		Name: "Permissions",
		Code: CodePermission,
	}

	const maxAttempts = 3
	const retryDelay = 100 * time.Millisecond

	for _, dir := range []string{c.config.SnapshotPath, c.config.LogPath} {
		if c.config.DryRun {
			c.logger.Debug("[DRY RUN] Would test write permission in: %s", dir)
			continue
		}
		c.logger.Debug("Checking permissions: %s", dir)
		testFile := filepath.Join(dir, fmt.Sprintf(".permission_test_%d", os.Getpid()))

		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			f, err := createTestFile(testFile)
			if err == nil {
				f.Close()
				lastErr = nil
				break
			}

			lastErr = err

			// Treat filesystem I/O errors as potentially transient and retry
			if errors.Is(err, syscall.EIO) && attempt < maxAttempts {
				c.logger.Warning("I/O error while testing write in %s (attempt %d/%d), will retry: %v",
					dir, attempt, maxAttempts, err)
				time.Sleep(retryDelay)
				continue
			}
			break
		}

		if lastErr != nil {
			err := lastErr
			var reason string
			code := CodePermission

			switch {
			case errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM):
				reason = "no write permission"
				code = CodePermissionDenied
			case errors.Is(err, syscall.EROFS):
				reason = "filesystem is read-only"
				code = CodeReadOnly
			case errors.Is(err, syscall.EIO):
				reason = "filesystem I/O error while testing write"
				code = CodeIOError
			default:
				reason = "failed to test write permission"
			}

			result.Code = code
			result.Error = fmt.Errorf("%s in %s: %w", reason, dir, err)
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}

		c.logger.Debug("Directory writable: %s", dir)
		if err := osRemove(testFile); err != nil {
			c.logger.Warning("Failed to remove test file %s: %v", testFile, err)
		}
	}

	result.Passed = true
	result.Code = ""
	result.Message = "All directories are writable"
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckLockFile removes a stale lock and creates a new one. A lock naming a
// process on this host is stale only once that process is gone, however old
// it is; MaxLockAge applies to foreign-host or unreadable locks.
func (c *Checker) CheckLockFile() CheckResult {
	result := CheckResult{
		Name: "Lock File",
		Code: CodeLockError,
	}

	lockPath := c.LockPath()
	c.logger.Debug("Lock file path: %s", lockPath)

	if info, err := osStat(lockPath); err == nil {
		age := time.Since(info.ModTime())
		holder := parseLockContent(lockPath)
		hostname, _ := os.Hostname()

		local := holder.pid > 0 && holder.host == hostname
		switch {
		case local && processGone(holder.pid):
			c.logger.Warning("Removing lock file of dead process %d", holder.pid)
		case !local && age > c.config.MaxLockAge:
			c.logger.Warning("Removing stale lock file (age: %v)", age.Round(time.Second))
		default:
			result.Code = CodeLocked
			result.Message = fmt.Sprintf("Another run is in progress (pid %d on %s, lock age: %v)",
				holder.pid, holder.host, age.Round(time.Second))
			c.logger.Error("%s", result.Message)
			return result
		}

		if c.config.DryRun {
			c.logger.Info("[DRY RUN] Would remove stale lock file: %s", lockPath)
		} else if err := osRemove(lockPath); err != nil && !os.IsNotExist(err) {
			result.Error = fmt.Errorf("failed to remove stale lock: %w", err)
			result.Message = result.Error.Error()
			return result
		}
	}

	if c.config.DryRun {
		c.logger.Info("[DRY RUN] Would create lock file: %s", lockPath)
		result.Passed = true
		result.Code = ""
		result.Message = "Lock file check passed (dry run)"
		return result
	}

	c.logger.Debug("Creating lock file with PID %d", os.Getpid())
	f, err := osOpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsExist(err) {
			result.Code = CodeLocked
			result.Message = "Another run acquired the lock"
			c.logger.Error("%s", result.Message)
			return result
		}
		result.Error = fmt.Errorf("failed to create lock file: %w", err)
		result.Message = result.Error.Error()
		return result
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	lockContent := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\n", os.Getpid(), hostname, time.Now().Format(time.RFC3339))
	if _, err := f.WriteString(lockContent); err != nil {
		result.Error = fmt.Errorf("failed to write lock file: %w", err)
		result.Message = result.Error.Error()
		return result
	}
	if err := syncFile(f); err != nil {
		c.logger.Warning("Failed to sync lock file %s: %v", lockPath, err)
	}

	result.Passed = true
	result.Code = ""
	result.Message = "Lock file acquired successfully"
	c.logger.Debug("%s", result.Message)
	return result
}

// ReleaseLock removes the lock file
func (c *Checker) ReleaseLock() error {
	lockPath := c.LockPath()

	if c.config.DryRun {
		c.logger.Debug("[DRY RUN] Would release lock file: %s", lockPath)
		return nil
	}

	if err := osRemove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	c.logger.Debug("Lock file released: %s", lockPath)
	return nil
}

type lockHolder struct {
	pid  int
	host string
}

func parseLockContent(path string) lockHolder {
	var holder lockHolder
	data, err := osReadFile(path)
	if err != nil {
		return holder
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			holder.pid, _ = strconv.Atoi(value)
		case "host":
			holder.host = value
		}
	}
	return holder
}

// GetDefaultCheckerConfig returns a default checker configuration
func GetDefaultCheckerConfig(source, destination, snapshotDir, logDir string) *CheckerConfig {
	return &CheckerConfig{
		SourcePath:      source,
		DestinationPath: destination,
		SnapshotPath:    filepath.Join(destination, snapshotDir),
		LogPath:         filepath.Join(destination, logDir),
		LockFilePath:    filepath.Join(destination, LockFileName),
		MaxLockAge:      24 * time.Hour,
	}
}
