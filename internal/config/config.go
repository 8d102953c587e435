package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/tis24dev/snapkeep/internal/rsync"
	"github.com/tis24dev/snapkeep/internal/types"
	"github.com/tis24dev/snapkeep/pkg/utils"
)

// Defaults applied when a key is absent.
const (
	DefaultSnapshotDir     = "snapshots"
	DefaultLogDir          = "logs"
	DefaultMaxAgeDays      = 90
	DefaultMinFreeSpace    = "10G"
	DefaultMinFreePercent  = 10
	DefaultMaxEvictions    = 100
	DefaultLockMaxAgeHours = 24
	DefaultStatfsTimeout   = 10
	DefaultMetricsFile     = "snapkeep.prom"
)

// envKeys lists every key that an environment variable may override.
var envKeys = []string{
	"SOURCE_PATH", "DESTINATION_PATH", "SNAPSHOT_DIR", "LOG_DIR",
	"RSYNC_PATH", "RSYNC_OPTIONS",
	"MAX_AGE_DAYS", "MIN_FREE_SPACE", "MIN_FREE_PERCENT", "MAX_EVICTIONS",
	"AUTO_DETECT_XATTRS", "SKIP_SYMLINKS", "EXCLUDE_FILE", "DISCOVER_ALIASES",
	"LABEL", "LOCK_MAX_AGE_HOURS", "STATFS_TIMEOUT_SECONDS",
	"DEBUG_LEVEL", "USE_COLOR", "METRICS_ENABLED", "METRICS_PATH",
	"SCHEDULE", "DRY_RUN",
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Missing  []string
	Problems []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required keys: "+strings.Join(e.Missing, ", "))
	}
	parts = append(parts, e.Problems...)
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Config holds the snapkeep settings loaded from an env file.
type Config struct {
	ConfigPath string

	// Paths
	SourcePath      string
	DestinationPath string
	SnapshotDir     string
	LogDir          string
	ExcludeFile     string

	// Sync primitive
	RsyncPath        string
	RsyncOptions     []string
	AutoDetectXattrs bool
	SkipSymlinks     bool
	DiscoverAliases  bool

	// Retention
	MaxAgeDays     int
	MinFreeBytes   uint64
	MinFreePercent float64
	MaxEvictions   int

	// Run control
	Label         string
	LockMaxAge    time.Duration
	StatfsTimeout time.Duration
	DryRun        bool
	Schedule      string

	// Logging and metrics
	DebugLevel     types.LogLevel
	UseColor       bool
	MetricsEnabled bool
	MetricsPath    string

	// parse problems collected for Validate
	problems []string

	// raw configuration map
	raw map[string]string
}

// LoadConfig reads a snapkeep env file. Environment variables take
// precedence over file values.
func LoadConfig(configPath string) (*Config, error) {
	if !utils.FileExists(configPath) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	rawValues, err := parseEnvFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ConfigPath: configPath,
		raw:        rawValues,
	}
	cfg.loadEnvOverrides()

	if err := cfg.parse(); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	return cfg, nil
}

// FromEnvironment builds a configuration from environment variables only.
func FromEnvironment() (*Config, error) {
	cfg := &Config{raw: make(map[string]string)}
	cfg.loadEnvOverrides()
	if err := cfg.parse(); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadEnvOverrides() {
	for _, key := range envKeys {
		if envValue := os.Getenv(key); envValue != "" {
			c.raw[key] = envValue
		}
	}
}

func (c *Config) parse() error {
	c.problems = nil

	c.SourcePath = cleanPath(c.getString("SOURCE_PATH", ""))
	c.DestinationPath = cleanPath(c.getString("DESTINATION_PATH", ""))
	c.SnapshotDir = c.getString("SNAPSHOT_DIR", DefaultSnapshotDir)
	c.LogDir = c.getString("LOG_DIR", DefaultLogDir)
	c.ExcludeFile = cleanPath(c.getString("EXCLUDE_FILE", ""))

	c.RsyncPath = c.getString("RSYNC_PATH", rsync.DefaultBinary)
	opts, err := rsync.ParseOptions(c.getString("RSYNC_OPTIONS", rsync.DefaultOptions))
	if err != nil {
		return err
	}
	c.RsyncOptions = opts
	c.AutoDetectXattrs = c.getBool("AUTO_DETECT_XATTRS", true)
	c.SkipSymlinks = c.getBool("SKIP_SYMLINKS", false)
	c.DiscoverAliases = c.getBool("DISCOVER_ALIASES", true)

	c.MaxAgeDays = c.getNonNegativeInt("MAX_AGE_DAYS", DefaultMaxAgeDays)
	c.MinFreePercent = c.getFloat("MIN_FREE_PERCENT", DefaultMinFreePercent)
	if c.MinFreePercent < 0 || c.MinFreePercent > 100 {
		c.problems = append(c.problems, fmt.Sprintf("MIN_FREE_PERCENT must be between 0 and 100, got %v", c.MinFreePercent))
	}
	minFree, err := parseSizeToBytes(c.getString("MIN_FREE_SPACE", DefaultMinFreeSpace))
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("MIN_FREE_SPACE: %v", err))
	}
	c.MinFreeBytes = uint64(minFree)
	c.MaxEvictions = c.ensurePositiveInt("MAX_EVICTIONS", DefaultMaxEvictions)

	c.Label = c.getString("LABEL", "")
	c.LockMaxAge = time.Duration(c.ensurePositiveInt("LOCK_MAX_AGE_HOURS", DefaultLockMaxAgeHours)) * time.Hour
	c.StatfsTimeout = time.Duration(c.ensurePositiveInt("STATFS_TIMEOUT_SECONDS", DefaultStatfsTimeout)) * time.Second
	c.DryRun = c.getBool("DRY_RUN", false)
	c.Schedule = c.getString("SCHEDULE", "")

	c.DebugLevel = c.getLogLevel("DEBUG_LEVEL", types.LogLevelInfo)
	c.UseColor = c.getBool("USE_COLOR", true)
	c.MetricsEnabled = c.getBool("METRICS_ENABLED", false)
	c.MetricsPath = c.getString("METRICS_PATH", "")
	return nil
}

// Validate reports missing required keys and out-of-range values.
func (c *Config) Validate() error {
	verr := &ValidationError{Problems: append([]string(nil), c.problems...)}
	if c.SourcePath == "" {
		verr.Missing = append(verr.Missing, "SOURCE_PATH")
	}
	if c.DestinationPath == "" {
		verr.Missing = append(verr.Missing, "DESTINATION_PATH")
	}
	if c.SnapshotDir == "" || strings.ContainsRune(c.SnapshotDir, filepath.Separator) {
		verr.Problems = append(verr.Problems, fmt.Sprintf("SNAPSHOT_DIR must be a single directory name, got %q", c.SnapshotDir))
	}
	if c.LogDir == "" || strings.ContainsRune(c.LogDir, filepath.Separator) {
		verr.Problems = append(verr.Problems, fmt.Sprintf("LOG_DIR must be a single directory name, got %q", c.LogDir))
	}
	if c.SnapshotDir != "" && c.SnapshotDir == c.LogDir {
		verr.Problems = append(verr.Problems, "SNAPSHOT_DIR and LOG_DIR must differ")
	}
	if c.SourcePath != "" && c.DestinationPath != "" && pathWithin(c.DestinationPath, c.SourcePath) && !utils.IsFilesystemRoot(c.SourcePath) {
		verr.Problems = append(verr.Problems, fmt.Sprintf("destination %s lies inside source %s", c.DestinationPath, c.SourcePath))
	}
	if len(c.RsyncOptions) == 0 {
		verr.Problems = append(verr.Problems, "RSYNC_OPTIONS is empty")
	}
	if len(verr.Missing) == 0 && len(verr.Problems) == 0 {
		return nil
	}
	return verr
}

// SnapshotRoot is the directory holding the snapshot chain.
func (c *Config) SnapshotRoot() string {
	return filepath.Join(c.DestinationPath, c.SnapshotDir)
}

// LogRoot is the directory holding run logs.
func (c *Config) LogRoot() string {
	return filepath.Join(c.DestinationPath, c.LogDir)
}

// MetricsDir is where the textfile exporter writes; defaults to the log root.
func (c *Config) MetricsDir() string {
	if c.MetricsPath != "" {
		return c.MetricsPath
	}
	return c.LogRoot()
}

// Get returns a raw configuration value.
func (c *Config) Get(key string) (string, bool) {
	val, ok := c.raw[key]
	return val, ok
}

// Set stores a raw value; call Reparse to apply it.
func (c *Config) Set(key, value string) {
	if c.raw == nil {
		c.raw = make(map[string]string)
	}
	c.raw[key] = value
}

// Reparse re-derives typed fields from raw values, used after CLI overrides.
func (c *Config) Reparse() error {
	return c.parse()
}

func (c *Config) getString(key, defaultValue string) string {
	if val, ok := c.raw[key]; ok {
		return expandEnvVars(val)
	}
	return defaultValue
}

func (c *Config) getBool(key string, defaultValue bool) bool {
	if val, ok := c.raw[key]; ok {
		return utils.ParseBool(val)
	}
	return defaultValue
}

func (c *Config) getInt(key string, defaultValue int) int {
	if val, ok := c.raw[key]; ok {
		intVal, err := strconv.Atoi(strings.TrimSpace(val))
		if err == nil {
			return intVal
		}
		c.problems = append(c.problems, fmt.Sprintf("%s: %q is not an integer", key, val))
	}
	return defaultValue
}

func (c *Config) getNonNegativeInt(key string, defaultValue int) int {
	value := c.getInt(key, defaultValue)
	if value < 0 {
		c.problems = append(c.problems, fmt.Sprintf("%s must not be negative", key))
		return defaultValue
	}
	return value
}

func (c *Config) ensurePositiveInt(key string, defaultValue int) int {
	value := c.getInt(key, defaultValue)
	if value <= 0 {
		return defaultValue
	}
	return value
}

func (c *Config) getFloat(key string, defaultValue float64) float64 {
	if val, ok := c.raw[key]; ok {
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(val), "%"), 64)
		if err == nil {
			return f
		}
		c.problems = append(c.problems, fmt.Sprintf("%s: %q is not a number", key, val))
	}
	return defaultValue
}

func (c *Config) getLogLevel(key string, defaultValue types.LogLevel) types.LogLevel {
	if val, ok := c.raw[key]; ok {
		if level, ok := types.ParseLogLevel(val); ok {
			return level
		}
		c.problems = append(c.problems, fmt.Sprintf("%s: unknown log level %q", key, val))
	}
	return defaultValue
}

// expandEnvVars expands ${VAR} and $VAR references from the environment.
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

// parseSizeToBytes accepts human sizes such as 10G, 512MiB or 2.5 TB.
// Units are binary (1G = 1024^3) to match df -h.
func parseSizeToBytes(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return n, nil
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

func pathWithin(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func parseEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	defer file.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if utils.IsComment(strings.TrimSpace(line)) {
			continue
		}
		key, value, ok := utils.SplitKeyValue(line)
		if !ok {
			continue
		}
		raw[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return raw, nil
}
