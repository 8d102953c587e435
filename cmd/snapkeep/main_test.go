package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tis24dev/snapkeep/internal/cli"
	"github.com/tis24dev/snapkeep/internal/config"
	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/internal/types"
)

func quietBootstrap() *logging.BootstrapLogger {
	b := logging.NewBootstrapLogger()
	b.SetLevel(types.LogLevelCritical)
	return b
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapkeep.env")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigAppliesOverrides(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	path := writeConfig(t, "SOURCE_PATH=/nowhere\nDESTINATION_PATH="+dst+"\nLABEL=file\n")

	args := &cli.Args{
		ConfigPath:       path,
		ConfigPathSource: "specified via --config/-c flag",
		Source:           src,
		Label:            "cli",
		DryRun:           true,
	}
	cfg, err := loadConfig(args, quietBootstrap())
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.SourcePath != src {
		t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, src)
	}
	if cfg.Label != "cli" {
		t.Errorf("Label = %q", cfg.Label)
	}
	if !cfg.DryRun {
		t.Error("DryRun override not applied")
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	args := &cli.Args{
		ConfigPath:       filepath.Join(t.TempDir(), "absent.env"),
		ConfigPathSource: "specified via --config/-c flag",
	}
	if _, err := loadConfig(args, quietBootstrap()); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfigDefaultPathFallsBackToEnvironment(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	t.Setenv("SOURCE_PATH", src)
	t.Setenv("DESTINATION_PATH", dst)

	args := &cli.Args{
		ConfigPath:       filepath.Join(t.TempDir(), "absent.env"),
		ConfigPathSource: "default path",
	}
	cfg, err := loadConfig(args, quietBootstrap())
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.DestinationPath != dst {
		t.Errorf("DestinationPath = %q", cfg.DestinationPath)
	}
}

func TestLoadConfigValidationFailure(t *testing.T) {
	t.Setenv("SOURCE_PATH", "")
	path := writeConfig(t, "DESTINATION_PATH=/srv/backup\n")
	args := &cli.Args{ConfigPath: path, ConfigPathSource: "specified via --config/-c flag"}

	_, err := loadConfig(args, quietBootstrap())
	if err == nil || !strings.Contains(err.Error(), "SOURCE_PATH") {
		t.Fatalf("loadConfig() error = %v, want missing SOURCE_PATH", err)
	}
}

func TestInitConfigAndUpgrade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "snapkeep.env")
	b := quietBootstrap()

	if code := initConfig(path, b); code != types.ExitSuccess.Int() {
		t.Fatalf("initConfig() = %d", code)
	}
	if code := initConfig(path, b); code != types.ExitConfigError.Int() {
		t.Fatalf("second initConfig() = %d, want config error", code)
	}

	if code := planConfigUpgrade(path, b); code != types.ExitSuccess.Int() {
		t.Fatalf("planConfigUpgrade() = %d", code)
	}

	if err := os.WriteFile(path, []byte("SOURCE_PATH=/data\nCUSTOM_KEY=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if code := planConfigUpgrade(path, b); code != types.ExitSuccess.Int() {
		t.Fatalf("planConfigUpgrade() = %d", code)
	}
	planned, _ := os.ReadFile(path)
	if string(planned) != "SOURCE_PATH=/data\nCUSTOM_KEY=1\n" {
		t.Fatal("dry-run upgrade modified the file")
	}

	if code := upgradeConfig(path, b); code != types.ExitSuccess.Int() {
		t.Fatalf("upgradeConfig() = %d", code)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SourcePath != "/data" {
		t.Errorf("upgrade lost SOURCE_PATH: %q", cfg.SourcePath)
	}
	if v, ok := cfg.Get("CUSTOM_KEY"); !ok || v != "1" {
		t.Errorf("upgrade lost CUSTOM_KEY")
	}
	if _, ok := cfg.Get("MAX_AGE_DAYS"); !ok {
		t.Error("upgrade did not add template keys")
	}
}

func TestUpgradeConfigMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.env")
	if code := upgradeConfig(path, quietBootstrap()); code != types.ExitConfigError.Int() {
		t.Fatalf("upgradeConfig() = %d, want config error", code)
	}
}

func TestRunDaemonRequiresSchedule(t *testing.T) {
	cfg := &config.Config{}
	logger := logging.New(types.LogLevelCritical, false)
	if code := runDaemon(cfg, logger, quietBootstrap()); code != types.ExitConfigError.Int() {
		t.Fatalf("runDaemon() = %d, want config error", code)
	}
}

func TestRunOnceMissingSourceWritesRunLog(t *testing.T) {
	dst := t.TempDir()
	t.Setenv("SOURCE_PATH", "")
	t.Setenv("DESTINATION_PATH", "")
	path := writeConfig(t, "SOURCE_PATH="+filepath.Join(t.TempDir(), "gone")+"\nDESTINATION_PATH="+dst+"\nUSE_COLOR=false\n")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	logger := logging.New(types.LogLevelCritical, false)

	code := runOnce(context.Background(), cfg, logger, quietBootstrap())
	if code != types.ExitSourceError.Int() {
		t.Fatalf("runOnce() = %d, want %d", code, types.ExitSourceError.Int())
	}

	logs, err := filepath.Glob(filepath.Join(cfg.LogRoot(), "backup_*.log"))
	if err != nil || len(logs) != 1 {
		t.Fatalf("run logs = %v (err %v)", logs, err)
	}
	data, err := os.ReadFile(logs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), strings.Repeat("=", 10)) || !strings.Contains(string(data), "FAILED") {
		t.Fatalf("run log does not start with the summary:\n%s", data)
	}
	if entries, err := os.ReadDir(cfg.SnapshotRoot()); err == nil && len(entries) != 0 {
		t.Fatalf("snapshot root not empty: %v", entries)
	}
}
