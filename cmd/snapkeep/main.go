package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/tis24dev/snapkeep/internal/cli"
	"github.com/tis24dev/snapkeep/internal/config"
	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/internal/orchestrator"
	"github.com/tis24dev/snapkeep/internal/types"
	"github.com/tis24dev/snapkeep/internal/version"
	"github.com/tis24dev/snapkeep/pkg/utils"
)

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	bootstrap := logging.NewBootstrapLogger()

	defer func() {
		if r := recover(); r != nil {
			bootstrap.Error("PANIC: %v", r)
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			exitCode = types.ExitPanicError.Int()
		}
	}()

	args := cli.Parse()

	if args.ShowVersion {
		cli.ShowVersion()
		return types.ExitSuccess.Int()
	}
	if args.ShowHelp {
		cli.ShowHelp()
		return types.ExitSuccess.Int()
	}
	if args.LogLevel != types.LogLevelNone {
		bootstrap.SetLevel(args.LogLevel)
	}

	switch {
	case args.InitConfig:
		return initConfig(args.ConfigPath, bootstrap)
	case args.UpgradeConfigDry:
		return planConfigUpgrade(args.ConfigPath, bootstrap)
	case args.UpgradeConfig:
		return upgradeConfig(args.ConfigPath, bootstrap)
	}

	cfg, err := loadConfig(args, bootstrap)
	if err != nil {
		bootstrap.Error("ERROR: %v", err)
		return types.ExitConfigError.Int()
	}

	level := cfg.DebugLevel
	if args.LogLevel != types.LogLevelNone {
		level = args.LogLevel
	}
	bootstrap.SetLevel(level)
	logger := logging.New(level, logging.ColorWanted(cfg.UseColor, os.Stdout))

	if args.List {
		return listSnapshots(cfg, logger, bootstrap)
	}
	if args.Daemon {
		return runDaemon(cfg, logger, bootstrap)
	}
	return runOnce(context.Background(), cfg, logger, bootstrap)
}

// loadConfig reads the config file (or the environment when the default
// path does not exist), applies command-line overrides and validates.
func loadConfig(args *cli.Args, bootstrap *logging.BootstrapLogger) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case utils.FileExists(args.ConfigPath):
		bootstrap.Debug("Loading configuration from %s (%s)", args.ConfigPath, args.ConfigPathSource)
		cfg, err = config.LoadConfig(args.ConfigPath)
	case args.ConfigPathSource == "default path":
		bootstrap.Debug("No configuration file at %s: using environment only", args.ConfigPath)
		cfg, err = config.FromEnvironment()
	default:
		bootstrap.Warning("Configuration file not found: %s", args.ConfigPath)
		bootstrap.Warning("Run 'snapkeep --init-config -c %s' to create one from the default template", args.ConfigPath)
		return nil, fmt.Errorf("configuration file is required to continue")
	}
	if err != nil {
		return nil, err
	}

	if overrides := args.Overrides(); len(overrides) > 0 {
		for key, value := range overrides {
			bootstrap.Debug("Command-line override: %s=%s", key, value)
			cfg.Set(key, value)
		}
		if err := cfg.Reparse(); err != nil {
			return nil, fmt.Errorf("error applying command-line overrides: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runOnce performs one snapshot run with its own run log and returns the
// process exit code.
func runOnce(ctx context.Context, cfg *config.Config, logger *logging.Logger, bootstrap *logging.BootstrapLogger) int {
	start := time.Now()

	logPath := ""
	closeLog := func() {}
	switch {
	case cfg.DryRun:
		logger.Debug("[DRY RUN] No run log is written")
	case !utils.DirExists(cfg.DestinationPath):
		logger.Debug("Destination %s not present: run log disabled", cfg.DestinationPath)
	default:
		path, cleanup, err := logging.StartRunLog(logger, cfg.LogRoot(), start)
		if err != nil {
			logger.Warning("Run log unavailable: %v", err)
			break
		}
		logPath, closeLog = path, cleanup
		bootstrap.Flush(logger)
		logger.Debug("Run log: %s", logPath)
	}

	logger.Info("snapkeep %s", version.Full())
	orch := orchestrator.New(logger, cfg)
	orch.SetVersion(version.String())
	orch.SetStartTime(start)

	stats, runErr := orch.Run(ctx)
	closeLog()

	summary := stats.Summary()
	fmt.Println()
	fmt.Print(summary)
	if logPath != "" {
		if err := logging.PrependSummary(logPath, summary); err != nil {
			logger.Warning("Failed to write run summary to %s: %v", logPath, err)
		}
	}

	return orchestrator.ExitCodeOf(runErr).Int()
}

func runDaemon(cfg *config.Config, logger *logging.Logger, bootstrap *logging.BootstrapLogger) int {
	if strings.TrimSpace(cfg.Schedule) == "" {
		bootstrap.Error("ERROR: --daemon requires SCHEDULE (e.g. SCHEDULE=\"0 2 * * *\")")
		return types.ExitConfigError.Int()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := orchestrator.RunScheduled(ctx, cfg.Schedule, logger, func(passCtx context.Context) {
		if code := runOnce(passCtx, cfg, logger, bootstrap); code != types.ExitSuccess.Int() {
			logger.Warning("Scheduled snapshot ended with exit code %d (%s)", code, types.ExitCode(code))
		}
	})
	if err != nil {
		bootstrap.Error("ERROR: %v", err)
		return types.ExitConfigError.Int()
	}
	return types.ExitSuccess.Int()
}

func listSnapshots(cfg *config.Config, logger *logging.Logger, bootstrap *logging.BootstrapLogger) int {
	entries, err := orchestrator.New(logger, cfg).List(context.Background())
	if err != nil {
		bootstrap.Error("ERROR: %v", err)
		return types.ExitStorageError.Int()
	}
	orchestrator.WriteChain(os.Stdout, entries)
	return types.ExitSuccess.Int()
}

func initConfig(path string, bootstrap *logging.BootstrapLogger) int {
	if err := config.WriteDefaultConfig(path); err != nil {
		bootstrap.Error("ERROR: %v", err)
		return types.ExitConfigError.Int()
	}
	bootstrap.Info("Default configuration written to %s", path)
	bootstrap.Info("Set SOURCE_PATH and DESTINATION_PATH before the first run.")
	return types.ExitSuccess.Int()
}

func planConfigUpgrade(path string, bootstrap *logging.BootstrapLogger) int {
	bootstrap.Info("Planning configuration upgrade using embedded template: %s", path)
	result, err := config.PlanUpgradeConfigFile(path)
	if err != nil {
		bootstrap.Error("ERROR: Failed to plan configuration upgrade: %v", err)
		return types.ExitConfigError.Int()
	}
	if !result.Changed {
		bootstrap.Info("Configuration is already up to date with the embedded template; no changes are required.")
		return types.ExitSuccess.Int()
	}
	reportUpgrade(result, bootstrap, "would be")
	bootstrap.Info("Dry run only: no files were modified. Use --upgrade-config to apply these changes.")
	return types.ExitSuccess.Int()
}

func upgradeConfig(path string, bootstrap *logging.BootstrapLogger) int {
	bootstrap.Info("Upgrading configuration file: %s", path)
	result, err := config.UpgradeConfigFile(path)
	if err != nil {
		bootstrap.Error("ERROR: Failed to upgrade configuration: %v", err)
		return types.ExitConfigError.Int()
	}
	if !result.Changed {
		bootstrap.Info("Configuration is already up to date with the embedded template; no changes were made.")
		return types.ExitSuccess.Int()
	}
	reportUpgrade(result, bootstrap, "were")
	bootstrap.Info("Configuration upgraded successfully. Backup saved to: %s", result.BackupPath)
	return types.ExitSuccess.Int()
}

func reportUpgrade(result *config.UpgradeResult, bootstrap *logging.BootstrapLogger, verb string) {
	if len(result.MissingKeys) > 0 {
		bootstrap.Info("Missing keys that %s added from the template (%d): %s",
			verb, len(result.MissingKeys), strings.Join(result.MissingKeys, ", "))
	}
	if result.PreservedValues > 0 {
		bootstrap.Info("Existing values preserved: %d", result.PreservedValues)
	}
	if len(result.ExtraKeys) > 0 {
		bootstrap.Info("Custom keys preserved (not present in template) (%d): %s",
			len(result.ExtraKeys), strings.Join(result.ExtraKeys, ", "))
	}
}
