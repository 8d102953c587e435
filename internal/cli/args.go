package cli

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tis24dev/snapkeep/internal/types"
	"github.com/tis24dev/snapkeep/internal/version"
)

const (
	defaultConfigPath   = "./configs/snapkeep.env"
	configSourceDefault = "default path"
	configSourceEnv     = "specified via SNAPKEEP_CONFIG"
	configSourceFlag    = "specified via --config/-c flag"
)

var osExit = os.Exit

// Args holds the parsed command-line arguments
type Args struct {
	ConfigPath       string
	ConfigPathSource string
	LogLevel         types.LogLevel
	DryRun           bool
	Daemon           bool
	List             bool
	ShowVersion      bool
	ShowHelp         bool
	InitConfig       bool
	UpgradeConfig    bool
	UpgradeConfigDry bool

	// Overrides applied on top of the configuration file.
	Source      string
	Destination string
	Label       string
}

// Overrides returns the config keys set on the command line.
func (a *Args) Overrides() map[string]string {
	out := make(map[string]string)
	if a.Source != "" {
		out["SOURCE_PATH"] = a.Source
	}
	if a.Destination != "" {
		out["DESTINATION_PATH"] = a.Destination
	}
	if a.Label != "" {
		out["LABEL"] = a.Label
	}
	if a.DryRun {
		out["DRY_RUN"] = "true"
	}
	return out
}

// Parse parses command-line arguments and returns Args struct
func Parse() *Args {
	args := &Args{}

	configFlag := newStringFlag(defaultConfigPath)
	flag.Var(configFlag, "config", "Path to configuration file")
	flag.Var(configFlag, "c", "Path to configuration file (shorthand)")

	var logLevelStr string
	flag.StringVar(&logLevelStr, "log-level", "",
		"Log level (debug|info|warning|error|critical)")
	flag.StringVar(&logLevelStr, "l", "",
		"Log level (shorthand)")

	flag.BoolVar(&args.DryRun, "dry-run", false,
		"Plan the run: log what would be created and deleted without changing anything")
	flag.BoolVar(&args.DryRun, "n", false,
		"Perform a dry run (shorthand)")

	flag.BoolVar(&args.Daemon, "daemon", false,
		"Stay in the foreground and run a snapshot on every SCHEDULE tick")
	flag.BoolVar(&args.List, "list", false,
		"List the snapshot chain and exit")

	flag.StringVar(&args.Source, "source", "", "Override SOURCE_PATH")
	flag.StringVar(&args.Destination, "destination", "", "Override DESTINATION_PATH")
	flag.StringVar(&args.Label, "label", "", "Override LABEL recorded in the manifest")

	flag.BoolVar(&args.ShowVersion, "version", false,
		"Show version information")
	flag.BoolVar(&args.ShowVersion, "v", false,
		"Show version information (shorthand)")

	flag.BoolVar(&args.ShowHelp, "help", false,
		"Show help message")
	flag.BoolVar(&args.ShowHelp, "h", false,
		"Show help message (shorthand)")

	flag.BoolVar(&args.InitConfig, "init-config", false,
		"Write the default configuration template to the config path and exit")
	flag.BoolVar(&args.UpgradeConfig, "upgrade-config", false,
		"Upgrade configuration file using the embedded template (adds missing keys, preserves existing and custom keys)")
	flag.BoolVar(&args.UpgradeConfigDry, "upgrade-config-dry-run", false,
		"Plan configuration upgrade without modifying the file (reports missing and custom keys)")

	flag.Usage = func() {
		printHelp(os.Stderr, os.Args[0])
	}

	flag.Parse()

	args.ConfigPath = configFlag.value
	switch {
	case configFlag.set:
		args.ConfigPathSource = configSourceFlag
	case os.Getenv("SNAPKEEP_CONFIG") != "":
		args.ConfigPath = os.Getenv("SNAPKEEP_CONFIG")
		args.ConfigPathSource = configSourceEnv
	default:
		args.ConfigPathSource = configSourceDefault
	}

	if logLevelStr != "" {
		args.LogLevel = parseLogLevel(logLevelStr)
	} else {
		args.LogLevel = types.LogLevelNone // Will be overridden by config
	}

	return args
}

// parseLogLevel converts string to LogLevel; unknown values mean info.
func parseLogLevel(s string) types.LogLevel {
	level, _ := types.ParseLogLevel(s)
	return level
}

// ShowHelp displays help message and exits
func ShowHelp() {
	printHelp(os.Stderr, os.Args[0])
	osExit(0)
}

// ShowVersion displays version information and exits
func ShowVersion() {
	printVersion(os.Stdout)
	osExit(0)
}

func printHelp(w io.Writer, argv0 string) {
	fmt.Fprintf(w, "Usage: %s [options]\n\n", argv0)
	fmt.Fprintln(w, "snapkeep - incremental hard-link snapshots with free-space retention")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Options:")
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s -c /etc/snapkeep.env\n", argv0)
	fmt.Fprintf(w, "  %s --dry-run --log-level debug\n", argv0)
	fmt.Fprintf(w, "  %s --list\n", argv0)
	fmt.Fprintf(w, "  %s --daemon\n", argv0)
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "snapkeep")
	fmt.Fprintf(w, "Version: %s\n", version.Full())
}

type stringFlag struct {
	value string
	set   bool
}

func newStringFlag(defaultValue string) *stringFlag {
	return &stringFlag{value: defaultValue}
}

func (s *stringFlag) String() string {
	return s.value
}

func (s *stringFlag) Set(val string) error {
	s.value = val
	s.set = true
	return nil
}
