package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/tis24dev/snapkeep/internal/config"
	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/internal/rsync"
	"github.com/tis24dev/snapkeep/internal/space"
)

// TimeProvider abstracts time acquisition for determinism in tests.
type TimeProvider interface {
	Now() time.Time
}

// CommandRunner executes system commands (alias discovery, ACL stripping).
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// SyncRunner performs one copy pass into a snapshot.
type SyncRunner interface {
	Run(ctx context.Context, req rsync.Request) (rsync.Result, error)
	Version(ctx context.Context) (string, error)
	Binary() string
	Args(req rsync.Request) []string
}

// NotifyFunc installs the interrupt guard; it matches signal.NotifyContext.
type NotifyFunc func(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc)

// Deps groups optional orchestrator dependencies.
type Deps struct {
	Logger   *logging.Logger
	Config   *config.Config
	DryRun   bool
	Time     TimeProvider
	Command  CommandRunner
	Sync     SyncRunner
	StatFunc space.StatFunc
	Notify   NotifyFunc
	Hostname func() (string, error)
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func defaultDeps(logger *logging.Logger, cfg *config.Config) Deps {
	binary := ""
	if cfg != nil {
		binary = cfg.RsyncPath
	}
	return Deps{
		Logger:   logger,
		Config:   cfg,
		DryRun:   cfg != nil && cfg.DryRun,
		Time:     realTimeProvider{},
		Command:  osCommandRunner{},
		Sync:     rsync.NewRunner(binary, logger),
		Notify:   signal.NotifyContext,
		Hostname: os.Hostname,
	}
}

// merge fills every unset field of d from defaults.
func (d Deps) merge(defaults Deps) Deps {
	if d.Logger == nil {
		d.Logger = defaults.Logger
	}
	if d.Config == nil {
		d.Config = defaults.Config
	}
	if !d.DryRun {
		d.DryRun = defaults.DryRun
	}
	if d.Time == nil {
		d.Time = defaults.Time
	}
	if d.Command == nil {
		d.Command = defaults.Command
	}
	if d.Sync == nil {
		d.Sync = defaults.Sync
	}
	if d.StatFunc == nil {
		d.StatFunc = defaults.StatFunc
	}
	if d.Notify == nil {
		d.Notify = defaults.Notify
	}
	if d.Hostname == nil {
		d.Hostname = defaults.Hostname
	}
	return d
}
