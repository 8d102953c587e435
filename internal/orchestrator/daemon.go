package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tis24dev/snapkeep/internal/logging"
)

// PassFunc runs one scheduled snapshot pass.
type PassFunc func(ctx context.Context)

// cronLogger routes scheduler messages into the run logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("scheduler: %s%s", msg, formatKV(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("scheduler: %s%s: %v", msg, formatKV(keysAndValues), err)
}

func formatKV(kv []interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

// ParseSchedule parses a standard 5-field cron spec or a descriptor such
// as @daily.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("SCHEDULE is empty")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULE %q: %w", spec, err)
	}
	return schedule, nil
}

// RunScheduled calls pass on every tick of spec until ctx is done, then
// waits for an in-flight pass to return. A tick that fires while a pass is
// still running is skipped.
func RunScheduled(ctx context.Context, spec string, logger *logging.Logger, pass PassFunc) error {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return err
	}

	clog := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		pass(ctx)
		logger.Info("Next snapshot at %s", schedule.Next(time.Now()).Format(time.RFC3339))
	}))

	c.Start()
	logger.Info("Daemon started (schedule %q), first snapshot at %s", spec, schedule.Next(time.Now()).Format(time.RFC3339))

	<-ctx.Done()
	logger.Info("Stopping scheduler, waiting for the running pass to finish")
	<-c.Stop().Done()
	logger.Info("Scheduler stopped")
	return nil
}
