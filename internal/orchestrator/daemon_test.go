package orchestrator

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tis24dev/snapkeep/internal/logging"
	"github.com/tis24dev/snapkeep/internal/types"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"0 2 * * *", false},
		{"*/15 * * * *", false},
		{"@daily", false},
		{"@every 1h", false},
		{"", true},
		{"   ", true},
		{"0 2 * *", true},
		{"61 * * * *", true},
	}
	for _, tt := range tests {
		_, err := ParseSchedule(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
		}
	}

	sched, err := ParseSchedule("0 2 * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	if next := sched.Next(from); !next.Equal(time.Date(2026, 3, 2, 2, 0, 0, 0, time.Local)) {
		t.Errorf("Next = %v", next)
	}
}

func TestRunScheduledRunsPassAndStops(t *testing.T) {
	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var passes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- RunScheduled(ctx, "@every 1s", logger, func(context.Context) {
			passes.Add(1)
			cancel()
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunScheduled() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if passes.Load() != 1 {
		t.Fatalf("passes = %d, want 1", passes.Load())
	}
}

func TestRunScheduledRejectsBadSpec(t *testing.T) {
	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)
	if err := RunScheduled(context.Background(), "not a schedule", logger, func(context.Context) {}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
