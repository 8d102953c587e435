package space

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tis24dev/snapkeep/internal/safefs"
)

func fixedStat(total, free uint64) StatFunc {
	return func(context.Context, string, time.Duration) (safefs.VolumeStats, error) {
		return safefs.VolumeStats{BlockSize: 4096, TotalBytes: total, FreeBytes: free}, nil
	}
}

func TestBudgetSatisfied(t *testing.T) {
	tests := []struct {
		name   string
		budget Budget
		cap    Capacity
		want   bool
	}{
		{"disabled", Budget{}, Capacity{FreeBytes: 0, FreePercent: 0}, true},
		{"bytes met", Budget{MinFreeBytes: 100}, Capacity{FreeBytes: 100, FreePercent: 1}, true},
		{"bytes short", Budget{MinFreeBytes: 100}, Capacity{FreeBytes: 99, FreePercent: 99}, false},
		{"percent met", Budget{MinFreePercent: 10}, Capacity{FreeBytes: 1, FreePercent: 10}, true},
		{"percent short", Budget{MinFreePercent: 10}, Capacity{FreeBytes: 1 << 40, FreePercent: 9.9}, false},
		{"both required", Budget{MinFreeBytes: 100, MinFreePercent: 10}, Capacity{FreeBytes: 200, FreePercent: 5}, false},
		{"both met", Budget{MinFreeBytes: 100, MinFreePercent: 10}, Capacity{FreeBytes: 200, FreePercent: 50}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.budget.Satisfied(tt.cap); got != tt.want {
				t.Errorf("Satisfied(%+v) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestFreeCapacityComputesPercent(t *testing.T) {
	g := NewGovernor("/dest", time.Second).WithStatFunc(fixedStat(1000, 250))

	c, err := g.FreeCapacity(context.Background())
	if err != nil {
		t.Fatalf("FreeCapacity: %v", err)
	}
	if c.FreeBytes != 250 || c.TotalBytes != 1000 {
		t.Errorf("unexpected capacity %+v", c)
	}
	if c.FreePercent != 25 {
		t.Errorf("FreePercent = %v, want 25", c.FreePercent)
	}
}

func TestFreeCapacityZeroTotal(t *testing.T) {
	g := NewGovernor("/dest", 0).WithStatFunc(fixedStat(0, 0))
	c, err := g.FreeCapacity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.FreePercent != 0 {
		t.Errorf("FreePercent = %v, want 0", c.FreePercent)
	}
}

func TestMeetsBudgetQueriesEveryCall(t *testing.T) {
	free := uint64(10)
	calls := 0
	g := NewGovernor("/dest", 0).WithStatFunc(func(context.Context, string, time.Duration) (safefs.VolumeStats, error) {
		calls++
		return safefs.VolumeStats{TotalBytes: 100, FreeBytes: free}, nil
	})
	budget := Budget{MinFreePercent: 20}

	ok, _, err := g.MeetsBudget(context.Background(), budget)
	if err != nil || ok {
		t.Fatalf("first MeetsBudget = %v, %v; want false, nil", ok, err)
	}
	free = 40
	ok, c, err := g.MeetsBudget(context.Background(), budget)
	if err != nil || !ok {
		t.Fatalf("second MeetsBudget = %v, %v; want true, nil", ok, err)
	}
	if c.FreeBytes != 40 {
		t.Errorf("capacity not refreshed: %+v", c)
	}
	if calls != 2 {
		t.Errorf("stat called %d times, want 2", calls)
	}
}

func TestFreeCapacityWrapsError(t *testing.T) {
	g := NewGovernor("/dest", time.Millisecond).WithStatFunc(func(context.Context, string, time.Duration) (safefs.VolumeStats, error) {
		return safefs.VolumeStats{}, &safefs.TimeoutError{Op: "statfs", Path: "/dest"}
	})
	_, err := g.FreeCapacity(context.Background())
	if !errors.Is(err, safefs.ErrTimeout) {
		t.Fatalf("err = %v; want wrapped ErrTimeout", err)
	}
}
