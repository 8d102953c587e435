package safefs

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestStat_ReturnsTimeoutError(t *testing.T) {
	prev := osStat
	defer func() { osStat = prev }()

	osStat = func(string) (os.FileInfo, error) {
		select {}
	}

	start := time.Now()
	_, err := Stat(context.Background(), "/does/not/matter", 25*time.Millisecond)
	if err == nil || !errors.Is(err, ErrTimeout) {
		t.Fatalf("Stat err = %v; want timeout", err)
	}
	if time.Since(start) > 250*time.Millisecond {
		t.Fatalf("Stat took too long: %s", time.Since(start))
	}
}

func TestReadDir_ReturnsTimeoutError(t *testing.T) {
	prev := osReadDir
	defer func() { osReadDir = prev }()

	osReadDir = func(string) ([]os.DirEntry, error) {
		select {}
	}

	_, err := ReadDir(context.Background(), "/does/not/matter", 25*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) || te.Op != "readdir" {
		t.Fatalf("ReadDir err = %v; want *TimeoutError for readdir", err)
	}
}

func TestStatfs_ReturnsTimeoutError(t *testing.T) {
	prev := unixStatfs
	defer func() { unixStatfs = prev }()

	unixStatfs = func(string, *unix.Statfs_t) error {
		select {}
	}

	start := time.Now()
	_, err := Statfs(context.Background(), "/Volumes/Backup", 25*time.Millisecond)
	if err == nil || !errors.Is(err, ErrTimeout) {
		t.Fatalf("Statfs err = %v; want timeout", err)
	}
	if time.Since(start) > 250*time.Millisecond {
		t.Fatalf("Statfs took too long: %s", time.Since(start))
	}
}

func TestStatfs_ConvertsBlocksToBytes(t *testing.T) {
	prev := unixStatfs
	defer func() { unixStatfs = prev }()

	unixStatfs = func(_ string, st *unix.Statfs_t) error {
		st.Bsize = 4096
		st.Blocks = 1000
		st.Bavail = 250
		st.Bfree = 300
		return nil
	}

	stats, err := Statfs(context.Background(), "/dest", time.Second)
	if err != nil {
		t.Fatalf("Statfs: %v", err)
	}
	if stats.TotalBytes != 4096*1000 {
		t.Errorf("TotalBytes = %d", stats.TotalBytes)
	}
	if stats.FreeBytes != 4096*250 {
		t.Errorf("FreeBytes = %d; want Bavail-based value", stats.FreeBytes)
	}
}

func TestStatfs_RealDirectory(t *testing.T) {
	stats, err := Statfs(context.Background(), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Statfs: %v", err)
	}
	if stats.TotalBytes == 0 || stats.FreeBytes > stats.TotalBytes {
		t.Errorf("implausible stats %+v", stats)
	}
}

func TestStat_PropagatesContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Stat(ctx, "/does/not/matter", 50*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Stat err = %v; want context.Canceled", err)
	}
}
