package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFilesystemDetectorHardLinkProbeRejectsNonDirectory(t *testing.T) {
	detector := NewFilesystemDetector(newTestLogger())

	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if detector.testHardLinkSupport(context.Background(), file) {
		t.Fatalf("expected hard link probe to fail for non-directory path")
	}
}

func TestFilesystemDetectorHardLinkProbeSucceedsInTempDir(t *testing.T) {
	detector := NewFilesystemDetector(newTestLogger())
	dir := t.TempDir()
	if !detector.testHardLinkSupport(context.Background(), dir) {
		t.Fatalf("expected hard link probe to succeed in temp dir")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe left files behind: %v", entries)
	}
}

func TestDetectFilesystemClassifiesLookup(t *testing.T) {
	tests := []struct {
		fsType    string
		wantType  FilesystemType
		wantLinks bool
	}{
		{"apfs", FilesystemAPFS, true},
		{"ext4", FilesystemExt4, true},
		{"exfat", FilesystemExFAT, false},
		{"msdos", FilesystemFAT32, false},
	}

	for _, tt := range tests {
		t.Run(tt.fsType, func(t *testing.T) {
			detector := NewFilesystemDetector(newTestLogger())
			detector.lookup = func(string) (string, string, string, error) {
				return "/Volumes/Backup", tt.fsType, "/dev/disk4s1", nil
			}
			info, err := detector.DetectFilesystem(context.Background(), t.TempDir())
			if err != nil {
				t.Fatalf("DetectFilesystem: %v", err)
			}
			if info.Type != tt.wantType || info.SupportsHardLink != tt.wantLinks {
				t.Errorf("info = %+v; want type %s links %v", info, tt.wantType, tt.wantLinks)
			}
			if info.MountPoint != "/Volumes/Backup" {
				t.Errorf("MountPoint = %q", info.MountPoint)
			}
		})
	}
}

func TestDetectFilesystemUnknownFallsBackToProbe(t *testing.T) {
	detector := NewFilesystemDetector(newTestLogger())
	detector.lookup = func(string) (string, string, string, error) {
		return "", "", "", errors.New("boom")
	}
	info, err := detector.DetectFilesystem(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("DetectFilesystem: %v", err)
	}
	if info.Type != FilesystemUnknown || !info.SupportsHardLink {
		t.Errorf("info = %+v; want unknown type with probed hard link support", info)
	}
}

func TestDetectFilesystemMissingPath(t *testing.T) {
	detector := NewFilesystemDetector(newTestLogger())
	if _, err := detector.DetectFilesystem(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing path")
	}
}
