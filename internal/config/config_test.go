package config

import (
	"path/filepath"
	"testing"
)

func TestNewDefaultValidatesOnceMountAndDBSet(t *testing.T) {
	t.Parallel()

	c := NewDefault()
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error without mount point / db path")
	}

	c.Drive.MountPoint = "/mnt/drive"
	c.Drive.DBPath = "/var/lib/cloudmount/state.db"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsPartialThresholdBelowChunkSize(t *testing.T) {
	t.Parallel()

	c := NewDefault()
	c.Drive.MountPoint = "/mnt/drive"
	c.Drive.DBPath = "/tmp/x.db"
	c.Drive.PartialThreshold = c.Drive.ChunkSize - 1

	if err := c.Validate(); err == nil {
		t.Fatal("expected error when partial_threshold < chunk_size")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	c := NewDefault()
	c.Drive.MountPoint = "/mnt/drive"
	c.Drive.DBPath = "/tmp/x.db"
	c.Drive.AccountID = "user@example.com"

	if err := c.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Drive.AccountID != "user@example.com" {
		t.Errorf("AccountID = %q, want %q", loaded.Drive.AccountID, "user@example.com")
	}
	if loaded.Drive.ChunkSize != c.Drive.ChunkSize {
		t.Errorf("ChunkSize = %d, want %d", loaded.Drive.ChunkSize, c.Drive.ChunkSize)
	}
}

func TestIsBlacklistedAndIsTempFile(t *testing.T) {
	t.Parallel()

	c := NewDefault()
	if !c.Drive.IsBlacklisted("tracker-extract") {
		t.Error("tracker-extract should be blacklisted by default")
	}
	if c.Drive.IsBlacklisted("vim") {
		t.Error("vim should not be blacklisted")
	}
	if !c.Drive.IsTempFile(".~lock.report.docx#") {
		t.Error("LibreOffice lock file should match temp prefix")
	}
	if c.Drive.IsTempFile("report.docx") {
		t.Error("report.docx should not match a temp prefix")
	}
}
