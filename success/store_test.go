package success

import (
	"path/filepath"
	"testing"
	"time"

	"videoworker/models"
)

func TestSuccessStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "success.db"))
	if err != nil {
		t.Fatalf("Failed to initialize success store: %v", err)
	}
	defer s.Close()

	result := models.JobResult{
		JobID:          "job-1",
		Status:         models.JobStatusCompleted,
		Job:            models.JobMessage{InputFile: "in.mp4", Preset: "hls"},
		PublishStatus:  "partial",
		FilesAttempted: 5,
		FilesSucceeded: 4,
		FailedFiles:    []string{"job-1/seg_003.ts"},
		DurationMs:     1500,
	}
	if err := s.StoreSuccess(result); err != nil {
		t.Fatalf("Failed to store success: %v", err)
	}

	record, err := s.GetSuccess("job-1")
	if err != nil {
		t.Fatalf("Failed to get success: %v", err)
	}
	if record == nil {
		t.Fatal("Expected success record, got nil")
	}
	if record.FileCount != 4 || record.PublishStatus != "partial" || len(record.FailedFiles) != 1 {
		t.Errorf("Unexpected record %+v", record)
	}

	if r, err := s.GetSuccess("missing"); err != nil || r != nil {
		t.Errorf("Expected nil record for missing job, got %+v (%v)", r, err)
	}

	records, err := s.ListSuccessRecords()
	if err != nil {
		t.Fatalf("Failed to list success records: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected 1 record, got %d", len(records))
	}

	if err := s.DeleteSuccess("job-1"); err != nil {
		t.Fatalf("Failed to delete success: %v", err)
	}
	if r, _ := s.GetSuccess("job-1"); r != nil {
		t.Error("Record should be deleted")
	}
}

func TestSuccessCleanup(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "success.db"))
	if err != nil {
		t.Fatalf("Failed to initialize success store: %v", err)
	}
	defer s.Close()

	s.StoreSuccess(models.JobResult{JobID: "old", CompletedAt: time.Now().Add(-72 * time.Hour)})
	s.StoreSuccess(models.JobResult{JobID: "new"})

	removed, err := s.CleanupOldRecords(24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	if err := s.CheckHealth(); err != nil {
		t.Errorf("Health check failed: %v", err)
	}
}
