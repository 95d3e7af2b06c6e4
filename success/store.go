// Package success records completed conversions.
package success

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"videoworker/models"

	pebble "github.com/cockroachdb/pebble"
)

// SuccessRecord represents a successful job completion
type SuccessRecord struct {
	JobID         string    `json:"job_id"`
	Timestamp     time.Time `json:"timestamp"`
	JobData       string    `json:"job_data"`   // JSON string of the job message
	FileCount     int       `json:"file_count"` // Number of files published
	FailedFiles   []string  `json:"failed_files,omitempty"`
	PublishStatus string    `json:"publish_status"`
	DurationMs    int64     `json:"duration_ms"`
}

type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the success store at dbPath
func Open(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open success store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the success store
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StoreSuccess stores a successful job completion
func (s *Store) StoreSuccess(result models.JobResult) error {
	jobJSON, jsonErr := json.Marshal(result.Job)
	if jsonErr != nil {
		jobJSON = []byte(fmt.Sprintf("failed to marshal job data: %v", jsonErr))
	}

	record := SuccessRecord{
		JobID:         result.JobID,
		Timestamp:     result.CompletedAt,
		JobData:       string(jobJSON),
		FileCount:     result.FilesSucceeded,
		FailedFiles:   result.FailedFiles,
		PublishStatus: result.PublishStatus,
		DurationMs:    result.DurationMs,
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal success record: %w", err)
	}
	return s.db.Set([]byte(result.JobID), data, pebble.Sync)
}

// GetSuccess retrieves a success record by job id, nil if there is none
func (s *Store) GetSuccess(jobID string) (*SuccessRecord, error) {
	data, closer, err := s.db.Get([]byte(jobID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil // Not found is not an error
		}
		return nil, err
	}
	defer closer.Close()

	var record SuccessRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal success record: %w", err)
	}
	return &record, nil
}

// DeleteSuccess removes a success record
func (s *Store) DeleteSuccess(jobID string) error {
	return s.db.Delete([]byte(jobID), pebble.Sync)
}

// ListSuccessRecords returns all success records (for admin/debugging)
func (s *Store) ListSuccessRecords() ([]SuccessRecord, error) {
	var records []SuccessRecord
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var record SuccessRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue // Skip invalid records
		}
		records = append(records, record)
	}
	return records, iter.Error()
}

// CleanupOldRecords removes success records older than maxAge
func (s *Store) CleanupOldRecords(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}

	var keysToDelete [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		var record SuccessRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue
		}
		if record.Timestamp.Before(cutoff) {
			key := make([]byte, len(iter.Key()))
			copy(key, iter.Key())
			keysToDelete = append(keysToDelete, key)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	// Delete old records
	for _, key := range keysToDelete {
		if err := s.db.Delete(key, pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to delete old success record: %w", err)
		}
	}
	return len(keysToDelete), nil
}

// CheckHealth performs a basic health check on the success database
func (s *Store) CheckHealth() error {
	// Try a simple operation to verify database is accessible
	_, closer, err := s.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}
