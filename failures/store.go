// Package failures records jobs whose latest attempt failed.
package failures

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"videoworker/models"

	pebble "github.com/cockroachdb/pebble"
)

// FailureRecord represents a failed conversion attempt
type FailureRecord struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	ExitCode  int64     `json:"exit_code"`
	Attempt   int       `json:"attempt"`
	JobData   string    `json:"job_data"` // JSON string of the job message
}

type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the failure store at dbPath
func Open(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open failure store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the failure store
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StoreFailure stores the result of a failed job, replacing earlier attempts
func (s *Store) StoreFailure(result models.JobResult) error {
	jobJSON, jsonErr := json.Marshal(result.Job)
	if jsonErr != nil {
		jobJSON = []byte(fmt.Sprintf("failed to marshal job data: %v", jsonErr))
	}

	record := FailureRecord{
		JobID:     result.JobID,
		Timestamp: result.CompletedAt,
		Error:     result.Error,
		ExitCode:  result.ExitCode,
		Attempt:   result.Attempt,
		JobData:   string(jobJSON),
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}
	return s.db.Set([]byte(result.JobID), data, pebble.Sync)
}

// GetFailure retrieves a failure record by job id, nil if there is none
func (s *Store) GetFailure(jobID string) (*FailureRecord, error) {
	data, closer, err := s.db.Get([]byte(jobID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get failure: %w", err)
	}
	defer closer.Close()

	var record FailureRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failure record: %w", err)
	}
	return &record, nil
}

// DeleteFailure removes a failure record
func (s *Store) DeleteFailure(jobID string) error {
	return s.db.Delete([]byte(jobID), pebble.Sync)
}

// ListFailures returns all failure records (for admin purposes)
func (s *Store) ListFailures() ([]FailureRecord, error) {
	var failures []FailureRecord
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var record FailureRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue // Skip invalid records
		}
		failures = append(failures, record)
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iteration error: %w", err)
	}
	return failures, nil
}

// CleanupOldRecords removes failure records older than maxAge
func (s *Store) CleanupOldRecords(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}

	var keysToDelete [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		var record FailureRecord
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

	for _, key := range keysToDelete {
		if err := s.db.Delete(key, pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to delete old failure record: %w", err)
		}
	}
	return len(keysToDelete), nil
}

// CheckHealth performs a basic health check on the failure database
func (s *Store) CheckHealth() error {
	_, closer, err := s.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}
