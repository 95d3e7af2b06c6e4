package taskqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const attemptPrefix = "attempt:"

// AttemptCounter tracks failed deliveries per message across redeliveries.
type AttemptCounter interface {
	Get(key string) (int, error)
	Increment(key string) (int, error)
	Clear(key string) error
}

type attemptRecord struct {
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttemptLedger is a pebble backed AttemptCounter. It survives restarts so a
// poison message cannot reset its count by crashing the worker.
type AttemptLedger struct {
	db       *pebble.DB
	dataFile string
	mu       sync.Mutex
}

// OpenAttempts opens (or creates) the ledger at dataFile.
func OpenAttempts(dataFile string) (*AttemptLedger, error) {
	db, err := pebble.Open(dataFile, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open attempts db %s: %w", dataFile, err)
	}
	return &AttemptLedger{db: db, dataFile: dataFile}, nil
}

func (l *AttemptLedger) get(key string) (attemptRecord, error) {
	var rec attemptRecord
	value, closer, err := l.db.Get([]byte(attemptPrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	defer closer.Close()
	if err := json.Unmarshal(value, &rec); err != nil {
		return rec, fmt.Errorf("corrupt attempt record %s: %w", key, err)
	}
	return rec, nil
}

// Get returns the failed attempts recorded for key.
func (l *AttemptLedger) Get(key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.get(key)
	return rec.Count, err
}

// Increment adds one failed attempt and returns the new count.
func (l *AttemptLedger) Increment(key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(key)
	if err != nil {
		return 0, err
	}
	rec.Count++
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	if err := l.db.Set([]byte(attemptPrefix+key), data, pebble.Sync); err != nil {
		return 0, err
	}
	return rec.Count, nil
}

// Clear forgets key.
func (l *AttemptLedger) Clear(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Delete([]byte(attemptPrefix+key), pebble.Sync)
}

// CleanupOlderThan drops counters untouched for maxAge, e.g. for messages that
// were purged from the broker by hand. Returns the number removed.
func (l *AttemptLedger) CleanupOlderThan(maxAge time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(attemptPrefix),
		UpperBound: []byte(attemptPrefix + "\xff"),
	})
	if err != nil {
		return 0, err
	}

	var stale []string
	for iter.First(); iter.Valid(); iter.Next() {
		var rec attemptRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil || rec.UpdatedAt.Before(cutoff) {
			stale = append(stale, string(iter.Key()))
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	for _, k := range stale {
		if err := l.db.Delete([]byte(k), pebble.Sync); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// CheckHealth verifies the ledger can be read.
func (l *AttemptLedger) CheckHealth() error {
	_, closer, err := l.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("attempts database health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}

// Close closes the underlying DB.
func (l *AttemptLedger) Close() error {
	return l.db.Close()
}
