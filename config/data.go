package config

import (
	"os"
	"path/filepath"
)

// LedgerSettings locates the local Pebble databases the worker keeps.
type LedgerSettings struct {
	// DataDir is the directory where the worker stores its databases.
	// Defaults to "./data" relative to the working directory.
	DataDir string `mapstructure:"data_dir"`
}

// GetDataDir returns the data directory, creating it if needed.
func (l LedgerSettings) GetDataDir() (string, error) {
	dir := l.DataDir
	if dir == "" {
		dir = "./data"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// AttemptsDBPath returns the path to the delivery attempts database.
// It counts failed deliveries per message so poison messages can be dead-lettered.
// Path: {DATA_DIR}/attempts.db
func (l LedgerSettings) AttemptsDBPath() string {
	return filepath.Join(l.DataDir, "attempts.db")
}

// FailuresDBPath returns the path to the failures database.
// The failures database tracks jobs that failed processing.
// Path: {DATA_DIR}/failures.db
func (l LedgerSettings) FailuresDBPath() string {
	return filepath.Join(l.DataDir, "failures.db")
}

// SuccessDBPath returns the path to the success database.
// Path: {DATA_DIR}/success.db
func (l LedgerSettings) SuccessDBPath() string {
	return filepath.Join(l.DataDir, "success.db")
}
