package writerbackends

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"videoworker/logger"
)

// LocalStore writes objects below a local directory which the admin HTTP
// server can serve directly. Each bucket is a subdirectory of BaseDir.
type LocalStore struct {
	BaseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{BaseDir: baseDir}
}

// Path returns the file an object is stored in.
func (l *LocalStore) Path(bucket, key string) (string, error) {
	if err := cleanBucket(bucket); err != nil {
		return "", err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.BaseDir, bucket, filepath.FromSlash(clean)), nil
}

func (l *LocalStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := cleanBucket(bucket); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(l.BaseDir, bucket))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s exists but is not a directory", bucket)
	}
	return true, nil
}

func (l *LocalStore) CreateBucket(ctx context.Context, bucket string) error {
	if err := cleanBucket(bucket); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(l.BaseDir, bucket), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	logger.Infof("Created bucket directory '%s' in '%s'", bucket, l.BaseDir)
	return nil
}

func (l *LocalStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	fullPath, err := l.Path(bucket, key)
	if err != nil {
		return err
	}

	// Ensure the target directory exists
	if err := os.MkdirAll(filepath.Dir(fullPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	// Create or truncate the target file
	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", fullPath, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, r); err != nil {
		return fmt.Errorf("failed to write to file %s: %w", fullPath, err)
	}

	logger.Debugf("Saved object '%s' to '%s'", key, fullPath)
	return nil
}

func (l *LocalStore) ListBuckets(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.BaseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (l *LocalStore) Close() error { return nil }
