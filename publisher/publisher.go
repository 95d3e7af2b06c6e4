// Package publisher copies a job's output directory into object storage.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"videoworker/logger"
	writerbackends "videoworker/writerBackends"
)

var ErrRootNotFound = errors.New("output directory does not exist")

type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
	StatusEmpty    Status = "empty"
)

// FileError records one file that could not be published.
type FileError struct {
	Path string
	Key  string
	Err  error
}

// Result summarizes a PublishTree call.
type Result struct {
	Attempted int
	Succeeded int
	Failures  []FileError
}

func (r Result) Status() Status {
	switch {
	case r.Attempted == 0:
		return StatusEmpty
	case r.Succeeded == r.Attempted:
		return StatusComplete
	case r.Succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// FailedKeys lists the keys of all failed files.
func (r Result) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		keys = append(keys, f.Key)
	}
	return keys
}

type Publisher struct {
	store writerbackends.ObjectStore
}

func New(store writerbackends.ObjectStore) *Publisher {
	return &Publisher{store: store}
}

// EnsureContainer creates bucket unless it already exists.
func (p *Publisher) EnsureContainer(ctx context.Context, bucket string) error {
	exists, err := p.store.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	logger.Infof("Bucket '%s' does not exist, creating it", bucket)
	return p.store.CreateBucket(ctx, bucket)
}

// PublishOne uploads localPath to bucket/key, replacing any existing object.
func (p *Publisher) PublishOne(ctx context.Context, bucket, key, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if err := p.store.PutObject(ctx, bucket, key, file, writerbackends.ContentType(key)); err != nil {
		return err
	}
	return nil
}

// PublishTree uploads every regular file below rootDir to bucket under
// keyPrefix/<relative path>. A failing file is recorded and the walk goes
// on; the call itself only fails when rootDir is missing or ctx is done.
func (p *Publisher) PublishTree(ctx context.Context, bucket, rootDir, keyPrefix string) (Result, error) {
	var res Result

	info, err := os.Stat(rootDir)
	if errors.Is(err, fs.ErrNotExist) {
		return res, fmt.Errorf("%w: %s", ErrRootNotFound, rootDir)
	}
	if err != nil {
		return res, fmt.Errorf("stat %s: %w", rootDir, err)
	}
	if !info.IsDir() {
		return res, fmt.Errorf("%s is not a directory", rootDir)
	}

	err = filepath.WalkDir(rootDir, func(filePath string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if walkErr != nil {
			// unreadable entry: note it and keep walking
			if filePath == rootDir {
				return walkErr
			}
			res.Attempted++
			res.Failures = append(res.Failures, FileError{Path: filePath, Err: walkErr})
			logger.Warnf("Skipping unreadable path %s: %v", filePath, walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(rootDir, filePath)
		if err != nil {
			return err
		}
		key := path.Join(keyPrefix, filepath.ToSlash(rel))

		res.Attempted++
		if err := p.PublishOne(ctx, bucket, key, filePath); err != nil {
			res.Failures = append(res.Failures, FileError{Path: filePath, Key: key, Err: err})
			logger.Errorf("Failed to publish %s as %s: %v", filePath, key, err)
			return nil
		}
		res.Succeeded++
		return nil
	})
	if err != nil {
		return res, err
	}

	logger.Infof("Published %d/%d files from %s to bucket '%s' (%s)",
		res.Succeeded, res.Attempted, rootDir, bucket, res.Status())
	return res, nil
}
