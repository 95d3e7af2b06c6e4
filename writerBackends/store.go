// Package writerbackends holds the object storage backends artifacts are
// published to. Every backend exposes the same bucket/key model: for SFTP and
// the local filesystem a bucket is a directory under the configured base.
package writerbackends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"videoworker/config"
)

var ErrInvalidKey = errors.New("invalid object key")

// ObjectStore is the storage capability set the publisher consumes.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket string) error
	// PutObject stores r under key, replacing any existing object.
	PutObject(ctx context.Context, bucket, key string, r io.Reader, contentType string) error
	ListBuckets(ctx context.Context) ([]string, error)
	Close() error
}

// New builds the backend selected by settings.Backend.
func New(ctx context.Context, settings config.StorageSettings) (ObjectStore, error) {
	switch settings.Backend {
	case "s3":
		return NewS3Store(settings), nil
	case "gcs":
		store, err := NewGCSStore(ctx, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS store: %w", err)
		}
		return store, nil
	case "sftp":
		store, err := NewSFTPStore(settings.SFTP)
		if err != nil {
			return nil, fmt.Errorf("failed to create SFTP store: %w", err)
		}
		return store, nil
	case "local":
		return NewLocalStore(settings.Local.BaseDir), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", settings.Backend)
	}
}

// streaming formats the converter emits, which the system mime table may lack
var streamingTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".mpd":  "application/dash+xml",
	".ts":   "video/mp2t",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".vtt":  "text/vtt",
}

// ContentType guesses the MIME type of an object from its key.
func ContentType(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ct, ok := streamingTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// cleanKey normalizes a slash separated key and rejects keys that would
// leave the bucket on path based backends.
func cleanKey(key string) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return clean, nil
}

// cleanBucket rejects bucket names that are not a single path segment.
func cleanBucket(bucket string) error {
	if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	return nil
}
