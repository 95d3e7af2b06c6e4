package writerbackends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"videoworker/config"
	"videoworker/logger"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore publishes to Google Cloud Storage.
type GCSStore struct {
	client    *storage.Client
	projectID string
}

// NewGCSStore uses the service account file when configured and application
// default credentials otherwise.
func NewGCSStore(ctx context.Context, st config.StorageSettings) (*GCSStore, error) {
	var opts []option.ClientOption
	if st.GCS.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(st.GCS.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSStore{client: client, projectID: st.GCS.ProjectID}, nil
}

func (g *GCSStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := g.client.Bucket(bucket).Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bucket attrs %s: %w", bucket, err)
	}
	return true, nil
}

func (g *GCSStore) CreateBucket(ctx context.Context, bucket string) error {
	err := g.client.Bucket(bucket).Create(ctx, g.projectID, nil)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	logger.Infof("Created bucket '%s' in project '%s'", bucket, g.projectID)
	return nil
}

func (g *GCSStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	wc := g.client.Bucket(bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return fmt.Errorf("io.Copy: %w", err)
	}
	// the upload only completes on Close
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}
	logger.Debugf("Uploaded object '%s' to bucket '%s'", key, bucket)
	return nil
}

func (g *GCSStore) ListBuckets(ctx context.Context) ([]string, error) {
	var names []string
	it := g.client.Buckets(ctx, g.projectID)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list buckets: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}
