package writerbackends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"videoworker/config"
	"videoworker/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store talks to S3 or any S3 compatible server such as MinIO.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	region   string
}

// NewS3Store builds a client with static credentials. A custom endpoint is
// addressed path-style, which MinIO requires.
func NewS3Store(st config.StorageSettings) *S3Store {
	creds := credentials.NewStaticCredentialsProvider(st.AccessKey, st.SecretKey, "")

	opts := s3.Options{
		Region:      st.Region,
		Credentials: creds,
	}
	if st.Endpoint != "" {
		opts.BaseEndpoint = aws.String(endpointURL(st.Endpoint, st.UseSSL))
		opts.UsePathStyle = true
	}
	client := s3.New(opts)

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		region:   st.Region,
	}
}

func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func (s *S3Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchBucket") {
		return false, nil
	}
	return false, fmt.Errorf("head bucket %s: %w", bucket, err)
}

func (s *S3Store) CreateBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}

	_, err := s.client.CreateBucket(ctx, input)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	logger.Infof("Created bucket '%s'", bucket)
	return nil
}

func (s *S3Store) PutObject(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s to bucket %s: %w", key, bucket, err)
	}
	logger.Debugf("Uploaded object '%s' to bucket '%s'", key, bucket)
	return nil
}

func (s *S3Store) ListBuckets(ctx context.Context) ([]string, error) {
	out, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		names = append(names, aws.ToString(b.Name))
	}
	return names, nil
}

func (s *S3Store) Close() error { return nil }
