// Package s3 provides a BlobStore backed by Amazon S3.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config captures the parameters required to connect to S3.
type Config struct {
	Bucket string
	Region string
}

// BlobStore writes granule archives to a configured S3 bucket.
type BlobStore struct {
	client s3API
	bucket string
}

// New creates an S3-backed blob store from the default credential chain.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(awsCfg), cfg)
}

// NewWithClient wires an existing client, mainly for tests.
func NewWithClient(client s3API, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Put uploads data to the configured bucket and returns an s3:// URI. The
// backend verifies contentMD5 on write, so a corrupt upload fails instead of
// landing.
func (s *BlobStore) Put(ctx context.Context, key string, contentMD5 string, body []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentMD5 != "" {
		in.ContentMD5 = aws.String(contentMD5)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
