package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink stores rendered artifacts and returns where they went.
type Sink interface {
	Put(ctx context.Context, a Artifact) (location string, err error)
}

// =============================================================================
// DIRECTORY SINK
// =============================================================================

// DirSink writes artifacts into a local directory.
type DirSink struct {
	Dir string
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export dir %s: %w", dir, err)
	}
	return &DirSink{Dir: dir}, nil
}

func (d *DirSink) Put(ctx context.Context, a Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(d.Dir, filepath.Base(a.Name))
	if err := os.WriteFile(path, a.Body, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// =============================================================================
// S3 SINK - S3 or any S3-compatible store (R2, MinIO)
// =============================================================================

// S3Options configures an S3Sink.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // empty uses AWS
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string // optional; used for returned locations
}

// S3Sink uploads artifacts to a bucket.
type S3Sink struct {
	client  *s3.Client
	bucket  string
	prefix  string
	baseURL string
}

// NewS3Sink builds an S3 client from static credentials.
func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 sink: bucket required")
	}
	region := opts.Region
	if region == "" {
		region = "auto"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SinkFromClient(client, opts), nil
}

// NewS3SinkFromClient wraps an existing client.
func NewS3SinkFromClient(client *s3.Client, opts S3Options) *S3Sink {
	baseURL := opts.PublicBaseURL
	if baseURL == "" {
		baseURL = "s3://" + opts.Bucket
	}
	return &S3Sink{
		client:  client,
		bucket:  opts.Bucket,
		prefix:  strings.Trim(opts.Prefix, "/"),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Key is the object key for an artifact.
func (s *S3Sink) Key(a Artifact) string {
	if s.prefix == "" {
		return a.Name
	}
	return s.prefix + "/" + a.Name
}

func (s *S3Sink) Put(ctx context.Context, a Artifact) (string, error) {
	key := s.Key(a)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(a.Body),
		ContentType: aws.String(a.ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return fmt.Sprintf("%s/%s", s.baseURL, key), nil
}
