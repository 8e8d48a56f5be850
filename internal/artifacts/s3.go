package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store persists artifacts in S3 or any S3-compatible store such as MinIO.
type S3Store struct {
	client     *s3.Client
	bucket     string
	pathPrefix string
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g., "minio.internal:9000").
	// Leave empty for AWS S3.
	Endpoint string

	// Bucket name
	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS (default: false for internal MinIO)
	UseSSL bool

	// PathPrefix is prepended to all artifact keys
	PathPrefix string
}

// NewS3Store creates an S3-backed artifact store.
func NewS3Store(cfg *S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1" // Default region for MinIO
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"", // session token (not used for MinIO)
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)

		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3Store{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

func (s *S3Store) fullPath(path string) string {
	if s.pathPrefix == "" {
		return path
	}
	return s.pathPrefix + "/" + path
}

// Put uploads data and returns an s3:// content reference.
func (s *S3Store) Put(ctx context.Context, path string, data io.Reader, contentType string) (string, error) {
	key := s.fullPath(path)

	content, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read data: %w", err)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get retrieves the content behind an s3:// reference.
func (s *S3Store) Get(ctx context.Context, contentRef string) (io.ReadCloser, error) {
	key := s.extractKey(contentRef)

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}

	return result.Body, nil
}

// extractKey extracts the S3 key from a content reference.
func (s *S3Store) extractKey(uri string) string {
	// URI format: s3://bucket/key
	uri = strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(uri, "/", 2)
	if len(parts) < 2 {
		return uri
	}
	return parts[1]
}
