package client

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"kyc-service/internal/config"
	"kyc-service/internal/util"
)

// S3Client stores manually uploaded KYC documents. Records retain only a
// time-limited signed URL, never the document bytes.
type S3Client struct {
	client  *s3.Client
	presign *s3.PresignClient
	config  *config.S3Config
}

func NewS3Client(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*S3Client, error) {
	s3Config := cfg.S3

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s3Config.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	util.Info("S3 client initialized",
		zap.String("bucket", s3Config.Bucket),
		zap.String("region", s3Config.Region),
		zap.Duration("signed_url_ttl", s3Config.SignedURLTTL),
	)

	return &S3Client{
		client:  client,
		presign: s3.NewPresignClient(client),
		config:  &s3Config,
	}, nil
}

// Upload writes an object with its content type and returns the full object
// key, including the configured key prefix.
func (s *S3Client) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if s.config.KeyPrefix != "" {
		key = strings.TrimSuffix(s.config.KeyPrefix, "/") + "/" + key
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object %s: %w", key, err)
	}

	util.Debug("Document uploaded",
		zap.String("key", key),
		zap.String("content_type", contentType),
		zap.Int("size", len(data)),
	)

	return key, nil
}

// SignedURL issues a time-limited GET URL for a stored object. The expiry is
// configurable (S3_SIGNED_URL_TTL); the default is seven days.
func (s *S3Client) SignedURL(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.config.SignedURLTTL))
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", key, err)
	}
	return req.URL, nil
}

// SignedURLTTL exposes the configured expiry for callers that report it.
func (s *S3Client) SignedURLTTL() time.Duration {
	return s.config.SignedURLTTL
}

func (s *S3Client) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 head bucket failed: %w", err)
	}
	return nil
}
