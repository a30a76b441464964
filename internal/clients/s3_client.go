/**
 * S3 Client for Face Detection Worker
 *
 * Fetches input images referenced as s3://bucket/key. Works against AWS and
 * S3-compatible stores (MinIO) when an endpoint is configured.
 */

package clients

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/adverant/nexus/facedetect-worker/internal/errors"
	"github.com/adverant/nexus/facedetect-worker/internal/logging"
)

// S3Config holds connection settings. Empty credentials use the default
// AWS credential chain.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// S3Client downloads objects into memory
type S3Client struct {
	client     *s3.S3
	downloader *s3manager.Downloader
	logger     *logging.Logger
}

// NewS3Client creates a new S3 client
func NewS3Client(cfg S3Config) (*S3Client, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	client := s3.New(sess)
	return &S3Client{
		client:     client,
		downloader: s3manager.NewDownloaderWithClient(client),
		logger:     logging.NewLogger("s3-client"),
	}, nil
}

// ParseS3URL splits s3://bucket/key into bucket and key
func ParseS3URL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URL %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3:// URL: %s", raw)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("S3 URL must be s3://bucket/key, got %s", raw)
	}

	return u.Host, key, nil
}

// Download fetches an s3:// object. Objects larger than maxSize are rejected
// before any body is transferred; maxSize <= 0 disables the check.
func (c *S3Client) Download(ctx context.Context, rawURL string, maxSize int64) ([]byte, error) {
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	head, err := c.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("object %s does not exist: %w", rawURL, err)
	}

	size := aws.Int64Value(head.ContentLength)
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("object %s is %d bytes: %w of %d", rawURL, size, errors.ErrFileTooLarge, maxSize)
	}

	buf := aws.NewWriteAtBuffer(make([]byte, 0, size))
	n, err := c.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}

	c.logger.Debug("Downloaded object from S3", "bucket", bucket, "key", key, "bytes", n)
	return buf.Bytes(), nil
}
