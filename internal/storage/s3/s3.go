// Package s3 stores versioned blobs, such as trained baselines, in an S3
// bucket with all-or-nothing replacement of the final key.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("s3: object not found")

// Config holds S3 connection and behavior configuration.
type Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style"`

	// Static credentials; the default chain is used when unset. Values may
	// be secret references and are resolved before NewClient.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	// ServerSideEncryption is AES256 or aws:kms.
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"`
	KMSKeyID             string `yaml:"kms_key_id,omitempty"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Region:           "us-east-1",
		Bucket:           "iam-monitor-models",
		Prefix:           "baselines/",
		RetryMaxAttempts: 3,
		Timeout:          2 * time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	if c.Timeout <= 0 {
		return errors.New("s3: timeout must be positive")
	}
	return nil
}

// api is the subset of the S3 client used here.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Client is a blob store over one bucket and key prefix.
type Client struct {
	api    api
	config Config
	logger *slog.Logger

	bytesUploaded   atomic.Int64
	bytesDownloaded atomic.Int64
	errors          atomic.Int64
}

// NewClient creates a new S3 client.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("s3 blob store initialized", "bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	return newClient(client, cfg, logger), nil
}

func newClient(a api, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: a, config: cfg, logger: logger.With("component", "s3")}
}

func (c *Client) fullKey(key string) string {
	return c.config.Prefix + key
}

// Put replaces key with data. The body is first written to a temporary
// key, then copied onto the final key, so a reader sees either the old
// object or the complete new one.
func (c *Client) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	final := c.fullKey(key)
	tmp := final + ".tmp-" + uuid.NewString()

	put := &s3.PutObjectInput{
		Bucket:        aws.String(c.config.Bucket),
		Key:           aws.String(tmp),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/zstd"),
	}
	switch c.config.ServerSideEncryption {
	case "AES256":
		put.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		put.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.config.KMSKeyID != "" {
			put.SSEKMSKeyId = aws.String(c.config.KMSKeyID)
		}
	}
	if _, err := c.api.PutObject(ctx, put); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("s3: failed to upload %s: %w", tmp, err)
	}

	_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:               aws.String(c.config.Bucket),
		CopySource:           aws.String(c.config.Bucket + "/" + tmp),
		Key:                  aws.String(final),
		ServerSideEncryption: put.ServerSideEncryption,
		SSEKMSKeyId:          put.SSEKMSKeyId,
	})
	// The temp object is removed whether or not the copy landed.
	if _, derr := c.api.DeleteObject(context.WithoutCancel(ctx), &s3.DeleteObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(tmp),
	}); derr != nil {
		c.logger.Warn("failed to delete temporary object", "key", tmp, "error", derr)
	}
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("s3: failed to publish %s: %w", final, err)
	}

	c.bytesUploaded.Add(int64(len(data)))
	c.logger.Debug("stored object", "key", final, "size", len(data))
	return nil
}

// Get returns the object stored under key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(c.fullKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, c.fullKey(key))
		}
		c.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to download %s: %w", c.fullKey(key), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to read %s: %w", c.fullKey(key), err)
	}
	c.bytesDownloaded.Add(int64(len(data)))
	return data, nil
}

// Metrics contains S3 client metrics.
type Metrics struct {
	BytesUploaded   int64
	BytesDownloaded int64
	Errors          int64
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		BytesUploaded:   c.bytesUploaded.Load(),
		BytesDownloaded: c.bytesDownloaded.Load(),
		Errors:          c.errors.Load(),
	}
}

// HealthCheck verifies the bucket is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.config.Bucket)})
	if err != nil {
		return fmt.Errorf("s3: bucket %s unreachable: %w", c.config.Bucket, err)
	}
	return nil
}

// Location returns the s3:// URI for key.
func (c *Client) Location(key string) string {
	return "s3://" + c.config.Bucket + "/" + strings.TrimPrefix(c.fullKey(key), "/")
}
