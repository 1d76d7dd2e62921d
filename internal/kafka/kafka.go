// Package kafka carries audit events in and alerts out of the pipeline,
// with bounded redelivery and a dead-letter topic.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Header keys written on redelivered and dead-lettered messages.
const (
	HeaderDeliveryAttempt = "x-delivery-attempt"
	HeaderDeadLetterCause = "x-dlq-reason"
	HeaderOriginalTopic   = "x-original-topic"
	HeaderOriginalOffset  = "x-original-offset"
	HeaderFailedAt        = "x-failed-at"
)

// Config holds Kafka connection and delivery configuration.
type Config struct {
	Brokers         []string `yaml:"brokers" validate:"required,min=1"`
	Topic           string   `yaml:"topic" validate:"required"`
	ConsumerGroup   string   `yaml:"consumer_group" validate:"required"`
	DeadLetterTopic string   `yaml:"dead_letter_topic" validate:"required"`
	AlertTopic      string   `yaml:"alert_topic"`
	ClientID        string   `yaml:"client_id"`

	// CompressionType: none, gzip, snappy, lz4, zstd.
	CompressionType string `yaml:"compression_type"`

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string `yaml:"sasl_username,omitempty"`
	SASLPassword     string `yaml:"sasl_password,omitempty"` // secret reference

	TLSEnabled    bool   `yaml:"tls_enabled"`
	TLSCertFile   string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `yaml:"tls_key_file,omitempty"`
	TLSCAFile     string `yaml:"tls_ca_file,omitempty"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify,omitempty"`

	// Delivery: a message that keeps failing is redelivered with backoff
	// up to MaxDeliveryAttempts, then moved to DeadLetterTopic.
	Consumers           int           `yaml:"consumers" validate:"min=1"`
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts" validate:"min=1"`
	RedeliveryBackoff   time.Duration `yaml:"redelivery_backoff"`
	MaxRedeliveryDelay  time.Duration `yaml:"max_redelivery_delay"`
	ProcessTimeout      time.Duration `yaml:"process_timeout" validate:"required"`

	// Producer settings
	ProducerBatchSize    int           `yaml:"producer_batch_size"`
	ProducerBatchTimeout time.Duration `yaml:"producer_batch_timeout"`
	ProducerMaxRetries   int           `yaml:"producer_max_retries"`
	ProducerRetryBackoff time.Duration `yaml:"producer_retry_backoff"`
	RequiredAcks         int           `yaml:"required_acks"` // -1=all, 0=none, 1=leader

	// Consumer settings
	ConsumerMinBytes int           `yaml:"consumer_min_bytes"`
	ConsumerMaxBytes int           `yaml:"consumer_max_bytes"`
	ConsumerMaxWait  time.Duration `yaml:"consumer_max_wait"`
	StartOffset      int64         `yaml:"start_offset"` // -1=latest, -2=earliest
	SessionTimeout   time.Duration `yaml:"session_timeout"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:              []string{"localhost:9092"},
		Topic:                "iam-audit-events",
		ConsumerGroup:        "iam-monitor",
		DeadLetterTopic:      "iam-audit-events-dlq",
		AlertTopic:           "iam-alerts",
		ClientID:             "iam-monitor",
		CompressionType:      "zstd",
		SecurityProtocol:     "PLAINTEXT",
		Consumers:            4,
		MaxDeliveryAttempts:  5,
		RedeliveryBackoff:    time.Second,
		MaxRedeliveryDelay:   30 * time.Second,
		ProcessTimeout:       90 * time.Second,
		ProducerBatchSize:    100,
		ProducerBatchTimeout: 10 * time.Millisecond,
		ProducerMaxRetries:   3,
		ProducerRetryBackoff: 100 * time.Millisecond,
		RequiredAcks:         -1,
		ConsumerMinBytes:     1,
		ConsumerMaxBytes:     10 * 1024 * 1024,
		ConsumerMaxWait:      500 * time.Millisecond,
		StartOffset:          kafka.FirstOffset,
		SessionTimeout:       30 * time.Second,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         30 * time.Second,
	}
}

// Validate checks settings that struct tags cannot express.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" || c.DeadLetterTopic == "" {
		return errors.New("kafka: topic and dead_letter_topic are required")
	}
	if c.Topic == c.DeadLetterTopic {
		return errors.New("kafka: dead_letter_topic must differ from topic")
	}
	if c.MaxDeliveryAttempts < 1 {
		return errors.New("kafka: max_delivery_attempts must be at least 1")
	}

	switch c.SecurityProtocol {
	case "PLAINTEXT", "SSL":
	case "SASL_PLAINTEXT", "SASL_SSL":
		switch c.SASLMechanism {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("kafka: invalid SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("kafka: SASL username and password required for SASL authentication")
		}
	default:
		return fmt.Errorf("kafka: invalid security protocol: %s", c.SecurityProtocol)
	}

	return nil
}

// compression returns the kafka-go compression codec.
func (c *Config) compression() kafka.Compression {
	switch c.CompressionType {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// dialer returns a kafka.Dialer with TLS and SASL applied.
func (c *Config) dialer() (*kafka.Dialer, error) {
	d := &kafka.Dialer{
		ClientID:  c.ClientID,
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.TLSEnabled || c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL" {
		tlsConfig, err := c.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure TLS: %w", err)
		}
		d.TLS = tlsConfig
	}

	if c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL" {
		mechanism, err := c.saslMechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure SASL: %w", err)
		}
		d.SASLMechanism = mechanism
	}

	return d, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("TLS certificate verification is disabled for Kafka")
	}

	cfg := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func (c *Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}

// Metrics holds producer and consumer counters.
type Metrics struct {
	MessagesProduced int64 `json:"messages_produced"`
	MessagesConsumed int64 `json:"messages_consumed"`
	Redeliveries     int64 `json:"redeliveries"`
	DeadLettered     int64 `json:"dead_lettered"`
	Errors           int64 `json:"errors"`
}
