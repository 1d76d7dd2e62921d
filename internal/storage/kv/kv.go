// Package kv holds the shared, short-lived state of the pipeline in Redis:
// idempotency claims, per-principal activity history and the remediation
// result cache.
package kv

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("kv: not found")

// Config holds the Redis connection settings and state retention.
type Config struct {
	Addr         string        `yaml:"addr" validate:"required"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"min=0"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`

	KeyPrefix string `yaml:"key_prefix"`

	// HistoryRetention bounds how far back activity is kept per principal.
	HistoryRetention time.Duration `yaml:"history_retention"`
	// HistoryMaxEntries caps the activity entries per principal.
	HistoryMaxEntries int `yaml:"history_max_entries" validate:"min=1"`
	// ResultTTL is how long remediation results stay cached.
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// DefaultConfig returns the default Redis configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              "localhost:6379",
		DialTimeout:       5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		PoolSize:          20,
		MinIdleConns:      2,
		MaxRetries:        3,
		KeyPrefix:         "iammon:",
		HistoryRetention:  30 * 24 * time.Hour,
		HistoryMaxEntries: 1000,
		ResultTTL:         7 * 24 * time.Hour,
	}
}

// Store implements the pipeline's shared state on Redis.
type Store struct {
	client *redis.Client
	cfg    Config
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	return joinKey(s.cfg.KeyPrefix, parts...)
}

func joinKey(prefix string, parts ...string) string {
	k := prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}
