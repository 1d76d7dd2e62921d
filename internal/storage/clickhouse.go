// Package storage persists detections, remediation outcomes and
// dead-lettered events in ClickHouse.
package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds the ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts" validate:"required,min=1"`
	Database        string        `yaml:"database" validate:"required,alphanum"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"` // secret reference
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	Debug           bool          `yaml:"debug"`
}

// DefaultClickHouseConfig returns the default ClickHouse configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "iammonitor",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// ClickHouseClient wraps the native ClickHouse connection.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
}

// NewClickHouseClient opens a connection and pings the server.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseClient, error) {
	conn, err := clickhouse.Open(connOptions(cfg))
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pctx); err != nil {
		conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	return &ClickHouseClient{conn: conn, database: cfg.Database}, nil
}

// connOptions maps the configuration onto driver options. Stored rows carry
// JSON blobs, so the wire is always zstd compressed.
func connOptions(cfg ClickHouseConfig) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression:      &clickhouse.Compression{Method: clickhouse.CompressionZSTD},
		DialTimeout:      cfg.DialTimeout,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  cfg.ConnMaxLifetime,
		ConnOpenStrategy: clickhouse.ConnOpenRoundRobin,
		Debug:            cfg.Debug,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Close closes the connection.
func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Ping checks the connection.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Exec executes a statement without returning rows.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// Query executes a query and returns rows.
func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// PrepareBatch prepares a batch insert.
func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// Database returns the database name.
func (c *ClickHouseClient) Database() string {
	return c.database
}

// sanitizeIdentifier keeps only characters safe in an unquoted identifier.
func sanitizeIdentifier(name string) string {
	out := make([]byte, 0, len(name))
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_' {
			out = append(out, b)
		}
	}
	return string(out)
}
