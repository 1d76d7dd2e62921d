// Package config handles configuration loading for the IAM monitor.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"iam-monitor/internal/alerting"
	"iam-monitor/internal/anomaly"
	"iam-monitor/internal/detection"
	"iam-monitor/internal/identity"
	"iam-monitor/internal/kafka"
	"iam-monitor/internal/middleware"
	"iam-monitor/internal/remediation"
	"iam-monitor/internal/risk"
	"iam-monitor/internal/secrets"
	"iam-monitor/internal/storage"
	"iam-monitor/internal/storage/kv"
	"iam-monitor/internal/storage/s3"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when IAMMON_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server          ServerConfig                     `yaml:"server"`
	Logging         LoggingConfig                    `yaml:"logging"`
	Auth            middleware.AuthConfig            `yaml:"auth"`
	RateLimit       middleware.RateLimitConfig       `yaml:"rate_limit"`
	SecurityHeaders middleware.SecurityHeadersConfig `yaml:"security_headers"`
	Kafka           kafka.Config                     `yaml:"kafka"`
	Storage         StorageConfig                    `yaml:"storage"`
	Redis           RedisConfig                      `yaml:"redis"`
	AWS             AWSConfig                        `yaml:"aws"`
	Detection       detection.Config                 `yaml:"detection"`
	KeyCache        detection.KeyCacheConfig         `yaml:"key_cache"`
	GeoIP           GeoIPConfig                      `yaml:"geoip"`
	Anomaly         anomaly.Config                   `yaml:"anomaly"`
	BaselineStore   s3.Config                        `yaml:"baseline_store"`
	Risk            risk.Weights                     `yaml:"risk"`
	Remediation     remediation.Config               `yaml:"remediation"`
	Notifications   NotificationsConfig              `yaml:"notifications"`
	Identity        IdentityConfig                   `yaml:"identity"`
	Secrets         secrets.Config                   `yaml:"secrets"`
}

// ServerConfig holds the control API listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// StorageConfig holds ClickHouse settings. Without ClickHouse, detections
// are not persisted and remediation results live only in Redis.
type StorageConfig struct {
	Enabled    bool                      `yaml:"enabled"`
	ClickHouse storage.ClickHouseConfig  `yaml:"clickhouse" validate:"-"`
	Batch      storage.BatchWriterConfig `yaml:"batch"`
	Retention  storage.RetentionConfig   `yaml:"retention"`
}

// RedisConfig enables the shared state store. Disabled, a process-local
// memory store is used, which is only safe with a single instance.
type RedisConfig struct {
	Enabled   bool `yaml:"enabled"`
	kv.Config `yaml:",inline"`
}

// AWSConfig is used for the IAM and S3 clients of remediation and the key
// inventory.
type AWSConfig struct {
	Region          string `yaml:"region" validate:"required"`
	Endpoint        string `yaml:"endpoint,omitempty" validate:"omitempty,url"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// GeoIPConfig points at a MaxMind ASN database. Empty disables cloud
// hosting checks.
type GeoIPConfig struct {
	ASNDatabase string `yaml:"asn_database"`
}

// NotificationsConfig holds notifier settings and the enabled channels.
// URLs, keys and passwords are secret references.
type NotificationsConfig struct {
	alerting.Config `yaml:",inline"`

	Slack     SlackConfig     `yaml:"slack"`
	PagerDuty PagerDutyConfig `yaml:"pagerduty"`
	Email     EmailConfig     `yaml:"email"`
	Webhooks  []WebhookConfig `yaml:"webhooks" validate:"dive"`
	Kafka     bool            `yaml:"kafka"`
	Log       bool            `yaml:"log"`
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"required_if=Enabled true"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// PagerDutyConfig configures the PagerDuty channel.
type PagerDutyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	RoutingKey string `yaml:"routing_key" validate:"required_if=Enabled true"`
	URL        string `yaml:"url" validate:"omitempty,url"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Enabled              bool `yaml:"enabled"`
	alerting.EmailConfig `yaml:",inline" validate:"-"`
}

// WebhookConfig configures one generic webhook channel.
type WebhookConfig struct {
	Name    string            `yaml:"name" validate:"required"`
	URL     string            `yaml:"url" validate:"required"`
	Headers map[string]string `yaml:"headers"`
}

// IdentityConfig holds the identity governance integration.
type IdentityConfig struct {
	identity.Config `yaml:",inline"`

	Client        identity.ClientConfig `yaml:"client" validate:"-"`
	WebhookSecret string                `yaml:"webhook_secret"`
}

// DefaultConfig returns the default configuration. Remediation starts in
// dry-run mode.
func DefaultConfig() *Config {
	notify := NotificationsConfig{Config: alerting.DefaultConfig(), Log: true}
	notify.Email.Port = 587
	notify.Email.StartTLS = true

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Auth:            middleware.DefaultAuthConfig(),
		RateLimit:       middleware.DefaultRateLimitConfig(),
		SecurityHeaders: middleware.DefaultSecurityHeadersConfig(),
		Kafka:           kafka.DefaultConfig(),
		Storage: StorageConfig{
			ClickHouse: storage.DefaultClickHouseConfig(),
			Batch:      storage.DefaultBatchWriterConfig(),
			Retention:  storage.DefaultRetentionConfig(),
		},
		Redis:         RedisConfig{Enabled: true, Config: kv.DefaultConfig()},
		AWS:           AWSConfig{Region: "us-east-1"},
		Detection:     detection.DefaultConfig(),
		KeyCache:      detection.DefaultKeyCacheConfig(),
		Anomaly:       anomaly.DefaultConfig(),
		BaselineStore: s3.DefaultConfig(),
		Risk:          risk.DefaultWeights(),
		Remediation:   remediation.DefaultConfig(),
		Notifications: notify,
		Identity:      IdentityConfig{Config: identity.DefaultConfig()},
		Secrets:       secrets.DefaultConfig(),
	}
}

// Load reads the file named by IAMMON_CONFIG_PATH, or DefaultPath.
func Load() (*Config, error) {
	path := os.Getenv("IAMMON_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile layers the YAML file at path over DefaultConfig, then applies
// environment overrides and validates the result. A missing file means
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. The unprefixed
// names are kept for deployments of the previous monitor.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("IAMMON_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("IAMMON_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("IAMMON_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("IAMMON_API_KEY"); v != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, v)
		c.Auth.Enabled = true
	}

	if v := os.Getenv("IAMMON_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitAndTrim(v)
	}
	if v := os.Getenv("IAMMON_KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("IAMMON_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("IAMMON_CLICKHOUSE_HOSTS"); v != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(v)
	}
	if v := os.Getenv("IAMMON_AWS_REGION"); v != "" {
		c.AWS.Region = v
		c.BaselineStore.Region = v
	}
	if v := os.Getenv("IAMMON_BASELINE_BUCKET"); v != "" {
		c.BaselineStore.Bucket = v
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"IAMMON_STORAGE_ENABLED", &c.Storage.Enabled},
		{"IAMMON_REDIS_ENABLED", &c.Redis.Enabled},
		{"IAMMON_IDENTITY_ENABLED", &c.Identity.Enabled},
		{"IAMMON_RATELIMIT_ENABLED", &c.RateLimit.Enabled},
		{"IAMMON_REMEDIATION_ENABLED", &c.Remediation.Enabled},
		{"REMEDIATION_DRY_RUN", &c.Remediation.DryRun},
	}
	for _, b := range bools {
		v := os.Getenv(b.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", b.name, v, err)
		}
		*b.dst = parsed
	}

	if v := os.Getenv("ML_BASELINE_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ML_BASELINE_DAYS %q: %w", v, err)
		}
		c.Anomaly.WindowDays = days
	}

	if v := os.Getenv("WHITELISTED_PRINCIPALS"); v != "" {
		c.Detection.WhitelistedPrincipals = splitAndTrim(v)
		c.Remediation.Whitelist = splitAndTrim(v)
	}
	if v := os.Getenv("TRUSTED_ACCOUNTS"); v != "" {
		c.Detection.TrustedAccounts = splitAndTrim(v)
	}
	if v := os.Getenv("CICD_IP_RANGES"); v != "" {
		c.Detection.CICDIPRanges = splitAndTrim(v)
	}
	return nil
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks struct tags, then the cross-field rules tags cannot
// express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Enabled {
		if err := v.Struct(c.Storage.ClickHouse); err != nil {
			return fmt.Errorf("invalid config: storage.clickhouse: %w", err)
		}
	}
	if err := c.BaselineStore.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Notifications.Email.Enabled {
		if err := v.Struct(c.Notifications.Email.EmailConfig); err != nil {
			return fmt.Errorf("invalid config: notifications.email: %w", err)
		}
	}
	if c.Identity.Enabled {
		if err := v.Struct(c.Identity.Client); err != nil {
			return fmt.Errorf("invalid config: identity.client: %w", err)
		}
		if c.Identity.WebhookSecret == "" {
			return errors.New("invalid config: identity.webhook_secret is required when identity is enabled")
		}
	}

	if c.Detection.BusinessHourStart >= c.Detection.BusinessHourEnd {
		return fmt.Errorf("invalid config: business hours %d-%d are empty",
			c.Detection.BusinessHourStart, c.Detection.BusinessHourEnd)
	}
	for _, cidr := range c.Detection.CICDIPRanges {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid config: cicd_ip_ranges: %w", err)
		}
	}
	return nil
}

// SecretRefs returns pointers to every field holding a secret reference.
func (c *Config) SecretRefs() []*string {
	refs := []*string{
		&c.Kafka.SASLPassword,
		&c.Storage.ClickHouse.Password,
		&c.Redis.Password,
		&c.AWS.AccessKeyID,
		&c.AWS.SecretAccessKey,
		&c.BaselineStore.AccessKeyID,
		&c.BaselineStore.SecretAccessKey,
		&c.BaselineStore.SessionToken,
		&c.Notifications.Slack.WebhookURL,
		&c.Notifications.PagerDuty.RoutingKey,
		&c.Notifications.Email.Password,
		&c.Identity.Client.ClientID,
		&c.Identity.Client.ClientSecret,
		&c.Identity.WebhookSecret,
	}
	for i := range c.Auth.APIKeys {
		refs = append(refs, &c.Auth.APIKeys[i])
	}
	for i := range c.Notifications.Webhooks {
		refs = append(refs, &c.Notifications.Webhooks[i].URL)
	}
	return refs
}

// ResolveSecrets replaces every secret reference with its value.
func (c *Config) ResolveSecrets(ctx context.Context, m *secrets.Manager) error {
	if err := m.ResolveAll(ctx, c.SecretRefs()...); err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}
	return nil
}
