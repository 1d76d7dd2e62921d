// Package secrets resolves credential references such as "env:SLACK_WEBHOOK"
// or "vault:iam-monitor/pagerduty#routing_key" for channels and the IGA
// connector. Resolved values are cached briefly and never logged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	// ErrSecretNotFound is returned when the provider has no such secret.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrUnknownProvider is returned for references naming an unconfigured provider.
	ErrUnknownProvider = errors.New("secret provider not configured")
)

// Provider resolves keys within one backend.
type Provider interface {
	// Name is the reference scheme the provider answers to.
	Name() string
	Get(ctx context.Context, key string) (string, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Config selects the enabled providers.
type Config struct {
	FileBaseDir string        `yaml:"file_base_dir"`
	EnvPrefix   string        `yaml:"env_prefix"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CacheSize   int           `yaml:"cache_size"`

	Vault VaultConfig `yaml:"vault"`
}

// DefaultConfig enables env and file providers; Vault stays off until an
// address is configured.
func DefaultConfig() Config {
	return Config{
		FileBaseDir: "/etc/iam-monitor/secrets",
		EnvPrefix:   "IAMMON_",
		CacheTTL:    5 * time.Minute,
		CacheSize:   256,
		Vault: VaultConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Manager routes a reference to the provider named by its scheme.
type Manager struct {
	providers map[string]Provider
	cache     *expirable.LRU[string, string]
	logger    *slog.Logger
}

// NewManager builds the configured providers. A Vault provider that fails
// its health check is skipped with a warning.
func NewManager(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := newManager(cfg, logger,
		NewEnvProvider(cfg.EnvPrefix),
		NewFileProvider(cfg.FileBaseDir),
	)

	if cfg.Vault.Address != "" {
		vp, err := NewVaultProvider(ctx, cfg.Vault)
		if err != nil {
			logger.Warn("vault provider unavailable, vault: references will fail", "error", err)
		} else {
			m.providers[vp.Name()] = vp
			logger.Info("vault secret provider initialized", "address", cfg.Vault.Address)
		}
	}
	return m, nil
}

func newManager(cfg Config, logger *slog.Logger, providers ...Provider) *Manager {
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	m := &Manager{
		providers: make(map[string]Provider, len(providers)),
		cache:     expirable.NewLRU[string, string](size, nil, cfg.CacheTTL),
		logger:    logger,
	}
	for _, p := range providers {
		m.providers[p.Name()] = p
	}
	return m
}

// ParseSecretRef splits "scheme:key". A string without a known scheme is a
// literal value.
func ParseSecretRef(ref string) (provider, key string) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "literal", ref
	}
	switch scheme {
	case "env", "file", "vault":
		return scheme, rest
	}
	// URLs and other colon-bearing literals
	return "literal", ref
}

// Resolve returns the value behind ref. Empty refs resolve to "".
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	scheme, key := ParseSecretRef(ref)
	if scheme == "literal" {
		return key, nil
	}

	if v, ok := m.cache.Get(ref); ok {
		return v, nil
	}

	p, ok := m.providers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, scheme)
	}
	v, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve %s secret %q: %w", scheme, key, err)
	}
	m.cache.Add(ref, v)
	m.logger.Debug("secret resolved", "provider", scheme, "key", key)
	return v, nil
}

// ResolveAll resolves every ref in place and stops at the first failure.
func (m *Manager) ResolveAll(ctx context.Context, refs ...*string) error {
	for _, r := range refs {
		if r == nil {
			continue
		}
		v, err := m.Resolve(ctx, *r)
		if err != nil {
			return err
		}
		*r = v
	}
	return nil
}

// Invalidate drops cached values so the next Resolve hits the provider.
func (m *Manager) Invalidate() {
	m.cache.Purge()
}

// HealthCheck checks every provider.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var errs []error
	for name, p := range m.providers {
		if err := p.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every provider and clears the cache.
func (m *Manager) Close() error {
	m.cache.Purge()
	var errs []error
	for name, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
