package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VaultConfig configures the Vault KV v2 provider.
type VaultConfig struct {
	Address string        `yaml:"address"`
	Token   string        `yaml:"token"` // itself an env:/file: reference
	Mount   string        `yaml:"mount"`
	Timeout time.Duration `yaml:"timeout"`
}

// VaultProvider reads KV v2 secrets. Keys take the form "path#field";
// without a field the "value" field is used.
type VaultProvider struct {
	address string
	token   string
	mount   string
	client  *http.Client
}

// NewVaultProvider creates the provider and checks Vault health.
func NewVaultProvider(ctx context.Context, cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	token := cfg.Token
	if scheme, key := ParseSecretRef(token); scheme == "env" || scheme == "file" {
		var p Provider = NewEnvProvider("")
		if scheme == "file" {
			p = NewFileProvider("/")
		}
		v, err := p.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("vault token: %w", err)
		}
		token = v
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}

	vp := &VaultProvider{
		address: strings.TrimSuffix(cfg.Address, "/"),
		token:   token,
		mount:   mount,
		client:  &http.Client{Timeout: cfg.Timeout},
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := vp.HealthCheck(hctx); err != nil {
		return nil, err
	}
	return vp, nil
}

// Name returns "vault".
func (v *VaultProvider) Name() string { return "vault" }

// Get reads path#field from the KV v2 mount.
func (v *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	path, field, _ := strings.Cut(key, "#")
	if field == "" {
		field = "value"
	}

	url := fmt.Sprintf("%s/v1/%s/data/%s", v.address, v.mount, strings.TrimPrefix(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrSecretNotFound
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("vault returned status %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode vault response: %w", err)
	}
	s, ok := body.Data.Data[field].(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q", ErrSecretNotFound, field)
	}
	return s, nil
}

// HealthCheck accepts active and standby states.
func (v *VaultProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+"/v1/sys/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 200, 429, 472, 473:
		return nil
	}
	return fmt.Errorf("vault unhealthy: status %d", resp.StatusCode)
}

// Close releases idle connections.
func (v *VaultProvider) Close() error {
	v.client.CloseIdleConnections()
	return nil
}
