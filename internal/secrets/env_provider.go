package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an env provider. Keys are tried as given first,
// then normalized with prefix.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name returns "env".
func (e *EnvProvider) Name() string { return "env" }

// Get looks the key up verbatim, then in prefixed upper-snake form.
func (e *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	if v := os.Getenv(normalizeEnvKey(e.prefix, key)); v != "" {
		return v, nil
	}
	return "", ErrSecretNotFound
}

// HealthCheck always succeeds.
func (e *EnvProvider) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (e *EnvProvider) Close() error { return nil }

// normalizeEnvKey turns "slack.webhook-url" into "IAMMON_SLACK_WEBHOOK_URL".
func normalizeEnvKey(prefix, key string) string {
	normalized := strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(strings.ToUpper(key))
	if prefix != "" && !strings.HasPrefix(normalized, prefix) {
		normalized = prefix + normalized
	}
	return normalized
}
