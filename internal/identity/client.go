// Package identity correlates cloud principals with identities in the
// governance system (SailPoint) and turns lifecycle events into identity
// risk signals and quarantine requests.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrIdentityNotFound is returned when no identity matches a lookup.
var ErrIdentityNotFound = errors.New("identity not found")

// ClientConfig configures the SailPoint API client. ClientSecret is
// already resolved from its secret reference.
type ClientConfig struct {
	BaseURL      string        `yaml:"base_url" validate:"required,url"`
	TokenURL     string        `yaml:"token_url" validate:"omitempty,url"`
	ClientID     string        `yaml:"client_id" validate:"required"`
	ClientSecret string        `yaml:"client_secret" validate:"required"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Identity is the subset of a SailPoint identity the correlator reads.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Alias  string `json:"alias"`
	Email  string `json:"emailAddress"`
	Status string `json:"identityStatus"`
}

// Client talks to the SailPoint v3 API with client-credentials tokens.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client. Tokens are fetched lazily and refreshed by
// the oauth2 transport.
func NewClient(ctx context.Context, cfg ClientConfig) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = base + "/oauth/token"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})
	hc := cc.Client(tokenCtx)
	hc.Timeout = timeout

	return &Client{baseURL: base, http: hc}
}

// FindIdentity returns the identity whose alias matches.
func (c *Client) FindIdentity(ctx context.Context, alias string) (*Identity, error) {
	q := url.Values{}
	q.Set("filters", fmt.Sprintf("alias eq %q", alias))
	q.Set("limit", "1")

	var out []Identity
	if err := c.get(ctx, "/v3/identities?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("alias %s: %w", alias, ErrIdentityNotFound)
	}
	return &out[0], nil
}

// RiskScore returns the identity's 0-100 risk score.
func (c *Client) RiskScore(ctx context.Context, identityID string) (float64, error) {
	var out struct {
		RiskScore float64 `json:"riskScore"`
	}
	if err := c.get(ctx, "/v3/identities/"+url.PathEscape(identityID)+"/risk-score", &out); err != nil {
		return 0, err
	}
	return out.RiskScore, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sailpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrIdentityNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sailpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode sailpoint response: %w", err)
	}
	return nil
}
