package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"iam-monitor/internal/api"
)

// apiClient calls the service control API.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newAPIClient(g *globals) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(g.server, "/"),
		apiKey: g.apiKey,
		http:   &http.Client{Timeout: g.timeout},
	}
}

// statusError is a non-2xx reply. Body holds the decoded payload when the
// server returned one alongside the error.
type statusError struct {
	Status int
	API    api.APIError
	Body   json.RawMessage
}

func (e *statusError) Error() string {
	if e.API.Code != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.Status, e.API.Code, e.API.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// do sends the request and decodes a 2xx body into out.
func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		se := &statusError{Status: resp.StatusCode, Body: body}
		_ = json.Unmarshal(body, &se.API)
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
