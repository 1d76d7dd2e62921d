package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"iam-monitor/internal/schema"

	"github.com/redis/go-redis/v9"
)

// PutResult caches a remediation result under its event id.
func (s *Store) PutResult(ctx context.Context, res *schema.RemediationResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("kv: encode result: %w", err)
	}
	if err := s.client.Set(ctx, s.key("result", res.DetectionRef), body, s.cfg.ResultTTL).Err(); err != nil {
		return fmt.Errorf("kv: put result %s: %w", res.DetectionRef, err)
	}
	return nil
}

// GetResult returns the cached remediation result for eventID, or
// ErrNotFound.
func (s *Store) GetResult(ctx context.Context, eventID string) (*schema.RemediationResult, error) {
	body, err := s.client.Get(ctx, s.key("result", eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get result %s: %w", eventID, err)
	}
	var res schema.RemediationResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("kv: decode result %s: %w", eventID, err)
	}
	return &res, nil
}

// PutVerdict caches the aggregated risk of an event so a redelivery reuses
// it instead of scoring against history the event itself wrote.
func (s *Store) PutVerdict(ctx context.Context, risk *schema.AggregatedRisk) error {
	body, err := json.Marshal(risk)
	if err != nil {
		return fmt.Errorf("kv: encode verdict: %w", err)
	}
	if err := s.client.Set(ctx, s.key("verdict", risk.EventID), body, s.cfg.ResultTTL).Err(); err != nil {
		return fmt.Errorf("kv: put verdict %s: %w", risk.EventID, err)
	}
	return nil
}

// GetVerdict returns the cached aggregated risk for eventID, or nil when
// none is cached.
func (s *Store) GetVerdict(ctx context.Context, eventID string) (*schema.AggregatedRisk, error) {
	body, err := s.client.Get(ctx, s.key("verdict", eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get verdict %s: %w", eventID, err)
	}
	var risk schema.AggregatedRisk
	if err := json.Unmarshal(body, &risk); err != nil {
		return nil, fmt.Errorf("kv: decode verdict %s: %w", eventID, err)
	}
	return &risk, nil
}
