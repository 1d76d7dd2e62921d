package kv

import (
	"context"
	"fmt"
	"time"
)

// Claim atomically takes ownership of key for ttl. Exactly one concurrent
// caller gets true; the others see the existing claim.
func (s *Store) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key("claim", key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: claim %s: %w", key, err)
	}
	return ok, nil
}

// Extend resets the lifetime of a held claim to ttl.
func (s *Store) Extend(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, s.key("claim", key), ttl).Result()
	if err != nil {
		return fmt.Errorf("kv: extend %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("kv: extend %s: %w", key, ErrNotFound)
	}
	return nil
}

// Release drops a claim so a later delivery may retry.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key("claim", key)).Err(); err != nil {
		return fmt.Errorf("kv: release %s: %w", key, err)
	}
	return nil
}
