package remediation

import (
	"context"
	"time"
)

// RetryConfig bounds the retry loop of one action.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1,max=10"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"min=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"min=0"`
	Multiplier     float64       `yaml:"multiplier" validate:"min=1"`
}

// DefaultRetryConfig retries three times: 500ms, then 1s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

// backoff returns the wait before attempt n+1, n counted from 1.
func (c RetryConfig) backoff(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= c.Multiplier
		if time.Duration(d) >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return min(time.Duration(d), c.MaxBackoff)
}

// retry runs fn until it succeeds, fails permanently, exhausts the
// attempts or ctx ends. It returns the attempt count and the last error.
func retry(ctx context.Context, cfg RetryConfig, attemptTimeout time.Duration, fn func(context.Context) error) (int, error) {
	var err error
	for n := 1; ; n++ {
		actx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err = fn(actx)
		cancel()
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if !IsTransient(err) || n >= cfg.MaxAttempts {
			return n, err
		}

		timer := time.NewTimer(cfg.backoff(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return n, ctx.Err()
		case <-timer.C:
		}
	}
}
