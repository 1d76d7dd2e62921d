// Package middleware provides HTTP middleware for the control API.
package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds requests per client IP.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip" validate:"min=0"`
	BurstSize     int           `yaml:"burst_size" validate:"min=0"`
	WindowSize    time.Duration `yaml:"window_size" validate:"min=0"`
	CleanupPeriod time.Duration `yaml:"cleanup_period" validate:"min=0"`
	TrustProxy    bool          `yaml:"trust_proxy"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
}

// DefaultRateLimitConfig allows 600 requests per minute per IP. Health and
// metrics scrapes are exempt.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 600,
		BurstSize:     60,
		WindowSize:    time.Minute,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/healthz", "/metrics"},
	}
}

// RateLimiter is a fixed window counter per client IP.
type RateLimiter struct {
	cfg         RateLimitConfig
	mu          sync.Mutex
	clients     map[string]*clientState
	exemptPaths map[string]bool
	stop        chan struct{}
	stopOnce    sync.Once
	logger      *slog.Logger
}

type clientState struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop. Call Stop
// to end it.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * cfg.WindowSize
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	rl := &RateLimiter{
		cfg:         cfg,
		clients:     make(map[string]*clientState),
		exemptPaths: exempt,
		stop:        make(chan struct{}),
		logger:      logger,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow counts one request from ip and reports whether it is within the
// limit, the requests left and when the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok || now.After(c.windowEnd) {
		c = &clientState{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = c
	}

	limit := rl.cfg.RequestsPerIP + rl.cfg.BurstSize
	if c.count >= limit {
		return false, 0, c.windowEnd
	}
	c.count++
	return true, limit - c.count, c.windowEnd
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.cfg.WindowSize)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, c := range rl.clients {
		if c.windowEnd.Before(cutoff) {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Tracked returns the number of client IPs currently tracked.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware applies the limiter. Rejected requests get 429 with
// Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || rl.exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r, rl.cfg.TrustProxy)
		allowed, remaining, reset := rl.Allow(ip)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.cfg.RequestsPerIP+rl.cfg.BurstSize))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

		if !allowed {
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)
			retryAfter := int(time.Until(reset).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"code":"RATE_LIMITED","message":"too many requests","retry_after":%d}`, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the caller address. Behind a trusted proxy the rightmost
// X-Forwarded-For entry is used since the client cannot forge it.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
