package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"
)

// AuthConfig enables API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Header  string `yaml:"header"`
	// APIKeys are secret references, resolved at startup.
	APIKeys []string `yaml:"api_keys" validate:"required_if=Enabled true,dive,required"`
	// OpenPaths skip authentication.
	OpenPaths []string `yaml:"open_paths"`
}

// DefaultAuthConfig reads keys from X-API-Key and leaves probes open.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Header:    "X-API-Key",
		OpenPaths: []string{"/healthz", "/metrics"},
	}
}

// Chain applies middleware so the first one listed runs outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Logging logs each request with its status and duration.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// Recovery turns a handler panic into a 500.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"code":"INTERNAL","message":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// APIKey rejects requests without one of the configured keys.
func APIKey(cfg AuthConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	header := cfg.Header
	if header == "" {
		header = DefaultAuthConfig().Header
	}
	open := make(map[string]bool, len(cfg.OpenPaths))
	for _, p := range cfg.OpenPaths {
		open[p] = true
	}
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, []byte(k))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			got := []byte(r.Header.Get(header))
			if len(got) == 0 || !validKey(keys, got) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"missing or invalid API key"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validKey(keys [][]byte, got []byte) bool {
	ok := 0
	for _, k := range keys {
		ok |= subtle.ConstantTimeCompare(k, got)
	}
	return ok == 1
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
