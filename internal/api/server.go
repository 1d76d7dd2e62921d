// Package api serves the control endpoints: health, metrics, synchronous
// ingest, remediation lookup and rollback, baseline retraining and the
// identity lifecycle webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"iam-monitor/internal/anomaly"
	apperrors "iam-monitor/internal/errors"
	"iam-monitor/internal/identity"
	"iam-monitor/internal/pipeline"
	"iam-monitor/internal/remediation"
	"iam-monitor/internal/schema"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// EventProcessor runs raw events through the pipeline.
type EventProcessor interface {
	Process(ctx context.Context, raw []byte) (*pipeline.Outcome, error)
}

// Remediations reads and rolls back remediation results.
type Remediations interface {
	Get(ctx context.Context, eventID string) (*schema.RemediationResult, error)
	Rollback(ctx context.Context, eventID string) (*schema.RollbackResult, error)
}

// Retrainer rebuilds the behavioral baseline.
type Retrainer interface {
	Retrain(ctx context.Context) (anomaly.TrainStats, error)
}

// LifecycleHandler applies signed identity lifecycle webhooks.
type LifecycleHandler interface {
	HandleWebhook(ctx context.Context, secret, body []byte, signature string) (*identity.LifecycleOutcome, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the services behind the endpoints. Nil members disable their
// routes.
type Deps struct {
	Events        EventProcessor
	Remediations  Remediations
	Retrainer     Retrainer
	Lifecycle     LifecycleHandler
	WebhookSecret []byte
	Metrics       http.Handler
	Checks        map[string]HealthCheck
}

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Server holds the route handlers.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer creates a server.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger.With("component", "api")}
}

// RegisterRoutes adds the endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	if s.deps.Events != nil {
		mux.HandleFunc("POST /v1/events", s.handleEvent)
	}
	if s.deps.Remediations != nil {
		mux.HandleFunc("GET /v1/remediations/{event_id}", s.handleGetRemediation)
		mux.HandleFunc("POST /v1/remediations/{event_id}/rollback", s.handleRollback)
	}
	if s.deps.Retrainer != nil {
		mux.HandleFunc("POST /v1/baseline/retrain", s.handleRetrain)
	}
	if s.deps.Lifecycle != nil {
		mux.HandleFunc("POST /v1/iga/events", s.handleLifecycle)
	}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			checks[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	out, err := s.deps.Events.Process(r.Context(), body)
	var ne *schema.NormalizationError
	switch {
	case errors.As(err, &ne):
		writeJSONError(w, http.StatusBadRequest, string(ne.Kind), "event rejected", apperrors.SanitizeString(ne.Field))
	case err != nil && out == nil:
		s.logger.Error("event processing failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "PROCESSING_FAILED", "event could not be processed", "")
	case err != nil:
		s.logger.Warn("event processed with errors", "event_id", out.Event.EventID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"outcome": out,
			"error":   APIError{Code: "STAGE_FAILED", Message: "one or more downstream stages failed"},
		})
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleGetRemediation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("event_id")
	res, err := s.deps.Remediations.Get(r.Context(), id)
	if err != nil {
		s.remediationError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("event_id")
	res, err := s.deps.Remediations.Rollback(r.Context(), id)
	if err != nil && res == nil {
		s.remediationError(w, id, err)
		return
	}
	if err != nil {
		s.logger.Error("rollback finished but was not saved", "event_id", id, "error", err)
	}
	status := http.StatusOK
	if res.Status != schema.RemediationSuccess {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *Server) remediationError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, remediation.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no remediation for event", id)
	case errors.Is(err, remediation.ErrAlreadyRolledBack):
		writeJSONError(w, http.StatusConflict, "ALREADY_ROLLED_BACK", "remediation was already rolled back", id)
	case errors.Is(err, remediation.ErrInProgress):
		writeJSONError(w, http.StatusConflict, "IN_PROGRESS", "remediation is still running", id)
	default:
		s.logger.Error("remediation request failed", "event_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "remediation store unavailable", "")
	}
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Retrainer.Retrain(r.Context())
	switch {
	case errors.Is(err, anomaly.ErrRetrainInProgress):
		writeJSONError(w, http.StatusConflict, "IN_PROGRESS", "a retrain is already running", "")
	case errors.Is(err, anomaly.ErrInsufficientData):
		writeJSONError(w, http.StatusUnprocessableEntity, "INSUFFICIENT_DATA", "not enough events to train a baseline", "")
	case err != nil:
		s.logger.Error("baseline retrain failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "RETRAIN_FAILED", "baseline retrain failed", "")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"samples":     stats.Samples,
			"bytes":       stats.Bytes,
			"duration_ms": stats.Duration.Milliseconds(),
		})
	}
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	out, err := s.deps.Lifecycle.HandleWebhook(r.Context(), s.deps.WebhookSecret, body, r.Header.Get(identity.SignatureHeader))
	switch {
	case errors.Is(err, identity.ErrInvalidSignature):
		s.logger.Warn("rejected lifecycle webhook", "remote_addr", r.RemoteAddr)
		writeJSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", "")
	case errors.Is(err, identity.ErrUnknownEventType), errors.Is(err, identity.ErrInvalidEvent):
		writeJSONError(w, http.StatusBadRequest, "INVALID_EVENT", "lifecycle event rejected", apperrors.SafeMessage(err))
	case err != nil && out == nil:
		s.logger.Error("lifecycle webhook failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "lifecycle event could not be applied", "")
	case err != nil:
		s.logger.Error("lifecycle quarantine failed", "event_id", out.EventID, "error", err)
		writeJSON(w, http.StatusBadGateway, out)
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "request body too large", "")
			return nil, false
		}
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "could not read request body", "")
		return nil, false
	}
	return body, true
}

func writeJSONError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, APIError{Code: code, Message: message, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}
