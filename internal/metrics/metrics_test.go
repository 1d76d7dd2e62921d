package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"iam-monitor/internal/anomaly"
	"iam-monitor/internal/kafka"
	"iam-monitor/internal/schema"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHooks(t *testing.T) {
	m := New()

	det := m.DetectorObserver()
	det("public_bucket", 2*time.Millisecond, schema.DetectionResult{IsThreat: true})
	det("public_bucket", time.Millisecond, schema.DetectionResult{})
	det("admin_grant", time.Second, schema.DetectionResult{TimedOut: true})

	if got := testutil.ToFloat64(m.DetectorThreats.WithLabelValues("public_bucket")); got != 1 {
		t.Errorf("expected 1 threat, got %v", got)
	}
	if got := testutil.ToFloat64(m.DetectorTimeouts.WithLabelValues("admin_grant")); got != 1 {
		t.Errorf("expected 1 timeout, got %v", got)
	}

	act := m.ActionObserver()
	act(schema.ActionBlockPublicAccess, schema.ActionSucceeded, 2)
	act(schema.ActionDisableKey, schema.ActionFailed, 3)
	if got := testutil.ToFloat64(m.ActionsTotal.WithLabelValues("disable_key", "FAILED")); got != 1 {
		t.Errorf("expected 1 failed action, got %v", got)
	}

	notify := m.NotificationObserver()
	notify("slack", "delivered")
	notify("", "suppressed")
	if got := testutil.ToFloat64(m.Notifications.WithLabelValues("none", "suppressed")); got != 1 {
		t.Errorf("suppressed alerts should use the none channel, got %v", got)
	}

	retrain := m.RetrainHook()
	retrain(anomaly.TrainStats{Samples: 512, Bytes: 4096, Duration: time.Second}, nil)
	retrain(anomaly.TrainStats{}, errors.New("boom"))
	if got := testutil.ToFloat64(m.BaselineSamples); got != 512 {
		t.Errorf("expected 512 samples, got %v", got)
	}
	if got := testutil.ToFloat64(m.RetrainsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed retrain, got %v", got)
	}

	dead := m.DeadLetterHook(func(error) string { return "normalization" })
	dead(kafka.Message{}, errors.New("bad"))
	if got := testutil.ToFloat64(m.DeadLettered.WithLabelValues("normalization")); got != 1 {
		t.Errorf("expected 1 dead letter, got %v", got)
	}
}

func TestObserveRisk(t *testing.T) {
	m := New()
	ml := -0.4
	m.ObserveRisk(&schema.AggregatedRisk{RiskScore: 72, Severity: schema.SeverityHigh, MLAnomalyScore: &ml})
	m.ObserveRemediation(&schema.RemediationResult{OverallStatus: schema.RemediationSuccess})
	m.ObserveRemediation(nil)

	if got := testutil.ToFloat64(m.DetectionsTotal.WithLabelValues("HIGH")); got != 1 {
		t.Errorf("expected 1 HIGH detection, got %v", got)
	}
	if got := testutil.ToFloat64(m.RemediationTotal.WithLabelValues("SUCCESS")); got != 1 {
		t.Errorf("expected 1 remediation, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.EventsTotal.WithLabelValues("processed").Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `iam_monitor_events_total{outcome="processed"} 1`) {
		t.Errorf("exposition missing events counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("runtime collector not registered")
	}
}
