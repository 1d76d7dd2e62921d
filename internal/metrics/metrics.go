// Package metrics exposes pipeline counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"iam-monitor/internal/anomaly"
	"iam-monitor/internal/detection"
	"iam-monitor/internal/kafka"
	"iam-monitor/internal/remediation"
	"iam-monitor/internal/schema"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iam_monitor"

// Metrics holds every collector of the service.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal         *prometheus.CounterVec
	NormalizationErrors *prometheus.CounterVec
	ProcessingDuration  prometheus.Histogram
	RiskScore           prometheus.Histogram
	DetectionsTotal     *prometheus.CounterVec

	DetectorDuration *prometheus.HistogramVec
	DetectorThreats  *prometheus.CounterVec
	DetectorTimeouts *prometheus.CounterVec

	AnomalyScores    prometheus.Histogram
	ScorerErrors     prometheus.Counter
	RetrainsTotal    *prometheus.CounterVec
	RetrainDuration  prometheus.Histogram
	BaselineSamples  prometheus.Gauge
	BaselineSize     prometheus.Gauge
	IdentityLookups  *prometheus.CounterVec
	RemediationTotal *prometheus.CounterVec
	ActionsTotal     *prometheus.CounterVec
	ActionAttempts   *prometheus.HistogramVec
	Notifications    *prometheus.CounterVec
	DeadLettered     *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Audit events processed, by outcome.",
		}, []string{"outcome"}),
		NormalizationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalization_errors_total",
			Help:      "Events rejected by the normalizer, by error kind.",
		}, []string{"kind"}),
		ProcessingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "End to end processing time of one event.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of aggregated risk scores.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		DetectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Aggregated risks, by severity.",
		}, []string{"severity"}),

		DetectorDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_seconds",
			Help:      "Detector evaluation time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"detector"}),
		DetectorThreats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_threats_total",
			Help:      "Threat verdicts, by detector.",
		}, []string{"detector"}),
		DetectorTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_timeouts_total",
			Help:      "Detector runs that exceeded their deadline.",
		}, []string{"detector"}),

		AnomalyScores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Isolation forest decision values.",
			Buckets:   prometheus.LinearBuckets(-1, 0.2, 11),
		}),
		ScorerErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_score_errors_total",
			Help:      "Events scored without an ML signal.",
		}),
		RetrainsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "baseline_retrains_total",
			Help:      "Baseline retrain attempts, by result.",
		}, []string{"result"}),
		RetrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "baseline_retrain_seconds",
			Help:      "Time to train and persist a baseline.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		BaselineSamples: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_samples",
			Help:      "Training samples in the active baseline.",
		}),
		BaselineSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_bytes",
			Help:      "Encoded size of the active baseline.",
		}),
		IdentityLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_lookups_total",
			Help:      "Identity signal lookups, by result.",
		}, []string{"result"}),
		RemediationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Remediation outcomes, by overall status.",
		}, []string{"status"}),
		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediation_actions_total",
			Help:      "Remediation actions, by type and status.",
		}, []string{"action", "status"}),
		ActionAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remediation_action_attempts",
			Help:      "Provider calls needed per action.",
			Buckets:   []float64{1, 2, 3, 5, 10},
		}, []string{"action"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Messages moved to the dead-letter topic, by cause.",
		}, []string{"cause"}),
	}
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRisk records one aggregated risk.
func (m *Metrics) ObserveRisk(risk *schema.AggregatedRisk) {
	m.RiskScore.Observe(float64(risk.RiskScore))
	m.DetectionsTotal.WithLabelValues(string(risk.Severity)).Inc()
	if risk.MLAnomalyScore != nil {
		m.AnomalyScores.Observe(*risk.MLAnomalyScore)
	}
}

// ObserveRemediation records a dispatcher result.
func (m *Metrics) ObserveRemediation(res *schema.RemediationResult) {
	if res != nil {
		m.RemediationTotal.WithLabelValues(string(res.OverallStatus)).Inc()
	}
}

// DetectorObserver feeds detector timings and verdicts.
func (m *Metrics) DetectorObserver() detection.Observer {
	return func(detector string, elapsed time.Duration, res schema.DetectionResult) {
		m.DetectorDuration.WithLabelValues(detector).Observe(elapsed.Seconds())
		if res.TimedOut {
			m.DetectorTimeouts.WithLabelValues(detector).Inc()
		}
		if res.IsThreat {
			m.DetectorThreats.WithLabelValues(detector).Inc()
		}
	}
}

// ActionObserver feeds per-action remediation outcomes.
func (m *Metrics) ActionObserver() remediation.Observer {
	return func(action schema.ActionType, status schema.ActionStatus, attempts int) {
		m.ActionsTotal.WithLabelValues(string(action), string(status)).Inc()
		if attempts > 0 {
			m.ActionAttempts.WithLabelValues(string(action)).Observe(float64(attempts))
		}
	}
}

// NotificationObserver feeds notification outcomes. Suppressed alerts carry
// no channel.
func (m *Metrics) NotificationObserver() func(channel, outcome string) {
	return func(channel, outcome string) {
		if channel == "" {
			channel = "none"
		}
		m.Notifications.WithLabelValues(channel, outcome).Inc()
	}
}

// RetrainHook feeds baseline retrain results.
func (m *Metrics) RetrainHook() func(anomaly.TrainStats, error) {
	return func(stats anomaly.TrainStats, err error) {
		if err != nil {
			m.RetrainsTotal.WithLabelValues("error").Inc()
			return
		}
		m.RetrainsTotal.WithLabelValues("success").Inc()
		m.RetrainDuration.Observe(stats.Duration.Seconds())
		m.BaselineSamples.Set(float64(stats.Samples))
		m.BaselineSize.Set(float64(stats.Bytes))
	}
}

// DeadLetterHook counts dead-lettered messages by cause.
func (m *Metrics) DeadLetterHook(cause func(error) string) kafka.DeadLetterHook {
	return func(_ kafka.Message, err error) {
		m.DeadLettered.WithLabelValues(cause(err)).Inc()
	}
}
