// Package pipeline runs one audit event through normalization, detection,
// anomaly scoring, identity correlation, risk aggregation, remediation and
// notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"iam-monitor/internal/alerting"
	"iam-monitor/internal/anomaly"
	"iam-monitor/internal/detection"
	"iam-monitor/internal/kafka"
	"iam-monitor/internal/metrics"
	"iam-monitor/internal/remediation"
	"iam-monitor/internal/risk"
	"iam-monitor/internal/schema"
)

// Normalizer turns raw payloads into canonical events.
type Normalizer interface {
	Normalize(raw []byte) (*schema.Event, error)
}

// Detectors evaluates every registered detector against an event.
type Detectors interface {
	Run(ctx context.Context, ev *schema.Event) []schema.DetectionResult
}

// AnomalyScorer returns the baseline decision value of an event.
type AnomalyScorer interface {
	Score(ctx context.Context, ev *schema.Event) (float64, error)
}

// IdentitySignal returns the governance risk behind a principal.
type IdentitySignal interface {
	Signal(ctx context.Context, principal string) (*float64, error)
}

// History records an event in its principal's activity.
type History interface {
	Record(ctx context.Context, ev *schema.Event) error
}

// ExposureRecorder remembers buckets that were made public. History
// stores that implement it let the bucket detector tell a first exposure
// from a repeated one.
type ExposureRecorder interface {
	MarkPublicExposure(ctx context.Context, bucket string) error
}

// VerdictCache keeps the aggregated risk of each event. GetVerdict returns
// nil when none is cached.
type VerdictCache interface {
	GetVerdict(ctx context.Context, eventID string) (*schema.AggregatedRisk, error)
	PutVerdict(ctx context.Context, risk *schema.AggregatedRisk) error
}

// DetectionStore persists aggregated verdicts.
type DetectionStore interface {
	RecordDetection(ctx context.Context, risk *schema.AggregatedRisk) error
}

// Remediator applies automated responses.
type Remediator interface {
	Remediate(ctx context.Context, risk *schema.AggregatedRisk) (*schema.RemediationResult, error)
}

// Notifier fans alerts out to the configured channels.
type Notifier interface {
	Notify(ctx context.Context, risk *schema.AggregatedRisk, rem *schema.RemediationResult) alerting.NotifyResult
}

// Deps are the stages of the pipeline. Scorer, Identity, Verdicts, Store,
// Remediator and Notifier are optional.
type Deps struct {
	Normalizer Normalizer
	Detectors  Detectors
	Scorer     AnomalyScorer
	Identity   IdentitySignal
	History    History
	Verdicts   VerdictCache
	Store      DetectionStore
	Remediator Remediator
	Notifier   Notifier
	Aggregator *risk.Aggregator
	Metrics    *metrics.Metrics
}

// Outcome is everything the pipeline produced for one event.
type Outcome struct {
	Event        *schema.Event             `json:"event"`
	Risk         *schema.AggregatedRisk    `json:"risk"`
	Remediation  *schema.RemediationResult `json:"remediation,omitempty"`
	Notification alerting.NotifyResult     `json:"-"`
}

// Pipeline processes audit events end to end.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a pipeline.
func New(deps Deps, logger *slog.Logger) (*Pipeline, error) {
	if deps.Normalizer == nil || deps.Detectors == nil || deps.History == nil {
		return nil, errors.New("pipeline: normalizer, detectors and history are required")
	}
	if deps.Aggregator == nil {
		deps.Aggregator = risk.NewAggregator(risk.DefaultWeights())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{deps: deps, logger: logger.With("component", "pipeline")}, nil
}

// HandleMessage is the Kafka handler. Payloads that cannot be normalized
// and plans that ran out of time are marked permanent so they are
// dead-lettered without redelivery.
func (p *Pipeline) HandleMessage(ctx context.Context, msg kafka.Message) error {
	_, err := p.Process(ctx, msg.Value)
	if err != nil && (schema.IsNormalizationError(err) || errors.Is(err, remediation.ErrPlanDeadline)) {
		return kafka.Permanent(err)
	}
	return err
}

// Process normalizes raw and runs the resulting event.
func (p *Pipeline) Process(ctx context.Context, raw []byte) (*Outcome, error) {
	ev, err := p.deps.Normalizer.Normalize(raw)
	if err != nil {
		var ne *schema.NormalizationError
		if errors.As(err, &ne) {
			p.count("normalization_error")
			if p.deps.Metrics != nil {
				p.deps.Metrics.NormalizationErrors.WithLabelValues(string(ne.Kind)).Inc()
			}
		}
		return nil, err
	}
	return p.ProcessEvent(ctx, ev)
}

// ProcessEvent runs a canonical event through the remaining stages.
// Detectors, the scorer and the identity lookup read the principal's
// history before ev is recorded in it. The verdict is cached before the
// history write, so a redelivered event gets the verdict of its first
// delivery. An error means some stage must be retried; every stage is
// idempotent per event id.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev *schema.Event) (*Outcome, error) {
	start := time.Now()
	log := p.logger.With("event_id", ev.EventID, "event_name", ev.EventName)

	agg, err := p.verdict(ctx, ev, log)
	if err != nil {
		p.count("error")
		return nil, err
	}

	if err := p.deps.History.Record(ctx, ev); err != nil {
		p.count("error")
		return nil, fmt.Errorf("record history: %w", err)
	}
	if er, ok := p.deps.History.(ExposureRecorder); ok {
		p.markExposure(ctx, er, ev, agg.ContributingDetectors, log)
	}
	out := &Outcome{Event: ev, Risk: agg}

	if p.deps.Store != nil {
		if err := p.deps.Store.RecordDetection(ctx, agg); err != nil {
			p.count("error")
			return out, fmt.Errorf("save detection: %w", err)
		}
	}

	var errs []error
	if p.deps.Remediator != nil {
		rem, err := p.deps.Remediator.Remediate(ctx, agg)
		out.Remediation = rem
		if p.deps.Metrics != nil {
			p.deps.Metrics.ObserveRemediation(rem)
		}
		if err != nil {
			if rem == nil {
				p.count("error")
				return out, fmt.Errorf("remediate: %w", err)
			}
			errs = append(errs, fmt.Errorf("remediate: %w", err))
		}
	}

	if p.deps.Notifier != nil {
		out.Notification = p.deps.Notifier.Notify(ctx, agg, out.Remediation)
		if err := out.Notification.Err(); err != nil {
			errs = append(errs, fmt.Errorf("notify: %w", err))
		}
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}
	if err := errors.Join(errs...); err != nil {
		p.count("error")
		log.Warn("event processed with errors", "risk_score", agg.RiskScore, "error", err)
		return out, err
	}

	p.count("processed")
	log.Debug("event processed",
		"risk_score", agg.RiskScore,
		"severity", agg.Severity,
		"duration", time.Since(start),
	)
	return out, nil
}

// verdict returns the cached verdict for ev or evaluates and caches a new
// one.
func (p *Pipeline) verdict(ctx context.Context, ev *schema.Event, log *slog.Logger) (*schema.AggregatedRisk, error) {
	if p.deps.Verdicts != nil {
		cached, err := p.deps.Verdicts.GetVerdict(ctx, ev.EventID)
		if err != nil {
			return nil, fmt.Errorf("load verdict: %w", err)
		}
		if cached != nil {
			log.Debug("redelivered event, reusing verdict", "risk_score", cached.RiskScore)
			cached.Event = ev
			return cached, nil
		}
	}

	var (
		wg       sync.WaitGroup
		results  []schema.DetectionResult
		ml       *float64
		identity *float64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results = p.deps.Detectors.Run(ctx, ev)
	}()
	if p.deps.Scorer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ml = p.score(ctx, ev, log)
		}()
	}
	if p.deps.Identity != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			identity = p.identity(ctx, ev, log)
		}()
	}
	wg.Wait()

	agg := p.deps.Aggregator.Aggregate(ev, results, ml, identity)
	if p.deps.Verdicts != nil {
		if err := p.deps.Verdicts.PutVerdict(ctx, agg); err != nil {
			return nil, fmt.Errorf("cache verdict: %w", err)
		}
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveRisk(agg)
	}
	return agg, nil
}

func (p *Pipeline) score(ctx context.Context, ev *schema.Event, log *slog.Logger) *float64 {
	s, err := p.deps.Scorer.Score(ctx, ev)
	if err != nil {
		if p.deps.Metrics != nil {
			p.deps.Metrics.ScorerErrors.Inc()
		}
		if errors.Is(err, anomaly.ErrScorerUnavailable) {
			log.Debug("no baseline loaded, scoring without ML signal")
		} else {
			log.Warn("anomaly scoring failed", "error", err)
		}
		return nil
	}
	return &s
}

func (p *Pipeline) identity(ctx context.Context, ev *schema.Event, log *slog.Logger) *float64 {
	s, err := p.deps.Identity.Signal(ctx, ev.Principal)
	result := "hit"
	switch {
	case err != nil:
		result = "error"
		log.Warn("identity lookup failed", "principal", ev.Principal, "error", err)
		s = nil
	case s == nil:
		result = "unknown"
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.IdentityLookups.WithLabelValues(result).Inc()
	}
	return s
}

func (p *Pipeline) markExposure(ctx context.Context, er ExposureRecorder, ev *schema.Event, results []schema.DetectionResult, log *slog.Logger) {
	for _, r := range results {
		if r.DetectorName != detection.PublicBucketName || !r.IsThreat {
			continue
		}
		if err := er.MarkPublicExposure(ctx, ev.BucketName()); err != nil {
			log.Warn("failed to remember public exposure", "bucket", ev.BucketName(), "error", err)
		}
		return
	}
}

func (p *Pipeline) count(outcome string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.EventsTotal.WithLabelValues(outcome).Inc()
	}
}
