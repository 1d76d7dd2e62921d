package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"iam-monitor/internal/schema"
)

// Delivery outcomes reported to the observer.
const (
	OutcomeDelivered  = "delivered"
	OutcomeDuplicate  = "duplicate"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
)

// DedupIndex claims a (detection, channel) pair so each alert is sent once.
// A claim is taken for the send and extended once the channel accepted the
// alert, so a worker that dies mid-send leaves only a short-lived claim.
type DedupIndex interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// Config controls the notification fan-out.
type Config struct {
	MinSeverity schema.Severity `yaml:"min_severity" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	DedupTTL    time.Duration   `yaml:"dedup_ttl" validate:"min=0"`
	ClaimTTL    time.Duration   `yaml:"claim_ttl" validate:"min=0"`
	SendTimeout time.Duration   `yaml:"send_timeout" validate:"min=0"`
	MaxAttempts int             `yaml:"max_attempts" validate:"min=1,max=10"`
	Backoff     time.Duration   `yaml:"backoff" validate:"min=0"`
}

// DefaultConfig notifies MEDIUM and above.
func DefaultConfig() Config {
	return Config{
		MinSeverity: schema.SeverityMedium,
		DedupTTL:    7 * 24 * time.Hour,
		ClaimTTL:    5 * time.Minute,
		SendTimeout: 10 * time.Second,
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
	}
}

// DeliveryError is a channel that could not be reached.
type DeliveryError struct {
	Channel  string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("channel %s: delivery failed after %d attempt(s): %v", e.Channel, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NotifyResult summarises one fan-out.
type NotifyResult struct {
	Delivered  []string
	Duplicates []string
	Failures   []*DeliveryError
	Suppressed bool
}

// Err joins the delivery failures, nil when every channel succeeded.
func (r NotifyResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Observer sees the outcome of every channel delivery.
type Observer func(channel, outcome string)

// Notifier delivers alerts to every configured channel concurrently.
type Notifier struct {
	cfg      Config
	channels []NotificationChannel
	dedup    DedupIndex
	logger   *slog.Logger
	observer Observer
}

// NewNotifier creates a notifier. dedup may be nil, in which case every
// call delivers.
func NewNotifier(cfg Config, dedup DedupIndex, logger *slog.Logger, channels ...NotificationChannel) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultHTTPTimeout
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = schema.SeverityMedium
	}
	// The claim must outlive every attempt of one delivery.
	if busy := time.Duration(cfg.MaxAttempts) * (cfg.SendTimeout + cfg.Backoff<<cfg.MaxAttempts); cfg.ClaimTTL < busy {
		cfg.ClaimTTL = busy
	}
	if cfg.DedupTTL < cfg.ClaimTTL {
		cfg.DedupTTL = cfg.ClaimTTL
	}
	return &Notifier{
		cfg:      cfg,
		channels: channels,
		dedup:    dedup,
		logger:   logger.With("component", "notifier"),
	}
}

// SetObserver installs a delivery hook, typically metrics.
func (n *Notifier) SetObserver(o Observer) {
	n.observer = o
}

// Channels lists the configured channel names.
func (n *Notifier) Channels() []string {
	names := make([]string, len(n.channels))
	for i, ch := range n.channels {
		names[i] = ch.Name()
	}
	return names
}

type outcome struct {
	status string
	err    *DeliveryError
}

// Notify sends the alert for risk to every channel that has not already
// received it. A failed channel releases its claim so a redelivery of the
// event retries only that channel.
func (n *Notifier) Notify(ctx context.Context, risk *schema.AggregatedRisk, rem *schema.RemediationResult) NotifyResult {
	if !risk.Severity.AtLeast(n.cfg.MinSeverity) {
		n.observe("", OutcomeSuppressed)
		return NotifyResult{Suppressed: true}
	}

	alert := NewAlert(risk, rem)
	outcomes := make([]outcome, len(n.channels))

	var wg sync.WaitGroup
	for i, ch := range n.channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = n.deliver(ctx, ch, alert)
		}()
	}
	wg.Wait()

	var res NotifyResult
	for i, o := range outcomes {
		name := n.channels[i].Name()
		switch o.status {
		case OutcomeDelivered:
			res.Delivered = append(res.Delivered, name)
		case OutcomeDuplicate:
			res.Duplicates = append(res.Duplicates, name)
		case OutcomeFailed:
			res.Failures = append(res.Failures, o.err)
		}
		n.observe(name, o.status)
	}
	return res
}

func (n *Notifier) deliver(ctx context.Context, ch NotificationChannel, alert *Alert) outcome {
	key := "notify:" + alert.DetectionID + ":" + ch.Name()

	if n.dedup != nil {
		claimed, err := n.dedup.Claim(ctx, key, n.cfg.ClaimTTL)
		if err != nil {
			return outcome{status: OutcomeFailed, err: &DeliveryError{
				Channel: ch.Name(),
				Err:     fmt.Errorf("claim delivery: %w", err),
			}}
		}
		if !claimed {
			n.logger.Debug("alert already delivered",
				"channel", ch.Name(),
				"detection_id", alert.DetectionID,
			)
			return outcome{status: OutcomeDuplicate}
		}
	}

	attempts, err := n.sendWithRetry(ctx, ch, alert)
	if err == nil {
		n.logger.Debug("notification delivered",
			"channel", ch.Name(),
			"detection_id", alert.DetectionID,
			"attempts", attempts,
		)
		if n.dedup != nil {
			n.confirm(ctx, key, ch.Name(), alert.DetectionID)
		}
		return outcome{status: OutcomeDelivered}
	}

	n.logger.Warn("notification delivery failed",
		"channel", ch.Name(),
		"detection_id", alert.DetectionID,
		"attempts", attempts,
		"error", err,
	)
	if n.dedup != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if rerr := n.dedup.Release(rctx, key); rerr != nil {
			n.logger.Error("failed to release delivery claim",
				"channel", ch.Name(),
				"detection_id", alert.DetectionID,
				"error", rerr,
			)
		}
		cancel()
	}
	return outcome{status: OutcomeFailed, err: &DeliveryError{
		Channel:  ch.Name(),
		Attempts: attempts,
		Err:      err,
	}}
}

// confirm keeps the claim of a delivered alert for the dedup window. If it
// fails the claim lapses after ClaimTTL and a redelivery may repeat the alert.
func (n *Notifier) confirm(ctx context.Context, key, channel, detectionID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := n.dedup.Extend(cctx, key, n.cfg.DedupTTL); err != nil {
		n.logger.Error("failed to confirm delivery claim",
			"channel", channel,
			"detection_id", detectionID,
			"error", err,
		)
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, ch NotificationChannel, alert *Alert) (int, error) {
	backoff := n.cfg.Backoff
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
		err := ch.Send(attemptCtx, alert)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if attempt >= n.cfg.MaxAttempts || !retryable(err) || ctx.Err() != nil {
			return attempt, err
		}

		select {
		case <-ctx.Done():
			return attempt, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	return true
}

func (n *Notifier) observe(channel, status string) {
	if n.observer != nil {
		n.observer(channel, status)
	}
}
