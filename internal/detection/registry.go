package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"iam-monitor/internal/schema"
)

// DetectorTimeout reports a detector that did not answer within its budget.
type DetectorTimeout struct {
	Detector string
	Budget   time.Duration
}

func (e *DetectorTimeout) Error() string {
	return fmt.Sprintf("detector %s exceeded %s budget", e.Detector, e.Budget)
}

func (e *DetectorTimeout) Unwrap() error {
	return context.DeadlineExceeded
}

// Observer receives the outcome of every detector run.
type Observer func(detector string, elapsed time.Duration, res schema.DetectionResult)

// Registry holds the ordered detector set and runs it concurrently.
type Registry struct {
	detectors []Detector
	timeout   time.Duration
	logger    *slog.Logger
	observer  Observer
}

// NewRegistry creates a registry over detectors, evaluated in the given
// order.
func NewRegistry(timeout time.Duration, logger *slog.Logger, detectors ...Detector) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &Registry{
		detectors: detectors,
		timeout:   timeout,
		logger:    logger.With("component", "detectors"),
	}
}

// DefaultRegistry builds the five production detectors.
func DefaultRegistry(cfg Config, deps Deps, logger *slog.Logger) *Registry {
	return NewRegistry(cfg.Timeout, logger,
		NewPublicBucket(cfg, deps.History),
		NewAdminGrant(cfg),
		NewPolicyChange(cfg, deps.History),
		NewCrossAccount(cfg),
		NewMachineIdentity(cfg, deps),
	)
}

// SetObserver installs a hook called once per detector per event.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Names returns the detector names in evaluation order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.detectors))
	for i, d := range r.detectors {
		names[i] = d.Name()
	}
	return names
}

// Run evaluates every detector against ev in parallel and returns their
// verdicts in registry order. A detector that overruns its deadline yields
// a timed-out non-threat verdict; Run never waits for it.
func (r *Registry) Run(ctx context.Context, ev *schema.Event) []schema.DetectionResult {
	type outcome struct {
		res     schema.DetectionResult
		elapsed time.Duration
	}
	chans := make([]chan outcome, len(r.detectors))
	cancels := make([]context.CancelFunc, len(r.detectors))

	for i, d := range r.detectors {
		dctx, cancel := context.WithTimeout(ctx, r.timeout)
		cancels[i] = cancel
		ch := make(chan outcome, 1)
		chans[i] = ch
		go func() {
			start := time.Now()
			res := r.safeDetect(dctx, d, ev)
			ch <- outcome{res: res, elapsed: time.Since(start)}
		}()
	}

	// All detectors share one budget measured from fan-out.
	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()
	expired := false

	results := make([]schema.DetectionResult, len(r.detectors))
	for i, d := range r.detectors {
		var (
			out   outcome
			ready bool
		)
		if !expired {
			select {
			case out = <-chans[i]:
				ready = true
			case <-deadline.C:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		if !ready {
			select {
			case out = <-chans[i]:
				ready = true
			default:
			}
		}
		if ready {
			results[i] = out.res
			r.observe(d.Name(), out.elapsed, out.res)
		} else {
			results[i] = r.timedOut(d.Name())
		}
		cancels[i]()
	}
	return results
}

func (r *Registry) timedOut(name string) schema.DetectionResult {
	err := &DetectorTimeout{Detector: name, Budget: r.timeout}
	r.logger.Warn("detector timed out", "detector", name, "error", err)
	res := schema.DetectionResult{DetectorName: name, TimedOut: true}
	r.observe(name, r.timeout, res)
	return res
}

func (r *Registry) observe(name string, elapsed time.Duration, res schema.DetectionResult) {
	if r.observer != nil {
		r.observer(name, elapsed, res)
	}
}

// safeDetect runs one detector, turning a panic into a non-threat verdict
// and a context expiry into a timeout.
func (r *Registry) safeDetect(ctx context.Context, d Detector, ev *schema.Event) (res schema.DetectionResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("detector panicked", "detector", d.Name(), "panic", fmt.Sprint(p))
			res = schema.DetectionResult{
				DetectorName: d.Name(),
				Details:      map[string]string{"error": "detector failure"},
			}
		}
	}()
	res = d.Detect(ctx, ev)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.DetectionResult{DetectorName: d.Name(), TimedOut: true}
	}
	res.DetectorName = d.Name()
	return res
}
