package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"iam-monitor/internal/schema"
)

// ErrScorerUnavailable is returned while no baseline is loaded.
var ErrScorerUnavailable = errors.New("anomaly: scorer unavailable, no baseline loaded")

// ActivitySource returns a principal's recorded activity since a time.
type ActivitySource interface {
	Activity(ctx context.Context, principal string, since time.Time) ([]schema.Activity, error)
}

// Scorer scores events against the current baseline. The baseline is
// replaced atomically, so scoring never waits on retraining.
type Scorer struct {
	baseline atomic.Pointer[Baseline]
	activity ActivitySource
}

// NewScorer creates a scorer without a baseline. activity may be nil, in
// which case trailing counts are zero.
func NewScorer(activity ActivitySource) *Scorer {
	return &Scorer{activity: activity}
}

// Score returns the decision value of ev, in -1..1; negative is more
// anomalous than the training contamination boundary.
func (s *Scorer) Score(ctx context.Context, ev *schema.Event) (float64, error) {
	b := s.baseline.Load()
	if b == nil {
		return 0, ErrScorerUnavailable
	}
	var recent []schema.Activity
	if s.activity != nil {
		acts, err := s.activity.Activity(ctx, ev.Principal, ev.EventTime.Add(-24*time.Hour))
		if err != nil {
			return 0, fmt.Errorf("load activity for %s: %w", ev.Principal, err)
		}
		recent = acts
	}
	return b.Decision(Extract(ev, recent)), nil
}

// Swap installs b and returns the previous baseline.
func (s *Scorer) Swap(b *Baseline) *Baseline {
	return s.baseline.Swap(b)
}

// Current returns the active baseline, or nil.
func (s *Scorer) Current() *Baseline {
	return s.baseline.Load()
}

// Ready reports whether a baseline is loaded.
func (s *Scorer) Ready() bool {
	return s.baseline.Load() != nil
}
