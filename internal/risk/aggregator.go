// Package risk combines detector verdicts, the anomaly score and the
// identity signal into one 0-100 risk score and severity tier.
package risk

import (
	"math"
	"time"

	"iam-monitor/internal/anomaly"
	"iam-monitor/internal/schema"
)

// Weights controls how the three signals are combined.
type Weights struct {
	RuleCap        int     `yaml:"rule_cap" validate:"min=0,max=100"`
	MLMax          float64 `yaml:"ml_max" validate:"min=0,max=100"`
	IdentityWeight float64 `yaml:"identity_weight" validate:"min=0,max=1"`
}

// DefaultWeights caps rules at 70 points, ML at 30 and weighs the identity
// signal at 30%.
func DefaultWeights() Weights {
	return Weights{RuleCap: 70, MLMax: 30, IdentityWeight: 0.3}
}

// Aggregator is a pure reduction over one event's signals.
type Aggregator struct {
	weights Weights
	now     func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(w Weights) *Aggregator {
	return &Aggregator{weights: w, now: time.Now}
}

// Aggregate scores ev. mlScore is the raw decision value and identity the
// IGA risk (0-100); either may be nil when unavailable.
func (a *Aggregator) Aggregate(ev *schema.Event, results []schema.DetectionResult, mlScore, identity *float64) *schema.AggregatedRisk {
	contrib := 0
	var actions []schema.ActionType
	for _, r := range results {
		if !r.IsThreat {
			continue
		}
		contrib += r.RiskContribution
		actions = appendActions(actions, r.RecommendedActions)
	}

	rulePoints := min(a.weights.RuleCap, contrib)

	n := 0.0
	if mlScore != nil {
		n = anomaly.Normalize(*mlScore)
	}
	mlPoints := 0.0
	if n >= anomaly.AnomalyThreshold {
		mlPoints = a.weights.MLMax * n
	}

	identityPoints := 0.0
	var health *int
	if identity != nil {
		id := clamp(*identity, 0, 100)
		identityPoints = a.weights.IdentityWeight * id
		h := int(math.Round(0.4*float64(min(100, contrib)) + 0.3*id + 0.3*100*n))
		health = &h
	}

	score := int(math.Round(float64(rulePoints) + mlPoints + identityPoints))
	score = min(100, max(0, score))

	out := &schema.AggregatedRisk{
		RiskScore:             score,
		Severity:              schema.SeverityFor(score),
		ContributingDetectors: results,
		MLAnomalyScore:        mlScore,
		IdentitySignal:        identity,
		IdentityHealth:        health,
		RulePoints:            rulePoints,
		MLPoints:              mlPoints,
		IdentityPoints:        identityPoints,
		RecommendedActions:    actions,
		EvaluatedAt:           a.now().UTC(),
		Event:                 ev,
	}
	if ev != nil {
		out.EventID = ev.EventID
		out.Principal = ev.Principal
		out.Resource = ev.Resource
	}
	return out
}

func appendActions(dst, src []schema.ActionType) []schema.ActionType {
	for _, a := range src {
		seen := false
		for _, d := range dst {
			if d == a {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, a)
		}
	}
	return dst
}

func clamp(v, lo, hi float64) float64 {
	return min(hi, max(lo, v))
}
