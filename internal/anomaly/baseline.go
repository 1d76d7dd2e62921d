package anomaly

import (
	"errors"
	"fmt"
	"time"

	"iam-monitor/internal/schema"

	"github.com/google/uuid"
)

// ErrInsufficientData is returned when the training window is too small.
var ErrInsufficientData = errors.New("anomaly: not enough events to train")

// Config holds model and training settings.
type Config struct {
	Trees           int           `yaml:"trees" validate:"min=1"`
	SubsampleSize   int           `yaml:"subsample_size" validate:"min=2"`
	Contamination   float64       `yaml:"contamination" validate:"gt=0,lt=0.5"`
	Seed            uint64        `yaml:"seed"`
	MinSamples      int           `yaml:"min_samples" validate:"min=2"`
	WindowDays      int           `yaml:"window_days" validate:"min=1"`
	MaxWindowEvents int           `yaml:"max_window_events" validate:"min=1"`
	RetrainInterval time.Duration `yaml:"retrain_interval"`
	BaselineKey     string        `yaml:"baseline_key" validate:"required"`
}

// DefaultConfig returns the production model settings.
func DefaultConfig() Config {
	return Config{
		Trees:           100,
		SubsampleSize:   256,
		Contamination:   0.1,
		Seed:            42,
		MinSamples:      50,
		WindowDays:      30,
		MaxWindowEvents: 500000,
		RetrainInterval: 24 * time.Hour,
		BaselineKey:     "anomaly/baseline.json.zst",
	}
}

// Baseline is an immutable trained model. It is never modified after Train
// returns it; retraining produces a new Baseline.
type Baseline struct {
	Version       string    `json:"version"`
	TrainedAt     time.Time `json:"trained_at"`
	Samples       int       `json:"samples"`
	SubsampleSize int       `json:"subsample_size"`
	Contamination float64   `json:"contamination"`
	Offset        float64   `json:"offset"`
	Features      []string  `json:"features"`
	Trees         []Tree    `json:"trees"`
}

// Train fits a baseline to the events of a training window.
func Train(events []*schema.Event, cfg Config, now time.Time) (*Baseline, error) {
	if len(events) < cfg.MinSamples {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(events), cfg.MinSamples)
	}
	data := trainingVectors(events)
	trees, psi := growForest(data, cfg.Trees, cfg.SubsampleSize, cfg.Seed)

	scores := make([]float64, len(data))
	for i, x := range data {
		scores[i] = isolationScore(trees, psi, x)
	}
	return &Baseline{
		Version:       uuid.NewString(),
		TrainedAt:     now.UTC(),
		Samples:       len(data),
		SubsampleSize: psi,
		Contamination: cfg.Contamination,
		Offset:        quantile(scores, 1-cfg.Contamination),
		Features:      append([]string(nil), FeatureNames...),
		Trees:         trees,
	}, nil
}

// Decision returns offset - s(x). Negative values are more anomalous than
// the contamination boundary.
func (b *Baseline) Decision(x []float64) float64 {
	return b.Offset - isolationScore(b.Trees, b.SubsampleSize, x)
}

func (b *Baseline) validate() error {
	if len(b.Trees) == 0 {
		return errors.New("baseline has no trees")
	}
	if len(b.Features) != NumFeatures {
		return fmt.Errorf("baseline has %d features, want %d", len(b.Features), NumFeatures)
	}
	for i := range b.Trees {
		if len(b.Trees[i].Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", i)
		}
		if err := b.Trees[i].validate(); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

// validate checks that every walk from the root ends at a leaf. Children
// follow their parent in Nodes, which rules out cycles.
func (t *Tree) validate() error {
	size := int32(len(t.Nodes))
	for j, n := range t.Nodes {
		if n.Left < 0 {
			continue
		}
		pos := int32(j)
		if n.Feature < 0 || n.Feature >= NumFeatures {
			return fmt.Errorf("node %d splits on feature %d", j, n.Feature)
		}
		if n.Left <= pos || n.Left >= size || n.Right <= pos || n.Right >= size {
			return fmt.Errorf("node %d has children %d, %d outside (%d, %d)", j, n.Left, n.Right, j, size)
		}
	}
	return nil
}

// AnomalyThreshold is the normalized score at which an event counts as
// anomalous.
const AnomalyThreshold = 0.7

// Normalize maps a decision value onto 0..1, higher being more anomalous.
func Normalize(score float64) float64 {
	return min(1, max(0, 0.5-score))
}

// IsAnomalous reports whether a decision value crosses the fixed threshold.
func IsAnomalous(score float64) bool {
	return Normalize(score) >= AnomalyThreshold
}
