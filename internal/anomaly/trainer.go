package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"iam-monitor/internal/schema"
	"iam-monitor/internal/storage/s3"
)

// ErrRetrainInProgress is returned when Retrain is called while another
// retrain is running.
var ErrRetrainInProgress = errors.New("anomaly: retrain already in progress")

// WindowSource loads the events of a training window.
type WindowSource interface {
	TrainingWindow(ctx context.Context, since time.Time, limit int) ([]*schema.Event, error)
}

// BlobStore persists encoded baselines. Put must replace the object
// atomically.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// TrainStats describes one completed retrain.
type TrainStats struct {
	Version  string
	Samples  int
	Bytes    int
	Duration time.Duration
}

// Trainer retrains the baseline from the detection log, persists it and
// installs it in the scorer.
type Trainer struct {
	cfg    Config
	window WindowSource
	store  BlobStore
	scorer *Scorer
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex

	// OnRetrain, when set, is called after every retrain attempt.
	OnRetrain func(stats TrainStats, err error)
}

// NewTrainer creates a trainer. store may be nil, in which case baselines
// are only held in memory.
func NewTrainer(cfg Config, window WindowSource, store BlobStore, scorer *Scorer, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		cfg:    cfg,
		window: window,
		store:  store,
		scorer: scorer,
		logger: logger.With("component", "anomaly-trainer"),
		now:    time.Now,
	}
}

// Retrain trains over the configured window, persists the result and swaps
// it in. Scoring continues on the previous baseline until the swap.
func (t *Trainer) Retrain(ctx context.Context) (TrainStats, error) {
	if !t.mu.TryLock() {
		return TrainStats{}, ErrRetrainInProgress
	}
	defer t.mu.Unlock()

	stats, err := t.retrain(ctx)
	if t.OnRetrain != nil {
		t.OnRetrain(stats, err)
	}
	return stats, err
}

func (t *Trainer) retrain(ctx context.Context) (TrainStats, error) {
	start := t.now()
	since := start.Add(-time.Duration(t.cfg.WindowDays) * 24 * time.Hour)

	events, err := t.window.TrainingWindow(ctx, since, t.cfg.MaxWindowEvents)
	if err != nil {
		return TrainStats{}, fmt.Errorf("load training window: %w", err)
	}
	b, err := Train(events, t.cfg, start)
	if err != nil {
		return TrainStats{}, err
	}

	stats := TrainStats{Version: b.Version, Samples: b.Samples}
	if t.store != nil {
		data, err := Encode(b)
		if err != nil {
			return stats, err
		}
		if err := t.store.Put(ctx, t.cfg.BaselineKey, data); err != nil {
			return stats, fmt.Errorf("persist baseline: %w", err)
		}
		stats.Bytes = len(data)
	}

	t.scorer.Swap(b)
	stats.Duration = t.now().Sub(start)
	t.logger.Info("baseline retrained",
		"version", b.Version,
		"samples", b.Samples,
		"offset", b.Offset,
		"bytes", stats.Bytes,
		"duration", stats.Duration)
	return stats, nil
}

// Load installs the persisted baseline, if any. A missing object is not an
// error; the scorer stays unavailable until the first retrain.
func (t *Trainer) Load(ctx context.Context) (bool, error) {
	if t.store == nil {
		return false, nil
	}
	data, err := t.store.Get(ctx, t.cfg.BaselineKey)
	if errors.Is(err, s3.ErrNotFound) {
		t.logger.Info("no persisted baseline found", "key", t.cfg.BaselineKey)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load baseline: %w", err)
	}
	b, err := Decode(data)
	if err != nil {
		return false, err
	}
	t.scorer.Swap(b)
	t.logger.Info("baseline loaded", "version", b.Version, "trained_at", b.TrainedAt, "samples", b.Samples)
	return true, nil
}

// Run retrains on the configured interval until ctx is done. When no
// baseline is loaded at start it retrains immediately.
func (t *Trainer) Run(ctx context.Context) {
	if t.cfg.RetrainInterval <= 0 {
		return
	}
	if !t.scorer.Ready() {
		t.runOnce(ctx)
	}

	ticker := time.NewTicker(t.cfg.RetrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

func (t *Trainer) runOnce(ctx context.Context) {
	if _, err := t.Retrain(ctx); err != nil {
		if errors.Is(err, ErrInsufficientData) {
			t.logger.Info("skipping retrain", "reason", err.Error())
			return
		}
		t.logger.Error("scheduled retrain failed", "error", err)
	}
}
