package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"iam-monitor/internal/schema"
)

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size" validate:"min=1"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter buffers low-severity detections and inserts them in batches.
// Such verdicts exist mainly as training data, so losing a partial buffer on
// crash only thins the next baseline.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig
	logger *slog.Logger

	mu     sync.Mutex
	buffer []*schema.AggregatedRisk
	closed bool

	flushTimer *time.Timer

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter starts a writer with a periodic flush.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger.With("component", "batch-writer"),
		buffer: make([]*schema.AggregatedRisk, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Write adds a verdict to the batch; a full buffer is flushed inline.
func (bw *BatchWriter) Write(risk *schema.AggregatedRisk) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}
	bw.buffer = append(bw.buffer, risk)
	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if err := bw.flushLocked(); err != nil {
		bw.logger.Error("timer flush failed", "error", err)
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked inserts the buffer with linear retry delay. Caller holds mu.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}
	pending := bw.buffer
	bw.buffer = make([]*schema.AggregatedRisk, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}
		if err := bw.insertBatch(pending); err != nil {
			lastErr = err
			if errors.Is(err, ErrInvalidData) {
				break
			}
			bw.logger.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}
		bw.totalWritten.Add(uint64(len(pending)))
		bw.batchCount.Add(1)
		return nil
	}

	bw.totalFailed.Add(uint64(len(pending)))
	return fmt.Errorf("batch insert failed after %d retries: %w", bw.config.MaxRetries, lastErr)
}

func (bw *BatchWriter) insertBatch(pending []*schema.AggregatedRisk) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, insertDetection)
	if err != nil {
		return WrapQueryError("PrepareBatch", tableDetections, err)
	}

	appended := 0
	for _, risk := range pending {
		row, err := detectionRow(risk)
		if err != nil {
			bw.logger.Warn("skipping unencodable detection", "event_id", risk.EventID, "error", err)
			continue
		}
		if err := batch.Append(row...); err != nil {
			batch.Abort()
			return WrapQueryError("Append", tableDetections, err)
		}
		appended++
	}
	if appended == 0 {
		batch.Abort()
		return &StorageError{Op: "insertBatch", Table: tableDetections, Err: ErrInvalidData}
	}
	if err := batch.Send(); err != nil {
		return WrapQueryError("Send", tableDetections, err)
	}

	bw.logger.Debug("batch inserted", "count", appended)
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and flushes what is left.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()

	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// DetectionRecorder writes MEDIUM and above synchronously and batches the
// rest.
type DetectionRecorder struct {
	repo  *Repository
	batch *BatchWriter
}

// NewDetectionRecorder combines a repository and a batch writer.
func NewDetectionRecorder(repo *Repository, batch *BatchWriter) *DetectionRecorder {
	return &DetectionRecorder{repo: repo, batch: batch}
}

// RecordDetection persists risk.
func (d *DetectionRecorder) RecordDetection(ctx context.Context, risk *schema.AggregatedRisk) error {
	if d.batch != nil && !risk.Severity.AtLeast(schema.SeverityMedium) {
		return d.batch.Write(risk)
	}
	return d.repo.SaveDetection(ctx, risk)
}
