package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Common errors
var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrNoTopic        = errors.New("kafka: message has no topic")
)

// writer is the subset of *kafka.Writer the producer uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes alerts and dead-lettered events. Every message names
// its own topic.
type Producer struct {
	writer writer
	config Config
	logger *slog.Logger

	produced atomic.Int64
	errs     atomic.Int64
	closed   atomic.Bool
}

// NewProducer creates a producer on the configured brokers.
func NewProducer(cfg Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.ProducerBatchSize,
		BatchTimeout: cfg.ProducerBatchTimeout,
		MaxAttempts:  1, // retries are ours
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.compression(),
		Transport: &kafka.Transport{
			Dial:     dialer.DialFunc,
			TLS:      dialer.TLS,
			SASL:     dialer.SASLMechanism,
			ClientID: cfg.ClientID,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"compression", cfg.CompressionType,
	)
	return newProducer(w, cfg, logger), nil
}

func newProducer(w writer, cfg Config, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		writer: w,
		config: cfg,
		logger: logger.With("component", "kafka-producer"),
	}
}

// Publish sends value to topic with optional headers.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers ...Header) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}
	for _, h := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: h.Key, Value: h.Value})
	}
	return p.publish(ctx, msg)
}

// PublishJSON marshals v and sends it to topic.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message: %w", err)
	}
	return p.Publish(ctx, topic, []byte(key), data)
}

// publish writes messages, retrying transient failures with doubling backoff.
func (p *Producer) publish(ctx context.Context, msgs ...kafka.Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	for _, m := range msgs {
		if m.Topic == "" {
			return ErrNoTopic
		}
	}

	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}

		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			p.produced.Add(int64(len(msgs)))
			return nil
		}

		lastErr = err
		p.errs.Add(1)
		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)
		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// HealthCheck dials the first broker and lists the cluster.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	dialer, err := p.config.dialer()
	if err != nil {
		return err
	}
	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to connect: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("kafka: failed to get brokers: %w", err)
	}
	return nil
}

// Metrics returns producer counters.
func (p *Producer) Metrics() Metrics {
	return Metrics{
		MessagesProduced: p.produced.Load(),
		Errors:           p.errs.Load(),
	}
}

// Close flushes buffered messages and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "messages_produced", p.produced.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

// isNonRetryableError reports broker errors that retrying cannot fix.
func isNonRetryableError(err error) bool {
	for _, e := range []kafka.Error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.GroupAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
