package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// ReplayResult counts what a replay moved.
type ReplayResult struct {
	Replayed int
	Skipped  int
}

// Replayer moves dead-lettered events back onto the inbound topic with a
// fresh delivery attempt counter.
type Replayer struct {
	reader   reader
	producer *Producer
	topic    string
	logger   *slog.Logger
}

// NewReplayer reads the dead-letter topic under its own consumer group.
func NewReplayer(cfg Config, producer *Producer, logger *slog.Logger) (*Replayer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.ConsumerGroup + "-replay",
		Topic:       cfg.DeadLetterTopic,
		Dialer:      dialer,
		MaxBytes:    cfg.ConsumerMaxBytes,
		StartOffset: kafka.FirstOffset,
	})
	return newReplayer(r, producer, cfg.Topic, logger), nil
}

func newReplayer(r reader, producer *Producer, topic string, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{reader: r, producer: producer, topic: topic, logger: logger.With("component", "dlq-replay")}
}

// Replay moves up to limit messages (all available until ctx ends when
// limit <= 0). keep filters messages by their dead-letter cause; nil keeps
// everything.
func (r *Replayer) Replay(ctx context.Context, limit int, keep func(cause string) bool) (ReplayResult, error) {
	var res ReplayResult
	for limit <= 0 || res.Replayed+res.Skipped < limit {
		m, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return res, nil
			}
			return res, fmt.Errorf("kafka: replay fetch: %w", err)
		}

		cause := headerValue(m.Headers, HeaderDeadLetterCause)
		if keep == nil || keep(cause) {
			out := kafka.Message{Topic: r.topic, Key: m.Key, Value: m.Value}
			for _, h := range m.Headers {
				switch h.Key {
				case HeaderDeliveryAttempt, HeaderDeadLetterCause, HeaderOriginalTopic, HeaderOriginalOffset, HeaderFailedAt:
					continue
				}
				out.Headers = append(out.Headers, h)
			}
			if err := r.producer.publish(ctx, out); err != nil {
				return res, err
			}
			res.Replayed++
		} else {
			res.Skipped++
		}

		if err := r.reader.CommitMessages(ctx, m); err != nil {
			return res, fmt.Errorf("kafka: replay commit: %w", err)
		}
	}
	r.logger.Info("dead-letter replay finished", "replayed", res.Replayed, "skipped", res.Skipped)
	return res, nil
}

// Close closes the reader.
func (r *Replayer) Close() error {
	return r.reader.Close()
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
