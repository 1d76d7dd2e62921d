package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"iam-monitor/internal/logging"
)

// MessageHandler processes one consumed message. Return nil to acknowledge
// it, a Permanent error to dead-letter it at once, or any other error to
// have it redelivered.
type MessageHandler func(ctx context.Context, msg Message) error

// Message is a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Time      time.Time

	// Attempt is the 1-based delivery attempt for this message.
	Attempt int
}

// Header is a Kafka message header.
type Header struct {
	Key   string
	Value []byte
}

// PermanentError marks a failure that redelivery cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the consumer dead-letters the message without
// further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// reader is the subset of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterHook is called after a message lands on the dead-letter topic.
type DeadLetterHook func(msg Message, cause error)

// Consumer reads audit events from the inbound topic. A message's offset is
// committed only after the handler succeeds or the message is safely on
// the dead-letter topic.
type Consumer struct {
	reader     reader
	deadLetter *Producer
	config     Config
	logger     *slog.Logger
	handler    MessageHandler
	onDead     DeadLetterHook
	sleep      func(ctx context.Context, d time.Duration) error

	consumed     atomic.Int64
	redeliveries atomic.Int64
	deadLettered atomic.Int64
	errs         atomic.Int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewConsumer creates a consumer bound to the configured consumer group.
// deadLetter publishes to cfg.DeadLetterTopic.
func NewConsumer(cfg Config, handler MessageHandler, deadLetter *Producer, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		Dialer:         dialer,
		MinBytes:       cfg.ConsumerMinBytes,
		MaxBytes:       cfg.ConsumerMaxBytes,
		MaxWait:        cfg.ConsumerMaxWait,
		StartOffset:    cfg.StartOffset,
		SessionTimeout: cfg.SessionTimeout,
		CommitInterval: 0, // synchronous commits
	})

	return newConsumer(r, cfg, handler, deadLetter, logger)
}

func newConsumer(r reader, cfg Config, handler MessageHandler, deadLetter *Producer, logger *slog.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}
	if deadLetter == nil {
		return nil, errors.New("kafka: dead-letter producer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:     r,
		deadLetter: deadLetter,
		config:     cfg,
		logger:     logger.With("component", "kafka-consumer", "topic", cfg.Topic),
		handler:    handler,
		sleep:      sleepContext,
	}, nil
}

// OnDeadLetter registers a hook invoked for every dead-lettered message.
func (c *Consumer) OnDeadLetter(hook DeadLetterHook) {
	c.onDead = hook
}

// Start consumes until ctx is cancelled or Stop is called. It blocks.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("kafka: consumer already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.logger.Info("starting consumer", "group", c.config.ConsumerGroup)
	c.wg.Add(1)
	defer c.wg.Done()
	return c.consumeLoop(ctx)
}

// StartAsync runs Start in a goroutine.
func (c *Consumer) StartAsync(ctx context.Context) {
	go func() {
		if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer stopped", "error", err)
		}
	}()
}

func (c *Consumer) consumeLoop(ctx context.Context) error {
	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.errs.Add(1)
			c.logger.Error("failed to fetch message", "error", err)
			if err := c.sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		c.consumed.Add(1)
		if err := c.deliver(ctx, raw); err != nil {
			// Offset stays uncommitted; the group redelivers after restart.
			return err
		}
		if err := c.reader.CommitMessages(ctx, raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.errs.Add(1)
			c.logger.Error("failed to commit offset",
				"partition", raw.Partition,
				"offset", raw.Offset,
				"error", err,
			)
		}
	}
}

// deliver runs the handler with bounded redelivery. It returns nil once the
// message is either handled or dead-lettered, and an error only when the
// context ends first.
func (c *Consumer) deliver(ctx context.Context, raw kafka.Message) error {
	msg := fromKafka(raw)
	start := msg.Attempt

	var lastErr error
	for attempt := start; attempt <= c.config.MaxDeliveryAttempts; attempt++ {
		msg.Attempt = attempt
		lastErr = c.process(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.errs.Add(1)

		if IsPermanent(lastErr) {
			c.logger.Warn("message rejected",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", lastErr,
			)
			break
		}
		if attempt == c.config.MaxDeliveryAttempts {
			break
		}

		c.redeliveries.Add(1)
		delay := c.redeliveryDelay(attempt - start + 1)
		c.logger.Warn("message processing failed, redelivering",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return c.sendToDeadLetter(ctx, msg, lastErr)
}

func (c *Consumer) process(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kafka: handler panic: %v", r)
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, c.config.ProcessTimeout)
	defer cancel()
	return c.handler(pctx, msg)
}

// sendToDeadLetter keeps trying until the dead-letter write succeeds or
// ctx ends; the message is never dropped.
func (c *Consumer) sendToDeadLetter(ctx context.Context, msg Message, cause error) error {
	dl := deadLetterMessage(c.config.DeadLetterTopic, msg, cause, time.Now().UTC())

	for wait := c.config.RedeliveryBackoff; ; {
		err := c.deadLetter.publish(ctx, dl)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.errs.Add(1)
		c.logger.Error("dead-letter publish failed", "offset", msg.Offset, "error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
		wait = min(wait*2, c.config.MaxRedeliveryDelay)
	}

	c.deadLettered.Add(1)
	c.logger.Warn("message dead-lettered",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"attempts", msg.Attempt,
		"cause", cause,
	)
	if c.onDead != nil {
		c.onDead(msg, cause)
	}
	return nil
}

// redeliveryDelay doubles the base backoff per failed attempt.
func (c *Consumer) redeliveryDelay(failures int) time.Duration {
	d := c.config.RedeliveryBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if c.config.MaxRedeliveryDelay > 0 && d >= c.config.MaxRedeliveryDelay {
			return c.config.MaxRedeliveryDelay
		}
	}
	return d
}

// Stop cancels consumption and closes the reader.
func (c *Consumer) Stop() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close reader: %w", err)
	}
	c.logger.Info("consumer stopped")
	return nil
}

// Metrics returns a snapshot of consumer counters.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		MessagesConsumed: c.consumed.Load(),
		Redeliveries:     c.redeliveries.Load(),
		DeadLettered:     c.deadLettered.Load(),
		Errors:           c.errs.Load(),
	}
}

// ConsumerGroup runs several consumers in the same group.
type ConsumerGroup struct {
	consumers []*Consumer
	logger    *slog.Logger
}

// NewConsumerGroup creates cfg.Consumers consumers sharing handler.
func NewConsumerGroup(cfg Config, handler MessageHandler, deadLetter *Producer, logger *slog.Logger) (*ConsumerGroup, error) {
	n := max(cfg.Consumers, 1)
	g := &ConsumerGroup{logger: logger}
	for i := 0; i < n; i++ {
		c, err := NewConsumer(cfg, handler, deadLetter, logger.With("consumer", i))
		if err != nil {
			for _, started := range g.consumers {
				started.Stop()
			}
			return nil, err
		}
		g.consumers = append(g.consumers, c)
	}
	return g, nil
}

// OnDeadLetter registers hook on every member.
func (g *ConsumerGroup) OnDeadLetter(hook DeadLetterHook) {
	for _, c := range g.consumers {
		c.OnDeadLetter(hook)
	}
}

// Start launches every consumer.
func (g *ConsumerGroup) Start(ctx context.Context) {
	for _, c := range g.consumers {
		c.StartAsync(ctx)
	}
}

// Stop stops every consumer and returns the first error.
func (g *ConsumerGroup) Stop() error {
	var first error
	for _, c := range g.consumers {
		if err := c.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Metrics aggregates member counters.
func (g *ConsumerGroup) Metrics() Metrics {
	var m Metrics
	for _, c := range g.consumers {
		cm := c.Metrics()
		m.MessagesConsumed += cm.MessagesConsumed
		m.Redeliveries += cm.Redeliveries
		m.DeadLettered += cm.DeadLettered
		m.Errors += cm.Errors
	}
	return m
}

func fromKafka(m kafka.Message) Message {
	msg := Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
		Attempt:   1,
	}
	for _, h := range m.Headers {
		msg.Headers = append(msg.Headers, Header{Key: h.Key, Value: h.Value})
		if h.Key == HeaderDeliveryAttempt {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				msg.Attempt = n
			}
		}
	}
	return msg
}

func deadLetterMessage(topic string, msg Message, cause error, failedAt time.Time) kafka.Message {
	reason := "unknown"
	if cause != nil {
		reason = logging.MaskSensitivePatterns(cause.Error())
	}

	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	for _, h := range msg.Headers {
		switch h.Key {
		case HeaderDeliveryAttempt, HeaderDeadLetterCause, HeaderOriginalTopic, HeaderOriginalOffset, HeaderFailedAt:
			continue
		}
		headers = append(headers, kafka.Header{Key: h.Key, Value: h.Value})
	}
	headers = append(headers,
		kafka.Header{Key: HeaderDeliveryAttempt, Value: []byte(strconv.Itoa(msg.Attempt))},
		kafka.Header{Key: HeaderDeadLetterCause, Value: []byte(reason)},
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(fmt.Sprintf("%d/%d", msg.Partition, msg.Offset))},
		kafka.Header{Key: HeaderFailedAt, Value: []byte(failedAt.Format(time.RFC3339))},
	)

	return kafka.Message{
		Topic:   topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
