package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	drained   chan struct{}
	once      sync.Once
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	r.once.Do(func() { close(r.drained) })
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
	fail    int
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RedeliveryBackoff = time.Millisecond
	cfg.MaxRedeliveryDelay = 4 * time.Millisecond
	cfg.ProducerRetryBackoff = time.Millisecond
	cfg.ProcessTimeout = time.Second
	return cfg
}

// runConsumer drives the consumer until the fake reader is drained.
func runConsumer(t *testing.T, msgs []kafka.Message, handler MessageHandler) (*Consumer, *fakeReader, *fakeWriter) {
	t.Helper()
	cfg := testConfig()
	r := newFakeReader(msgs...)
	w := &fakeWriter{}
	c, err := newConsumer(r, cfg, handler, newProducer(w, cfg, testLogger()), testLogger())
	if err != nil {
		t.Fatalf("newConsumer() error = %v", err)
	}
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the reader")
	}
	cancel()
	<-done
	return c, r, w
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxDeliveryAttempts != 5 {
		t.Errorf("MaxDeliveryAttempts = %d, want 5", cfg.MaxDeliveryAttempts)
	}
	if cfg.DeadLetterTopic == cfg.Topic {
		t.Error("dead-letter topic must differ from inbound topic")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no dlq", func(c *Config) { c.DeadLetterTopic = "" }, true},
		{"dlq equals topic", func(c *Config) { c.DeadLetterTopic = c.Topic }, true},
		{"zero attempts", func(c *Config) { c.MaxDeliveryAttempts = 0 }, true},
		{"bad protocol", func(c *Config) { c.SecurityProtocol = "HTTP" }, true},
		{"sasl without creds", func(c *Config) {
			c.SecurityProtocol = "SASL_SSL"
			c.SASLMechanism = "PLAIN"
		}, true},
		{"sasl ok", func(c *Config) {
			c.SecurityProtocol = "SASL_PLAINTEXT"
			c.SASLMechanism = "SCRAM-SHA-512"
			c.SASLUsername = "svc"
			c.SASLPassword = "pw"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConsumer_CommitsAfterSuccess(t *testing.T) {
	msgs := []kafka.Message{{Topic: "iam-audit-events", Offset: 1, Value: []byte("a")}}
	var calls int
	c, r, w := runConsumer(t, msgs, func(ctx context.Context, m Message) error {
		calls++
		if m.Attempt != 1 {
			t.Errorf("Attempt = %d, want 1", m.Attempt)
		}
		return nil
	})

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if len(r.committed) != 1 {
		t.Errorf("committed = %d, want 1", len(r.committed))
	}
	if len(w.written) != 0 {
		t.Errorf("unexpected dead-letter writes: %d", len(w.written))
	}
	if got := c.Metrics().MessagesConsumed; got != 1 {
		t.Errorf("MessagesConsumed = %d", got)
	}
}

func TestConsumer_RedeliversThenSucceeds(t *testing.T) {
	msgs := []kafka.Message{{Topic: "iam-audit-events", Offset: 7, Value: []byte("a")}}
	var attempts []int
	c, r, w := runConsumer(t, msgs, func(ctx context.Context, m Message) error {
		attempts = append(attempts, m.Attempt)
		if len(attempts) < 3 {
			return errors.New("clickhouse unavailable")
		}
		return nil
	})

	if len(attempts) != 3 || attempts[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
	if len(r.committed) != 1 {
		t.Errorf("committed = %d, want 1", len(r.committed))
	}
	if len(w.written) != 0 {
		t.Errorf("message should not be dead-lettered")
	}
	if got := c.Metrics().Redeliveries; got != 2 {
		t.Errorf("Redeliveries = %d, want 2", got)
	}
}

func TestConsumer_DeadLettersAfterMaxAttempts(t *testing.T) {
	msgs := []kafka.Message{{
		Topic:   "iam-audit-events",
		Offset:  9,
		Key:     []byte("evt-1"),
		Value:   []byte("payload"),
		Headers: []kafka.Header{{Key: "trace", Value: []byte("t1")}},
	}}
	var calls int
	var hooked Message
	cfg := testConfig()

	r := newFakeReader(msgs...)
	w := &fakeWriter{}
	c, err := newConsumer(r, cfg, func(ctx context.Context, m Message) error {
		calls++
		return errors.New("password=hunter22 rejected")
	}, newProducer(w, cfg, testLogger()), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	c.OnDeadLetter(func(m Message, _ error) { hooked = m })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	<-r.drained
	cancel()
	<-done

	if calls != cfg.MaxDeliveryAttempts {
		t.Errorf("handler calls = %d, want %d", calls, cfg.MaxDeliveryAttempts)
	}
	if len(w.written) != 1 {
		t.Fatalf("dead-letter writes = %d, want 1", len(w.written))
	}
	dl := w.written[0]
	if dl.Topic != cfg.DeadLetterTopic {
		t.Errorf("topic = %q", dl.Topic)
	}
	if string(dl.Value) != "payload" || string(dl.Key) != "evt-1" {
		t.Errorf("dead-letter payload changed: %q/%q", dl.Key, dl.Value)
	}
	if got := headerValue(dl.Headers, HeaderDeliveryAttempt); got != strconv.Itoa(cfg.MaxDeliveryAttempts) {
		t.Errorf("attempt header = %q", got)
	}
	if got := headerValue(dl.Headers, "trace"); got != "t1" {
		t.Errorf("original header lost: %q", got)
	}
	if cause := headerValue(dl.Headers, HeaderDeadLetterCause); cause == "" || strings.Contains(cause, "hunter22") {
		t.Errorf("cause header = %q", cause)
	}
	if len(r.committed) != 1 {
		t.Errorf("offset should be committed after dead-lettering")
	}
	if hooked.Offset != 9 {
		t.Errorf("dead-letter hook not called")
	}
}

func TestConsumer_PermanentErrorSkipsRedelivery(t *testing.T) {
	msgs := []kafka.Message{{Topic: "iam-audit-events", Offset: 3, Value: []byte("{")}}
	var calls int
	c, r, w := runConsumer(t, msgs, func(ctx context.Context, m Message) error {
		calls++
		return Permanent(errors.New("malformed payload"))
	})

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if len(w.written) != 1 {
		t.Errorf("dead-letter writes = %d, want 1", len(w.written))
	}
	if len(r.committed) != 1 {
		t.Errorf("committed = %d", len(r.committed))
	}
	if c.Metrics().Redeliveries != 0 {
		t.Errorf("permanent error was redelivered")
	}
}

func TestConsumer_ResumesAttemptCountFromHeader(t *testing.T) {
	msgs := []kafka.Message{{
		Topic:   "iam-audit-events",
		Value:   []byte("a"),
		Headers: []kafka.Header{{Key: HeaderDeliveryAttempt, Value: []byte("4")}},
	}}
	var attempts []int
	_, _, w := runConsumer(t, msgs, func(ctx context.Context, m Message) error {
		attempts = append(attempts, m.Attempt)
		return errors.New("still failing")
	})

	if len(attempts) != 2 || attempts[0] != 4 || attempts[1] != 5 {
		t.Errorf("attempts = %v, want [4 5]", attempts)
	}
	if len(w.written) != 1 {
		t.Errorf("dead-letter writes = %d", len(w.written))
	}
}

func TestConsumer_HandlerPanicIsRedelivered(t *testing.T) {
	msgs := []kafka.Message{{Topic: "iam-audit-events", Value: []byte("a")}}
	var calls int
	_, r, _ := runConsumer(t, msgs, func(ctx context.Context, m Message) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	})
	if calls != 2 || len(r.committed) != 1 {
		t.Errorf("calls = %d committed = %d", calls, len(r.committed))
	}
}

func TestRedeliveryDelay(t *testing.T) {
	c := &Consumer{config: Config{RedeliveryBackoff: time.Second, MaxRedeliveryDelay: 5 * time.Second}}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := c.redeliveryDelay(i + 1); got != w {
			t.Errorf("redeliveryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestProducer_RetriesTransientErrors(t *testing.T) {
	cfg := testConfig()
	w := &fakeWriter{fail: 2, err: errors.New("broker not available")}
	p := newProducer(w, cfg, testLogger())

	if err := p.PublishJSON(context.Background(), "iam-alerts", "evt-1", map[string]int{"risk": 90}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}
	if len(w.written) != 1 || w.written[0].Topic != "iam-alerts" {
		t.Errorf("written = %+v", w.written)
	}
	if p.Metrics().Errors != 2 {
		t.Errorf("Errors = %d, want 2", p.Metrics().Errors)
	}
}

func TestProducer_NonRetryable(t *testing.T) {
	cfg := testConfig()
	w := &fakeWriter{fail: 10, err: kafka.MessageSizeTooLarge}
	p := newProducer(w, cfg, testLogger())

	err := p.Publish(context.Background(), "iam-alerts", nil, []byte("x"))
	if err == nil {
		t.Fatal("expected error")
	}
	if w.fail != 9 {
		t.Errorf("non-retryable error was retried (%d left)", w.fail)
	}
}

func TestProducer_RejectsMissingTopicAndClosed(t *testing.T) {
	p := newProducer(&fakeWriter{}, testConfig(), testLogger())
	if err := p.Publish(context.Background(), "", nil, []byte("x")); !errors.Is(err, ErrNoTopic) {
		t.Errorf("err = %v, want ErrNoTopic", err)
	}
	p.Close()
	if err := p.Publish(context.Background(), "t", nil, []byte("x")); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("err = %v, want ErrProducerClosed", err)
	}
}

func TestReplayer(t *testing.T) {
	cfg := testConfig()
	dead := []kafka.Message{
		{Value: []byte("a"), Headers: []kafka.Header{
			{Key: HeaderDeliveryAttempt, Value: []byte("5")},
			{Key: HeaderDeadLetterCause, Value: []byte("clickhouse unavailable")},
			{Key: "trace", Value: []byte("t1")},
		}},
		{Value: []byte("b"), Headers: []kafka.Header{
			{Key: HeaderDeadLetterCause, Value: []byte("MalformedPayload: bad json")},
		}},
	}
	r := newFakeReader(dead...)
	w := &fakeWriter{}
	rep := newReplayer(r, newProducer(w, cfg, testLogger()), cfg.Topic, testLogger())

	res, err := rep.Replay(context.Background(), 2, func(cause string) bool {
		return !strings.Contains(cause, "MalformedPayload")
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Replayed != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(w.written) != 1 || w.written[0].Topic != cfg.Topic {
		t.Fatalf("written = %+v", w.written)
	}
	if headerValue(w.written[0].Headers, HeaderDeliveryAttempt) != "" {
		t.Error("attempt header should be reset on replay")
	}
	if headerValue(w.written[0].Headers, "trace") != "t1" {
		t.Error("custom header lost on replay")
	}
	if len(r.committed) != 2 {
		t.Errorf("committed = %d, want 2", len(r.committed))
	}
}
