package alerting

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"iam-monitor/internal/schema"
	"iam-monitor/internal/storage/kv"
)

type stubChannel struct {
	name string
	mu   sync.Mutex
	errs []error
	sent []*Alert
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) Send(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, alert)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubChannel) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func testNotifierConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = time.Millisecond
	cfg.SendTimeout = time.Second
	return cfg
}

func TestNotifyFanOut(t *testing.T) {
	slack := &stubChannel{name: "slack"}
	hook := &stubChannel{name: "webhook"}
	pager := &stubChannel{name: "pagerduty"}
	n := NewNotifier(testNotifierConfig(), kv.NewMemory(kv.DefaultConfig()), nil, slack, hook, pager)

	res := n.Notify(context.Background(), testRisk(schema.SeverityHigh, 70), nil)
	if err := res.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Delivered) != 3 {
		t.Errorf("expected 3 deliveries, got %v", res.Delivered)
	}
	for _, ch := range []*stubChannel{slack, hook, pager} {
		if ch.calls() != 1 {
			t.Errorf("%s: expected 1 send, got %d", ch.name, ch.calls())
		}
	}
}

func TestNotifyIdempotentPerChannel(t *testing.T) {
	slack := &stubChannel{name: "slack"}
	hook := &stubChannel{name: "webhook", errs: []error{&HTTPError{StatusCode: http.StatusBadRequest}}}
	n := NewNotifier(testNotifierConfig(), kv.NewMemory(kv.DefaultConfig()), nil, slack, hook)
	risk := testRisk(schema.SeverityHigh, 70)

	first := n.Notify(context.Background(), risk, nil)
	if len(first.Failures) != 1 || first.Failures[0].Channel != "webhook" {
		t.Fatalf("expected webhook failure, got %+v", first.Failures)
	}
	if first.Err() == nil {
		t.Fatal("expected joined error")
	}
	var de *DeliveryError
	if !errors.As(first.Err(), &de) || de.Channel != "webhook" {
		t.Errorf("expected DeliveryError for webhook, got %v", first.Err())
	}

	second := n.Notify(context.Background(), risk, nil)
	if second.Err() != nil {
		t.Fatalf("redelivery should succeed: %v", second.Err())
	}
	if len(second.Duplicates) != 1 || second.Duplicates[0] != "slack" {
		t.Errorf("slack should be a duplicate, got %v", second.Duplicates)
	}
	if len(second.Delivered) != 1 || second.Delivered[0] != "webhook" {
		t.Errorf("webhook should be delivered, got %v", second.Delivered)
	}
	if slack.calls() != 1 {
		t.Errorf("slack sent %d times, expected once", slack.calls())
	}

	third := n.Notify(context.Background(), risk, nil)
	if len(third.Delivered) != 0 || len(third.Duplicates) != 2 {
		t.Errorf("expected everything deduplicated, got %+v", third)
	}
}

func TestNotifyRetriesTransient(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"recovers after 503", []error{&HTTPError{StatusCode: 503}}, 2, false},
		{"network error retried", []error{errors.New("connection reset"), errors.New("connection reset")}, 3, false},
		{"exhausts attempts", []error{&HTTPError{StatusCode: 500}, &HTTPError{StatusCode: 502}, &HTTPError{StatusCode: 503}}, 3, true},
		{"client error not retried", []error{&HTTPError{StatusCode: 404}}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &stubChannel{name: "webhook", errs: tt.errs}
			n := NewNotifier(testNotifierConfig(), nil, nil, ch)

			res := n.Notify(context.Background(), testRisk(schema.SeverityCritical, 90), nil)
			if ch.calls() != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, ch.calls())
			}
			if (res.Err() != nil) != tt.wantErr {
				t.Errorf("wantErr=%v, got %v", tt.wantErr, res.Err())
			}
			if tt.wantErr && res.Failures[0].Attempts != tt.wantCalls {
				t.Errorf("expected %d attempts recorded, got %d", tt.wantCalls, res.Failures[0].Attempts)
			}
		})
	}
}

func TestNotifyMinSeverity(t *testing.T) {
	tests := []struct {
		sev        schema.Severity
		suppressed bool
	}{
		{schema.SeverityLow, true},
		{schema.SeverityMedium, false},
		{schema.SeverityHigh, false},
		{schema.SeverityCritical, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.sev), func(t *testing.T) {
			ch := &stubChannel{name: "log"}
			n := NewNotifier(testNotifierConfig(), nil, nil, ch)
			res := n.Notify(context.Background(), testRisk(tt.sev, 10), nil)
			if res.Suppressed != tt.suppressed {
				t.Errorf("expected suppressed=%v", tt.suppressed)
			}
			if want := map[bool]int{true: 0, false: 1}[tt.suppressed]; ch.calls() != want {
				t.Errorf("expected %d sends, got %d", want, ch.calls())
			}
		})
	}
}

type failingDedup struct{}

func (failingDedup) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis unavailable")
}

func (failingDedup) Extend(context.Context, string, time.Duration) error { return nil }

func (failingDedup) Release(context.Context, string) error { return nil }

// ttlDedup records the lifetime asked of every claim.
type ttlDedup struct {
	mu       sync.Mutex
	claims   map[string]time.Duration
	extended map[string]time.Duration
}

func newTTLDedup() *ttlDedup {
	return &ttlDedup{claims: map[string]time.Duration{}, extended: map[string]time.Duration{}}
}

func (d *ttlDedup) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.claims[key]; ok {
		return false, nil
	}
	d.claims[key] = ttl
	return true, nil
}

func (d *ttlDedup) Extend(_ context.Context, key string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extended[key] = ttl
	return nil
}

func (d *ttlDedup) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claims, key)
	return nil
}

func TestNotifyClaimIsShortUntilDelivered(t *testing.T) {
	ok := &stubChannel{name: "slack"}
	down := &stubChannel{name: "pagerduty", errs: []error{&HTTPError{StatusCode: http.StatusBadRequest}}}
	dedup := newTTLDedup()
	cfg := testNotifierConfig()
	n := NewNotifier(cfg, dedup, nil, ok, down)

	risk := testRisk(schema.SeverityHigh, 70)
	n.Notify(context.Background(), risk, nil)

	slackKey := "notify:" + risk.EventID + ":slack"
	if got := dedup.claims[slackKey]; got != cfg.ClaimTTL {
		t.Errorf("claim ttl = %v, want %v", got, cfg.ClaimTTL)
	}
	if got := dedup.extended[slackKey]; got != cfg.DedupTTL {
		t.Errorf("delivered claim extended to %v, want %v", got, cfg.DedupTTL)
	}
	pagerKey := "notify:" + risk.EventID + ":pagerduty"
	if _, ok := dedup.extended[pagerKey]; ok {
		t.Error("failed delivery must not be confirmed")
	}
	if _, ok := dedup.claims[pagerKey]; ok {
		t.Error("failed delivery must release its claim")
	}
}

func TestNotifyUnconfirmedClaimLapses(t *testing.T) {
	mem := kv.NewMemory(kv.DefaultConfig())
	ch := &stubChannel{name: "slack"}
	cfg := testNotifierConfig()
	cfg.ClaimTTL = 0
	cfg.MaxAttempts = 1
	cfg.SendTimeout = 10 * time.Millisecond
	cfg.Backoff = 0
	n := NewNotifier(cfg, mem, nil, ch)

	// A worker claimed the alert and died before sending it.
	risk := testRisk(schema.SeverityHigh, 70)
	if ok, _ := mem.Claim(context.Background(), "notify:"+risk.EventID+":slack", n.cfg.ClaimTTL); !ok {
		t.Fatal("claim refused")
	}
	time.Sleep(2 * n.cfg.ClaimTTL)

	res := n.Notify(context.Background(), risk, nil)
	if len(res.Delivered) != 1 || ch.calls() != 1 {
		t.Errorf("expected the alert to be sent after the claim lapsed, got %+v", res)
	}
}

func TestNotifyClaimErrorFails(t *testing.T) {
	ch := &stubChannel{name: "slack"}
	n := NewNotifier(testNotifierConfig(), failingDedup{}, nil, ch)

	res := n.Notify(context.Background(), testRisk(schema.SeverityHigh, 70), nil)
	if len(res.Failures) != 1 {
		t.Fatalf("expected claim failure to be reported, got %+v", res)
	}
	if ch.calls() != 0 {
		t.Error("channel must not be called without a claim")
	}
}

func TestNotifyObserverAndConcurrency(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	slow := &slowChannel{name: "slow", delay: 50 * time.Millisecond}
	slow2 := &slowChannel{name: "slow2", delay: 50 * time.Millisecond}
	n := NewNotifier(testNotifierConfig(), nil, nil, slow, slow2)
	n.SetObserver(func(channel, outcome string) {
		mu.Lock()
		seen[channel] = outcome
		mu.Unlock()
	})

	start := time.Now()
	res := n.Notify(context.Background(), testRisk(schema.SeverityHigh, 70), nil)
	if res.Err() != nil {
		t.Fatalf("unexpected error: %v", res.Err())
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Errorf("channels should be delivered concurrently, took %v", elapsed)
	}
	if seen["slow"] != OutcomeDelivered || seen["slow2"] != OutcomeDelivered {
		t.Errorf("unexpected observations %v", seen)
	}
	if got := n.Channels(); len(got) != 2 || got[0] != "slow" {
		t.Errorf("unexpected channel list %v", got)
	}
}

type slowChannel struct {
	name  string
	delay time.Duration
}

func (s *slowChannel) Name() string { return s.name }

func (s *slowChannel) Send(ctx context.Context, _ *Alert) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
