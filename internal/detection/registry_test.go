package detection

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"iam-monitor/internal/schema"
)

type stubDetector struct {
	name  string
	delay time.Duration
	res   schema.DetectionResult
	panic bool
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Detect(ctx context.Context, _ *schema.Event) schema.DetectionResult {
	if s.panic {
		panic("boom")
	}
	if s.delay > 0 {
		// Ignores ctx on purpose to model a stuck lookup.
		time.Sleep(s.delay)
	}
	return s.res
}

func TestRegistryRunPreservesOrder(t *testing.T) {
	r := NewRegistry(time.Second, nil,
		&stubDetector{name: "a", delay: 30 * time.Millisecond, res: schema.DetectionResult{IsThreat: true, RiskContribution: 50}},
		&stubDetector{name: "b"},
		&stubDetector{name: "c", delay: 10 * time.Millisecond},
	)

	results := r.Run(context.Background(), &schema.Event{EventID: "e"})
	var names []string
	for _, res := range results {
		names = append(names, res.DetectorName)
	}
	if !slices.Equal(names, []string{"a", "b", "c"}) {
		t.Errorf("order = %v, want [a b c]", names)
	}
	if !results[0].IsThreat || results[0].RiskContribution != 50 {
		t.Errorf("first result = %+v", results[0])
	}
}

func TestRegistryRunTimeout(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, nil,
		&stubDetector{name: "slow", delay: 300 * time.Millisecond, res: schema.DetectionResult{IsThreat: true, RiskContribution: 90}},
		&stubDetector{name: "fast", res: schema.DetectionResult{IsThreat: true, RiskContribution: 40}},
	)

	start := time.Now()
	results := r.Run(context.Background(), &schema.Event{EventID: "e"})
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Run blocked for %s", elapsed)
	}

	slow := results[0]
	if !slow.TimedOut || slow.IsThreat || slow.Confidence != 0 {
		t.Errorf("slow result = %+v, want timed out non-threat", slow)
	}
	if !results[1].IsThreat {
		t.Errorf("fast result = %+v, want threat", results[1])
	}
}

func TestRegistryRecoversPanics(t *testing.T) {
	r := NewRegistry(time.Second, nil, &stubDetector{name: "bad", panic: true}, &stubDetector{name: "good"})
	results := r.Run(context.Background(), &schema.Event{EventID: "e"})
	if results[0].IsThreat || results[0].Details["error"] == "" {
		t.Errorf("panicking detector result = %+v", results[0])
	}
	if results[1].DetectorName != "good" {
		t.Errorf("second result = %+v", results[1])
	}
}

func TestRegistryObserver(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, nil,
		&stubDetector{name: "slow", delay: 200 * time.Millisecond},
		&stubDetector{name: "fast"},
	)
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	r.SetObserver(func(name string, _ time.Duration, res schema.DetectionResult) {
		mu.Lock()
		defer mu.Unlock()
		seen[name] = res.TimedOut
	})
	r.Run(context.Background(), &schema.Event{EventID: "e"})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !seen["slow"] || seen["fast"] {
		t.Errorf("observed = %v", seen)
	}
}

func TestDefaultRegistryNames(t *testing.T) {
	r := DefaultRegistry(DefaultConfig(), Deps{}, nil)
	want := []string{PublicBucketName, AdminGrantName, PolicyChangeName, CrossAccountName, MachineIdentityName}
	if got := r.Names(); !slices.Equal(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestDefaultRegistryScenario(t *testing.T) {
	r := DefaultRegistry(DefaultConfig(), Deps{}, nil)
	ev := newEvent("PutBucketPublicAccessBlock", map[string]any{
		"bucketName": "assets",
		"PublicAccessBlockConfiguration": map[string]any{
			"BlockPublicAcls": false, "BlockPublicPolicy": false,
			"IgnorePublicAcls": false, "RestrictPublicBuckets": false,
		},
	})

	results := r.Run(context.Background(), ev)
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	pb := results[0]
	if !pb.IsThreat || pb.RiskContribution < 40 {
		t.Errorf("PublicBucket = %+v, want threat with contribution >= 40", pb)
	}
	for _, res := range results[1:] {
		if res.IsThreat {
			t.Errorf("%s flagged a public access block change", res.DetectorName)
		}
	}
}

func TestDetectorTimeoutUnwraps(t *testing.T) {
	err := error(&DetectorTimeout{Detector: "x", Budget: time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("DetectorTimeout should unwrap to context.DeadlineExceeded")
	}
	var dt *DetectorTimeout
	if !errors.As(err, &dt) || dt.Detector != "x" {
		t.Errorf("errors.As = %+v", dt)
	}
}
