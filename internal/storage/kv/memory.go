package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"iam-monitor/internal/schema"
)

// Memory is a single-process stand-in for Store, used when Redis is
// disabled and in tests.
type Memory struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	claims   map[string]time.Time
	results  map[string]*schema.RemediationResult
	verdicts map[string]*schema.AggregatedRisk
	activity map[string]map[string]schema.Activity
	ips      map[string]map[string]struct{}
	policy   map[string]map[string]time.Time
	lastSeen map[string]time.Time
	exposed  map[string]struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:      cfg,
		now:      time.Now,
		claims:   make(map[string]time.Time),
		results:  make(map[string]*schema.RemediationResult),
		verdicts: make(map[string]*schema.AggregatedRisk),
		activity: make(map[string]map[string]schema.Activity),
		ips:      make(map[string]map[string]struct{}),
		policy:   make(map[string]map[string]time.Time),
		lastSeen: make(map[string]time.Time),
		exposed:  make(map[string]struct{}),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Claim takes ownership of key for ttl.
func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.claims[key]; ok && (ttl <= 0 || now.Before(exp)) {
		return false, nil
	}
	m.claims[key] = now.Add(ttl)
	return true, nil
}

// Extend resets the lifetime of a held claim.
func (m *Memory) Extend(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.claims[key]; !ok || !m.now().Before(exp) {
		return fmt.Errorf("kv: extend %s: %w", key, ErrNotFound)
	}
	m.claims[key] = m.now().Add(ttl)
	return nil
}

// Release drops a claim.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()
	return nil
}

// PutResult caches a remediation result.
func (m *Memory) PutResult(_ context.Context, res *schema.RemediationResult) error {
	m.mu.Lock()
	cp := *res
	m.results[res.DetectionRef] = &cp
	m.mu.Unlock()
	return nil
}

// GetResult returns a cached result or ErrNotFound.
func (m *Memory) GetResult(_ context.Context, eventID string) (*schema.RemediationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *res
	return &cp, nil
}

// PutVerdict caches an aggregated risk.
func (m *Memory) PutVerdict(_ context.Context, risk *schema.AggregatedRisk) error {
	m.mu.Lock()
	cp := *risk
	m.verdicts[risk.EventID] = &cp
	m.mu.Unlock()
	return nil
}

// GetVerdict returns a cached aggregated risk, or nil.
func (m *Memory) GetVerdict(_ context.Context, eventID string) (*schema.AggregatedRisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	risk, ok := m.verdicts[eventID]
	if !ok {
		return nil, nil
	}
	cp := *risk
	return &cp, nil
}

// Record appends ev to its principal's history.
func (m *Memory) Record(_ context.Context, ev *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acts := m.activity[ev.Principal]
	if acts == nil {
		acts = make(map[string]schema.Activity)
		m.activity[ev.Principal] = acts
	}
	acts[ev.EventID] = schema.ActivityOf(ev)
	m.trimLocked(ev.Principal)

	if ev.SourceIP != "" {
		set := m.ips[ev.Principal]
		if set == nil {
			set = make(map[string]struct{})
			m.ips[ev.Principal] = set
		}
		set[ev.SourceIP] = struct{}{}
	}
	if ev.IsPolicyChange() {
		changes := m.policy[ev.Principal]
		if changes == nil {
			changes = make(map[string]time.Time)
			m.policy[ev.Principal] = changes
		}
		changes[ev.EventID] = ev.EventTime
	}
	if ev.EventTime.After(m.lastSeen[ev.Principal]) {
		m.lastSeen[ev.Principal] = ev.EventTime
	}
	return nil
}

func (m *Memory) trimLocked(principal string) {
	acts := m.activity[principal]
	cutoff := m.now().Add(-m.cfg.HistoryRetention)
	for id, a := range acts {
		if a.At.Before(cutoff) {
			delete(acts, id)
		}
	}
	if over := len(acts) - m.cfg.HistoryMaxEntries; over > 0 {
		sorted := sortedActivity(acts)
		for _, a := range sorted[:over] {
			delete(acts, a.EventID)
		}
	}
}

// Activity returns entries at or after since, oldest first.
func (m *Memory) Activity(_ context.Context, principal string, since time.Time) ([]schema.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []schema.Activity
	for _, a := range sortedActivity(m.activity[principal]) {
		if !a.At.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

// LastSeen returns when the principal was last active.
func (m *Memory) LastSeen(_ context.Context, principal string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastSeen[principal]
	return t, ok, nil
}

// SourceIPSeen reports whether ip is known for principal.
func (m *Memory) SourceIPSeen(_ context.Context, principal, ip string) (seen, known bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.ips[principal]
	_, seen = set[ip]
	return seen, len(set) > 0, nil
}

// PolicyChanges counts policy changes at or after since.
func (m *Memory) PolicyChanges(_ context.Context, principal string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, at := range m.policy[principal] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

// MarkPublicExposure remembers a public bucket.
func (m *Memory) MarkPublicExposure(_ context.Context, bucket string) error {
	m.mu.Lock()
	m.exposed[bucket] = struct{}{}
	m.mu.Unlock()
	return nil
}

// HadPublicExposure reports whether bucket was public before.
func (m *Memory) HadPublicExposure(_ context.Context, bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.exposed[bucket]
	return ok, nil
}

func sortedActivity(acts map[string]schema.Activity) []schema.Activity {
	out := make([]schema.Activity, 0, len(acts))
	for _, a := range acts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}
