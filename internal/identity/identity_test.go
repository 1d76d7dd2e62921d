package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"iam-monitor/internal/remediation"
	"iam-monitor/internal/schema"
	"iam-monitor/internal/storage/kv"
)

func newSailPoint(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tokens atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "csecret" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("GET /v3/identities", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("filters") {
		case `alias eq "alice"`:
			w.Write([]byte(`[{"id":"id-alice","name":"Alice","alias":"alice","emailAddress":"alice@example.com"}]`))
		default:
			w.Write([]byte(`[]`))
		}
	})
	mux.HandleFunc("GET /v3/identities/{id}/risk-score", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "id-alice" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"riskScore":72.5}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokens
}

func TestClient(t *testing.T) {
	srv, tokens := newSailPoint(t)
	c := NewClient(context.Background(), ClientConfig{
		BaseURL:      srv.URL,
		ClientID:     "cid",
		ClientSecret: "csecret",
	})
	ctx := context.Background()

	id, err := c.FindIdentity(ctx, "alice")
	if err != nil {
		t.Fatalf("FindIdentity: %v", err)
	}
	if id.ID != "id-alice" || id.Email != "alice@example.com" {
		t.Errorf("unexpected identity %+v", id)
	}

	score, err := c.RiskScore(ctx, id.ID)
	if err != nil {
		t.Fatalf("RiskScore: %v", err)
	}
	if score != 72.5 {
		t.Errorf("expected 72.5, got %v", score)
	}
	if tokens.Load() != 1 {
		t.Errorf("token should be fetched once and reused, got %d fetches", tokens.Load())
	}

	if _, err := c.FindIdentity(ctx, "nobody"); !errors.Is(err, ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}
	if _, err := c.RiskScore(ctx, "id-ghost"); !errors.Is(err, ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound for 404, got %v", err)
	}
}

func TestClientBadCredentials(t *testing.T) {
	srv, _ := newSailPoint(t)
	c := NewClient(context.Background(), ClientConfig{BaseURL: srv.URL, ClientID: "cid", ClientSecret: "wrong"})
	if _, err := c.FindIdentity(context.Background(), "alice"); err == nil {
		t.Fatal("expected token error")
	}
}

func TestLifecycleRiskScore(t *testing.T) {
	tests := []struct {
		typ        EventType
		indicators int
		want       float64
	}{
		{EventJoiner, 0, 30},
		{EventMover, 0, 45},
		{EventLeaver, 0, 80},
		{EventLeaver, 1, 90},
		{EventLeaver, 5, 100},
		{EventReactivation, 0, 60},
		{EventSuspension, 0, 20},
		{EventAccessRequest, 2, 55},
		{EventAccessRevocation, 0, 15},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			ev := &LifecycleEvent{Type: tt.typ, RiskIndicators: make([]string, tt.indicators)}
			if got := ev.RiskScore(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseLifecycleEvent(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"valid", `{"eventId":"e1","eventType":"LEAVER","identity":{"id":"i1"}}`, nil},
		{"unknown type", `{"eventId":"e1","eventType":"promotion","identity":{"id":"i1"}}`, ErrUnknownEventType},
		{"missing id", `{"eventType":"joiner","identity":{"id":"i1"}}`, ErrInvalidEvent},
		{"missing identity", `{"eventId":"e1","eventType":"joiner"}`, ErrInvalidEvent},
		{"not json", `nope`, ErrInvalidEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseLifecycleEvent([]byte(tt.body))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if ev.Type != EventLeaver {
					t.Errorf("type should be lowercased, got %q", ev.Type)
				}
				if ev.Timestamp.IsZero() {
					t.Error("missing timestamp should default to now")
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"eventId":"e1"}`)
	good := Sign(secret, body)

	tests := []struct {
		name string
		sig  string
		ok   bool
	}{
		{"valid", good, true},
		{"valid uppercase", strings.ToUpper(good), true},
		{"tampered", Sign(secret, []byte(`{"eventId":"e2"}`)), false},
		{"wrong secret", Sign([]byte("other"), body), false},
		{"not hex", "zz", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(secret, body, tt.sig)
			if (err == nil) != tt.ok {
				t.Errorf("expected ok=%v, got %v", tt.ok, err)
			}
		})
	}
}

func TestPrincipalAlias(t *testing.T) {
	tests := []struct {
		principal string
		want      string
	}{
		{"arn:aws:iam::111122223333:user/Alice", "alice"},
		{"arn:aws:iam::111122223333:user/eng/bob", "bob"},
		{"arn:aws:sts::111122223333:assumed-role/Admin/carol@example.com", "carol@example.com"},
		{"arn:aws:sts::111122223333:assumed-role/Admin", ""},
		{"arn:aws:iam::111122223333:role/Deploy", ""},
		{"arn:aws:iam::111122223333:root", ""},
		{"dave", "dave"},
	}
	for _, tt := range tests {
		t.Run(tt.principal, func(t *testing.T) {
			if got := PrincipalAlias(tt.principal); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

type fakeSource struct {
	mu      sync.Mutex
	scores  map[string]float64
	err     error
	lookups int
}

func (f *fakeSource) FindIdentity(_ context.Context, alias string) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.scores[alias]; !ok {
		return nil, ErrIdentityNotFound
	}
	return &Identity{ID: "id-" + alias, Alias: alias}, nil
}

func (f *fakeSource) RiskScore(_ context.Context, id string) (float64, error) {
	return f.scores[strings.TrimPrefix(id, "id-")], nil
}

func TestCorrelatorSignal(t *testing.T) {
	src := &fakeSource{scores: map[string]float64{"alice": 64, "eve": 140}}
	c := NewCorrelator(DefaultConfig(), src, nil, nil)
	ctx := context.Background()

	s, err := c.Signal(ctx, "arn:aws:iam::111122223333:user/alice")
	if err != nil || s == nil || *s != 64 {
		t.Fatalf("expected 64, got %v, %v", s, err)
	}
	if _, _ = c.Signal(ctx, "arn:aws:iam::111122223333:user/alice"); src.lookups != 1 {
		t.Errorf("second lookup should hit the cache, lookups=%d", src.lookups)
	}

	s, err = c.Signal(ctx, "arn:aws:iam::111122223333:user/eve")
	if err != nil || s == nil || *s != 100 {
		t.Errorf("score should be clamped to 100, got %v", s)
	}

	s, err = c.Signal(ctx, "arn:aws:iam::111122223333:user/mallory")
	if err != nil || s != nil {
		t.Errorf("unknown identity should give nil signal, got %v, %v", s, err)
	}
	before := src.lookups
	c.Signal(ctx, "arn:aws:iam::111122223333:user/mallory")
	if src.lookups != before {
		t.Error("negative result should be cached")
	}

	if s, _ := c.Signal(ctx, "arn:aws:iam::111122223333:root"); s != nil {
		t.Error("root has no identity")
	}
}

func TestCorrelatorSignalError(t *testing.T) {
	c := NewCorrelator(DefaultConfig(), &fakeSource{err: errors.New("sailpoint down")}, nil, nil)
	if _, err := c.Signal(context.Background(), "arn:aws:iam::111122223333:user/alice"); err == nil {
		t.Fatal("expected lookup error")
	}
}

type fakeRemediator struct {
	mu       sync.Mutex
	requests []*schema.AggregatedRisk
}

func (f *fakeRemediator) Remediate(_ context.Context, risk *schema.AggregatedRisk) (*schema.RemediationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, risk)
	return &schema.RemediationResult{DetectionRef: risk.EventID, OverallStatus: schema.RemediationSuccess}, nil
}

func TestHandleWebhookLeaver(t *testing.T) {
	rem := &fakeRemediator{}
	c := NewCorrelator(DefaultConfig(), nil, rem, nil)
	secret := []byte("hook-secret")
	body, _ := json.Marshal(map[string]any{
		"eventId":         "lc-1",
		"eventType":       "leaver",
		"identity":        map[string]string{"id": "id-bob", "alias": "bob", "email": "bob@example.com"},
		"cloudPrincipals": []string{"arn:aws:iam::111122223333:user/bob"},
		"riskIndicators":  []string{"privileged_access"},
	})

	out, err := c.HandleWebhook(context.Background(), secret, body, Sign(secret, body))
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if out.Score != 90 || len(out.Quarantines) != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	req := rem.requests[0]
	if req.Severity != schema.SeverityCritical {
		t.Errorf("score 90 should be CRITICAL, got %s", req.Severity)
	}
	if len(req.RecommendedActions) != 1 || req.RecommendedActions[0] != schema.ActionQuarantineIdentity {
		t.Errorf("expected quarantine action, got %v", req.RecommendedActions)
	}
	if req.Event == nil || req.Event.CallerUser() != "bob" {
		t.Errorf("quarantine event should target user bob, got %+v", req.Event)
	}
	if !strings.HasPrefix(req.EventID, "iga-") {
		t.Errorf("unexpected request id %q", req.EventID)
	}

	again, _ := c.HandleWebhook(context.Background(), secret, body, Sign(secret, body))
	if rem.requests[1].EventID != req.EventID || again.Score != out.Score {
		t.Error("redelivered webhook should produce the same request id")
	}

	s, _ := c.Signal(context.Background(), "arn:aws:iam::111122223333:user/bob")
	if s == nil || *s != 90 {
		t.Errorf("lifecycle score should become the identity signal, got %v", s)
	}
}

func TestHandleWebhookRejects(t *testing.T) {
	c := NewCorrelator(DefaultConfig(), nil, &fakeRemediator{}, nil)
	body := []byte(`{"eventId":"e","eventType":"joiner","identity":{"id":"i"}}`)

	if _, err := c.HandleWebhook(context.Background(), []byte("k"), body, Sign([]byte("x"), body)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := c.HandleWebhook(context.Background(), nil, body, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("missing secret must reject, got %v", err)
	}
}

func TestQuarantineTriggers(t *testing.T) {
	tests := []struct {
		name  string
		ev    LifecycleEvent
		calls int
	}{
		{"leaver", LifecycleEvent{Type: EventLeaver, CloudPrincipals: []string{"arn:aws:iam::1:user/a", "arn:aws:sts::1:assumed-role/R/a"}}, 2},
		{"certification revocation", LifecycleEvent{Type: EventAccessRevocation, CertificationID: "cert-9", CloudPrincipals: []string{"arn:aws:iam::1:user/a"}}, 1},
		{"plain revocation", LifecycleEvent{Type: EventAccessRevocation, CloudPrincipals: []string{"arn:aws:iam::1:user/a"}}, 0},
		{"mover", LifecycleEvent{Type: EventMover, CloudPrincipals: []string{"arn:aws:iam::1:user/a"}}, 0},
		{"leaver without principals", LifecycleEvent{Type: EventLeaver}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rem := &fakeRemediator{}
			c := NewCorrelator(DefaultConfig(), nil, rem, nil)
			ev := tt.ev
			ev.EventID = "e-" + tt.name
			ev.Identity.ID = "i"
			if _, err := c.HandleLifecycle(context.Background(), &ev); err != nil {
				t.Fatalf("HandleLifecycle: %v", err)
			}
			if len(rem.requests) != tt.calls {
				t.Errorf("expected %d quarantine requests, got %d", tt.calls, len(rem.requests))
			}
		})
	}
}

func TestCertificationRevocationIsRemediated(t *testing.T) {
	state := kv.NewMemory(kv.DefaultConfig())
	d := remediation.NewDispatcher(remediation.DefaultConfig(), state, state, nil, nil)
	c := NewCorrelator(DefaultConfig(), nil, d, nil)

	ev := &LifecycleEvent{
		EventID:         "cert-rev-1",
		Type:            EventAccessRevocation,
		CertificationID: "cert-9",
		CloudPrincipals: []string{"arn:aws:iam::111122223333:user/alice"},
	}
	ev.Identity.ID = "id-alice"

	out, err := c.HandleLifecycle(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleLifecycle: %v", err)
	}
	if out.Score != 15 {
		t.Errorf("lifecycle score = %v, want 15", out.Score)
	}
	if len(out.Quarantines) != 1 {
		t.Fatalf("expected one quarantine, got %d", len(out.Quarantines))
	}
	res := out.Quarantines[0]
	if res.OverallStatus == schema.RemediationSkipped {
		t.Fatalf("revoked certification was skipped: %s", res.SkippedReason)
	}
	if res.Severity != schema.SeverityHigh || len(res.ActionsTaken) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if a := res.ActionsTaken[0]; a.Type != schema.ActionQuarantineIdentity || a.Target != "user/alice" {
		t.Errorf("unexpected action %+v", a)
	}

	s, _ := c.Signal(context.Background(), "arn:aws:iam::111122223333:user/alice")
	if s == nil || *s != 15 {
		t.Errorf("identity signal should keep the lifecycle score, got %v", s)
	}
}

func TestLifecycleSuffix(t *testing.T) {
	if got := lifecycleSuffix(EventAccessRevocation); got != "AccessRevocation" {
		t.Errorf("unexpected suffix %q", got)
	}
}
