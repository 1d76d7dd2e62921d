package detection

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"iam-monitor/internal/schema"
)

var (
	// Wednesday afternoon and Saturday night, UTC.
	businessHours = time.Date(2024, 3, 13, 14, 0, 0, 0, time.UTC)
	weekendNight  = time.Date(2024, 3, 16, 23, 30, 0, 0, time.UTC)
)

type fakeHistory struct {
	exposed       map[string]bool
	policyChanges int
	lastSeen      time.Time
	knownIPs      []string
	err           error
}

func (f *fakeHistory) HadPublicExposure(_ context.Context, bucket string) (bool, error) {
	return f.exposed[bucket], f.err
}

func (f *fakeHistory) PolicyChanges(context.Context, string, time.Time) (int, error) {
	return f.policyChanges, f.err
}

func (f *fakeHistory) LastSeen(context.Context, string) (time.Time, bool, error) {
	return f.lastSeen, !f.lastSeen.IsZero(), f.err
}

func (f *fakeHistory) SourceIPSeen(_ context.Context, _ string, ip string) (bool, bool, error) {
	return slices.Contains(f.knownIPs, ip), len(f.knownIPs) > 0, f.err
}

type fakeKeys map[string][]AccessKey

func (f fakeKeys) AccessKeys(_ context.Context, user string) ([]AccessKey, error) {
	return f[user], nil
}

type fakeNetworks bool

func (f fakeNetworks) CloudHosted(string) bool { return bool(f) }

func newEvent(name string, params map[string]any) *schema.Event {
	return &schema.Event{
		EventID:           "evt-1",
		EventTime:         businessHours,
		EventName:         name,
		Principal:         "arn:aws:iam::111122223333:user/alice",
		PrincipalType:     "IAMUser",
		PrincipalAccount:  "111122223333",
		AccountID:         "111122223333",
		SourceIP:          "198.51.100.10",
		RequestParameters: params,
	}
}

func TestPublicBucket(t *testing.T) {
	pab := func(v bool) map[string]any {
		return map[string]any{
			"BlockPublicAcls":       v,
			"BlockPublicPolicy":     v,
			"IgnorePublicAcls":      v,
			"RestrictPublicBuckets": v,
		}
	}
	tests := []struct {
		name       string
		event      string
		params     map[string]any
		history    History
		wantThreat bool
		wantScore  int
		wantRule   string
	}{
		{
			name:       "public access block disabled",
			event:      "PutBucketPublicAccessBlock",
			params:     map[string]any{"bucketName": "assets", "PublicAccessBlockConfiguration": pab(false)},
			wantThreat: true,
			wantScore:  70,
			wantRule:   "PB-002",
		},
		{
			name:       "public access block disabled first time",
			event:      "PutBucketPublicAccessBlock",
			params:     map[string]any{"bucketName": "assets", "PublicAccessBlockConfiguration": pab(false)},
			history:    &fakeHistory{},
			wantThreat: true,
			wantScore:  80,
			wantRule:   "PB-011",
		},
		{
			name:   "public access block fully enabled",
			event:  "PutBucketPublicAccessBlock",
			params: map[string]any{"bucketName": "assets", "PublicAccessBlockConfiguration": pab(true)},
		},
		{
			name:       "block removed on sensitive bucket",
			event:      "DeleteBucketPublicAccessBlock",
			params:     map[string]any{"bucketName": "prod-backups"},
			history:    &fakeHistory{exposed: map[string]bool{"prod-backups": true}},
			wantThreat: true,
			wantScore:  100,
			wantRule:   "PB-010",
		},
		{
			name:  "wildcard principal policy",
			event: "PutBucketPolicy",
			params: map[string]any{
				"bucketName":   "assets",
				"bucketPolicy": `{"Statement":{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::assets/*"}}`,
			},
			wantThreat: true,
			wantScore:  95,
			wantRule:   "PB-003",
		},
		{
			name:  "policy for a named role",
			event: "PutBucketPolicy",
			params: map[string]any{
				"bucketName": "assets",
				"bucketPolicy": map[string]any{"Statement": []any{map[string]any{
					"Effect":    "Allow",
					"Principal": map[string]any{"AWS": "arn:aws:iam::111122223333:role/reader"},
					"Action":    []any{"s3:ListBucket"},
				}}},
			},
		},
		{
			name:  "acl grants all users read",
			event: "PutBucketAcl",
			params: map[string]any{
				"bucketName": "assets",
				"AccessControlPolicy": map[string]any{"AccessControlList": map[string]any{"Grant": map[string]any{
					"Grantee":    map[string]any{"URI": "http://acs.amazonaws.com/groups/global/AllUsers"},
					"Permission": "READ",
				}}},
			},
			wantThreat: true,
			wantScore:  70,
			wantRule:   "PB-004",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewPublicBucket(DefaultConfig(), tt.history)
			res := d.Detect(context.Background(), newEvent(tt.event, tt.params))
			if res.IsThreat != tt.wantThreat {
				t.Fatalf("IsThreat = %v, want %v (details %v)", res.IsThreat, tt.wantThreat, res.Details)
			}
			if !tt.wantThreat {
				return
			}
			if res.RiskContribution != tt.wantScore {
				t.Errorf("RiskContribution = %d, want %d", res.RiskContribution, tt.wantScore)
			}
			if !slices.Contains(res.RuleIDs, tt.wantRule) {
				t.Errorf("RuleIDs = %v, want %s", res.RuleIDs, tt.wantRule)
			}
			if !slices.Equal(res.RecommendedActions, []schema.ActionType{schema.ActionBlockPublicAccess}) {
				t.Errorf("RecommendedActions = %v", res.RecommendedActions)
			}
		})
	}
}

func TestPublicBucketIgnoresOtherEvents(t *testing.T) {
	res := NewPublicBucket(DefaultConfig(), nil).Detect(context.Background(), newEvent("GetObject", nil))
	if res.IsThreat || res.Confidence != 1 {
		t.Errorf("got threat=%v confidence=%v, want non-threat with full confidence", res.IsThreat, res.Confidence)
	}
}

func TestAdminGrant(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*schema.Event)
		event      string
		params     map[string]any
		wantThreat bool
		wantScore  int
		wantAction schema.ActionType
	}{
		{
			name:       "administrator policy attached",
			event:      "AttachUserPolicy",
			params:     map[string]any{"userName": "bob", "policyArn": "arn:aws:iam::aws:policy/AdministratorAccess"},
			wantThreat: true,
			wantScore:  95,
			wantAction: schema.ActionRevokePolicy,
		},
		{
			name:   "administrator policy attached but failed",
			event:  "AttachUserPolicy",
			params: map[string]any{"userName": "bob", "policyArn": "arn:aws:iam::aws:policy/AdministratorAccess"},
			mutate: func(ev *schema.Event) {
				ev.ErrorCode = "AccessDenied"
			},
			wantThreat: true,
			wantScore:  75,
			wantAction: schema.ActionRevokePolicy,
		},
		{
			name:   "wildcard resource inline policy on weekend night",
			event:  "PutUserPolicy",
			params: map[string]any{"userName": "bob", "policyName": "p", "policyDocument": `{"Statement":[{"Effect":"Allow","Action":"s3:ListBucket","Resource":"*"}]}`},
			mutate: func(ev *schema.Event) {
				ev.EventTime = weekendNight
			},
			wantThreat: true,
			wantScore:  91,
			wantAction: schema.ActionRevokePolicy,
		},
		{
			name:       "access key for another user",
			event:      "CreateAccessKey",
			params:     map[string]any{"userName": "bob"},
			wantThreat: true,
			wantScore:  85,
			wantAction: schema.ActionDisableKey,
		},
		{
			name:   "access key for self",
			event:  "CreateAccessKey",
			params: map[string]any{"userName": "alice"},
		},
		{
			name:  "trust to foreign account without external id",
			event: "UpdateAssumeRolePolicy",
			params: map[string]any{"roleName": "ops", "policyDocument": `{"Statement":[{"Effect":"Allow",` +
				`"Principal":{"AWS":"arn:aws:iam::999988887777:root"},"Action":"sts:AssumeRole"}]}`},
			wantThreat: true,
			wantScore:  60,
			wantAction: schema.ActionQuarantineIdentity,
		},
		{
			name:  "trust to foreign account with external id",
			event: "UpdateAssumeRolePolicy",
			params: map[string]any{"roleName": "ops", "policyDocument": `{"Statement":[{"Effect":"Allow",` +
				`"Principal":{"AWS":"999988887777"},"Action":"sts:AssumeRole",` +
				`"Condition":{"StringEquals":{"sts:ExternalId":"x1"}}}]}`},
		},
		{
			name:       "trust open to everyone",
			event:      "UpdateAssumeRolePolicy",
			params:     map[string]any{"roleName": "ops", "policyDocument": `{"Statement":[{"Effect":"Allow","Principal":{"AWS":"*"},"Action":"sts:AssumeRole"}]}`},
			wantThreat: true,
			wantScore:  95,
			wantAction: schema.ActionQuarantineIdentity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newEvent(tt.event, tt.params)
			if tt.mutate != nil {
				tt.mutate(ev)
			}
			res := NewAdminGrant(DefaultConfig()).Detect(context.Background(), ev)
			if res.IsThreat != tt.wantThreat {
				t.Fatalf("IsThreat = %v, want %v (details %v)", res.IsThreat, tt.wantThreat, res.Details)
			}
			if !tt.wantThreat {
				return
			}
			if res.RiskContribution != tt.wantScore {
				t.Errorf("RiskContribution = %d, want %d", res.RiskContribution, tt.wantScore)
			}
			if !slices.Contains(res.RecommendedActions, tt.wantAction) {
				t.Errorf("RecommendedActions = %v, want %s", res.RecommendedActions, tt.wantAction)
			}
		})
	}
}

func TestAdminGrantWhitelist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WhitelistedPrincipals = []string{"arn:aws:iam::111122223333:user/alice"}
	ev := newEvent("AttachUserPolicy", map[string]any{"policyArn": "arn:aws:iam::aws:policy/AdministratorAccess"})

	res := NewAdminGrant(cfg).Detect(context.Background(), ev)
	if res.IsThreat {
		t.Error("whitelisted principal flagged as threat")
	}
}

func TestPolicyChange(t *testing.T) {
	tests := []struct {
		name       string
		event      string
		params     map[string]any
		history    History
		failed     bool
		wantThreat bool
		wantScore  int
		quarantine bool
	}{
		{
			name:       "critical policy deleted",
			event:      "DeletePolicy",
			params:     map[string]any{"policyArn": "arn:aws:iam::111122223333:policy/CloudTrailWriters"},
			wantThreat: true,
			wantScore:  100,
			quarantine: true,
		},
		{
			name:       "ordinary detach",
			event:      "DetachUserPolicy",
			params:     map[string]any{"userName": "bob", "policyArn": "arn:aws:iam::111122223333:policy/ReportsRead"},
			history:    &fakeHistory{policyChanges: 1},
			wantThreat: true,
			wantScore:  60,
		},
		{
			name:       "burst of detaches",
			event:      "DetachUserPolicy",
			params:     map[string]any{"userName": "bob", "policyArn": "arn:aws:iam::111122223333:policy/ReportsRead"},
			history:    &fakeHistory{policyChanges: 3},
			wantThreat: true,
			wantScore:  80,
			quarantine: true,
		},
		{
			name:   "failed detach",
			event:  "DetachUserPolicy",
			params: map[string]any{"userName": "bob", "policyArn": "arn:aws:iam::111122223333:policy/ReportsRead"},
			failed: true,
		},
		{
			name:       "star policy created",
			event:      "CreatePolicy",
			params:     map[string]any{"policyName": "everything", "policyDocument": `{"Statement":[{"Effect":"Allow","Action":"*","Resource":"*"}]}`},
			wantThreat: true,
			wantScore:  95,
			quarantine: true,
		},
		{
			name:   "harmless policy created",
			event:  "CreatePolicy",
			params: map[string]any{"policyName": "reports", "policyDocument": `{"Statement":[{"Effect":"Allow","Action":"s3:ListBucket","Resource":"arn:aws:s3:::reports"}]}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newEvent(tt.event, tt.params)
			if tt.failed {
				ev.ErrorCode = "AccessDenied"
			}
			res := NewPolicyChange(DefaultConfig(), tt.history).Detect(context.Background(), ev)
			if res.IsThreat != tt.wantThreat {
				t.Fatalf("IsThreat = %v, want %v (details %v)", res.IsThreat, tt.wantThreat, res.Details)
			}
			if !tt.wantThreat {
				return
			}
			if res.RiskContribution != tt.wantScore {
				t.Errorf("RiskContribution = %d, want %d", res.RiskContribution, tt.wantScore)
			}
			if got := slices.Contains(res.RecommendedActions, schema.ActionQuarantineIdentity); got != tt.quarantine {
				t.Errorf("quarantine recommended = %v, want %v", got, tt.quarantine)
			}
		})
	}
}

func TestCrossAccount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrustedAccounts = []string{"444455556666"}

	foreignCaller := func(account string) func(*schema.Event) {
		return func(ev *schema.Event) {
			ev.Principal = "arn:aws:iam::" + account + ":user/mallory"
			ev.PrincipalAccount = account
		}
	}
	tests := []struct {
		name       string
		event      string
		params     map[string]any
		mutate     func(*schema.Event)
		wantThreat bool
		wantScore  int
	}{
		{
			name:       "untrusted account without external id",
			event:      "AssumeRole",
			params:     map[string]any{"roleArn": "arn:aws:iam::111122223333:role/ops", "roleSessionName": "s"},
			mutate:     foreignCaller("999988887777"),
			wantThreat: true,
			wantScore:  70,
		},
		{
			name:   "trusted account with external id",
			event:  "AssumeRole",
			params: map[string]any{"roleArn": "arn:aws:iam::111122223333:role/ops", "externalId": "abc"},
			mutate: foreignCaller("444455556666"),
		},
		{
			name:       "trusted account without external id",
			event:      "AssumeRole",
			params:     map[string]any{"roleArn": "arn:aws:iam::111122223333:role/ops"},
			mutate:     foreignCaller("444455556666"),
			wantThreat: true,
			wantScore:  60,
		},
		{
			name:       "long federation session",
			event:      "GetFederationToken",
			params:     map[string]any{"name": "fed", "durationSeconds": float64(129600)},
			wantThreat: true,
			wantScore:  75,
		},
		{
			name:   "same account session token",
			event:  "GetSessionToken",
			params: map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newEvent(tt.event, tt.params)
			if tt.mutate != nil {
				tt.mutate(ev)
			}
			res := NewCrossAccount(cfg).Detect(context.Background(), ev)
			if res.IsThreat != tt.wantThreat {
				t.Fatalf("IsThreat = %v, want %v (details %v)", res.IsThreat, tt.wantThreat, res.Details)
			}
			if tt.wantThreat && res.RiskContribution != tt.wantScore {
				t.Errorf("RiskContribution = %d, want %d", res.RiskContribution, tt.wantScore)
			}
		})
	}
}

func TestMachineIdentity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CICDIPRanges = []string{"10.0.0.0/8", "172.16."}

	ciUser := func(ip string) func(*schema.Event) {
		return func(ev *schema.Event) {
			ev.Principal = "arn:aws:iam::111122223333:user/ci-deployer"
			ev.EventSource = "s3.amazonaws.com"
			ev.SourceIP = ip
		}
	}
	tests := []struct {
		name       string
		event      string
		mutate     func(*schema.Event)
		deps       Deps
		wantThreat bool
		wantScore  int
		wantRule   string
	}{
		{
			name:       "pipeline credential outside ci network",
			event:      "PutObject",
			mutate:     ciUser("203.0.113.7"),
			wantThreat: true,
			wantScore:  85,
			wantRule:   "MI-003",
		},
		{
			name:   "pipeline credential from ci cidr",
			event:  "PutObject",
			mutate: ciUser("10.20.30.40"),
		},
		{
			name:   "pipeline credential from ci prefix",
			event:  "PutObject",
			mutate: ciUser("172.16.4.4"),
		},
		{
			name:  "dormant service role wakes up",
			event: "ListBuckets",
			mutate: func(ev *schema.Event) {
				ev.Principal = "arn:aws:iam::111122223333:user/svc-reports"
			},
			deps:       Deps{History: &fakeHistory{lastSeen: businessHours.Add(-60 * 24 * time.Hour)}},
			wantThreat: true,
			wantScore:  85,
			wantRule:   "MI-002",
		},
		{
			name:  "unseen address in a cloud network",
			event: "ListBuckets",
			mutate: func(ev *schema.Event) {
				ev.Principal = "arn:aws:iam::111122223333:user/svc-reports"
			},
			deps: Deps{
				History:  &fakeHistory{knownIPs: []string{"198.51.100.99"}},
				Networks: fakeNetworks(true),
			},
			wantThreat: true,
			wantScore:  80,
			wantRule:   "MI-005",
		},
		{
			name:  "stale signing key",
			event: "ListBuckets",
			mutate: func(ev *schema.Event) {
				ev.Principal = "arn:aws:iam::111122223333:user/svc-reports"
				ev.AccessKeyID = "AKIAOLD"
			},
			deps: Deps{Keys: fakeKeys{"svc-reports": {
				{ID: "AKIAOLD", Active: true, CreatedAt: businessHours.Add(-200 * 24 * time.Hour)},
			}}},
			wantThreat: true,
			wantScore:  75,
			wantRule:   "MI-001",
		},
		{
			name:  "deep impersonation chain",
			event: "ListBuckets",
			mutate: func(ev *schema.Event) {
				ev.Principal = "arn:aws:sts::111122223333:assumed-role/etl/s1"
				ev.PrincipalType = "AssumedRole"
				ev.PrincipalID = "AROAEXAMPLE:a:b:c"
				ev.SessionIssuer = "arn:aws:iam::111122223333:role/etl"
			},
			wantThreat: true,
			wantScore:  85,
			wantRule:   "MI-007",
		},
		{
			name:  "role attaches policy to itself",
			event: "AttachRolePolicy",
			mutate: func(ev *schema.Event) {
				ev.Principal = "arn:aws:sts::111122223333:assumed-role/etl/s1"
				ev.PrincipalType = "AssumedRole"
				ev.EventSource = "iam.amazonaws.com"
				ev.RequestParameters = map[string]any{"roleName": "etl", "policyArn": "arn:aws:iam::aws:policy/ReadOnlyAccess"}
			},
			wantThreat: true,
			wantScore:  100,
			wantRule:   "MI-006",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newEvent(tt.event, nil)
			tt.mutate(ev)
			res := NewMachineIdentity(cfg, tt.deps).Detect(context.Background(), ev)
			if res.IsThreat != tt.wantThreat {
				t.Fatalf("IsThreat = %v, want %v (details %v)", res.IsThreat, tt.wantThreat, res.Details)
			}
			if !tt.wantThreat {
				return
			}
			if res.RiskContribution != tt.wantScore {
				t.Errorf("RiskContribution = %d, want %d (details %v)", res.RiskContribution, tt.wantScore, res.Details)
			}
			if !slices.Contains(res.RuleIDs, tt.wantRule) {
				t.Errorf("RuleIDs = %v, want %s", res.RuleIDs, tt.wantRule)
			}
		})
	}
}

func TestMachineIdentityHumanUserIgnored(t *testing.T) {
	res := NewMachineIdentity(DefaultConfig(), Deps{}).Detect(context.Background(), newEvent("ListBuckets", nil))
	if res.IsThreat || res.Details["reason"] == "" {
		t.Errorf("human user event evaluated: %+v", res)
	}
}

func TestHistoryFailureSkipsFactor(t *testing.T) {
	ev := newEvent("DetachUserPolicy", map[string]any{"userName": "bob", "policyArn": "arn:aws:iam::111122223333:policy/ReportsRead"})
	res := NewPolicyChange(DefaultConfig(), &fakeHistory{err: errors.New("redis down")}).Detect(context.Background(), ev)
	if res.RiskContribution != 60 {
		t.Errorf("RiskContribution = %d, want 60", res.RiskContribution)
	}
	if res.Details["history"] != "unavailable" {
		t.Errorf("details = %v, want history unavailable", res.Details)
	}
}

func TestConfigOffHours(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		at   time.Time
		want bool
	}{
		{businessHours, false},
		{weekendNight, true},
		{time.Date(2024, 3, 13, 5, 59, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 13, 6, 0, 0, 0, time.UTC), false},
		{time.Date(2024, 3, 13, 22, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		if got := cfg.offHours(tt.at); got != tt.want {
			t.Errorf("offHours(%s) = %v, want %v", tt.at, got, tt.want)
		}
	}
}
