package detection

import (
	"context"

	"iam-monitor/internal/schema"
)

// CrossAccountName identifies the cross-account detector.
const CrossAccountName = "CrossAccount"

var crossAccountEvents = map[string]bool{
	"AssumeRole":         true,
	"GetFederationToken": true,
	"GetSessionToken":    true,
}

var sensitiveSessionActions = []string{"iam:*", "sts:AssumeRole", "s3:GetObject", "secretsmanager:GetSecretValue"}

// CrossAccount flags credential issuance to untrusted accounts and
// unusually broad or long-lived sessions.
type CrossAccount struct {
	cfg Config
}

// NewCrossAccount creates the detector.
func NewCrossAccount(cfg Config) *CrossAccount {
	return &CrossAccount{cfg: cfg}
}

func (d *CrossAccount) Name() string { return CrossAccountName }

func (d *CrossAccount) Detect(_ context.Context, ev *schema.Event) schema.DetectionResult {
	if !crossAccountEvents[ev.EventName] {
		return notApplicable(d.Name(), "not a credential issuance")
	}

	source := ev.PrincipalAccount
	if source == "" {
		source = schema.AccountFromARN(ev.Principal)
	}
	trusted := source == "" || source == ev.AccountID || d.cfg.trustedAccount(source)
	hasExternalID := ev.Param("externalId") != ""
	if trusted && hasExternalID {
		return notApplicable(d.Name(), "trusted account with external id")
	}

	a := newAssessment()
	a.detail("source_account", source)
	if !trusted {
		a.add("CA-001", "untrusted_source_account", 70)
	}

	if ev.EventName == "AssumeRole" {
		roleArn := ev.Param("roleArn")
		a.detail("role_arn", roleArn)
		if target := schema.AccountFromARN(roleArn); roleArn != "" && !hasExternalID && target != source {
			a.add("CA-002", "missing_external_id", 60)
		}
		if pts := sessionPolicyRisk(ev.RequestParameters["policy"]); pts > 0 {
			a.add("CA-003", "dangerous_session_policy", pts)
		}
	}
	if ev.EventName == "GetFederationToken" {
		a.add("CA-004", "federated_access", 50)
	}
	if ev.PrincipalType == "AssumedRole" {
		a.add("CA-005", "role_chaining", 40)
	}
	if len(a.factors) == 0 {
		return a.result(d.Name(), 0, d.cfg.ThreatThreshold)
	}

	if secs, ok := ev.ParamInt("durationSeconds"); ok {
		switch {
		case secs > 43200:
			a.adjust("CA-010", "long_session", 25)
		case secs > 3600:
			a.adjust("CA-010", "long_session", 10)
		}
	}
	if d.cfg.offHours(ev.EventTime) {
		a.adjust("CA-011", "off_hours", 15)
	}

	score := a.peak()
	if score >= 70 {
		a.recommend(schema.ActionQuarantineIdentity)
	}
	return a.result(d.Name(), score, d.cfg.ThreatThreshold)
}

// sessionPolicyRisk scores an inline session policy passed to AssumeRole.
func sessionPolicyRisk(raw any) int {
	doc, err := parsePolicy(raw)
	if err != nil {
		return 0
	}
	best := 0
	for _, st := range doc.Statement {
		if st.Action.has("*") || st.Resource.has("*") {
			best = max(best, 75)
		}
		if st.Action.hasAny(sensitiveSessionActions...) {
			best = max(best, 60)
		}
	}
	return best
}
