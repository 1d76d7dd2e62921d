package detection

import (
	"context"
	"strings"

	"iam-monitor/internal/schema"
)

// AdminGrantName identifies the admin grant detector.
const AdminGrantName = "AdminGrant"

var adminGrantEvents = map[string]bool{
	"AttachUserPolicy":       true,
	"AttachGroupPolicy":      true,
	"AttachRolePolicy":       true,
	"PutUserPolicy":          true,
	"PutGroupPolicy":         true,
	"PutRolePolicy":          true,
	"CreateAccessKey":        true,
	"UpdateAssumeRolePolicy": true,
}

var adminPolicies = []string{"AdministratorAccess", "PowerUserAccess", "IAMFullAccess"}

var escalationActions = []string{
	"iam:CreatePolicyVersion",
	"iam:SetDefaultPolicyVersion",
	"iam:PassRole",
	"iam:AttachUserPolicy",
	"iam:AttachRolePolicy",
	"sts:AssumeRole",
}

// AdminGrant flags grants of administrative permissions, foreign access
// keys and widened role trust.
type AdminGrant struct {
	cfg Config
}

// NewAdminGrant creates the detector.
func NewAdminGrant(cfg Config) *AdminGrant {
	return &AdminGrant{cfg: cfg}
}

func (d *AdminGrant) Name() string { return AdminGrantName }

func (d *AdminGrant) Detect(_ context.Context, ev *schema.Event) schema.DetectionResult {
	if !adminGrantEvents[ev.EventName] {
		return notApplicable(d.Name(), "not an admin grant")
	}
	if d.cfg.whitelisted(ev.Principal) {
		return notApplicable(d.Name(), "principal whitelisted")
	}

	a := newAssessment()
	if strings.Contains(ev.EventName, "Policy") && ev.EventName != "UpdateAssumeRolePolicy" {
		if name := policyName(ev.Param("policyArn")); containsAny(name, adminPolicies) {
			a.add("AG-001", "admin_policy_attached", 95)
		}
		if pts := inlinePolicyRisk(ev.RequestParameters["policyDocument"]); pts > 0 {
			a.add("AG-002", "dangerous_inline_policy", pts)
		}
		a.recommend(schema.ActionRevokePolicy)
	}

	if ev.EventName == "CreateAccessKey" {
		target := ev.Param("userName")
		if target != "" && target != ev.CallerUser() {
			a.add("AG-003", "cross_user_key_creation", 85)
			a.detail("target_user", target)
		}
		a.recommend(schema.ActionDisableKey)
	}

	if ev.EventName == "UpdateAssumeRolePolicy" {
		open, foreign := trustPolicyRisk(ev.RequestParameters["policyDocument"], ev.AccountID)
		if open {
			a.add("AG-004", "open_trust_policy", 95)
		}
		if foreign {
			a.add("AG-005", "cross_account_trust_without_external_id", 60)
		}
		a.recommend(schema.ActionQuarantineIdentity)
	}

	if len(a.factors) == 0 {
		return a.result(d.Name(), 0, d.cfg.ThreatThreshold)
	}
	if d.cfg.offHours(ev.EventTime) {
		a.multiply("AG-010", "off_hours", 1.3)
	}
	if ev.Failed() {
		a.adjust("AG-011", "failed_request", -20)
		a.detail("error_code", ev.ErrorCode)
	}
	return a.result(d.Name(), a.peak(), d.cfg.ThreatThreshold)
}

// inlinePolicyRisk scores an identity policy by its broadest Allow.
func inlinePolicyRisk(raw any) int {
	doc, err := parsePolicy(raw)
	if err != nil {
		return 0
	}
	best := 0
	for _, st := range doc.Statement {
		if !st.allows() {
			continue
		}
		if st.Action.hasAny("*", "iam:*") {
			best = max(best, 95)
		}
		if st.Action.hasAny(escalationActions...) {
			best = max(best, 80)
		}
		if st.Resource.has("*") {
			best = max(best, 70)
		}
	}
	return best
}

// trustPolicyRisk reports a trust policy open to anyone, and one trusting
// a foreign account without an ExternalId condition.
func trustPolicyRisk(raw any, ownAccount string) (open, foreign bool) {
	doc, err := parsePolicy(raw)
	if err != nil {
		return false, false
	}
	for _, st := range doc.Statement {
		if st.Principal == nil || !st.allows() {
			continue
		}
		if st.Principal.public() {
			open = true
			continue
		}
		if st.hasConditionKey("sts:ExternalId") {
			continue
		}
		for _, acct := range st.Principal.accounts() {
			if acct != ownAccount {
				foreign = true
			}
		}
	}
	return open, foreign
}

// policyName returns the last path segment of a policy ARN.
func policyName(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
