package detection

import (
	"context"
	"strconv"
	"strings"

	"iam-monitor/internal/schema"
)

// PolicyChangeName identifies the policy change detector.
const PolicyChangeName = "PolicyChange"

var policyChangeEvents = map[string]bool{
	"CreatePolicy":            true,
	"CreatePolicyVersion":     true,
	"SetDefaultPolicyVersion": true,
	"DeletePolicy":            true,
	"DeletePolicyVersion":     true,
	"DetachRolePolicy":        true,
	"DetachUserPolicy":        true,
	"DetachGroupPolicy":       true,
}

var criticalServices = []string{
	"iam", "kms", "cloudtrail", "guardduty", "config",
	"securityhub", "cloudwatch", "logs",
}

var securityServiceActions = []string{
	"cloudtrail:StopLogging",
	"cloudtrail:DeleteTrail",
	"guardduty:DeleteDetector",
	"config:DeleteConfigRule",
	"iam:DeleteAccountPasswordPolicy",
	"kms:ScheduleKeyDeletion",
	"logs:DeleteLogGroup",
}

var exfiltrationActions = []string{
	"s3:GetObject",
	"rds:CopyDBSnapshot",
	"ec2:CreateSnapshot",
	"lambda:GetFunction",
}

// PolicyChange flags deletion, detachment and rewriting of managed
// policies, weighting changes to security tooling and bursts of changes.
type PolicyChange struct {
	cfg     Config
	history History
}

// NewPolicyChange creates the detector; history may be nil.
func NewPolicyChange(cfg Config, history History) *PolicyChange {
	return &PolicyChange{cfg: cfg, history: history}
}

func (d *PolicyChange) Name() string { return PolicyChangeName }

func (d *PolicyChange) Detect(ctx context.Context, ev *schema.Event) schema.DetectionResult {
	if !policyChangeEvents[ev.EventName] {
		return notApplicable(d.Name(), "not a policy change")
	}

	a := newAssessment()
	name := strings.ToLower(policyName(ev.Param("policyArn")))
	critical := containsAny(name, criticalServices)

	switch ev.EventName {
	case "DeletePolicy", "DeletePolicyVersion":
		if critical {
			a.add("PC-002", "critical_policy_deleted", 90)
		} else {
			a.add("PC-001", "policy_deletion", 75)
		}
	case "SetDefaultPolicyVersion":
		a.add("PC-003", "policy_version_change", 65)
	case "DetachRolePolicy", "DetachUserPolicy", "DetachGroupPolicy":
		a.add("PC-004", "policy_detached", 60)
	case "CreatePolicy", "CreatePolicyVersion":
		if pts := policyContentRisk(ev.RequestParameters["policyDocument"]); pts > 0 {
			a.add("PC-005", "dangerous_policy_content", pts)
		}
	}
	if len(a.factors) == 0 {
		return a.result(d.Name(), 0, d.cfg.ThreatThreshold)
	}

	if critical || securityTagged(ev) || documentMentionsCritical(ev.RequestParameters["policyDocument"]) {
		a.adjust("PC-010", "security_sensitive_target", 20)
	}
	if n := d.recentChanges(ctx, ev, a); n > d.cfg.RapidChangeLimit {
		a.adjust("PC-011", "rapid_policy_changes", 10*(n-d.cfg.RapidChangeLimit))
		a.detail("changes_in_window", strconv.Itoa(n))
	}
	if ev.Failed() {
		a.adjust("PC-012", "failed_attempt", -25)
		a.detail("error_code", ev.ErrorCode)
	}

	score := a.peak()
	if score >= 75 {
		a.recommend(schema.ActionQuarantineIdentity)
	}
	return a.result(d.Name(), score, d.cfg.ThreatThreshold)
}

// recentChanges counts the principal's policy changes in the trailing
// window, this event included.
func (d *PolicyChange) recentChanges(ctx context.Context, ev *schema.Event, a *assessment) int {
	if d.history == nil {
		return 0
	}
	prior, err := d.history.PolicyChanges(ctx, ev.Principal, ev.EventTime.Add(-d.cfg.RapidChangeWindow))
	if err != nil {
		a.detail("history", "unavailable")
		return 0
	}
	return prior + 1
}

// policyContentRisk scores a new managed policy document.
func policyContentRisk(raw any) int {
	doc, err := parsePolicy(raw)
	if err != nil {
		return 0
	}
	best := 0
	for _, st := range doc.Statement {
		if st.allows() {
			if st.Action.has("*") && st.Resource.has("*") {
				best = max(best, 95)
			}
			if st.Action.hasAny(securityServiceActions...) {
				best = max(best, 85)
			}
			if st.Action.hasAny(exfiltrationActions...) && st.Resource.has("*") {
				best = max(best, 70)
			}
			continue
		}
		if st.Effect == "Deny" && actionsTouchCritical(st.Action) {
			best = max(best, 80)
		}
	}
	return best
}

func actionsTouchCritical(actions stringList) bool {
	for _, act := range actions {
		svc, _, _ := strings.Cut(strings.ToLower(act), ":")
		for _, c := range criticalServices {
			if svc == c {
				return true
			}
		}
	}
	return false
}

// documentMentionsCritical reports a policy whose actions address a
// critical service.
func documentMentionsCritical(raw any) bool {
	doc, err := parsePolicy(raw)
	if err != nil {
		return false
	}
	for _, st := range doc.Statement {
		if actionsTouchCritical(st.Action) {
			return true
		}
	}
	return false
}

func securityTagged(ev *schema.Event) bool {
	_, ok := requestTag(ev, "security")
	return ok
}
