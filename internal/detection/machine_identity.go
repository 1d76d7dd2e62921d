package detection

import (
	"context"
	"strconv"
	"strings"
	"time"

	"iam-monitor/internal/schema"
)

// MachineIdentityName identifies the machine identity detector.
const MachineIdentityName = "MachineIdentity"

var machineIdentityEvents = map[string]bool{
	"CreateServiceAccount":      true,
	"DeleteServiceAccount":      true,
	"UpdateServiceAccount":      true,
	"SetIamPolicy":              true,
	"CreateAccessKey":           true,
	"DeleteAccessKey":           true,
	"UpdateAccessKey":           true,
	"RotateAccessKey":           true,
	"CreateServiceAccountKey":   true,
	"DeleteServiceAccountKey":   true,
	"AssumeRole":                true,
	"AssumeRoleWithWebIdentity": true,
	"AssumeRoleWithSAML":        true,
	"GetSessionToken":           true,
	"GetFederationToken":        true,
	"CreateOIDCToken":           true,
	"SignJwt":                   true,
	"SignBlob":                  true,
	"GenerateAccessToken":       true,
	"ImpersonateServiceAccount": true,
}

var machineNamePatterns = []string{
	"service-account", "svc-", "sa-", "bot-", "automation-",
	"ci-", "cd-", "pipeline-", "lambda-", "function-",
	"worker-", "agent-", "system-", "app-", "integration-",
}

var machinePrincipalTypes = map[string]bool{
	"AssumedRole":     true,
	"FederatedUser":   true,
	"WebIdentityUser": true,
	"SAMLUser":        true,
}

var cicdPatterns = []string{"ci-", "cd-", "pipeline-", "jenkins", "gitlab", "github", "circleci", "travis"}

var unusualCICDEvents = map[string]bool{
	"CreateAccessKey":  true,
	"DeleteUser":       true,
	"AttachUserPolicy": true,
}

var selfEscalationEvents = map[string]bool{
	"AttachRolePolicy":        true,
	"PutRolePolicy":           true,
	"UpdateAssumeRolePolicy":  true,
	"PassRole":                true,
	"CreatePolicyVersion":     true,
	"SetDefaultPolicyVersion": true,
}

var highRiskActions = []string{
	"iam:CreateAccessKey",
	"iam:CreateServiceAccountKey",
	"iam:PassRole",
	"sts:AssumeRole",
	"iam:UpdateAssumeRolePolicy",
	"iam:AttachRolePolicy",
	"iam:PutRolePolicy",
	"secretsmanager:GetSecretValue",
	"kms:Decrypt",
	"dynamodb:*",
	"rds:*",
}

var botAgents = []string{"bot", "automation", "script", "curl", "python", "java", "go-http"}

// MachineIdentity watches non-human principals: service roles, CI/CD
// pipelines and bots. Its factors add up rather than taking the maximum.
type MachineIdentity struct {
	cfg      Config
	history  History
	keys     KeyInventory
	networks NetworkClassifier
}

// NewMachineIdentity creates the detector; any of deps may be nil.
func NewMachineIdentity(cfg Config, deps Deps) *MachineIdentity {
	return &MachineIdentity{
		cfg:      cfg,
		history:  deps.History,
		keys:     deps.Keys,
		networks: deps.Networks,
	}
}

func (d *MachineIdentity) Name() string { return MachineIdentityName }

func (d *MachineIdentity) Detect(ctx context.Context, ev *schema.Event) schema.DetectionResult {
	machine := isMachineIdentity(ev)
	if !machine && !machineIdentityEvents[ev.EventName] {
		return notApplicable(d.Name(), "not a machine identity event")
	}

	a := newAssessment()
	a.detail("machine_identity", strconv.FormatBool(machine))

	d.checkKeyAge(ctx, ev, a)
	d.checkDormant(ctx, ev, a)
	d.checkLocation(ctx, ev, a)
	checkEscalation(ev, a)
	d.checkImpersonation(ev, a)
	checkHighRiskAction(ev, a)
	if botAgent(ev.UserAgent) && d.cfg.offHours(ev.EventTime) {
		a.add("MI-010", "bot_off_hours", 45)
	}

	score := a.total()
	if score >= 80 {
		a.recommend(schema.ActionQuarantineIdentity)
	}
	return a.result(d.Name(), score, d.cfg.ThreatThreshold)
}

// checkKeyAge flags the signing key, or on key creation the target user's
// active keys, when older than the rotation threshold.
func (d *MachineIdentity) checkKeyAge(ctx context.Context, ev *schema.Event, a *assessment) {
	if d.keys == nil {
		return
	}
	user, keyID := ev.CallerUser(), ev.AccessKeyID
	if ev.EventName == "CreateAccessKey" || ev.EventName == "CreateServiceAccountKey" {
		if target := ev.Param("userName"); target != "" {
			user, keyID = target, ""
		}
	}
	if user == "" {
		return
	}
	keys, err := d.keys.AccessKeys(ctx, user)
	if err != nil {
		a.detail("key_inventory", "unavailable")
		return
	}
	limit := time.Duration(d.cfg.KeyRotationDays) * 24 * time.Hour
	for _, k := range keys {
		if !k.Active || (keyID != "" && k.ID != keyID) {
			continue
		}
		if age := ev.EventTime.Sub(k.CreatedAt); age > limit {
			a.add("MI-001", "stale_access_key", 75)
			a.detail("key_age_days", strconv.Itoa(int(age.Hours()/24)))
			a.recommend(schema.ActionDisableKey)
			return
		}
	}
}

func (d *MachineIdentity) checkDormant(ctx context.Context, ev *schema.Event, a *assessment) {
	if d.history == nil {
		return
	}
	last, ok, err := d.history.LastSeen(ctx, ev.Principal)
	if err != nil {
		a.detail("history", "unavailable")
		return
	}
	if !ok {
		return
	}
	if days := daysBetween(last, ev.EventTime); days > d.cfg.DormantDays {
		a.add("MI-002", "dormant_identity_active", min(85, 50+days))
		a.detail("dormant_days", strconv.Itoa(days))
	}
}

func (d *MachineIdentity) checkLocation(ctx context.Context, ev *schema.Event, a *assessment) {
	if ev.SourceIP == "" {
		return
	}
	fromCICD := d.cfg.fromCICD(ev.SourceIP)
	if containsAny(strings.ToLower(ev.Principal), cicdPatterns) {
		switch {
		case !fromCICD:
			a.add("MI-003", "cicd_source_ip", 85)
			a.recommend(schema.ActionDisableKey)
		case unusualCICDEvents[ev.EventName]:
			a.add("MI-004", "unusual_cicd_action", 75)
		}
	}
	if fromCICD || d.history == nil {
		return
	}
	seen, known, err := d.history.SourceIPSeen(ctx, ev.Principal, ev.SourceIP)
	if err != nil {
		a.detail("history", "unavailable")
		return
	}
	if known && !seen {
		pts := 60
		if d.networks != nil && d.networks.CloudHosted(ev.SourceIP) {
			pts += 20
			a.detail("source_network", "cloud")
		}
		a.add("MI-005", "unseen_source_ip", pts)
		a.recommend(schema.ActionDisableKey)
	}
}

func checkEscalation(ev *schema.Event, a *assessment) {
	if !selfEscalationEvents[ev.EventName] {
		return
	}
	policyArn := ev.Param("policyArn")
	switch target := ev.Param("roleName"); {
	case target != "" && target == ev.CallerRole():
		a.add("MI-006", "self_escalation", 90)
	case strings.Contains(policyArn, "Admin") || strings.Contains(policyArn, "FullAccess"):
		a.add("MI-006", "admin_policy_escalation", 85)
	default:
		a.add("MI-006", "privilege_escalation", 70)
	}
	if policyArn != "" {
		a.recommend(schema.ActionRevokePolicy)
	}
}

// checkImpersonation measures the session chain from the principal id,
// which gains a segment per hop.
func (d *MachineIdentity) checkImpersonation(ev *schema.Event, a *assessment) {
	if ev.SessionIssuer != "" {
		depth := strings.Count(ev.PrincipalID, ":")
		switch {
		case depth >= d.cfg.MaxImpersonationDepth:
			a.add("MI-007", "impersonation_chain", 85)
		case depth == d.cfg.MaxImpersonationDepth-1:
			a.add("MI-007", "impersonation_chain", 60)
		}
		if depth > 0 {
			a.detail("chain_depth", strconv.Itoa(depth))
		}
	}
	if ev.EventName == "ImpersonateServiceAccount" || ev.EventName == "GenerateAccessToken" {
		a.add("MI-008", "impersonation_call", 70)
	}
}

func checkHighRiskAction(ev *schema.Event, a *assessment) {
	action := strings.ToLower(ev.Service() + ":" + ev.EventName)
	for _, hr := range highRiskActions {
		hr = strings.ToLower(hr)
		prefix, wildcard := strings.CutSuffix(hr, "*")
		if action != hr && !(wildcard && strings.HasPrefix(action, prefix)) {
			continue
		}
		switch {
		case strings.Contains(action, "secretsmanager") || strings.Contains(action, "kms:decrypt"):
			a.add("MI-009", "high_risk_action", 80)
		case strings.Contains(action, "passrole"):
			a.add("MI-009", "high_risk_action", 75)
		default:
			a.add("MI-009", "high_risk_action", 55)
		}
		return
	}
}

// isMachineIdentity reports a non-human caller by session type or naming.
func isMachineIdentity(ev *schema.Event) bool {
	if machinePrincipalTypes[ev.PrincipalType] {
		return true
	}
	arn := strings.ToLower(ev.Principal)
	if containsAny(arn, machineNamePatterns) || containsAny(strings.ToLower(ev.SessionIssuer), machineNamePatterns) {
		return true
	}
	if strings.Contains(arn, ":role/") && strings.Contains(arn, "service-role") {
		return true
	}
	return strings.Contains(arn, "lambda") || strings.Contains(arn, "function")
}

func botAgent(ua string) bool {
	return containsAny(strings.ToLower(ua), botAgents)
}
