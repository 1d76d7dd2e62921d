package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity is the tier derived from a risk score.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severity thresholds on the 0-100 risk scale.
const (
	MediumThreshold   = 30
	HighThreshold     = 60
	CriticalThreshold = 85
)

// SeverityFor maps a risk score onto its tier. The mapping is monotonic.
func SeverityFor(score int) Severity {
	switch {
	case score >= CriticalThreshold:
		return SeverityCritical
	case score >= HighThreshold:
		return SeverityHigh
	case score >= MediumThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank orders severities; unknown values rank below LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is min or above.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity accepts any casing of the four tier names.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// ActionType names a remediation action or its inverse.
type ActionType string

const (
	ActionBlockPublicAccess  ActionType = "block_public_access"
	ActionRevokePolicy       ActionType = "revoke_policy"
	ActionDisableKey         ActionType = "disable_key"
	ActionQuarantineIdentity ActionType = "quarantine_identity"

	// Inverses used in rollback plans.
	ActionRestorePublicAccess ActionType = "restore_public_access"
	ActionRestorePolicy       ActionType = "restore_policy"
	ActionEnableKey           ActionType = "enable_key"
	ActionReleaseQuarantine   ActionType = "release_quarantine"
)

// Inverse returns the rollback counterpart of a forward action.
func (a ActionType) Inverse() (ActionType, bool) {
	switch a {
	case ActionBlockPublicAccess:
		return ActionRestorePublicAccess, true
	case ActionRevokePolicy:
		return ActionRestorePolicy, true
	case ActionDisableKey:
		return ActionEnableKey, true
	case ActionQuarantineIdentity:
		return ActionReleaseQuarantine, true
	}
	return "", false
}

// DetectionResult is one detector's verdict on one event.
type DetectionResult struct {
	DetectorName       string            `json:"detector_name"`
	IsThreat           bool              `json:"is_threat"`
	RiskContribution   int               `json:"risk_contribution"`
	Confidence         float64           `json:"confidence"`
	RuleIDs            []string          `json:"rule_ids_triggered,omitempty"`
	Details            map[string]string `json:"details,omitempty"`
	RecommendedActions []ActionType      `json:"recommended_actions,omitempty"`
	TimedOut           bool              `json:"timed_out,omitempty"`
}

// AggregatedRisk is the combined verdict for one event. The point fields
// record how the score was reached.
type AggregatedRisk struct {
	EventID               string            `json:"event_id"`
	RiskScore             int               `json:"risk_score"`
	Severity              Severity          `json:"severity"`
	ContributingDetectors []DetectionResult `json:"contributing_detectors"`
	MLAnomalyScore        *float64          `json:"ml_anomaly_score"`
	IdentitySignal        *float64          `json:"identity_signal,omitempty"`
	IdentityHealth        *int              `json:"identity_health,omitempty"`

	RulePoints     int     `json:"rule_points"`
	MLPoints       float64 `json:"ml_points"`
	IdentityPoints float64 `json:"identity_points"`

	RecommendedActions []ActionType `json:"recommended_actions,omitempty"`
	Principal          string       `json:"principal"`
	Resource           string       `json:"resource"`
	EvaluatedAt        time.Time    `json:"evaluated_at"`

	// Event is the evaluated event; remediation planning reads it.
	Event *Event `json:"event,omitempty"`
}

// ThreatDetectors returns the names of detectors that flagged the event.
func (r *AggregatedRisk) ThreatDetectors() []string {
	var names []string
	for _, d := range r.ContributingDetectors {
		if d.IsThreat {
			names = append(names, d.DetectorName)
		}
	}
	return names
}

// ActionStatus is the outcome of one remediation action.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "SUCCESS"
	ActionFailed    ActionStatus = "FAILED"
	ActionDryRun    ActionStatus = "DRY_RUN"
)

// ActionRecord records one executed (or attempted) action.
type ActionRecord struct {
	Type      ActionType   `json:"type"`
	Target    string       `json:"target"`
	Status    ActionStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Attempts  int          `json:"attempts"`
	Error     string       `json:"error,omitempty"`
}

// Succeeded reports whether the action counts toward overall success.
func (a ActionRecord) Succeeded() bool {
	return a.Status == ActionSucceeded || a.Status == ActionDryRun
}

// RollbackStep is one inverse action with the state it restores.
type RollbackStep struct {
	Type     ActionType      `json:"type"`
	Target   string          `json:"target"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// RemediationStatus is the overall plan outcome.
type RemediationStatus string

const (
	RemediationSuccess RemediationStatus = "SUCCESS"
	RemediationPartial RemediationStatus = "PARTIAL"
	RemediationFailed  RemediationStatus = "FAILED"
	RemediationSkipped RemediationStatus = "SKIPPED"
)

// OverallStatus derives the plan status from its action records.
func OverallStatus(actions []ActionRecord) RemediationStatus {
	ok := 0
	for _, a := range actions {
		if a.Succeeded() {
			ok++
		}
	}
	switch {
	case len(actions) > 0 && ok == len(actions):
		return RemediationSuccess
	case ok > 0:
		return RemediationPartial
	default:
		return RemediationFailed
	}
}

// RemediationResult is created once per event_id and never changed after
// it is stored.
type RemediationResult struct {
	RemediationID string            `json:"remediation_id"`
	DetectionRef  string            `json:"detection_ref"`
	ActionsTaken  []ActionRecord    `json:"actions_taken"`
	OverallStatus RemediationStatus `json:"overall_status"`
	RollbackPlan  []RollbackStep    `json:"rollback_plan,omitempty"`
	DryRun        bool              `json:"dry_run,omitempty"`
	SkippedReason string            `json:"skipped_reason,omitempty"`

	Principal string    `json:"principal"`
	Resource  string    `json:"resource"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Skipped reports whether the request was ineligible.
func (r *RemediationResult) Skipped() bool {
	return r != nil && r.OverallStatus == RemediationSkipped
}

// RollbackResult records an explicit rollback of a stored remediation.
type RollbackResult struct {
	RemediationID string            `json:"remediation_id"`
	DetectionRef  string            `json:"detection_ref"`
	Steps         []ActionRecord    `json:"steps"`
	Status        RemediationStatus `json:"status"`
	CompletedAt   time.Time         `json:"completed_at"`
}
