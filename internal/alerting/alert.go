// Package alerting fans risk notifications out to chat, webhook, email,
// paging and the Kafka alert topic.
package alerting

import (
	"context"
	"fmt"
	"time"

	"iam-monitor/internal/schema"
)

// Remediation status values reported when no dispatcher result exists.
const (
	StatusNotAttempted = "NOT_ATTEMPTED"
)

// Alert is the notification payload shared by every channel.
type Alert struct {
	DetectionID        string              `json:"detection_id"`
	RiskScore          int                 `json:"risk_score"`
	Severity           schema.Severity     `json:"severity"`
	Resource           string              `json:"resource"`
	Principal          string              `json:"principal"`
	RecommendedActions []schema.ActionType `json:"recommended_actions"`
	RemediationStatus  string              `json:"remediation_status"`

	RemediationID  string    `json:"remediation_id,omitempty"`
	DryRun         bool      `json:"dry_run,omitempty"`
	EventName      string    `json:"event_name,omitempty"`
	Detectors      []string  `json:"detectors,omitempty"`
	RuleIDs        []string  `json:"rule_ids,omitempty"`
	MLAnomalyScore *float64  `json:"ml_anomaly_score,omitempty"`
	IdentityHealth *int      `json:"identity_health,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NotificationChannel delivers one alert to one destination.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// NewAlert builds the payload for risk and its remediation outcome. rem may
// be nil when remediation was not attempted.
func NewAlert(risk *schema.AggregatedRisk, rem *schema.RemediationResult) *Alert {
	a := &Alert{
		DetectionID:        risk.EventID,
		RiskScore:          risk.RiskScore,
		Severity:           risk.Severity,
		Resource:           risk.Resource,
		Principal:          risk.Principal,
		RecommendedActions: risk.RecommendedActions,
		RemediationStatus:  StatusNotAttempted,
		MLAnomalyScore:     risk.MLAnomalyScore,
		IdentityHealth:     risk.IdentityHealth,
		CreatedAt:          risk.EvaluatedAt,
	}
	if a.RecommendedActions == nil {
		a.RecommendedActions = []schema.ActionType{}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if risk.Event != nil {
		a.EventName = risk.Event.EventName
	}

	seen := make(map[string]bool)
	for _, d := range risk.ContributingDetectors {
		if !d.IsThreat {
			continue
		}
		a.Detectors = append(a.Detectors, d.DetectorName)
		for _, id := range d.RuleIDs {
			if !seen[id] {
				seen[id] = true
				a.RuleIDs = append(a.RuleIDs, id)
			}
		}
	}

	if rem != nil {
		a.RemediationStatus = string(rem.OverallStatus)
		a.RemediationID = rem.RemediationID
		a.DryRun = rem.DryRun
	}
	return a
}

// Title is the one-line summary used by chat, email and paging channels.
func (a *Alert) Title() string {
	what := a.EventName
	if what == "" {
		what = "IAM risk"
	}
	return fmt.Sprintf("[%s] %s by %s (risk %d)", a.Severity, what, a.Principal, a.RiskScore)
}
