package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"iam-monitor/internal/schema"
)

const (
	tableDetections   = "detections"
	tableRemediations = "remediations"
	tableRollbacks    = "remediation_rollbacks"
)

const insertDetection = `
	INSERT INTO detections (
		event_id, event_time, event_name, event_source, principal, resource,
		source_ip, account_id, risk_score, severity, threat_detectors,
		ml_anomaly_score, identity_signal, event_json, risk_json, evaluated_at
	)`

// Repository reads and writes detection and remediation records.
type Repository struct {
	client *ClickHouseClient
}

// NewRepository creates a repository on client.
func NewRepository(client *ClickHouseClient) *Repository {
	return &Repository{client: client}
}

// SaveDetection writes one aggregated verdict together with its event.
// Rows are keyed by event_id, so a redelivered event overwrites its
// earlier row on merge.
func (r *Repository) SaveDetection(ctx context.Context, risk *schema.AggregatedRisk) error {
	row, err := detectionRow(risk)
	if err != nil {
		return err
	}
	if err := r.client.Exec(ctx, insertDetection+" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", row...); err != nil {
		return WrapQueryError("SaveDetection", tableDetections, err)
	}
	return nil
}

// detectionRow flattens a verdict into insert columns. The event is stored
// apart from the verdict JSON so the training window can read it alone.
func detectionRow(risk *schema.AggregatedRisk) ([]any, error) {
	if risk == nil || risk.Event == nil {
		return nil, &StorageError{Op: "SaveDetection", Table: tableDetections, Err: fmt.Errorf("%w: detection without event", ErrInvalidData)}
	}
	ev := risk.Event

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return nil, &StorageError{Op: "SaveDetection", Table: tableDetections, Err: fmt.Errorf("%w: %w", ErrInvalidData, err)}
	}
	verdict := *risk
	verdict.Event = nil
	riskJSON, err := json.Marshal(verdict)
	if err != nil {
		return nil, &StorageError{Op: "SaveDetection", Table: tableDetections, Err: fmt.Errorf("%w: %w", ErrInvalidData, err)}
	}

	threats := risk.ThreatDetectors()
	if threats == nil {
		threats = []string{}
	}
	return []any{
		risk.EventID,
		ev.EventTime,
		ev.EventName,
		ev.EventSource,
		risk.Principal,
		risk.Resource,
		ev.SourceIP,
		ev.AccountID,
		uint8(risk.RiskScore),
		string(risk.Severity),
		threats,
		risk.MLAnomalyScore,
		risk.IdentitySignal,
		string(eventJSON),
		string(riskJSON),
		risk.EvaluatedAt,
	}, nil
}

// TrainingWindow returns canonical events evaluated since the given time,
// oldest first, at most limit rows.
func (r *Repository) TrainingWindow(ctx context.Context, since time.Time, limit int) ([]*schema.Event, error) {
	rows, err := r.client.Query(ctx, `
		SELECT event_json
		FROM detections FINAL
		WHERE event_time >= ?
		ORDER BY event_time ASC
		LIMIT ?`, since, uint64(limit))
	if err != nil {
		return nil, WrapQueryError("TrainingWindow", tableDetections, err)
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, WrapQueryError("TrainingWindow", tableDetections, err)
		}
		var ev schema.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			// A corrupt row must not block retraining.
			continue
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("TrainingWindow", tableDetections, err)
	}
	return events, nil
}

// SaveRemediation stores a remediation outcome keyed by its event.
func (r *Repository) SaveRemediation(ctx context.Context, res *schema.RemediationResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return &StorageError{Op: "SaveRemediation", Table: tableRemediations, Err: fmt.Errorf("%w: %w", ErrInvalidData, err)}
	}
	err = r.client.Exec(ctx, `
		INSERT INTO remediations (
			event_id, remediation_id, overall_status, dry_run, severity,
			principal, resource, action_count, result_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.DetectionRef,
		res.RemediationID,
		string(res.OverallStatus),
		res.DryRun,
		string(res.Severity),
		res.Principal,
		res.Resource,
		uint16(len(res.ActionsTaken)),
		string(body),
		res.CreatedAt,
	)
	if err != nil {
		return WrapQueryError("SaveRemediation", tableRemediations, err)
	}
	return nil
}

// GetRemediation loads the stored outcome for an event.
func (r *Repository) GetRemediation(ctx context.Context, eventID string) (*schema.RemediationResult, error) {
	rows, err := r.client.Query(ctx, `
		SELECT result_json
		FROM remediations FINAL
		WHERE event_id = ?
		LIMIT 1`, eventID)
	if err != nil {
		return nil, WrapQueryError("GetRemediation", tableRemediations, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, WrapQueryError("GetRemediation", tableRemediations, err)
		}
		return nil, WrapNotFoundError("GetRemediation", tableRemediations, eventID)
	}
	var raw string
	if err := rows.Scan(&raw); err != nil {
		return nil, WrapQueryError("GetRemediation", tableRemediations, err)
	}
	var res schema.RemediationResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, &StorageError{Op: "GetRemediation", Table: tableRemediations, Err: fmt.Errorf("%w: %w", ErrInvalidData, err)}
	}
	return &res, nil
}

// SaveRollback records an explicit rollback.
func (r *Repository) SaveRollback(ctx context.Context, rb *schema.RollbackResult) error {
	body, err := json.Marshal(rb)
	if err != nil {
		return &StorageError{Op: "SaveRollback", Table: tableRollbacks, Err: fmt.Errorf("%w: %w", ErrInvalidData, err)}
	}
	err = r.client.Exec(ctx, `
		INSERT INTO remediation_rollbacks (
			event_id, remediation_id, status, result_json, completed_at
		) VALUES (?, ?, ?, ?, ?)`,
		rb.DetectionRef, rb.RemediationID, string(rb.Status), string(body), rb.CompletedAt,
	)
	if err != nil {
		return WrapQueryError("SaveRollback", tableRollbacks, err)
	}
	return nil
}
