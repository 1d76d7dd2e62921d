package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"iam-monitor/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// fakeRows serves single-column string or uint64 rows.
type fakeRows struct {
	values []any
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	v := r.values[r.pos-1]
	switch d := dest[0].(type) {
	case *string:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("cannot scan %T into *string", v)
		}
		*d = s
	case *uint64:
		n, ok := v.(uint64)
		if !ok {
			return fmt.Errorf("cannot scan %T into *uint64", v)
		}
		*d = n
	default:
		return fmt.Errorf("unsupported scan target %T", dest[0])
	}
	return nil
}

func (r *fakeRows) ScanStruct(any) error             { return nil }
func (r *fakeRows) ColumnTypes() []driver.ColumnType { return nil }
func (r *fakeRows) Totals(...any) error              { return nil }
func (r *fakeRows) Columns() []string                { return nil }
func (r *fakeRows) Close() error                     { r.closed = true; return nil }
func (r *fakeRows) Err() error                       { return r.err }

func TestSaveDetectionWritesVerdictAndEvent(t *testing.T) {
	conn := &mockConn{}
	repo := NewRepository(newMockClient(conn))

	risk := newTestRisk("ev-1", 72)
	ml := 0.12
	risk.MLAnomalyScore = &ml
	risk.ContributingDetectors = []schema.DetectionResult{
		{DetectorName: "PublicAccessBlockRemoval", IsThreat: true, RiskContribution: 70},
		{DetectorName: "SensitiveActions", IsThreat: false},
	}

	if err := repo.SaveDetection(context.Background(), risk); err != nil {
		t.Fatalf("SaveDetection() error = %v", err)
	}
	if len(conn.execArgs) != 1 {
		t.Fatalf("execs = %d, want 1", len(conn.execArgs))
	}
	args := conn.execArgs[0]
	if len(args) != 16 {
		t.Fatalf("args = %d, want 16", len(args))
	}
	threats, ok := args[10].([]string)
	if !ok || len(threats) != 1 || threats[0] != "PublicAccessBlockRemoval" {
		t.Errorf("threat_detectors = %v, want [PublicAccessBlockRemoval]", args[10])
	}
	if args[11] != &ml {
		t.Errorf("ml_anomaly_score = %v, want pointer to %v", args[11], ml)
	}
	riskJSON, _ := args[14].(string)
	if strings.Contains(riskJSON, `"event"`) {
		t.Errorf("risk_json embeds the event: %s", riskJSON)
	}
	var ev schema.Event
	if err := json.Unmarshal([]byte(args[13].(string)), &ev); err != nil {
		t.Fatalf("event_json: %v", err)
	}
	if ev.EventName != "PutBucketPolicy" {
		t.Errorf("event_json event name = %q", ev.EventName)
	}
}

func TestSaveDetectionRequiresEvent(t *testing.T) {
	repo := NewRepository(newMockClient(&mockConn{}))
	risk := newTestRisk("ev-1", 10)
	risk.Event = nil

	err := repo.SaveDetection(context.Background(), risk)
	if !errors.Is(err, ErrInvalidData) {
		t.Errorf("SaveDetection() error = %v, want ErrInvalidData", err)
	}
}

func TestSaveDetectionWrapsQueryError(t *testing.T) {
	repo := NewRepository(newMockClient(&mockConn{execErr: errors.New("timeout")}))

	err := repo.SaveDetection(context.Background(), newTestRisk("ev-1", 10))
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StorageError", err)
	}
	if se.Op != "SaveDetection" || se.Table != tableDetections {
		t.Errorf("StorageError = %+v", se)
	}
	if !IsRetryable(err) {
		t.Error("query failure should be retryable")
	}
}

func TestTrainingWindowSkipsCorruptRows(t *testing.T) {
	good, _ := json.Marshal(&schema.Event{EventID: "a", EventName: "CreateAccessKey"})
	rows := &fakeRows{values: []any{string(good), "{not json", string(good)}}
	repo := NewRepository(newMockClient(&mockConn{queryRows: rows}))

	events, err := repo.TrainingWindow(context.Background(), time.Now().Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("TrainingWindow() error = %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestGetRemediation(t *testing.T) {
	stored := &schema.RemediationResult{
		RemediationID: "rem-1",
		DetectionRef:  "ev-1",
		OverallStatus: schema.RemediationSuccess,
		ActionsTaken: []schema.ActionRecord{
			{Type: schema.ActionBlockPublicAccess, Target: "payroll", Status: schema.ActionSucceeded, Attempts: 1},
		},
	}
	body, _ := json.Marshal(stored)

	t.Run("found", func(t *testing.T) {
		repo := NewRepository(newMockClient(&mockConn{queryRows: &fakeRows{values: []any{string(body)}}}))
		got, err := repo.GetRemediation(context.Background(), "ev-1")
		if err != nil {
			t.Fatalf("GetRemediation() error = %v", err)
		}
		if got.RemediationID != "rem-1" || len(got.ActionsTaken) != 1 {
			t.Errorf("GetRemediation() = %+v", got)
		}
	})

	t.Run("missing", func(t *testing.T) {
		repo := NewRepository(newMockClient(&mockConn{queryRows: &fakeRows{}}))
		_, err := repo.GetRemediation(context.Background(), "ev-2")
		if !IsNotFound(err) {
			t.Errorf("GetRemediation() error = %v, want not found", err)
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		repo := NewRepository(newMockClient(&mockConn{queryRows: &fakeRows{values: []any{"{"}}}))
		_, err := repo.GetRemediation(context.Background(), "ev-3")
		if !errors.Is(err, ErrInvalidData) {
			t.Errorf("GetRemediation() error = %v, want ErrInvalidData", err)
		}
	})
}

func TestSaveRemediationColumns(t *testing.T) {
	conn := &mockConn{}
	repo := NewRepository(newMockClient(conn))

	res := &schema.RemediationResult{
		RemediationID: "rem-1",
		DetectionRef:  "ev-1",
		OverallStatus: schema.RemediationPartial,
		DryRun:        true,
		Severity:      schema.SeverityHigh,
		ActionsTaken:  make([]schema.ActionRecord, 2),
	}
	if err := repo.SaveRemediation(context.Background(), res); err != nil {
		t.Fatalf("SaveRemediation() error = %v", err)
	}
	args := conn.execArgs[0]
	if args[0] != "ev-1" || args[2] != "PARTIAL" || args[3] != true {
		t.Errorf("leading columns = %v", args[:4])
	}
	if args[7] != uint16(2) {
		t.Errorf("action_count = %v, want 2", args[7])
	}
}

func TestQuarantineCount(t *testing.T) {
	qw := NewQuarantineWriter(newMockClient(&mockConn{queryRows: &fakeRows{values: []any{uint64(7)}}}))
	n, err := qw.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 7 {
		t.Errorf("Count() = %d, want 7", n)
	}
}

func TestQuarantineWriteClampsAttempts(t *testing.T) {
	conn := &mockConn{}
	qw := NewQuarantineWriter(newMockClient(conn))

	err := qw.Write(context.Background(), QuarantineEntry{RawEvent: "{}", Reason: "missing field", Attempts: 900})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := conn.execArgs[0][4]; got != uint8(255) {
		t.Errorf("attempts = %v, want 255", got)
	}
}

func TestTTLStatement(t *testing.T) {
	got := ttlStatement("detections", "evaluated_at", 90)
	want := "ALTER TABLE detections MODIFY TTL toDateTime(evaluated_at) + INTERVAL 90 DAY DELETE"
	if got != want {
		t.Errorf("ttlStatement() = %q, want %q", got, want)
	}
	if got := ttlStatement("x; DROP TABLE y", "c", 1); strings.Contains(got, ";") {
		t.Errorf("identifier not sanitized: %q", got)
	}
}

func TestApplyTTLsSkipsZero(t *testing.T) {
	conn := &mockConn{}
	cfg := DefaultRetentionConfig()
	cfg.QuarantineTTL = 0
	NewRetentionManager(newMockClient(conn), cfg, nil).ApplyTTLs(context.Background())

	if len(conn.execs) != 3 {
		t.Errorf("execs = %d, want 3", len(conn.execs))
	}
}
