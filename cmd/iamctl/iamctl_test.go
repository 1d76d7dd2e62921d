package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"iam-monitor/internal/schema"
)

const trailRecord = `{"eventID":"evt-1","eventTime":"2024-03-12T14:05:09Z","eventSource":"iam.amazonaws.com","eventName":"ListUsers","awsRegion":"us-east-1","sourceIPAddress":"203.0.113.10","recipientAccountId":"111122223333","userIdentity":{"type":"IAMUser","arn":"arn:aws:iam::111122223333:user/alice","accountId":"111122223333"}}`

func runCmd(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	if srv != nil {
		args = append(args, "--server", srv.URL, "--api-key", "k-1")
	}
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return out.String(), err
}

func TestNormalizeLines(t *testing.T) {
	in := strings.NewReader(trailRecord + "\n\n" + `{"eventName": 12}` + "\n")
	var out, errOut bytes.Buffer

	err := normalizeLines(in, &out, &errOut)
	if err == nil || !strings.Contains(err.Error(), "1 of 3 records rejected") {
		t.Errorf("expected one rejected record, got %v", err)
	}

	var ev schema.Event
	if err := json.Unmarshal(out.Bytes(), &ev); err != nil {
		t.Fatalf("decode canonical event: %v\n%s", err, out.String())
	}
	if ev.EventID != "evt-1" || ev.Principal != "arn:aws:iam::111122223333:user/alice" {
		t.Errorf("unexpected event %+v", ev)
	}
	if !strings.HasPrefix(errOut.String(), "line 3: ") {
		t.Errorf("expected the rejection to name line 3, got %q", errOut.String())
	}
}

func TestTrainCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/baseline/retrain" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != "k-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"samples":1200,"bytes":8192,"duration_ms":3100}`))
	}))
	defer srv.Close()

	out, err := runCmd(t, srv, "train")
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if !strings.Contains(out, "1200 samples") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRollbackCmd(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
		wantOut string
	}{
		{
			name:    "success",
			status:  http.StatusOK,
			body:    `{"remediation_id":"rem-1","detection_ref":"evt-1","status":"SUCCESS"}`,
			wantOut: `"rem-1"`,
		},
		{
			name:    "partial",
			status:  http.StatusBadGateway,
			body:    `{"remediation_id":"rem-1","detection_ref":"evt-1","status":"PARTIAL"}`,
			wantErr: "PARTIAL",
			wantOut: `"evt-1"`,
		},
		{
			name:    "already rolled back",
			status:  http.StatusConflict,
			body:    `{"code":"ALREADY_ROLLED_BACK","message":"remediation was already rolled back"}`,
			wantErr: "409 ALREADY_ROLLED_BACK",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/remediations/evt-1/rollback" {
					http.NotFound(w, r)
					return
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			out, err := runCmd(t, srv, "rollback", "evt-1")
			switch {
			case tt.wantErr == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("expected output containing %s, got %q", tt.wantOut, out)
			}
		})
	}
}

func TestReplayFilter(t *testing.T) {
	tests := []struct {
		name  string
		opts  replayOpts
		cause string
		want  bool
	}{
		{"no filter", replayOpts{}, "record history: redis down", true},
		{"match", replayOpts{match: "redis"}, "record history: redis down", true},
		{"no match", replayOpts{match: "redis"}, "MalformedPayload: bad json", false},
		{"excluded", replayOpts{exclude: "MalformedPayload"}, "MalformedPayload: bad json", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.keep(tt.cause); got != tt.want {
				t.Errorf("keep(%q) = %v, want %v", tt.cause, got, tt.want)
			}
		})
	}
}

func TestRollbackRequiresEventID(t *testing.T) {
	if _, err := runCmd(t, nil, "rollback"); err == nil {
		t.Error("expected an argument error")
	}
}
