// Package schema defines the canonical IAM audit event and the normalizer
// that builds it from raw CloudTrail-shaped payloads.
package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event is the canonical, normalized representation of one audit event.
// An Event must not be modified after Normalize returns it; detectors and
// the scorer only read it.
type Event struct {
	// Required fields
	EventID   string    `json:"event_id" validate:"required,max=128"`
	EventTime time.Time `json:"event_time" validate:"required"`
	EventName string    `json:"event_name" validate:"required,max=128,event_name"`
	Principal string    `json:"principal" validate:"required,max=2048"`
	Resource  string    `json:"resource" validate:"max=2048"`

	// Optional context
	EventSource      string `json:"event_source,omitempty" validate:"max=256"`
	Region           string `json:"aws_region,omitempty" validate:"max=64"`
	AccountID        string `json:"account_id,omitempty" validate:"max=32"`
	PrincipalType    string `json:"principal_type,omitempty" validate:"max=64"`
	PrincipalID      string `json:"principal_id,omitempty" validate:"max=512"`
	PrincipalAccount string `json:"principal_account,omitempty" validate:"max=32"`
	SessionIssuer    string `json:"session_issuer,omitempty" validate:"max=512"`
	AccessKeyID      string `json:"access_key_id,omitempty" validate:"max=128"`
	SourceIP         string `json:"source_ip,omitempty" validate:"max=256"`
	UserAgent        string `json:"user_agent,omitempty" validate:"max=1024"`
	ErrorCode        string `json:"error_code,omitempty" validate:"max=256"`

	RequestParameters map[string]any  `json:"request_parameters,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload"`

	// Internal fields (set by system)
	ReceivedAt time.Time `json:"received_at"`
}

// Param returns a request parameter as a string, or "" when absent.
func (e *Event) Param(key string) string {
	return stringValue(e.RequestParameters[key])
}

// ParamMap returns a nested request parameter object, or nil.
func (e *Event) ParamMap(key string) map[string]any {
	m, _ := e.RequestParameters[key].(map[string]any)
	return m
}

// ParamInt returns a numeric request parameter.
func (e *Event) ParamInt(key string) (int64, bool) {
	switch v := e.RequestParameters[key].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// HasParam reports whether a request parameter is present and non-empty.
func (e *Event) HasParam(key string) bool {
	v, ok := e.RequestParameters[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}

// Service returns the short service name from the event source,
// e.g. "iam" for "iam.amazonaws.com".
func (e *Event) Service() string {
	svc, _, _ := strings.Cut(e.EventSource, ".")
	return svc
}

// IsCrossAccount reports whether the caller's account differs from the
// account that received the call.
func (e *Event) IsCrossAccount() bool {
	return e.PrincipalAccount != "" && e.AccountID != "" && e.PrincipalAccount != e.AccountID
}

// Failed reports whether the API call returned an error.
func (e *Event) Failed() bool {
	return e.ErrorCode != ""
}

// RequestSize approximates the size of the request parameters in bytes.
func (e *Event) RequestSize() int {
	if len(e.RequestParameters) == 0 {
		return 0
	}
	b, err := json.Marshal(e.RequestParameters)
	if err != nil {
		return 0
	}
	return len(b)
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case json.Number:
		return s.String()
	}
	return ""
}
