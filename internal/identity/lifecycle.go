package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-SailPoint-Signature"

// Lifecycle event errors.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownEventType = errors.New("unknown lifecycle event type")
	ErrInvalidEvent     = errors.New("invalid lifecycle event")
)

// EventType is an identity lifecycle transition.
type EventType string

const (
	EventJoiner           EventType = "joiner"
	EventMover            EventType = "mover"
	EventLeaver           EventType = "leaver"
	EventReactivation     EventType = "reactivation"
	EventSuspension       EventType = "suspension"
	EventAccessRequest    EventType = "access_request"
	EventAccessRevocation EventType = "access_revocation"
)

var baseScores = map[EventType]float64{
	EventJoiner:           30,
	EventMover:            45,
	EventLeaver:           80,
	EventReactivation:     60,
	EventSuspension:       20,
	EventAccessRequest:    35,
	EventAccessRevocation: 15,
}

// LifecycleEvent is one identity lifecycle webhook from SailPoint.
type LifecycleEvent struct {
	EventID   string    `json:"eventId"`
	Type      EventType `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	Identity  struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Alias string `json:"alias"`
		Email string `json:"email"`
	} `json:"identity"`
	// CloudPrincipals are the AWS principal ARNs linked to the identity.
	CloudPrincipals []string       `json:"cloudPrincipals,omitempty"`
	CertificationID string         `json:"certificationId,omitempty"`
	RiskIndicators  []string       `json:"riskIndicators,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

// ParseLifecycleEvent decodes and checks a webhook body.
func ParseLifecycleEvent(body []byte) (*LifecycleEvent, error) {
	var ev LifecycleEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev.Type = EventType(strings.ToLower(string(ev.Type)))
	if _, ok := baseScores[ev.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	if ev.EventID == "" {
		return nil, fmt.Errorf("%w: no eventId", ErrInvalidEvent)
	}
	if ev.Identity.ID == "" {
		return nil, fmt.Errorf("%w: no identity id", ErrInvalidEvent)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return &ev, nil
}

// RiskScore is the event's base score plus 10 per risk indicator, capped
// at 100.
func (e *LifecycleEvent) RiskScore() float64 {
	score := baseScores[e.Type] + 10*float64(len(e.RiskIndicators))
	return min(score, 100)
}

// RequiresQuarantine reports whether the event should isolate the
// identity's cloud principals.
func (e *LifecycleEvent) RequiresQuarantine() bool {
	return e.Type == EventLeaver || (e.Type == EventAccessRevocation && e.CertificationID != "")
}

// aliases are the lowercase names a cloud principal may carry for this
// identity.
func (e *LifecycleEvent) aliases() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(e.Identity.Alias)
	add(e.Identity.Name)
	if local, _, ok := strings.Cut(e.Identity.Email, "@"); ok {
		add(local)
	}
	for _, p := range e.CloudPrincipals {
		add(PrincipalAlias(p))
	}
	return out
}

// VerifySignature checks sig, the hex HMAC-SHA256 of body under secret.
func VerifySignature(secret, body []byte, sig string) error {
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil || len(got) != sha256.Size {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
