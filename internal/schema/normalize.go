package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// cloudTrailShape is the minimal JSON Schema every inbound payload must
// satisfy before field extraction.
const cloudTrailShape = `{
  "type": "object",
  "required": ["eventName", "eventTime", "userIdentity"],
  "properties": {
    "eventID":           {"type": "string"},
    "eventName":         {"type": "string", "minLength": 1},
    "eventTime":         {"type": "string", "minLength": 1},
    "eventSource":       {"type": "string"},
    "awsRegion":         {"type": "string"},
    "sourceIPAddress":   {"type": "string"},
    "userAgent":         {"type": "string"},
    "errorCode":         {"type": "string"},
    "recipientAccountId":{"type": "string"},
    "userIdentity":      {"type": "object"},
    "requestParameters": {"type": ["object", "null"]},
    "resources":         {"type": ["array", "null"]}
  }
}`

// Normalizer turns raw audit payloads into canonical events. It performs
// no I/O and is safe for concurrent use.
type Normalizer struct {
	shape     *gojsonschema.Schema
	validator *Validator
	now       func() time.Time
}

// NewNormalizer compiles the inbound shape schema.
func NewNormalizer(v *Validator) (*Normalizer, error) {
	shape, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(cloudTrailShape))
	if err != nil {
		return nil, fmt.Errorf("failed to compile event shape: %w", err)
	}
	if v == nil {
		v = NewValidator()
	}
	return &Normalizer{
		shape:     shape,
		validator: v,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Normalize parses a CloudTrail record (bare, or wrapped in an EventBridge
// envelope) into a canonical Event. Errors are always *NormalizationError.
func (n *Normalizer) Normalize(raw []byte) (*Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, malformed("", errors.New("empty payload"))
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, malformed("", err)
	}

	// EventBridge delivers CloudTrail records under "detail".
	if detail, ok := doc["detail"].(map[string]any); ok && doc["detail-type"] != nil {
		doc = detail
		b, err := json.Marshal(detail)
		if err != nil {
			return nil, malformed("detail", err)
		}
		raw = b
	}

	if err := n.checkShape(doc); err != nil {
		return nil, err
	}

	ts, _ := doc["eventTime"].(string)
	eventTime, err := parseTimestamp(ts)
	if err != nil {
		return nil, invalidTimestamp("eventTime", err)
	}

	identity, _ := doc["userIdentity"].(map[string]any)
	principal := firstNonEmpty(str(identity, "arn"), str(identity, "principalId"), str(identity, "userName"))
	if principal == "" {
		return nil, missingField("userIdentity.arn")
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, malformed("", err)
	}

	params, _ := sanitizeValue(doc["requestParameters"]).(map[string]any)

	ev := &Event{
		EventID:           Sanitize(str(doc, "eventID")),
		EventTime:         eventTime.UTC(),
		EventName:         Sanitize(str(doc, "eventName")),
		Principal:         Sanitize(principal),
		EventSource:       Sanitize(str(doc, "eventSource")),
		Region:            Sanitize(str(doc, "awsRegion")),
		AccountID:         Sanitize(firstNonEmpty(str(doc, "recipientAccountId"), str(identity, "accountId"))),
		PrincipalType:     Sanitize(str(identity, "type")),
		PrincipalID:       Sanitize(str(identity, "principalId")),
		PrincipalAccount:  Sanitize(str(identity, "accountId")),
		SessionIssuer:     Sanitize(sessionIssuer(identity)),
		AccessKeyID:       Sanitize(str(identity, "accessKeyId")),
		SourceIP:          Sanitize(str(doc, "sourceIPAddress")),
		UserAgent:         Sanitize(str(doc, "userAgent")),
		ErrorCode:         Sanitize(str(doc, "errorCode")),
		RequestParameters: params,
		RawPayload:        json.RawMessage(compact.Bytes()),
		ReceivedAt:        n.now(),
	}
	if ev.EventID == "" {
		// Derived from the payload so a redelivered record keeps its id.
		ev.EventID = uuid.NewSHA1(uuid.NameSpaceOID, ev.RawPayload).String()
	}
	ev.Resource = Sanitize(resolveResource(ev, doc))

	if err := n.validator.Validate(ev, n.now()); err != nil {
		if strings.Contains(err.Error(), "event_time") {
			return nil, invalidTimestamp("eventTime", err)
		}
		return nil, malformed("", err)
	}

	return ev, nil
}

// checkShape maps JSON Schema violations onto normalization error kinds.
func (n *Normalizer) checkShape(doc map[string]any) error {
	result, err := n.shape.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return malformed("", err)
	}
	if result.Valid() {
		return nil
	}

	for _, re := range result.Errors() {
		switch re.Type() {
		case "required":
			if prop, ok := re.Details()["property"].(string); ok {
				return missingField(prop)
			}
			return missingField(re.Field())
		case "string_gte":
			return missingField(re.Field())
		}
	}
	first := result.Errors()[0]
	return malformed(first.Field(), errors.New(first.Description()))
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05Z0700", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as ISO-8601", s)
}

// resolveResource picks the most specific target identifier in the record.
func resolveResource(ev *Event, doc map[string]any) string {
	if resources, ok := doc["resources"].([]any); ok {
		for _, r := range resources {
			if m, ok := r.(map[string]any); ok {
				if arn := firstNonEmpty(str(m, "ARN"), str(m, "arn")); arn != "" {
					return arn
				}
			}
		}
	}

	account := ev.AccountID
	switch {
	case ev.Param("bucketName") != "":
		return "arn:aws:s3:::" + ev.Param("bucketName")
	case ev.Param("roleArn") != "":
		return ev.Param("roleArn")
	case ev.Param("policyArn") != "":
		return ev.Param("policyArn")
	case ev.Param("roleName") != "":
		return fmt.Sprintf("arn:aws:iam::%s:role/%s", account, ev.Param("roleName"))
	case ev.Param("userName") != "":
		return fmt.Sprintf("arn:aws:iam::%s:user/%s", account, ev.Param("userName"))
	case ev.Param("groupName") != "":
		return fmt.Sprintf("arn:aws:iam::%s:group/%s", account, ev.Param("groupName"))
	case ev.Param("policyName") != "":
		return fmt.Sprintf("arn:aws:iam::%s:policy/%s", account, ev.Param("policyName"))
	case ev.Param("accessKeyId") != "":
		return ev.Param("accessKeyId")
	}
	return ev.EventSource
}

func sessionIssuer(identity map[string]any) string {
	ctx, _ := identity["sessionContext"].(map[string]any)
	issuer, _ := ctx["sessionIssuer"].(map[string]any)
	return firstNonEmpty(str(issuer, "arn"), str(issuer, "userName"))
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	return stringValue(m[key])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
