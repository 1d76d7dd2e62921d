package detection

import (
	"encoding/json"
	"errors"
	"net/url"
	"slices"
	"strings"

	"iam-monitor/internal/schema"
)

var errNoDocument = errors.New("no policy document")

// stringList decodes an IAM element that may be a single string or a list.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (s stringList) has(v string) bool {
	return slices.Contains(s, v)
}

func (s stringList) hasAny(set ...string) bool {
	return slices.ContainsFunc(s, func(v string) bool { return slices.Contains(set, v) })
}

// principal decodes "*" or a map of principal kinds to string-or-list.
type principal struct {
	wildcard bool
	aws      stringList
	service  stringList
}

func (p *principal) UnmarshalJSON(b []byte) error {
	var star string
	if err := json.Unmarshal(b, &star); err == nil {
		p.wildcard = star == "*"
		return nil
	}
	var m struct {
		AWS     stringList `json:"AWS"`
		Service stringList `json:"Service"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	p.aws, p.service = m.AWS, m.Service
	return nil
}

// public reports a principal that grants access to anyone.
func (p principal) public() bool {
	return p.wildcard || p.aws.has("*")
}

// accounts returns the AWS account ids named by the principal, from ARNs
// or bare ids.
func (p principal) accounts() []string {
	var out []string
	for _, v := range p.aws {
		if acct := accountOf(v); acct != "" {
			out = append(out, acct)
		}
	}
	return out
}

type statement struct {
	Effect    string                    `json:"Effect"`
	Principal *principal                `json:"Principal"`
	Action    stringList                `json:"Action"`
	Resource  stringList                `json:"Resource"`
	Condition map[string]map[string]any `json:"Condition"`
}

func (s statement) allows() bool { return s.Effect == "Allow" }

// hasConditionKey reports whether any condition operator tests key.
func (s statement) hasConditionKey(key string) bool {
	for _, kv := range s.Condition {
		for k := range kv {
			if strings.EqualFold(k, key) {
				return true
			}
		}
	}
	return false
}

// statements decodes a single object or a list.
type statements []statement

func (s *statements) UnmarshalJSON(b []byte) error {
	var one statement
	if len(b) > 0 && b[0] == '{' {
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = statements{one}
		return nil
	}
	var many []statement
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type policyDocument struct {
	Version   string     `json:"Version"`
	Statement statements `json:"Statement"`
}

// parsePolicy decodes a policy document carried as a JSON string (possibly
// URL-encoded, as IAM echoes it) or as an already decoded object.
func parsePolicy(v any) (*policyDocument, error) {
	var raw []byte
	switch doc := v.(type) {
	case nil:
		return nil, errNoDocument
	case string:
		if doc == "" {
			return nil, errNoDocument
		}
		if strings.HasPrefix(doc, "%7B") || strings.HasPrefix(doc, "%7b") {
			if decoded, err := url.QueryUnescape(doc); err == nil {
				doc = decoded
			}
		}
		raw = []byte(doc)
	default:
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var p policyDocument
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func accountOf(v string) string {
	if acct := schema.AccountFromARN(v); acct != "" {
		return acct
	}
	if len(v) == 12 && strings.Trim(v, "0123456789") == "" {
		return v
	}
	return ""
}
