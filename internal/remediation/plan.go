package remediation

import (
	"encoding/json"
	"strings"

	"iam-monitor/internal/schema"
)

// Entity kinds an IAM action can address.
const (
	EntityUser  = "user"
	EntityRole  = "role"
	EntityGroup = "group"
)

// Target identifies what an action changes. Only the fields relevant to
// the action type are set.
type Target struct {
	Bucket      string `json:"bucket,omitempty"`
	EntityKind  string `json:"entity_kind,omitempty"`
	EntityName  string `json:"entity_name,omitempty"`
	PolicyARN   string `json:"policy_arn,omitempty"`
	PolicyName  string `json:"policy_name,omitempty"`
	AccessKeyID string `json:"access_key_id,omitempty"`
}

// String renders the target for records and logs.
func (t Target) String() string {
	var parts []string
	if t.Bucket != "" {
		parts = append(parts, "s3:"+t.Bucket)
	}
	if t.EntityName != "" {
		parts = append(parts, t.EntityKind+"/"+t.EntityName)
	}
	if t.PolicyARN != "" {
		parts = append(parts, t.PolicyARN)
	}
	if t.PolicyName != "" {
		parts = append(parts, "inline:"+t.PolicyName)
	}
	if t.AccessKeyID != "" {
		parts = append(parts, "key:"+t.AccessKeyID)
	}
	return strings.Join(parts, " ")
}

// Action is one planned step. State carries the snapshot an inverse
// action restores; forward actions leave it empty.
type Action struct {
	Type   schema.ActionType
	Target Target
	State  json.RawMessage
}

// snapshot is what a rollback step stores: the target plus the state an
// executor captured before changing it.
type snapshot struct {
	Target Target          `json:"target"`
	State  json.RawMessage `json:"state,omitempty"`
}

// Plan derives the actions for a risk from its recommended actions and the
// event. Recommendations without a resolvable target are dropped.
func Plan(risk *schema.AggregatedRisk) []Action {
	ev := risk.Event
	if ev == nil {
		return nil
	}
	var plan []Action
	add := func(a Action) {
		for _, p := range plan {
			if p.Type == a.Type && p.Target == a.Target {
				return
			}
		}
		plan = append(plan, a)
	}

	for _, typ := range risk.RecommendedActions {
		switch typ {
		case schema.ActionBlockPublicAccess:
			if b := ev.BucketName(); b != "" {
				add(Action{Type: typ, Target: Target{Bucket: b}})
			}
		case schema.ActionRevokePolicy:
			if t, ok := policyTarget(ev); ok {
				add(Action{Type: typ, Target: t})
			}
		case schema.ActionDisableKey:
			if t, ok := keyTarget(ev); ok {
				add(Action{Type: typ, Target: t})
			}
		case schema.ActionQuarantineIdentity:
			if t, ok := quarantineTarget(ev); ok {
				add(Action{Type: typ, Target: t})
			}
		}
	}
	return plan
}

// requestEntity returns the user, role or group named in the request.
func requestEntity(ev *schema.Event) (kind, name string) {
	switch {
	case ev.Param("userName") != "":
		return EntityUser, ev.Param("userName")
	case ev.Param("roleName") != "":
		return EntityRole, ev.Param("roleName")
	case ev.Param("groupName") != "":
		return EntityGroup, ev.Param("groupName")
	}
	return "", ""
}

// policyTarget resolves the grant to revoke: a managed attachment when the
// request names a policy ARN, otherwise an inline policy by name.
func policyTarget(ev *schema.Event) (Target, bool) {
	kind, name := requestEntity(ev)
	if name == "" {
		return Target{}, false
	}
	t := Target{EntityKind: kind, EntityName: name}
	switch {
	case ev.Param("policyArn") != "" && strings.HasPrefix(ev.EventName, "Attach"):
		t.PolicyARN = ev.Param("policyArn")
	case ev.Param("policyName") != "" && strings.HasPrefix(ev.EventName, "Put"):
		t.PolicyName = ev.Param("policyName")
	default:
		return Target{}, false
	}
	return t, true
}

// keyTarget prefers a key created by the event itself, then the caller's
// own long-term key.
func keyTarget(ev *schema.Event) (Target, bool) {
	if user, key := createdKey(ev); key != "" {
		return Target{EntityKind: EntityUser, EntityName: user, AccessKeyID: key}, true
	}
	user := ev.CallerUser()
	if user == "" || !strings.HasPrefix(ev.AccessKeyID, "AKIA") {
		return Target{}, false
	}
	return Target{EntityKind: EntityUser, EntityName: user, AccessKeyID: ev.AccessKeyID}, true
}

func createdKey(ev *schema.Event) (user, key string) {
	if ev.EventName != "CreateAccessKey" || len(ev.RawPayload) == 0 {
		return "", ""
	}
	var payload struct {
		ResponseElements struct {
			AccessKey struct {
				UserName    string `json:"userName"`
				AccessKeyID string `json:"accessKeyId"`
			} `json:"accessKey"`
		} `json:"responseElements"`
	}
	if err := json.Unmarshal(ev.RawPayload, &payload); err != nil {
		return "", ""
	}
	ak := payload.ResponseElements.AccessKey
	if ak.UserName == "" {
		ak.UserName = ev.Param("userName")
	}
	if ak.UserName == "" {
		return "", ""
	}
	return ak.UserName, ak.AccessKeyID
}

// quarantineTarget picks the identity to fence: the role whose trust was
// rewritten, otherwise the caller.
func quarantineTarget(ev *schema.Event) (Target, bool) {
	if ev.EventName == "UpdateAssumeRolePolicy" && ev.Param("roleName") != "" {
		return Target{EntityKind: EntityRole, EntityName: ev.Param("roleName")}, true
	}
	if user := ev.CallerUser(); user != "" {
		return Target{EntityKind: EntityUser, EntityName: user}, true
	}
	if role := ev.CallerRole(); role != "" {
		return Target{EntityKind: EntityRole, EntityName: role}, true
	}
	return Target{}, false
}
