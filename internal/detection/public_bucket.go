package detection

import (
	"context"
	"strings"

	"iam-monitor/internal/schema"
)

// PublicBucketName identifies the public bucket detector.
const PublicBucketName = "PublicBucket"

var publicBucketEvents = map[string]bool{
	"PutBucketPolicy":               true,
	"PutBucketAcl":                  true,
	"DeleteBucketPublicAccessBlock": true,
	"PutBucketPublicAccessBlock":    true,
}

var sensitiveBucketKeywords = []string{
	"pii", "phi", "backup", "logs", "audit", "compliance",
	"customer", "user", "payment", "credential", "secret",
	"private", "internal", "prod", "production",
}

var dangerousObjectActions = []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject", "s3:*"}

var publicAccessBlockFlags = []string{"BlockPublicAcls", "BlockPublicPolicy", "IgnorePublicAcls", "RestrictPublicBuckets"}

// PublicBucket flags bucket policy, ACL and public access block changes
// that expose a bucket to anyone.
type PublicBucket struct {
	cfg     Config
	history History
}

// NewPublicBucket creates the detector; history may be nil.
func NewPublicBucket(cfg Config, history History) *PublicBucket {
	return &PublicBucket{cfg: cfg, history: history}
}

func (d *PublicBucket) Name() string { return PublicBucketName }

func (d *PublicBucket) Detect(ctx context.Context, ev *schema.Event) schema.DetectionResult {
	if !publicBucketEvents[ev.EventName] {
		return notApplicable(d.Name(), "not a bucket access change")
	}
	bucket := ev.BucketName()
	if bucket == "" {
		return notApplicable(d.Name(), "bucket name unavailable")
	}

	a := newAssessment()
	a.detail("bucket", bucket)

	switch ev.EventName {
	case "DeleteBucketPublicAccessBlock":
		a.add("PB-001", "public_access_block_removed", 90)
	case "PutBucketPublicAccessBlock":
		if weakPublicAccessBlock(ev.ParamMap("PublicAccessBlockConfiguration")) {
			a.add("PB-002", "weak_public_access_block", 70)
		}
	case "PutBucketPolicy":
		if pts := bucketPolicyRisk(ev.RequestParameters["bucketPolicy"]); pts > 0 {
			a.add("PB-003", "public_bucket_policy", pts)
		}
	case "PutBucketAcl":
		if pts := bucketACLRisk(ev.ParamMap("AccessControlPolicy")); pts > 0 {
			a.add("PB-004", "public_bucket_acl", pts)
		}
	}
	if len(a.factors) == 0 {
		return a.result(d.Name(), 0, d.cfg.ThreatThreshold)
	}

	if sensitiveBucket(ev, bucket) {
		a.adjust("PB-010", "sensitive_bucket", 15)
	}
	if d.history != nil {
		prior, err := d.history.HadPublicExposure(ctx, bucket)
		switch {
		case err != nil:
			a.detail("history", "unavailable")
		case !prior:
			a.adjust("PB-011", "first_time_exposure", 10)
		}
	}

	a.recommend(schema.ActionBlockPublicAccess)
	return a.result(d.Name(), a.peak(), d.cfg.ThreatThreshold)
}

// weakPublicAccessBlock reports a configuration with any flag off or
// missing.
func weakPublicAccessBlock(conf map[string]any) bool {
	for _, flag := range publicAccessBlockFlags {
		if !truthy(conf[flag]) {
			return true
		}
	}
	return false
}

func bucketPolicyRisk(raw any) int {
	doc, err := parsePolicy(raw)
	if err != nil {
		return 0
	}
	best := 0
	for _, st := range doc.Statement {
		public := st.Principal != nil && st.Principal.public()
		switch {
		case public && st.allows():
			best = max(best, 95)
		case public:
			best = max(best, 20)
		case st.allows() && st.Action.hasAny(dangerousObjectActions...):
			best = max(best, 80)
		}
	}
	return best
}

func bucketACLRisk(acp map[string]any) int {
	acl, _ := acp["AccessControlList"].(map[string]any)
	var grants []any
	switch g := acl["Grant"].(type) {
	case []any:
		grants = g
	case map[string]any:
		grants = []any{g}
	}

	best := 0
	for _, item := range grants {
		grant, ok := item.(map[string]any)
		if !ok {
			continue
		}
		grantee, _ := grant["Grantee"].(map[string]any)
		uri, _ := grantee["URI"].(string)
		if !strings.Contains(uri, "AllUsers") && !strings.Contains(uri, "AuthenticatedUsers") {
			continue
		}
		switch perm, _ := grant["Permission"].(string); perm {
		case "FULL_CONTROL", "WRITE", "WRITE_ACP":
			best = max(best, 95)
		case "READ", "READ_ACP":
			best = max(best, 70)
		}
	}
	return best
}

func sensitiveBucket(ev *schema.Event, bucket string) bool {
	if containsAny(strings.ToLower(bucket), sensitiveBucketKeywords) {
		return true
	}
	_, tagged := requestTag(ev, "sensitivity")
	return tagged
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	}
	return false
}
