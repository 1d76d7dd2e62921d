package schema

import "strings"

var adminKeywords = []string{
	"Attach", "Detach", "Put", "Delete", "Create",
	"Admin", "FullAccess", "Policy", "Role", "User",
}

// IsAdminAction reports whether the event name looks like an
// administrative mutation.
func (e *Event) IsAdminAction() bool {
	for _, kw := range adminKeywords {
		if strings.Contains(e.EventName, kw) {
			return true
		}
	}
	return false
}

// IsPolicyChange reports whether the event touches a policy.
func (e *Event) IsPolicyChange() bool {
	return strings.Contains(e.EventName, "Policy")
}

// IsS3Action reports whether the event was served by S3.
func (e *Event) IsS3Action() bool {
	return strings.Contains(strings.ToLower(e.EventSource), "s3")
}
