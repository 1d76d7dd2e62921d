package schema

import "strings"

// ARN is a parsed Amazon Resource Name.
type ARN struct {
	Partition string
	Service   string
	Region    string
	Account   string
	Resource  string
}

// ParseARN splits s into its six colon separated parts.
func ParseARN(s string) (ARN, bool) {
	if !strings.HasPrefix(s, "arn:") {
		return ARN{}, false
	}
	parts := strings.SplitN(s, ":", 6)
	if len(parts) != 6 {
		return ARN{}, false
	}
	return ARN{
		Partition: parts[1],
		Service:   parts[2],
		Region:    parts[3],
		Account:   parts[4],
		Resource:  parts[5],
	}, true
}

// AccountFromARN returns the account segment of s, or "".
func AccountFromARN(s string) string {
	a, ok := ParseARN(s)
	if !ok {
		return ""
	}
	return a.Account
}

// ResourceType returns the resource kind, e.g. "user", "role",
// "assumed-role" or "policy".
func (a ARN) ResourceType() string {
	kind, _, found := strings.Cut(a.Resource, "/")
	if !found {
		return ""
	}
	return kind
}

// ResourceName returns the resource's own name. Paths are dropped; for an
// assumed-role session the role name is returned.
func (a ARN) ResourceName() string {
	if a.Service == "s3" {
		bucket, _, _ := strings.Cut(a.Resource, "/")
		return bucket
	}
	segs := strings.Split(a.Resource, "/")
	if len(segs) < 2 {
		return a.Resource
	}
	if segs[0] == "assumed-role" {
		return segs[1]
	}
	return segs[len(segs)-1]
}

// BucketName returns the bucket the event addresses, from the request or
// the resolved resource ARN.
func (e *Event) BucketName() string {
	if b := e.Param("bucketName"); b != "" {
		return b
	}
	if a, ok := ParseARN(e.Resource); ok && a.Service == "s3" {
		return a.ResourceName()
	}
	return ""
}

// CallerUser returns the IAM user name of the caller, or "" when the
// caller is not an IAM user.
func (e *Event) CallerUser() string {
	a, ok := ParseARN(e.Principal)
	if !ok || a.ResourceType() != "user" {
		return ""
	}
	return a.ResourceName()
}

// CallerRole returns the role behind the caller's session, or "".
func (e *Event) CallerRole() string {
	a, ok := ParseARN(e.Principal)
	if !ok {
		return ""
	}
	switch a.ResourceType() {
	case "assumed-role", "role":
		return a.ResourceName()
	}
	return ""
}
