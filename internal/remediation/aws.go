package remediation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"iam-monitor/internal/schema"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used for bucket remediation.
type S3API interface {
	GetPublicAccessBlock(ctx context.Context, in *s3.GetPublicAccessBlockInput, opts ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
	PutPublicAccessBlock(ctx context.Context, in *s3.PutPublicAccessBlockInput, opts ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	DeletePublicAccessBlock(ctx context.Context, in *s3.DeletePublicAccessBlockInput, opts ...func(*s3.Options)) (*s3.DeletePublicAccessBlockOutput, error)
	GetBucketPolicyStatus(ctx context.Context, in *s3.GetBucketPolicyStatusInput, opts ...func(*s3.Options)) (*s3.GetBucketPolicyStatusOutput, error)
	GetBucketPolicy(ctx context.Context, in *s3.GetBucketPolicyInput, opts ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	PutBucketPolicy(ctx context.Context, in *s3.PutBucketPolicyInput, opts ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	DeleteBucketPolicy(ctx context.Context, in *s3.DeleteBucketPolicyInput, opts ...func(*s3.Options)) (*s3.DeleteBucketPolicyOutput, error)
}

// IAMAPI is the subset of the IAM client used for identity remediation.
type IAMAPI interface {
	AttachUserPolicy(ctx context.Context, in *iam.AttachUserPolicyInput, opts ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, opts ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	AttachGroupPolicy(ctx context.Context, in *iam.AttachGroupPolicyInput, opts ...func(*iam.Options)) (*iam.AttachGroupPolicyOutput, error)
	DetachUserPolicy(ctx context.Context, in *iam.DetachUserPolicyInput, opts ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, opts ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	DetachGroupPolicy(ctx context.Context, in *iam.DetachGroupPolicyInput, opts ...func(*iam.Options)) (*iam.DetachGroupPolicyOutput, error)
	GetUserPolicy(ctx context.Context, in *iam.GetUserPolicyInput, opts ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error)
	GetRolePolicy(ctx context.Context, in *iam.GetRolePolicyInput, opts ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error)
	GetGroupPolicy(ctx context.Context, in *iam.GetGroupPolicyInput, opts ...func(*iam.Options)) (*iam.GetGroupPolicyOutput, error)
	PutUserPolicy(ctx context.Context, in *iam.PutUserPolicyInput, opts ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error)
	PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, opts ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	PutGroupPolicy(ctx context.Context, in *iam.PutGroupPolicyInput, opts ...func(*iam.Options)) (*iam.PutGroupPolicyOutput, error)
	DeleteUserPolicy(ctx context.Context, in *iam.DeleteUserPolicyInput, opts ...func(*iam.Options)) (*iam.DeleteUserPolicyOutput, error)
	DeleteRolePolicy(ctx context.Context, in *iam.DeleteRolePolicyInput, opts ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	DeleteGroupPolicy(ctx context.Context, in *iam.DeleteGroupPolicyInput, opts ...func(*iam.Options)) (*iam.DeleteGroupPolicyOutput, error)
	UpdateAccessKey(ctx context.Context, in *iam.UpdateAccessKeyInput, opts ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
}

// RegisterAWSExecutors registers the forward and inverse executors for
// all four action types.
func RegisterAWSExecutors(d *Dispatcher, s3c S3API, iamc IAMAPI, quarantinePolicy string) {
	d.RegisterExecutor(&BlockPublicAccess{api: s3c})
	d.RegisterExecutor(&RestorePublicAccess{api: s3c})
	d.RegisterExecutor(&RevokePolicy{api: iamc})
	d.RegisterExecutor(&RestorePolicy{api: iamc})
	d.RegisterExecutor(&SetKeyStatus{api: iamc, action: schema.ActionDisableKey, status: iamtypes.StatusTypeInactive})
	d.RegisterExecutor(&SetKeyStatus{api: iamc, action: schema.ActionEnableKey, status: iamtypes.StatusTypeActive})
	d.RegisterExecutor(&Quarantine{api: iamc, policyName: quarantinePolicy})
	d.RegisterExecutor(&ReleaseQuarantine{api: iamc, policyName: quarantinePolicy})
}

// publicAccessState is the bucket's block configuration before the change;
// nil Config means the bucket had none. Policy is set when a public bucket
// policy was removed.
type publicAccessState struct {
	Config *s3types.PublicAccessBlockConfiguration `json:"config,omitempty"`
	Policy string                                  `json:"policy,omitempty"`
}

// BlockPublicAccess enables all four public access block flags and removes
// a bucket policy that grants public access. Public ACLs are left in place;
// IgnorePublicAcls stops them from taking effect.
type BlockPublicAccess struct{ api S3API }

func (e *BlockPublicAccess) Type() schema.ActionType { return schema.ActionBlockPublicAccess }

func (e *BlockPublicAccess) Execute(ctx context.Context, a Action) (json.RawMessage, error) {
	var prev publicAccessState
	out, err := e.api.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(a.Target.Bucket)})
	switch {
	case err == nil:
		prev.Config = out.PublicAccessBlockConfiguration
	case isNotFound(err):
	default:
		return nil, fmt.Errorf("snapshot public access block: %w", err)
	}

	policy, err := publicBucketPolicy(ctx, e.api, a.Target.Bucket)
	if err != nil {
		return nil, err
	}

	_, err = e.api.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(a.Target.Bucket),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("put public access block: %w", err)
	}

	if policy != "" {
		_, err := e.api.DeleteBucketPolicy(ctx, &s3.DeleteBucketPolicyInput{Bucket: aws.String(a.Target.Bucket)})
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("delete public bucket policy: %w", err)
		}
		prev.Policy = policy
	}
	return json.Marshal(prev)
}

// publicBucketPolicy returns the bucket policy document when it grants
// public access, or "" when the bucket has no policy or a private one.
func publicBucketPolicy(ctx context.Context, api S3API, bucket string) (string, error) {
	status, err := api.GetBucketPolicyStatus(ctx, &s3.GetBucketPolicyStatusInput{Bucket: aws.String(bucket)})
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("snapshot bucket policy status: %w", err)
	}
	if status.PolicyStatus == nil || !aws.ToBool(status.PolicyStatus.IsPublic) {
		return "", nil
	}
	out, err := api.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucket)})
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("snapshot bucket policy: %w", err)
	}
	return aws.ToString(out.Policy), nil
}

// RestorePublicAccess puts back the configuration captured before blocking.
type RestorePublicAccess struct{ api S3API }

func (e *RestorePublicAccess) Type() schema.ActionType { return schema.ActionRestorePublicAccess }

func (e *RestorePublicAccess) Execute(ctx context.Context, a Action) (json.RawMessage, error) {
	var prev publicAccessState
	if len(a.State) > 0 {
		if err := json.Unmarshal(a.State, &prev); err != nil {
			return nil, fmt.Errorf("decode public access state: %w", err)
		}
	}
	// The block must be lifted before a public policy is accepted again.
	if prev.Config == nil {
		_, err := e.api.DeletePublicAccessBlock(ctx, &s3.DeletePublicAccessBlockInput{Bucket: aws.String(a.Target.Bucket)})
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("delete public access block: %w", err)
		}
	} else {
		_, err := e.api.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
			Bucket:                         aws.String(a.Target.Bucket),
			PublicAccessBlockConfiguration: prev.Config,
		})
		if err != nil {
			return nil, fmt.Errorf("restore public access block: %w", err)
		}
	}

	if prev.Policy != "" {
		_, err := e.api.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
			Bucket: aws.String(a.Target.Bucket),
			Policy: aws.String(prev.Policy),
		})
		if err != nil {
			return nil, fmt.Errorf("restore bucket policy: %w", err)
		}
	}
	return nil, nil
}

// inlinePolicyState keeps an inline document removed by RevokePolicy.
type inlinePolicyState struct {
	Document string `json:"document,omitempty"`
}

// RevokePolicy detaches a managed policy or deletes an inline one.
type RevokePolicy struct{ api IAMAPI }

func (e *RevokePolicy) Type() schema.ActionType { return schema.ActionRevokePolicy }

func (e *RevokePolicy) Execute(ctx context.Context, a Action) (json.RawMessage, error) {
	t := a.Target
	if t.PolicyARN != "" {
		return nil, detachPolicy(ctx, e.api, t)
	}
	doc, err := getInlinePolicy(ctx, e.api, t.EntityKind, t.EntityName, t.PolicyName)
	if err != nil {
		return nil, fmt.Errorf("snapshot inline policy: %w", err)
	}
	if err := deleteInlinePolicy(ctx, e.api, t.EntityKind, t.EntityName, t.PolicyName); err != nil {
		return nil, err
	}
	return json.Marshal(inlinePolicyState{Document: doc})
}

// RestorePolicy reattaches a managed policy or rewrites an inline one.
type RestorePolicy struct{ api IAMAPI }

func (e *RestorePolicy) Type() schema.ActionType { return schema.ActionRestorePolicy }

func (e *RestorePolicy) Execute(ctx context.Context, a Action) (json.RawMessage, error) {
	t := a.Target
	if t.PolicyARN != "" {
		return nil, attachPolicy(ctx, e.api, t)
	}
	var st inlinePolicyState
	if err := json.Unmarshal(a.State, &st); err != nil || st.Document == "" {
		return nil, fmt.Errorf("no inline policy document to restore for %s", t)
	}
	return nil, putInlinePolicy(ctx, e.api, t.EntityKind, t.EntityName, t.PolicyName, st.Document)
}

// SetKeyStatus switches an access key between active and inactive.
type SetKeyStatus struct {
	api    IAMAPI
	action schema.ActionType
	status iamtypes.StatusType
}

func (e *SetKeyStatus) Type() schema.ActionType { return e.action }

func (e *SetKeyStatus) Execute(ctx context.Context, a Action) (json.RawMessage, error) {
	_, err := e.api.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
		AccessKeyId: aws.String(a.Target.AccessKeyID),
		UserName:    aws.String(a.Target.EntityName),
		Status:      e.status,
	})
	if err != nil {
		return nil, fmt.Errorf("update access key %s: %w", a.Target.AccessKeyID, err)
	}
	return nil, nil
}

// quarantineDocument denies every action on every resource.
const quarantineDocument = `{"Version":"2012-10-17","Statement":[{"Sid":"IamMonitorQuarantine","Effect":"Deny","Action":"*","Resource":"*"}]}`

// Quarantine attaches an inline deny-all policy to a user or role.
type Quarantine struct {
	api        IAMAPI
	policyName string
}

func (e *Quarantine) Type() schema.ActionType { return schema.ActionQuarantineIdentity }

func (e *Quarantine) Execute(ctx context.Context, a Action) (json.RawMessage, error) {
	return nil, putInlinePolicy(ctx, e.api, a.Target.EntityKind, a.Target.EntityName, e.policyName, quarantineDocument)
}

// ReleaseQuarantine removes the deny-all policy. An already removed policy
// counts as released.
type ReleaseQuarantine struct {
	api        IAMAPI
	policyName string
}

func (e *ReleaseQuarantine) Type() schema.ActionType { return schema.ActionReleaseQuarantine }

func (e *ReleaseQuarantine) Execute(ctx context.Context, a Action) (json.RawMessage, error) {
	err := deleteInlinePolicy(ctx, e.api, a.Target.EntityKind, a.Target.EntityName, e.policyName)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	return nil, nil
}

func detachPolicy(ctx context.Context, api IAMAPI, t Target) error {
	var err error
	switch t.EntityKind {
	case EntityUser:
		_, err = api.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{UserName: aws.String(t.EntityName), PolicyArn: aws.String(t.PolicyARN)})
	case EntityRole:
		_, err = api.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: aws.String(t.EntityName), PolicyArn: aws.String(t.PolicyARN)})
	case EntityGroup:
		_, err = api.DetachGroupPolicy(ctx, &iam.DetachGroupPolicyInput{GroupName: aws.String(t.EntityName), PolicyArn: aws.String(t.PolicyARN)})
	default:
		return fmt.Errorf("unsupported entity kind %q", t.EntityKind)
	}
	if err != nil {
		return fmt.Errorf("detach %s: %w", t, err)
	}
	return nil
}

func attachPolicy(ctx context.Context, api IAMAPI, t Target) error {
	var err error
	switch t.EntityKind {
	case EntityUser:
		_, err = api.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{UserName: aws.String(t.EntityName), PolicyArn: aws.String(t.PolicyARN)})
	case EntityRole:
		_, err = api.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{RoleName: aws.String(t.EntityName), PolicyArn: aws.String(t.PolicyARN)})
	case EntityGroup:
		_, err = api.AttachGroupPolicy(ctx, &iam.AttachGroupPolicyInput{GroupName: aws.String(t.EntityName), PolicyArn: aws.String(t.PolicyARN)})
	default:
		return fmt.Errorf("unsupported entity kind %q", t.EntityKind)
	}
	if err != nil {
		return fmt.Errorf("attach %s: %w", t, err)
	}
	return nil
}

// getInlinePolicy returns the decoded document; IAM returns it URL-encoded.
func getInlinePolicy(ctx context.Context, api IAMAPI, kind, name, policy string) (string, error) {
	var doc *string
	switch kind {
	case EntityUser:
		out, err := api.GetUserPolicy(ctx, &iam.GetUserPolicyInput{UserName: aws.String(name), PolicyName: aws.String(policy)})
		if err != nil {
			return "", err
		}
		doc = out.PolicyDocument
	case EntityRole:
		out, err := api.GetRolePolicy(ctx, &iam.GetRolePolicyInput{RoleName: aws.String(name), PolicyName: aws.String(policy)})
		if err != nil {
			return "", err
		}
		doc = out.PolicyDocument
	case EntityGroup:
		out, err := api.GetGroupPolicy(ctx, &iam.GetGroupPolicyInput{GroupName: aws.String(name), PolicyName: aws.String(policy)})
		if err != nil {
			return "", err
		}
		doc = out.PolicyDocument
	default:
		return "", fmt.Errorf("unsupported entity kind %q", kind)
	}
	decoded, err := url.QueryUnescape(aws.ToString(doc))
	if err != nil {
		return aws.ToString(doc), nil
	}
	return decoded, nil
}

func putInlinePolicy(ctx context.Context, api IAMAPI, kind, name, policy, document string) error {
	var err error
	switch kind {
	case EntityUser:
		_, err = api.PutUserPolicy(ctx, &iam.PutUserPolicyInput{UserName: aws.String(name), PolicyName: aws.String(policy), PolicyDocument: aws.String(document)})
	case EntityRole:
		_, err = api.PutRolePolicy(ctx, &iam.PutRolePolicyInput{RoleName: aws.String(name), PolicyName: aws.String(policy), PolicyDocument: aws.String(document)})
	case EntityGroup:
		_, err = api.PutGroupPolicy(ctx, &iam.PutGroupPolicyInput{GroupName: aws.String(name), PolicyName: aws.String(policy), PolicyDocument: aws.String(document)})
	default:
		return fmt.Errorf("unsupported entity kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("put inline policy %s on %s/%s: %w", policy, kind, name, err)
	}
	return nil
}

func deleteInlinePolicy(ctx context.Context, api IAMAPI, kind, name, policy string) error {
	var err error
	switch kind {
	case EntityUser:
		_, err = api.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{UserName: aws.String(name), PolicyName: aws.String(policy)})
	case EntityRole:
		_, err = api.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: aws.String(name), PolicyName: aws.String(policy)})
	case EntityGroup:
		_, err = api.DeleteGroupPolicy(ctx, &iam.DeleteGroupPolicyInput{GroupName: aws.String(name), PolicyName: aws.String(policy)})
	default:
		return fmt.Errorf("unsupported entity kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("delete inline policy %s on %s/%s: %w", policy, kind, name, err)
	}
	return nil
}
