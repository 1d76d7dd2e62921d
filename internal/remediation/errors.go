package remediation

import (
	"context"
	"errors"
	"fmt"
	"net"

	"iam-monitor/internal/schema"

	"github.com/aws/smithy-go"
)

var (
	// ErrInProgress is returned when another worker holds the claim for an
	// event and has not stored its result in time.
	ErrInProgress = errors.New("remediation: in progress elsewhere")
	// ErrNotFound is returned when no remediation exists for an event.
	ErrNotFound = errors.New("remediation: not found")
	// ErrAlreadyRolledBack is returned on a second rollback request.
	ErrAlreadyRolledBack = errors.New("remediation: already rolled back")
	// ErrNoExecutor is returned when no executor handles an action type.
	ErrNoExecutor = errors.New("remediation: no executor for action")
	// ErrDeadlineExceeded marks actions never tried because the plan ran
	// out of time.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrPlanDeadline is returned with the result of a plan that ran out of
	// time. The result is stored and will not be retried.
	ErrPlanDeadline = errors.New("remediation: plan deadline exceeded")
)

// ActionError describes a failed action after retries.
type ActionError struct {
	Action    schema.ActionType
	Target    string
	Attempts  int
	Transient bool
	Err       error
}

func (e *ActionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s: %s error after %d attempt(s): %v", e.Action, e.Target, kind, e.Attempts, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Provider error codes that will not succeed on retry.
var permanentCodes = map[string]bool{
	"AccessDenied":                         true,
	"AccessDeniedException":                true,
	"UnauthorizedOperation":                true,
	"NoSuchEntity":                         true,
	"NoSuchBucket":                         true,
	"NoSuchPublicAccessBlockConfiguration": true,
	"NoSuchBucketPolicy":                   true,
	"MalformedPolicyDocument":              true,
	"InvalidInput":                         true,
	"ValidationError":                      true,
	"LimitExceeded":                        true,
	"DeleteConflict":                       true,
	"UnmodifiableEntity":                   true,
	"InvalidClientTokenId":                 true,
	"ExpiredToken":                         true,
}

// Provider error codes worth retrying regardless of fault.
var transientCodes = map[string]bool{
	"Throttling":                    true,
	"ThrottlingException":           true,
	"RequestLimitExceeded":          true,
	"TooManyRequestsException":      true,
	"SlowDown":                      true,
	"ServiceUnavailable":            true,
	"ServiceFailure":                true,
	"InternalError":                 true,
	"RequestTimeout":                true,
	"RequestTimeoutException":       true,
	"ConcurrentModification":        true,
	"OperationAborted":              true,
	"PriorRequestNotComplete":       true,
	"EntityTemporarilyUnmodifiable": true,
}

// IsTransient reports whether err is worth retrying: throttling, timeouts
// and server faults. Unknown errors are treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if permanentCodes[code] {
			return false
		}
		if transientCodes[code] {
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}

	var canceled *smithy.CanceledError
	if errors.As(err, &canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// isNotFound reports provider errors meaning the target is already gone.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchEntity", "NoSuchPublicAccessBlockConfiguration", "NoSuchBucketPolicy":
		return true
	}
	return false
}
