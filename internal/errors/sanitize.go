// Package errors scrubs error text before it is returned to API callers.
package errors

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Backend errors whose text may carry connection details.
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|clickhouse|redis:|dial tcp|connection refused|password=|secret=|token=|api[_-]?key=)`)

	awsKeyPattern = regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`)
	arnPattern    = regexp.MustCompile(`arn:aws[a-z-]*:[a-z0-9-]+:[a-z0-9-]*:\d{12}:[^\s"']+`)
)

// maxDetail bounds the length of a sanitized message.
const maxDetail = 256

// SanitizeString removes paths, addresses, credentials and account
// identifiers from s. Backend failures collapse to a generic message.
func SanitizeString(s string) string {
	if internalErrorPattern.MatchString(s) {
		return "internal dependency failed"
	}
	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		return "internal server error - operation failed"
	}

	s = arnPattern.ReplaceAllString(s, "arn:aws:***")
	s = awsKeyPattern.ReplaceAllString(s, "$1****************")
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})
	// Keep the first two octets for debugging context.
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})

	if len(s) > maxDetail {
		s = s[:maxDetail] + "..."
	}
	return s
}

// SafeMessage returns the caller-safe text of err, or "" for nil.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}
