// Package logging builds the service logger and masks secrets before
// anything reaches the log stream.
package logging

import (
	"regexp"
	"strings"
)

// SensitiveFields contains attribute names whose values are always masked.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"client_secret": true,
	"private_key":   true,
	"credentials":   true,
	"authorization": true,
	"signature":     true,
	"cookie":        true,
	"routing_key":   true,
	"webhook_url":   true,
	"smtp_password": true,
	"secret_access": true,
	"session_token": true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// SensitivePatterns matches secret-looking substrings in free text.
var SensitivePatterns = []*regexp.Regexp{
	// key=value style credentials
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)(["':\s]*[=:]\s*["']?)([a-zA-Z0-9_\-\.\/+]{4,})`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]+`),
	// Basic auth
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/]{8,}={0,2}`),
	// AWS access key ids
	regexp.MustCompile(`\b(AKIA|ASIA|ABIA|ACCA)[A-Z0-9]{16}\b`),
	// Slack webhook paths
	regexp.MustCompile(`hooks\.slack\.com/services/[A-Za-z0-9/]+`),
}

// IsSensitiveField checks if an attribute name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if SensitiveFields[lower] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	if s == "" {
		return s
	}
	result := s
	for _, pattern := range SensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}
	return result
}

// MaskString masks the middle of a string, showing only first/last chars.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}
