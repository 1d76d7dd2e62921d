package schema

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxFieldLength bounds any single sanitized string field, in runes.
const MaxFieldLength = 2048

// MaxParamLength bounds request parameter values, which carry whole policy
// documents.
const MaxParamLength = 16384

// Sanitize makes a string safe to store, log, and embed in alerts:
// invalid UTF-8 is replaced, line breaks and tabs become spaces, other
// control and bidi-override characters are removed, and the result is
// truncated to MaxFieldLength runes.
func Sanitize(s string) string {
	return sanitizeN(s, MaxFieldLength)
}

func sanitizeN(s string, max int) string {
	if s == "" {
		return s
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}

	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n >= max {
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case isBidiControl(r):
			continue
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return strings.TrimSpace(b.String())
}

func isBidiControl(r rune) bool {
	return (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069) || r == 0x200E || r == 0x200F
}

// sanitizeValue walks a decoded JSON value and sanitizes every string,
// including map keys.
func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return sanitizeN(t, MaxParamLength)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[Sanitize(k)] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val)
		}
		return out
	default:
		return v
	}
}
