// Package utils provides small shared helpers: name sanitization, header
// redaction, setting coercion, and token counting.
package utils

import (
	"net/http"
	"strings"
)

const maxNameLength = 64

// SanitizeToolName maps an arbitrary tool name onto the wire-safe alphabet
// [A-Za-z0-9_-], substituting "tool" for the empty string and truncating to
// 64 characters. The mapping is many-to-one and idempotent; callers that need
// to recover originals keep an alias map.
func SanitizeToolName(name string) string {
	if name == "" {
		return "tool"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > maxNameLength {
		out = out[:maxNameLength]
	}
	return out
}

// SanitizeID sanitizes identifiers such as batch ids with the same alphabet
// and cap as tool names, but maps the empty string to itself.
func SanitizeID(id string) string {
	if id == "" {
		return ""
	}
	return SanitizeToolName(id)
}

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"api-key":             true,
	"x-goog-api-key":      true,
	"cookie":              true,
	"set-cookie":          true,
}

// RedactHeaders returns a copy of h with credential-bearing values replaced
// by "***". The input is not mutated.
func RedactHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, values := range h {
		if sensitiveHeaders[strings.ToLower(key)] {
			out[key] = []string{"***"}
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		out[key] = copied
	}
	return out
}
