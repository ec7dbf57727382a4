package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// safeKeys may be logged verbatim. Everything else passed through MaskField
// or MaskHeaders is replaced with RedactedValue.
var safeKeys = map[string]struct{}{
	"component":    {},
	"content-type": {},
	"endpoint":     {},
	"error":        {},
	"peer":         {},
	"user-agent":   {},
}

// IsAllowlisted reports whether key may be logged without redaction.
func IsAllowlisted(key string) bool {
	_, ok := safeKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField redacts value unless key is allowlisted. Empty values pass
// through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskHeaders groups header values under name with every non-allowlisted
// value redacted. Keys are emitted in sorted order.
func MaskHeaders(name string, headers map[string]string) slog.Attr {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, key := range keys {
		attrs = append(attrs, MaskField(key, headers[key]))
	}
	return slog.Group(name, attrs...)
}
