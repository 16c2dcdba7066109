package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces the value of sensitive attributes in log output.
const RedactedValue = "[REDACTED]"

var sensitiveFragments = []string{
	"secret",
	"passphrase",
	"password",
	"token",
	"authorization",
	"private",
	"mnemonic",
}

// Sensitive reports whether values logged under key must be masked. Matching
// is by substring so "hmac_secret" and "api_tokens" are both caught.
func Sensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

func redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !Sensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && attr.Value.String() == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
