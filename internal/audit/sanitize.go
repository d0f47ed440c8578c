package audit

import "strings"

// sensitiveKeyParts redact the whole value when the lowercase key contains
// any of them.
var sensitiveKeyParts = []string{
	"password", "token", "secret", "credential", "authorization",
	"session", "csrf", "otp", "code",
}

// keyAffixes guard the bare word "key": "apikey" and "key_material" are
// secrets, "keyboard" and "monkey" are not.
var (
	keyPrefixes = []string{"api", "access", "private", "public", "signing", "encryption", "master", "client"}
	keySuffixes = []string{"material", "id", "pair"}
)

const redacted = "[REDACTED]"

// htmlEscaper covers the characters that break out of HTML attribute and
// element context, matching the forward-slash convention of OWASP encoders.
var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// SanitizeMetadata returns a deep copy of metadata safe to store and later
// render: sensitive values replaced with [REDACTED], string leaves
// HTML-escaped recursively, nils normalized to empty strings.
func SanitizeMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return htmlEscaper.Replace(val)
	case map[string]any:
		return SanitizeMetadata(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return val
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	if idx := strings.Index(k, "key"); idx >= 0 {
		before := k[:idx]
		after := k[idx+len("key"):]
		before = strings.TrimSuffix(before, "_")
		before = strings.TrimSuffix(before, "-")
		after = strings.TrimPrefix(after, "_")
		after = strings.TrimPrefix(after, "-")
		for _, p := range keyPrefixes {
			if strings.HasSuffix(before, p) {
				return true
			}
		}
		for _, s := range keySuffixes {
			if strings.HasPrefix(after, s) {
				return true
			}
		}
	}
	return false
}
