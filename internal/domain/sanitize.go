package domain

import "strings"

// Redacted replaces sensitive values before persistence or display.
const Redacted = "[REDACTED]"

var sensitiveTerms = []string{"password", "token", "secret", "key", "auth", "signature"}

// SensitiveField reports whether a field name looks like it carries a
// credential.
func SensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, term := range sensitiveTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// SanitizeMap returns a copy of m with sensitive values replaced, descending
// through nested maps and arrays. The input is never modified.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if SensitiveField(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

// SanitizeHeaders returns a copy of h with sensitive header values replaced.
func SanitizeHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if SensitiveField(k) {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return SanitizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
