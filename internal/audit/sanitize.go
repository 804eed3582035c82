package audit

import "strings"

// RedactedValue replaces the value of any detail key that names PII.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are matched as case-insensitive substrings of detail keys.
// "social_security_number" and "applicant_ssn" both match via "ssn" or
// "social_security".
var sensitiveKeys = []string{
	"ssn",
	"social_security",
	"password",
	"credit_card",
	"card_number",
	"account_number",
	"routing_number",
	"tax_id",
	"dob",
	"date_of_birth",
	"driver_license",
	"passport",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// sanitizeDetails returns a deep copy of details with every sensitive key's
// value replaced. The input map is never mutated; nested maps and slices are
// walked recursively.
func sanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeDetails(val)
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
