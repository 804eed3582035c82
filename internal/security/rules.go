package security

// DefaultRules returns the default borrower PII detection rules. Patterns
// lean lenient (separators optional) and rely on keyword gating where a
// bare pattern would flag ordinary figures.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "us-ssn",
			Description: "US Social Security Number",
			Pattern:     `\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`,
			Severity:    "high",
		},
		{
			ID:          "credit-card",
			Description: "Payment Card Number",
			Pattern:     `\b(?:\d{4}[-\s]?){3}\d{4}\b`,
			Severity:    "high",
		},
		{
			ID:          "us-bank-account",
			Description: "US Bank Account or ABA Routing Number",
			Pattern:     `(?i)\b(?:account|acct|routing|aba)(?:\s+(?:number|no\.?|#))?\s*[:#=]?\s*(\d{8,17})\b`,
			Keywords:    []string{"account", "acct", "routing", "aba"},
			Severity:    "high",
		},
		{
			ID:          "date-of-birth",
			Description: "Date of Birth",
			Pattern:     `(?i)\b(?:dob|date\s+of\s+birth|birth\s*date)\s*[:=]?\s*(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}-\d{2}-\d{2})\b`,
			Keywords:    []string{"dob", "birth"},
			Severity:    "medium",
		},
		{
			ID:          "us-phone",
			Description: "US Phone Number",
			Pattern:     `\b\d{3}[-\s]?\d{3}[-\s]?\d{4}\b`,
			Severity:    "medium",
		},
		{
			ID:          "email-address",
			Description: "Email Address",
			Pattern:     `\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`,
			Severity:    "medium",
		},
		{
			ID:          "driver-license",
			Description: "Driver License Number",
			Pattern:     `\b[A-Z]?\d{6,8}\b`,
			Keywords:    []string{"driver", "license", "licence"},
			Severity:    "medium",
		},
		{
			ID:          "us-street-address",
			Description: "US Street Address",
			Pattern:     `\b\d+\s+[A-Za-z0-9\s,\.]+(?:Road|Rd|Street|St|Avenue|Ave|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Plaza|Plz|Square|Sq|Trail|Trl|Parkway|Pkwy|Way)\b`,
			Severity:    "low",
		},
	}
}

// SensitiveKeys are context field names that mark a payload as carrying PII
// regardless of pattern matches. Matched case-insensitively by substring.
func SensitiveKeys() []string {
	return []string{
		"ssn", "social_security", "tax_id", "credit_card",
		"account_number", "routing_number", "password", "secret",
		"dob", "date_of_birth", "driver_license",
	}
}
