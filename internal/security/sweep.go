package security

import (
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// CredentialFinding is one leaked credential located by the sweep. The
// matched value is deliberately not carried.
type CredentialFinding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	StartColumn int    `json:"start_column"`
	EndColumn   int    `json:"end_column"`
}

// CredentialSweep scans free-form content with the full gitleaks rule set.
// The PII rules catch borrower data; this catches the other way content
// goes wrong, a pasted API key or connection string inside a document or a
// customer message.
func (s *scrubber) CredentialSweep(content string) ([]CredentialFinding, error) {
	if !s.config.Enabled {
		return nil, nil
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	applyAllowlist(&detector.Config, s.allowPatterns)

	findings := detector.DetectString(content)
	out := make([]CredentialFinding, 0, len(findings))
	for _, f := range findings {
		out = append(out, CredentialFinding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			StartColumn: f.StartColumn,
			EndColumn:   f.EndColumn,
		})
	}
	return out, nil
}

// applyAllowlist merges allowlist patterns into the gitleaks config.
// Patterns were validated when the scrubber was built.
func applyAllowlist(cfg *gitleaksConfig.Config, patterns []string) {
	if len(patterns) == 0 {
		return
	}
	allowlist := &gitleaksConfig.Allowlist{
		Description: "lendingd allowlist",
	}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		allowlist.Regexes = append(allowlist.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, allowlist)
}
