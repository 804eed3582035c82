// Package security detects and redacts borrower PII before content crosses
// the trust boundary. Session context, audit detail payloads and API
// responses pass through a Scrubber; nothing leaves the process carrying a
// raw SSN, card number or account number.
package security

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Scrubber detects and redacts sensitive values from content.
type Scrubber interface {
	// Scrub redacts sensitive values from the content.
	Scrub(content string) *Result

	// ScrubBytes redacts sensitive values from byte content.
	ScrubBytes(content []byte) *Result

	// Check detects sensitive values without redacting.
	Check(content string) *Result

	// ScrubContext returns a deep copy of the context with every string
	// value scrubbed, and the total number of findings.
	ScrubContext(context map[string]any) (map[string]any, int)

	// CredentialSweep scans free-form content for leaked credentials
	// (API keys, tokens, connection strings) beyond the PII rule set.
	CredentialSweep(content string) ([]CredentialFinding, error)

	// IsEnabled returns whether scrubbing is enabled.
	IsEnabled() bool
}

// scrubber is the default implementation using regexp patterns.
type scrubber struct {
	config *Config
	mu     sync.RWMutex

	// raw allowlist patterns, kept for the credential sweep
	allowPatterns []string
}

// redaction tracks a position to redact.
type redaction struct {
	start, end int
	ruleID     string
}

// New creates a Scrubber with the given configuration. A nil config gets
// DefaultConfig(). TOML allowlist files named in the config are merged into
// the allow list before compilation; missing files are skipped.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	allowlist, err := LoadAllowlists(cfg.ProjectAllowlistFile, cfg.UserAllowlistFile)
	if err != nil {
		return nil, err
	}
	cfg.AllowList = append(cfg.AllowList, allowlist.Regexes...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &scrubber{
		config:        cfg,
		allowPatterns: append([]string(nil), cfg.AllowList...),
	}, nil
}

// MustNew creates a Scrubber, panicking on error.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Scrub redacts sensitive values from the content.
func (s *scrubber) Scrub(content string) *Result {
	start := time.Now()
	result := &Result{
		Original: content,
		Scrubbed: content,
		Findings: make([]Finding, 0),
		ByRule:   make(map[string]int),
	}

	if !s.config.Enabled {
		result.Duration = time.Since(start)
		return result
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	redactions := make([]redaction, 0)

	for _, rule := range s.config.compiledRules {
		// Keyword-gated rules only run when the content mentions one.
		if len(rule.keywords) > 0 {
			hasKeyword := false
			for _, kw := range rule.keywords {
				if kw.MatchString(content) {
					hasKeyword = true
					break
				}
			}
			if !hasKeyword {
				continue
			}
		}

		matches := rule.pattern.FindAllStringIndex(content, -1)
		for _, match := range matches {
			matchStr := content[match[0]:match[1]]

			if s.isAllowed(matchStr) {
				continue
			}

			line := strings.Count(content[:match[0]], "\n") + 1

			result.Findings = append(result.Findings, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				StartIndex:  match[0],
				EndIndex:    match[1],
				Line:        line,
			})
			result.ByRule[rule.ID]++

			redactions = append(redactions, redaction{
				start:  match[0],
				end:    match[1],
				ruleID: rule.ID,
			})
		}
	}

	result.TotalFindings = len(result.Findings)

	// Merge overlapping redactions, then apply back to front so earlier
	// indices stay valid.
	if len(redactions) > 0 {
		sortRedactionsAsc(redactions)
		merged := mergeRedactions(redactions)
		sortRedactionsDesc(merged)

		scrubbed := content
		for _, r := range merged {
			if r.start >= 0 && r.end <= len(scrubbed) && r.start < r.end {
				scrubbed = scrubbed[:r.start] + s.config.RedactionString + scrubbed[r.end:]
			}
		}
		result.Scrubbed = scrubbed
	}

	result.Duration = time.Since(start)
	return result
}

// ScrubBytes redacts sensitive values from byte content.
func (s *scrubber) ScrubBytes(content []byte) *Result {
	return s.Scrub(string(content))
}

// Check detects sensitive values without redacting.
func (s *scrubber) Check(content string) *Result {
	result := s.Scrub(content)
	result.Scrubbed = result.Original
	return result
}

// ScrubContext walks the context map and scrubs every string value,
// including strings inside nested maps and slices. Non-string values pass
// through unchanged. The input map is never modified.
func (s *scrubber) ScrubContext(context map[string]any) (map[string]any, int) {
	if context == nil {
		return nil, 0
	}
	out := make(map[string]any, len(context))
	total := 0
	for k, v := range context {
		scrubbed, n := s.scrubValue(v)
		out[k] = scrubbed
		total += n
	}
	return out, total
}

func (s *scrubber) scrubValue(v any) (any, int) {
	switch val := v.(type) {
	case string:
		r := s.Scrub(val)
		return r.Scrubbed, r.TotalFindings
	case map[string]any:
		out, n := s.ScrubContext(val)
		return out, n
	case []any:
		out := make([]any, len(val))
		total := 0
		for i, item := range val {
			scrubbed, n := s.scrubValue(item)
			out[i] = scrubbed
			total += n
		}
		return out, total
	default:
		return v, 0
	}
}

// IsEnabled returns whether scrubbing is enabled.
func (s *scrubber) IsEnabled() bool {
	return s.config.Enabled
}

// isAllowed checks if the match is in the allow list.
func (s *scrubber) isAllowed(match string) bool {
	for _, pattern := range s.config.compiledAllowList {
		if pattern.MatchString(match) {
			return true
		}
	}
	return false
}

func sortRedactionsDesc(redactions []redaction) {
	sort.Slice(redactions, func(i, j int) bool {
		return redactions[i].start > redactions[j].start
	})
}

func sortRedactionsAsc(redactions []redaction) {
	sort.Slice(redactions, func(i, j int) bool {
		return redactions[i].start < redactions[j].start
	})
}

// mergeRedactions merges overlapping or adjacent redactions. Input must be
// sorted by start ascending.
func mergeRedactions(redactions []redaction) []redaction {
	if len(redactions) == 0 {
		return redactions
	}

	merged := []redaction{redactions[0]}
	for i := 1; i < len(redactions); i++ {
		last := &merged[len(merged)-1]
		curr := redactions[i]
		if curr.start <= last.end {
			if curr.end > last.end {
				last.end = curr.end
			}
		} else {
			merged = append(merged, curr)
		}
	}
	return merged
}

// ContainsSensitiveKeys reports whether any key in the context, at any
// nesting depth, names a known sensitive field.
func ContainsSensitiveKeys(context map[string]any) bool {
	for k, v := range context {
		lower := strings.ToLower(k)
		for _, sensitive := range SensitiveKeys() {
			if strings.Contains(lower, sensitive) {
				return true
			}
		}
		switch val := v.(type) {
		case map[string]any:
			if ContainsSensitiveKeys(val) {
				return true
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok && ContainsSensitiveKeys(m) {
					return true
				}
			}
		}
	}
	return false
}

// NoopScrubber passes content through untouched, for tests and disabled mode.
type NoopScrubber struct{}

func (n *NoopScrubber) Scrub(content string) *Result {
	return &Result{
		Original: content,
		Scrubbed: content,
		Findings: make([]Finding, 0),
		ByRule:   make(map[string]int),
	}
}

func (n *NoopScrubber) ScrubBytes(content []byte) *Result {
	return n.Scrub(string(content))
}

func (n *NoopScrubber) Check(content string) *Result {
	return n.Scrub(content)
}

func (n *NoopScrubber) ScrubContext(context map[string]any) (map[string]any, int) {
	return context, 0
}

func (n *NoopScrubber) CredentialSweep(string) ([]CredentialFinding, error) {
	return nil, nil
}

func (n *NoopScrubber) IsEnabled() bool {
	return false
}

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = (*NoopScrubber)(nil)
)
