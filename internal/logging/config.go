// internal/logging/config.go
package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level     zapcore.Level     `koanf:"level"`
	Format    string            `koanf:"format"`
	Output    OutputConfig      `koanf:"output"`
	Caller    CallerConfig      `koanf:"caller"`
	Fields    map[string]string `koanf:"fields"`
	Redaction RedactionConfig   `koanf:"redaction"`
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`
}

// CallerConfig controls caller information in logs.
type CallerConfig struct {
	Enabled bool `koanf:"enabled"`
	Skip    int  `koanf:"skip"`
}

// RedactionConfig controls sensitive data redaction.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// DefaultRedactionFields are field names masked in log output. Matching is
// case-insensitive on the exact field name.
func DefaultRedactionFields() []string {
	return []string{
		"ssn",
		"social_security",
		"social_security_number",
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
		"api_key",
		"token",
		"authorization",
	}
}

// DefaultRedactionPatterns are value patterns masked in log output
// regardless of field name.
func DefaultRedactionPatterns() []string {
	return []string{
		`\b\d{3}-\d{2}-\d{4}\b`,         // SSN
		`\b(?:\d[ -]?){13,16}\b`,        // card/account digit runs
		`\b\d{2}/\d{2}/\d{4}\b`,         // dates written as MM/DD/YYYY
		`(?i)bearer\s+[a-z0-9._-]{16,}`, // bearer tokens
	}
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{
			Stdout: true,
			OTEL:   false,
		},
		Caller: CallerConfig{
			Enabled: true,
			Skip:    1,
		},
		Redaction: RedactionConfig{
			Enabled:  true,
			Fields:   DefaultRedactionFields(),
			Patterns: DefaultRedactionPatterns(),
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid format %q (must be json or console)", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled")
	}
	if c.Caller.Skip < 0 {
		return fmt.Errorf("caller skip cannot be negative")
	}
	return nil
}
