// Package config provides configuration loading for lendingd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the lendingd daemon.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Audit     AuditConfig     `koanf:"audit"`
	Patterns  PatternsConfig  `koanf:"patterns"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
	Recovery  RecoveryConfig  `koanf:"recovery"`
	Events    EventsConfig    `koanf:"events"`
	Security  SecurityConfig  `koanf:"security"`
	API       APIConfig       `koanf:"api"`
}

// ServerConfig controls the HTTP host server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	Endpoint    string `koanf:"endpoint"`
	Insecure    bool   `koanf:"insecure"`
}

// AuditConfig controls the audit log.
type AuditConfig struct {
	Dir           string `koanf:"dir"`
	RetentionDays int    `koanf:"retention_days"`
}

// PatternsConfig controls collaboration pattern loading.
type PatternsConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// WorkflowConfig controls the session engine.
type WorkflowConfig struct {
	MaxConcurrentSessions int `koanf:"max_concurrent_sessions"`
	CheckpointKeep        int `koanf:"checkpoint_keep"`
}

// RecoveryConfig controls error recovery.
type RecoveryConfig struct {
	MaxRetries   int `koanf:"max_retries"`
	HistoryLimit int `koanf:"history_limit"`
}

// EventsConfig controls the NATS event bus.
type EventsConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// SecurityConfig controls the PII filter. Scrubbing itself is always on;
// only the allow list and the replacement text are tunable.
type SecurityConfig struct {
	AllowlistPath   string `koanf:"allowlist_path"`
	RedactionString string `koanf:"redaction_string"`
}

// APIConfig controls host API behavior.
type APIConfig struct {
	RateLimitRPS   float64 `koanf:"rate_limit_rps"`
	RateLimitBurst int     `koanf:"rate_limit_burst"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8700
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "lendingd"
	}

	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "logs/audit"
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}

	if cfg.Patterns.Dir == "" {
		cfg.Patterns.Dir = "configs/patterns"
	}

	if cfg.Workflow.MaxConcurrentSessions == 0 {
		cfg.Workflow.MaxConcurrentSessions = 256
	}
	if cfg.Workflow.CheckpointKeep == 0 {
		cfg.Workflow.CheckpointKeep = 10
	}

	if cfg.Recovery.MaxRetries == 0 {
		cfg.Recovery.MaxRetries = 3
	}
	if cfg.Recovery.HistoryLimit == 0 {
		cfg.Recovery.HistoryLimit = 1000
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://localhost:4222"
	}
	if cfg.Events.MaxReconnects == 0 {
		cfg.Events.MaxReconnects = 5
	}
	if cfg.Events.ReconnectWait == 0 {
		cfg.Events.ReconnectWait = time.Second
	}

	if cfg.Security.RedactionString == "" {
		cfg.Security.RedactionString = "[REDACTED]"
	}

	if cfg.API.RateLimitRPS == 0 {
		cfg.API.RateLimitRPS = 20
	}
	if cfg.API.RateLimitBurst == 0 {
		cfg.API.RateLimitBurst = 40
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout cannot be negative")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit retention must be at least one day")
	}
	if c.Workflow.MaxConcurrentSessions < 1 {
		return fmt.Errorf("workflow must allow at least one session")
	}
	if c.Recovery.MaxRetries < 0 {
		return fmt.Errorf("recovery max retries cannot be negative")
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events url is required when events are enabled")
	}
	if c.API.RateLimitRPS < 0 || c.API.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit values cannot be negative")
	}
	return nil
}
