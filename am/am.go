// Package am loads the autopilot configuration: built-in defaults, merged
// TOML files and AUTOPILOT_* environment variables.
package am

import "time"

// Config represents the autopilot configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor" toml:"executor"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Providers ProvidersConfig `mapstructure:"providers" toml:"providers"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path             string `mapstructure:"path" toml:"path"`
	RunRetentionDays int    `mapstructure:"run_retention_days" toml:"run_retention_days"` // 0 = keep forever
}

// SchedulerConfig configures the scheduler loop
type SchedulerConfig struct {
	TickIntervalSeconds int    `mapstructure:"tick_interval_seconds" toml:"tick_interval_seconds"` // 1..60
	DefaultTimezone     string `mapstructure:"default_timezone" toml:"default_timezone"`           // for triggers without one
	DrainTimeoutSeconds int    `mapstructure:"drain_timeout_seconds" toml:"drain_timeout_seconds"` // wait for in-flight runs on shutdown
}

// ExecutorConfig configures per-stage retry and timeout policy
type ExecutorConfig struct {
	MaxAttempts         int `mapstructure:"max_attempts" toml:"max_attempts"`
	BackoffBaseMS       int `mapstructure:"backoff_base_ms" toml:"backoff_base_ms"`
	BackoffMaxMS        int `mapstructure:"backoff_max_ms" toml:"backoff_max_ms"`
	StageTimeoutSeconds int `mapstructure:"stage_timeout_seconds" toml:"stage_timeout_seconds"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// Provider modes
const (
	ProviderModeHTTP     = "http"
	ProviderModeLoopback = "loopback" // deterministic in-process collaborators
)

// ProvidersConfig configures the external collaborators
type ProvidersConfig struct {
	Mode              string         `mapstructure:"mode" toml:"mode"`
	RequestsPerMinute int            `mapstructure:"requests_per_minute" toml:"requests_per_minute"`
	TimeoutSeconds    int            `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	Keyword           EndpointConfig `mapstructure:"keyword" toml:"keyword"`
	Content           EndpointConfig `mapstructure:"content" toml:"content"`
	Publish           EndpointConfig `mapstructure:"publish" toml:"publish"`
}

// EndpointConfig is one collaborator endpoint
type EndpointConfig struct {
	BaseURL string `mapstructure:"base_url" toml:"base_url"`
	APIKey  string `mapstructure:"api_key" toml:"api_key,omitempty"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"`
}

// TickInterval returns the scheduler tick interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}

// DrainTimeout returns how long shutdown waits for in-flight runs.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Scheduler.DrainTimeoutSeconds) * time.Second
}

// BackoffBase returns the delay after the first failed attempt.
func (e ExecutorConfig) BackoffBase() time.Duration {
	return time.Duration(e.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the backoff cap.
func (e ExecutorConfig) BackoffMax() time.Duration {
	return time.Duration(e.BackoffMaxMS) * time.Millisecond
}

// StageTimeout returns the bound on a single stage invocation.
func (e ExecutorConfig) StageTimeout() time.Duration {
	return time.Duration(e.StageTimeoutSeconds) * time.Second
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
