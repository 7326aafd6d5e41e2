package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// Default values shared by SetDefaults and the getters below
const (
	DefaultDatabasePath     = "autopilot.db"
	DefaultServerPort       = 8787
	DefaultTimezone         = "Asia/Seoul"
	DefaultTickSeconds      = 30
	DefaultRetentionDays    = 90
	DefaultMaxAttempts      = 3
	DefaultBackoffBaseMS    = 1000
	DefaultBackoffMaxMS     = 60000
	DefaultStageTimeoutSecs = 120
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("database.run_retention_days", DefaultRetentionDays)

	// Scheduler loop
	v.SetDefault("scheduler.tick_interval_seconds", DefaultTickSeconds)
	v.SetDefault("scheduler.default_timezone", DefaultTimezone)
	v.SetDefault("scheduler.drain_timeout_seconds", 30)

	// Per-stage policy
	v.SetDefault("executor.max_attempts", DefaultMaxAttempts)
	v.SetDefault("executor.backoff_base_ms", DefaultBackoffBaseMS)
	v.SetDefault("executor.backoff_max_ms", DefaultBackoffMaxMS)
	v.SetDefault("executor.stage_timeout_seconds", DefaultStageTimeoutSecs)

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Collaborators
	v.SetDefault("providers.mode", ProviderModeLoopback)
	v.SetDefault("providers.requests_per_minute", 60)
	v.SetDefault("providers.timeout_seconds", 30)
	v.SetDefault("providers.keyword.base_url", "http://localhost:8801")
	v.SetDefault("providers.content.base_url", "http://localhost:8802")
	v.SetDefault("providers.publish.base_url", "http://localhost:8803")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("providers.keyword.api_key", "AUTOPILOT_PROVIDERS_KEYWORD_API_KEY")
	v.BindEnv("providers.content.api_key", "AUTOPILOT_PROVIDERS_CONTENT_API_KEY")
	v.BindEnv("providers.publish.api_key", "AUTOPILOT_PROVIDERS_PUBLISH_API_KEY")

	// Database path
	v.BindEnv("database.path", "AUTOPILOT_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetServerPort returns the configured port, or the default when unset
func (c *Config) GetServerPort() int {
	if c.Server.Port == 0 {
		return DefaultServerPort
	}
	return c.Server.Port
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{"http://localhost", "http://127.0.0.1"}
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Scheduler: {Tick: %ds, TZ: %s}, Executor: {MaxAttempts: %d}, Providers: %s}",
		c.Database.Path, c.Scheduler.TickIntervalSeconds, c.Scheduler.DefaultTimezone,
		c.Executor.MaxAttempts, c.Providers.Mode)
}
