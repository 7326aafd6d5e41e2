package am

import (
	"net/url"
	"time"

	"github.com/contentops/autopilot/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Tick interval must not exceed the one-minute trigger resolution
	if c.Scheduler.TickIntervalSeconds < 1 || c.Scheduler.TickIntervalSeconds > 60 {
		return errors.NewConfigurationError("scheduler.tick_interval_seconds must be between 1 and 60, got %d", c.Scheduler.TickIntervalSeconds)
	}
	if c.Scheduler.DrainTimeoutSeconds < 0 {
		return errors.NewConfigurationError("scheduler.drain_timeout_seconds must be >= 0, got %d", c.Scheduler.DrainTimeoutSeconds)
	}
	if c.Scheduler.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.DefaultTimezone); err != nil {
			return errors.NewConfigurationError("scheduler.default_timezone %q: %v", c.Scheduler.DefaultTimezone, err)
		}
	}

	if c.Executor.MaxAttempts < 1 {
		return errors.NewConfigurationError("executor.max_attempts must be >= 1, got %d", c.Executor.MaxAttempts)
	}
	if c.Executor.BackoffBaseMS <= 0 {
		return errors.NewConfigurationError("executor.backoff_base_ms must be > 0, got %d", c.Executor.BackoffBaseMS)
	}
	if c.Executor.BackoffMaxMS < c.Executor.BackoffBaseMS {
		return errors.NewConfigurationError("executor.backoff_max_ms (%d) must be >= executor.backoff_base_ms (%d)",
			c.Executor.BackoffMaxMS, c.Executor.BackoffBaseMS)
	}
	if c.Executor.StageTimeoutSeconds <= 0 {
		return errors.NewConfigurationError("executor.stage_timeout_seconds must be > 0, got %d", c.Executor.StageTimeoutSeconds)
	}

	// Server port: 0 means default, negative or out of range is invalid
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.NewConfigurationError("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.RunRetentionDays < 0 {
		return errors.NewConfigurationError("database.run_retention_days must be >= 0, got %d", c.Database.RunRetentionDays)
	}

	switch c.Providers.Mode {
	case ProviderModeLoopback:
	case ProviderModeHTTP, "":
		for name, ep := range map[string]EndpointConfig{
			"keyword": c.Providers.Keyword,
			"content": c.Providers.Content,
			"publish": c.Providers.Publish,
		} {
			u, err := url.Parse(ep.BaseURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return errors.NewConfigurationError("providers.%s.base_url must be an http(s) URL, got %q", name, ep.BaseURL)
			}
		}
	default:
		return errors.NewConfigurationError("providers.mode must be %q or %q, got %q", ProviderModeHTTP, ProviderModeLoopback, c.Providers.Mode)
	}
	if c.Providers.RequestsPerMinute < 0 {
		return errors.NewConfigurationError("providers.requests_per_minute must be >= 0, got %d", c.Providers.RequestsPerMinute)
	}

	return nil
}
