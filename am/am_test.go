package am

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentops/autopilot/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "autopilot.db", cfg.Database.Path)
	assert.Equal(t, 90, cfg.Database.RunRetentionDays)
	assert.Equal(t, 30*time.Second, cfg.TickInterval())
	assert.Equal(t, "Asia/Seoul", cfg.Scheduler.DefaultTimezone)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Executor.BackoffBase())
	assert.Equal(t, time.Minute, cfg.Executor.BackoffMax())
	assert.Equal(t, 2*time.Minute, cfg.Executor.StageTimeout())
	assert.Equal(t, DefaultServerPort, cfg.GetServerPort())
	assert.Equal(t, ProviderModeLoopback, cfg.Providers.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"tick interval zero", func(c *Config) { c.Scheduler.TickIntervalSeconds = 0 }, true},
		{"tick interval above a minute", func(c *Config) { c.Scheduler.TickIntervalSeconds = 61 }, true},
		{"tick interval one minute", func(c *Config) { c.Scheduler.TickIntervalSeconds = 60 }, false},
		{"unknown timezone", func(c *Config) { c.Scheduler.DefaultTimezone = "Mars/Olympus" }, true},
		{"zero attempts", func(c *Config) { c.Executor.MaxAttempts = 0 }, true},
		{"backoff max below base", func(c *Config) { c.Executor.BackoffMaxMS = 10 }, true},
		{"zero stage timeout", func(c *Config) { c.Executor.StageTimeoutSeconds = 0 }, true},
		{"negative port", func(c *Config) { c.Server.Port = -1 }, true},
		{"zero port means default", func(c *Config) { c.Server.Port = 0 }, false},
		{"negative retention", func(c *Config) { c.Database.RunRetentionDays = -1 }, true},
		{"unknown provider mode", func(c *Config) { c.Providers.Mode = "carrier-pigeon" }, true},
		{"http mode needs urls", func(c *Config) {
			c.Providers.Mode = ProviderModeHTTP
			c.Providers.Publish.BaseURL = "ftp://example.com"
		}, true},
		{"http mode with urls", func(c *Config) { c.Providers.Mode = ProviderModeHTTP }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	configPath := filepath.Join(tmpDir, ProjectConfigName)
	require.NoError(t, os.WriteFile(configPath, []byte("[log]\nlevel = \"debug\"\n"), 0644))

	t.Chdir(nested)
	found := findProjectConfig()

	// macOS temp dirs resolve through /private
	want, _ := filepath.EvalSymlinks(configPath)
	got, _ := filepath.EvalSymlinks(found)
	assert.Equal(t, want, got)
}

func TestMergeConfigFilesPrecedence(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	dir := t.TempDir()
	user := filepath.Join(dir, "user.toml")
	project := filepath.Join(dir, "project.toml")
	require.NoError(t, os.WriteFile(user, []byte("[executor]\nmax_attempts = 5\nbackoff_base_ms = 500\n"), 0644))
	require.NoError(t, os.WriteFile(project, []byte("[executor]\nmax_attempts = 7\n"), 0644))
	t.Setenv("AUTOPILOT_EXECUTOR_BACKOFF_MAX_MS", "9000")

	v := newViper()
	last := mergeConfigFiles(v, []sourcedPath{
		{filepath.Join(dir, "missing.toml"), SourceSystem},
		{user, SourceUser},
		{project, SourceProject},
	})
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, project, last)
	assert.Equal(t, 7, cfg.Executor.MaxAttempts, "project overrides user")
	assert.Equal(t, 500, cfg.Executor.BackoffBaseMS, "partial sections keep other keys")
	assert.Equal(t, 9000, cfg.Executor.BackoffMaxMS, "environment wins over files")
	assert.Equal(t, DefaultStageTimeoutSecs, cfg.Executor.StageTimeoutSeconds)

	assert.Equal(t, SourceProject, ConfigSources["executor.max_attempts"].Source)
	assert.Equal(t, SourceUser, ConfigSources["executor.backoff_base_ms"].Source)
}

func TestIntrospectRedactsSecrets(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AUTOPILOT_PROVIDERS_PUBLISH_API_KEY", "super-secret")

	settings := Introspect()
	byKey := map[string]SettingInfo{}
	for _, s := range settings {
		byKey[s.Key] = s
	}

	require.Contains(t, byKey, "providers.publish.api_key")
	assert.Equal(t, "********", byKey["providers.publish.api_key"].Value)
	assert.Equal(t, SourceEnvironment, byKey["providers.publish.api_key"].Source)
	assert.Equal(t, SourceDefault, byKey["scheduler.default_timezone"].Source)
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\ntick_interval_seconds = 600\n"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_interval_seconds")
}

func TestSaveAndWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "autopilot.toml")
	require.NoError(t, WriteDefault(path, false))

	err := WriteDefault(path, false)
	assert.True(t, errors.IsConflictError(err))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Executor, cfg.Executor)

	cfg.Executor.MaxAttempts = 6
	cfg.Providers.Publish.APIKey = "never-written"
	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "never-written")
	assert.FileExists(t, path+".back1")

	reloaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, reloaded.Executor.MaxAttempts)
}

func TestConfigWatcherReloads(t *testing.T) {
	t.Cleanup(Reset)
	path := filepath.Join(t.TempDir(), "autopilot.toml")
	require.NoError(t, WriteDefault(path, false))

	w, err := NewConfigWatcher(path)
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)
	var attempts atomic.Int64
	w.OnReload(func(cfg *Config) error {
		attempts.Store(int64(cfg.Executor.MaxAttempts))
		return nil
	})
	w.Start()
	t.Cleanup(func() { w.Stop() })

	cfg := Default()
	cfg.Executor.MaxAttempts = 9
	require.NoError(t, Save(cfg, path))

	assert.Eventually(t, func() bool { return attempts.Load() == 9 }, 5*time.Second, 10*time.Millisecond)
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, "autopilot.db", v.GetString("database.path"))
	assert.Equal(t, 30, v.GetInt("scheduler.tick_interval_seconds"))
	assert.Equal(t, 60, v.GetInt("providers.requests_per_minute"))
	assert.Equal(t, "info", v.GetString("log.level"))
}
