package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/contentops/autopilot/errors"
)

// ProjectConfigName is the file searched for upward from the working directory.
const ProjectConfigName = "autopilot.toml"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	activeFile    string // highest-precedence file merged, "" if none
)

// Load reads, caches and validates the configuration
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if globalConfig != nil {
		return globalConfig, nil
	}

	config, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return initViper()
}

// ConfigFileUsed returns the highest-precedence config file that was merged.
func ConfigFileUsed() string {
	mu.Lock()
	defer mu.Unlock()
	initViper()
	return activeFile
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of the
// defaults. Environment variables still apply.
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config from %s", configPath)
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config in %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	activeFile = ""
	ConfigSources = make(map[string]SourceInfo)
}

func newViper() *viper.Viper {
	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific sensitive configuration values to environment variables
	BindSensitiveEnvVars(v)

	SetDefaults(v)
	return v
}

// initViper initializes Viper with configuration sources and defaults.
// Callers hold mu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := newViper()
	// Manually merge configs in precedence order: system -> user -> project -> env vars
	activeFile = mergeConfigFiles(v, configPaths())

	viperInstance = v
	return v
}

// findProjectConfig searches for autopilot.toml by walking up the directory tree
// Returns the path to the first config file found, or empty string if none found
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root, stop searching
			break
		}
		dir = parent
	}

	return ""
}

// configPaths lists candidate files, lowest precedence first.
func configPaths() []sourcedPath {
	paths := []sourcedPath{{"/etc/autopilot/config.toml", SourceSystem}}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, sourcedPath{filepath.Join(homeDir, ".autopilot", "config.toml"), SourceUser})
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		paths = append(paths, sourcedPath{projectConfig, SourceProject})
	}
	return paths
}

type sourcedPath struct {
	path   string
	source ConfigSource
}

// mergeConfigFiles merges existing files into v and records where each key
// came from. Returns the last file merged.
func mergeConfigFiles(v *viper.Viper, paths []sourcedPath) string {
	last := ""
	for _, p := range paths {
		if _, err := os.Stat(p.path); err != nil {
			continue
		}
		tempViper := viper.New()
		tempViper.SetConfigFile(p.path)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		// Merged into the config layer so environment variables still win
		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
		for _, key := range tempViper.AllKeys() {
			ConfigSources[key] = SourceInfo{Source: p.source, Path: p.path}
		}
		last = p.path
	}
	return last
}
