package am

import (
	"os"
	"sort"
	"strings"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/autopilot/config.toml
	SourceUser        ConfigSource = "user"        // ~/.autopilot/config.toml
	SourceProject     ConfigSource = "project"     // autopilot.toml found upward from cwd
	SourceEnvironment ConfigSource = "environment" // AUTOPILOT_* env vars
)

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string // File path or environment variable name
}

// ConfigSources is filled while files are merged. Keys are flattened
// (executor.max_attempts).
var ConfigSources = make(map[string]SourceInfo)

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// sensitiveSuffixes are redacted in introspection output.
var sensitiveSuffixes = []string{"api_key", "token", "secret"}

// Introspect returns every effective setting with the source it came from,
// sorted by key. Secrets are redacted.
func Introspect() []SettingInfo {
	v := GetViper()

	mu.Lock()
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, s := range ConfigSources {
		sources[k] = s
	}
	mu.Unlock()

	keys := v.AllKeys()
	sort.Strings(keys)

	settings := make([]SettingInfo, 0, len(keys))
	for _, key := range keys {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if s, ok := sources[key]; ok {
			info = s
		}
		envKey := "AUTOPILOT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, ok := os.LookupEnv(envKey); ok {
			info = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}

		value := v.Get(key)
		if isSensitive(key) && value != nil && value != "" {
			value = "********"
		}
		settings = append(settings, SettingInfo{Key: key, Value: value, Source: info.Source, SourcePath: info.Path})
	}
	return settings
}

func isSensitive(key string) bool {
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}
