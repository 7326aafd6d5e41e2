// Package jobfile reads declarative job definitions from TOML or YAML.
//
//	[[jobs]]
//	name = "daily coffee post"
//	platform = "blog"
//	trigger = { kind = "daily", time = "09:00" }
//	params = { keywords = ["coffee", "espresso"], auto_publish = true }
package jobfile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/pulse/schedule"
)

// Format is a job file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

type document struct {
	Jobs []schedule.Definition `toml:"jobs" yaml:"jobs"`
}

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", errors.NewInvalidRequestError("unsupported job file extension %q (want .toml, .yaml or .yml)", filepath.Ext(path))
	}
}

// Load reads and parses the job file at path.
func Load(path string) ([]schedule.Definition, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read job file %s", path)
	}
	defs, err := Parse(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "job file %s", path)
	}
	return defs, nil
}

// Parse decodes job definitions. Unknown top-level keys are rejected so a
// typo does not silently drop a job.
func Parse(data []byte, format Format) ([]schedule.Definition, error) {
	var doc document
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), &doc)
		if err != nil {
			return nil, errors.NewConfigurationError("invalid TOML: %v", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, errors.NewConfigurationError("unknown keys: %s", strings.Join(keys, ", "))
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, errors.NewConfigurationError("invalid YAML: %v", err)
		}
	default:
		return nil, errors.NewInvalidRequestError("unknown job file format %q", format)
	}

	if len(doc.Jobs) == 0 {
		return nil, errors.NewConfigurationError("no jobs defined")
	}
	seen := make(map[string]int)
	for i, def := range doc.Jobs {
		if strings.TrimSpace(def.Name) == "" {
			return nil, errors.NewConfigurationError("job %d: name is required", i+1)
		}
		if def.ID == "" {
			continue
		}
		if prev, ok := seen[def.ID]; ok {
			return nil, errors.NewConfigurationError("job %d: id %s already used by job %d", i+1, def.ID, prev)
		}
		seen[def.ID] = i + 1
	}
	return doc.Jobs, nil
}

// Registrar accepts job definitions.
type Registrar interface {
	Register(ctx context.Context, def schedule.Definition) (*schedule.Job, error)
}

// Result is the outcome of applying one definition. Job is set even when
// Err is a configuration error: the job is stored in the config_error state.
type Result struct {
	Name string
	Job  *schedule.Job
	Err  error
}

// Apply registers every definition and reports each outcome. It stops early
// only when the context is cancelled.
func Apply(ctx context.Context, r Registrar, defs []schedule.Definition) ([]Result, error) {
	results := make([]Result, 0, len(defs))
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		job, err := r.Register(ctx, def)
		results = append(results, Result{Name: def.Name, Job: job, Err: err})
	}
	return results, nil
}
