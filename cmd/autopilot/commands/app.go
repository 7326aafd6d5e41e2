// Package commands implements the autopilot CLI subcommands.
package commands

import (
	"database/sql"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/contentops/autopilot/am"
	"github.com/contentops/autopilot/db"
	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/logger"
	"github.com/contentops/autopilot/pulse/pipeline"
	"github.com/contentops/autopilot/pulse/schedule"
)

// ConfigPath is bound to the --config flag.
var ConfigPath string

var current *am.Config

// Setup loads configuration and initialises the global logger. It runs
// before every subcommand.
func Setup(cmd *cobra.Command) error {
	// am init must work even when the existing config is broken
	if cmd.Name() == "init" && cmd.Parent() != nil && cmd.Parent().Name() == "am" {
		return logger.Initialize(false, "warn")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	current = cfg

	level := cfg.Log.Level
	if v, _ := cmd.Flags().GetCount("verbose"); v > 0 {
		level = logger.VerbosityToLevel(v).String()
	} else if cmd.Name() != "serve" {
		// one-shot commands print their own output
		level = "warn"
	}
	if err := logger.Initialize(cfg.Log.JSON, level); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	logger.Debugw("Configuration loaded", logger.FieldFile, orDash(configFile()), "config", cfg.String())
	return nil
}

func loadConfig() (*am.Config, error) {
	if ConfigPath != "" {
		return am.LoadFromFile(ConfigPath)
	}
	return am.Load()
}

// configFile is the file the running config came from, if any.
func configFile() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return am.ConfigFileUsed()
}

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// stores bundles what most commands need.
type stores struct {
	db       *sql.DB
	registry *schedule.Registry
	runs     *schedule.RunStore
}

func openStores(cfg *am.Config) (*stores, error) {
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Scheduler.DefaultTimezone)
	if err != nil {
		database.Close()
		return nil, errors.NewConfigurationError("scheduler.default_timezone: %v", err)
	}
	return &stores{
		db:       database,
		registry: schedule.NewRegistry(schedule.NewStore(database), loc, logger.Logger),
		runs:     schedule.NewRunStore(database),
	}, nil
}

func (s *stores) Close() error { return s.db.Close() }

// policyFor converts executor settings into a retry policy.
func policyFor(e am.ExecutorConfig) pipeline.Policy {
	return pipeline.Policy{
		MaxAttempts:  e.MaxAttempts,
		BackoffBase:  e.BackoffBase(),
		BackoffMax:   e.BackoffMax(),
		StageTimeout: e.StageTimeout(),
	}
}

func renderTable(header []string, rows [][]string) error {
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
