package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/logger"
)

// DbCmd groups database maintenance subcommands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: logger.SymDB + " Database migrations and retention",
	Long: logger.SymDB + ` db - database maintenance

Examples:
  autopilot db migrate                       # Apply pending migrations
  autopilot db cleanup                       # Delete runs past database.run_retention_days
  autopilot db cleanup --retention-days 30`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(current)
		if err != nil {
			return err
		}
		defer database.Close()
		pterm.Success.Printfln("Database %s is up to date", current.GetDatabasePath())
		return nil
	},
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished runs older than the retention period",
	RunE:  runDbCleanup,
}

var retentionDays int

func init() {
	dbCleanupCmd.Flags().IntVar(&retentionDays, "retention-days", 0, "Override database.run_retention_days")
	DbCmd.AddCommand(dbMigrateCmd, dbCleanupCmd)
}

func runDbCleanup(cmd *cobra.Command, args []string) error {
	days := current.Database.RunRetentionDays
	if retentionDays > 0 {
		days = retentionDays
	}
	if days <= 0 {
		return errors.NewInvalidRequestError("run retention is disabled (database.run_retention_days = %d)", days)
	}

	st, err := openStores(current)
	if err != nil {
		return err
	}
	defer st.Close()

	deleted, err := st.runs.CleanupOldRuns(cmd.Context(), time.Now(), days)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Deleted %d runs older than %d days", deleted, days)
	return nil
}
