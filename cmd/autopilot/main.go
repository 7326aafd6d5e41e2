package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/contentops/autopilot/cmd/autopilot/commands"
	"github.com/contentops/autopilot/logger"
)

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Scheduled content pipelines for blog and social platforms",
	Long: `autopilot - scheduled keyword-to-post content pipelines.

Jobs bind a trigger (daily, weekly, cron or once) to a platform. When a job
is due the scheduler runs its pipeline: keyword analysis, content generation
and publishing, retrying transient provider failures.

Available commands:
  serve  - Run the scheduler, executor and HTTP API
  job    - Register and manage jobs
  run    - Inspect pipeline runs and success rates
  db     - Database migrations and retention
  am     - Show or initialise configuration

Examples:
  autopilot am init                 # Write autopilot.toml with defaults
  autopilot job apply -f jobs.toml  # Register jobs from a file
  autopilot serve                   # Start the scheduler
  autopilot run stats --window 24h  # Success rate over the last day`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.Setup(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file (default: search /etc/autopilot, ~/.autopilot, ./autopilot.toml)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
