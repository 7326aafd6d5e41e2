package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/contentops/autopilot/dashboard"
	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/pulse/schedule"
)

// RunCmd groups run inspection subcommands.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect pipeline runs",
	Long: `Inspect pipeline runs.

Examples:
  autopilot run ls JB...                  # Last runs of a job
  autopilot run ls JB... --status failed  # Only failures
  autopilot run show PX...                # Full run record as JSON
  autopilot run stats --window 720h       # Success rate over 30 days
  autopilot run stats --job JB...         # One job's success rate`,
}

var runLsCmd = &cobra.Command{
	Use:   "ls <job-id>",
	Short: "List a job's runs, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunLs,
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var runStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the success rate over a window",
	RunE:  runRunStats,
}

var (
	runStatus   string
	runLimit    int
	runOffset   int
	runWindow   time.Duration
	runPlatform string
	runJob      string
)

func init() {
	runLsCmd.Flags().StringVar(&runStatus, "status", "", "Only runs with this status")
	runLsCmd.Flags().IntVar(&runLimit, "limit", dashboard.DefaultRunLimit, "Runs per page")
	runLsCmd.Flags().IntVar(&runOffset, "offset", 0, "Runs to skip")

	runStatsCmd.Flags().DurationVar(&runWindow, "window", dashboard.DefaultWindow, "Window ending now")
	runStatsCmd.Flags().StringVar(&runPlatform, "platform", "", "Only runs for this platform")
	runStatsCmd.Flags().StringVar(&runJob, "job", "", "Only runs of this job")

	RunCmd.AddCommand(runLsCmd, runShowCmd, runStatsCmd)
}

func newDashboard() (*dashboard.Dashboard, func() error, error) {
	st, err := openStores(current)
	if err != nil {
		return nil, nil, err
	}
	return dashboard.New(st.registry.Store(), st.runs, nil), st.Close, nil
}

func runRunLs(cmd *cobra.Command, args []string) error {
	dash, closeFn, err := newDashboard()
	if err != nil {
		return err
	}
	defer closeFn()

	page, err := dash.ListRuns(cmd.Context(), args[0], schedule.RunStatus(runStatus), runLimit, runOffset)
	if err != nil {
		return err
	}
	if len(page.Runs) == 0 {
		pterm.Info.Println("No runs")
		return nil
	}

	rows := make([][]string, 0, len(page.Runs))
	for _, r := range page.Runs {
		status := string(r.Status)
		switch r.Status {
		case schedule.RunSucceeded:
			status = pterm.Green(status)
		case schedule.RunFailed:
			status = pterm.Red(status)
		}
		detail := r.Result
		if r.Error != nil {
			detail = fmt.Sprintf("%s/%s: %s", r.Error.Stage, r.Error.Kind, r.Error.Message)
		}
		var duration string
		if d := r.Duration(); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			r.ID, status, formatTime(&r.ScheduledFor), orDash(duration),
			orDash(strings.Join(r.StagesCompleted, ",")), orDash(detail),
		})
	}
	if err := renderTable([]string{"ID", "STATUS", "SCHEDULED", "DURATION", "STAGES", "RESULT"}, rows); err != nil {
		return err
	}
	if page.HasMore {
		pterm.Info.Printfln("Showing %d-%d of %d (use --offset %d for more)",
			page.Offset+1, page.Offset+len(page.Runs), page.Total, page.Offset+len(page.Runs))
	}
	return nil
}

func runRunShow(cmd *cobra.Command, args []string) error {
	dash, closeFn, err := newDashboard()
	if err != nil {
		return err
	}
	defer closeFn()

	run, err := dash.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode run")
	}
	fmt.Println(string(data))
	return nil
}

func runRunStats(cmd *cobra.Command, args []string) error {
	if runWindow <= 0 {
		return errors.NewInvalidRequestError("--window must be positive")
	}
	dash, closeFn, err := newDashboard()
	if err != nil {
		return err
	}
	defer closeFn()

	until := time.Now()
	rate, err := dash.SuccessRate(cmd.Context(), schedule.RateFilter{
		Since:    until.Add(-runWindow),
		Until:    until,
		Platform: schedule.Platform(runPlatform),
		JobID:    runJob,
	})
	if err != nil {
		return err
	}

	scope := runPlatform
	if scope == "" {
		scope = "all"
	}
	if runJob != "" {
		scope = runJob
	}
	pterm.DefaultSection.Printfln("Success rate, last %s (%s)", runWindow, scope)
	return renderTable([]string{"SUCCEEDED", "FAILED", "TOTAL", "RATE"}, [][]string{{
		fmt.Sprint(rate.Succeeded), fmt.Sprint(rate.Failed), fmt.Sprint(rate.Total),
		fmt.Sprintf("%.1f%%", rate.Rate*100),
	}})
}
