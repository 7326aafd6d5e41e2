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
	"github.com/contentops/autopilot/jobfile"
	"github.com/contentops/autopilot/pulse/schedule"
	"github.com/contentops/autopilot/pulse/trigger"
)

// JobCmd groups job management subcommands.
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Register and manage scheduled jobs",
	Long: `Register and manage scheduled jobs.

Examples:
  autopilot job create --name coffee --platform blog --daily 09:00 --keywords coffee,espresso
  autopilot job create --name launch --platform social --at 2025-03-01T09:00:00+09:00 --hashtags launch
  autopilot job apply -f jobs.yaml
  autopilot job ls --platform social
  autopilot job disable JB...`,
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a job from flags",
	RunE:  runJobCreate,
}

var jobApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Register or update jobs from a TOML or YAML file",
	RunE:  runJobApply,
}

var jobLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs with their next run and last run status",
	RunE:    runJobLs,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobToggle(true),
}

var jobDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Pause a job; a run already in flight finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobToggle(false),
}

var jobRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a job; its run history is kept",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRm,
}

var (
	jobName        string
	jobID          string
	jobPlatform    string
	jobDaily       string
	jobWeekly      string
	jobCron        string
	jobAt          string
	jobTimezone    string
	jobKeywords    []string
	jobHashtags    []string
	jobTemplate    string
	jobAutoPublish bool
	jobDelay       int
	jobDisabled    bool
	jobFile        string
	jobLsPlatform  string
	jobLsState     string
)

func init() {
	f := jobCreateCmd.Flags()
	f.StringVar(&jobName, "name", "", "Job name (required)")
	f.StringVar(&jobID, "id", "", "Update the job with this ID instead of creating one")
	f.StringVar(&jobPlatform, "platform", string(schedule.PlatformBlog), "Platform: blog or social")
	f.StringVar(&jobDaily, "daily", "", "Run every day at HH:MM")
	f.StringVar(&jobWeekly, "weekly", "", "Run weekly: days@HH:MM, e.g. mon,wed,fri@09:00")
	f.StringVar(&jobCron, "cron", "", "Run on a cron expression")
	f.StringVar(&jobAt, "at", "", "Run once at an RFC3339 instant")
	f.StringVar(&jobTimezone, "tz", "", "IANA timezone (default: scheduler.default_timezone)")
	f.StringSliceVar(&jobKeywords, "keywords", nil, "Blog keywords")
	f.StringSliceVar(&jobHashtags, "hashtags", nil, "Social hashtags")
	f.StringVar(&jobTemplate, "template", "", "Content template")
	f.BoolVar(&jobAutoPublish, "publish", false, "Publish automatically instead of saving a draft")
	f.IntVar(&jobDelay, "delay", 0, "Schedule the post this many minutes after generation")
	f.BoolVar(&jobDisabled, "disabled", false, "Register the job paused")
	jobCreateCmd.MarkFlagRequired("name")

	jobApplyCmd.Flags().StringVarP(&jobFile, "file", "f", "", "Job file (.toml, .yaml, .yml)")
	jobApplyCmd.MarkFlagRequired("file")

	jobLsCmd.Flags().StringVar(&jobLsPlatform, "platform", "", "Only jobs for this platform")
	jobLsCmd.Flags().StringVar(&jobLsState, "state", "", "Only jobs in this state")

	JobCmd.AddCommand(jobCreateCmd, jobApplyCmd, jobLsCmd, jobShowCmd, jobEnableCmd, jobDisableCmd, jobRmCmd)
}

// triggerFromFlags builds a trigger spec; exactly one schedule flag is allowed.
func triggerFromFlags() (trigger.Spec, error) {
	spec := trigger.Spec{Timezone: jobTimezone}
	set := 0
	if jobDaily != "" {
		set++
		spec.Kind, spec.Time = trigger.KindDaily, jobDaily
	}
	if jobWeekly != "" {
		set++
		days, at, ok := strings.Cut(jobWeekly, "@")
		if !ok {
			return spec, errors.NewInvalidRequestError("--weekly wants days@HH:MM, got %q", jobWeekly)
		}
		spec.Kind, spec.Time, spec.Weekdays = trigger.KindWeekly, at, strings.Split(days, ",")
	}
	if jobCron != "" {
		set++
		spec.Kind, spec.Cron = trigger.KindCron, jobCron
	}
	if jobAt != "" {
		set++
		at, err := time.Parse(time.RFC3339, jobAt)
		if err != nil {
			return spec, errors.NewInvalidRequestError("--at wants RFC3339: %v", err)
		}
		spec.Kind, spec.At = trigger.KindOnce, &at
	}
	if set != 1 {
		return spec, errors.NewInvalidRequestError("give exactly one of --daily, --weekly, --cron, --at")
	}
	return spec, nil
}

func runJobCreate(cmd *cobra.Command, args []string) error {
	spec, err := triggerFromFlags()
	if err != nil {
		return err
	}

	platform := schedule.Platform(jobPlatform)
	params := schedule.Params{}
	if len(jobKeywords) > 0 {
		params[schedule.ParamKeywords] = jobKeywords
	}
	if len(jobHashtags) > 0 {
		params[schedule.ParamHashtags] = jobHashtags
	}
	if jobTemplate != "" {
		params[schedule.ParamTemplate] = jobTemplate
	}
	if platform == schedule.PlatformSocial {
		params[schedule.ParamAutoPost] = jobAutoPublish
	} else {
		params[schedule.ParamAutoPublish] = jobAutoPublish
	}
	if jobDelay > 0 {
		params[schedule.ParamPublishDelay] = jobDelay
	}

	def := schedule.Definition{ID: jobID, Name: jobName, Platform: platform, Trigger: spec, Params: params}
	if jobDisabled {
		enabled := false
		def.Enabled = &enabled
	}

	st, err := openStores(current)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.registry.Register(cmd.Context(), def)
	if err != nil {
		if job != nil {
			pterm.Warning.Printfln("Job %s stored in %s state", job.ID, job.State)
		}
		return err
	}
	pterm.Success.Printfln("Job %s registered (%s), next run %s", job.ID, job.Trigger, formatTime(job.NextRunAt))
	return nil
}

func runJobApply(cmd *cobra.Command, args []string) error {
	defs, err := jobfile.Load(jobFile)
	if err != nil {
		return err
	}

	st, err := openStores(current)
	if err != nil {
		return err
	}
	defer st.Close()

	results, err := jobfile.Apply(cmd.Context(), st.registry, defs)
	if err != nil {
		return err
	}

	failed := 0
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		id, state, note := "-", "-", ""
		if r.Job != nil {
			id, state = r.Job.ID, r.Job.State
		}
		if r.Err != nil {
			failed++
			note = r.Err.Error()
		}
		rows = append(rows, []string{r.Name, id, state, note})
	}
	if err := renderTable([]string{"NAME", "ID", "STATE", "ERROR"}, rows); err != nil {
		return err
	}
	if failed > 0 {
		return errors.Newf("%d of %d jobs failed to apply", failed, len(results))
	}
	return nil
}

func runJobLs(cmd *cobra.Command, args []string) error {
	st, err := openStores(current)
	if err != nil {
		return err
	}
	defer st.Close()

	dash := dashboard.New(st.registry.Store(), st.runs, nil)
	jobs, err := dash.ListJobs(cmd.Context(), schedule.JobFilter{
		Platform: schedule.Platform(jobLsPlatform),
		State:    jobLsState,
	})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs registered")
		return nil
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		state := j.State
		if j.State == schedule.StateConfigError {
			state = pterm.Red(state)
		}
		rows = append(rows, []string{
			j.ID, j.Name, string(j.Platform), state, j.Trigger.String(),
			formatTime(j.NextRunAt), formatTime(j.LastRunAt), orDash(string(j.LastRunStatus)),
			fmt.Sprintf("%d/%d", j.SuccessCount, j.SuccessCount+j.ErrorCount),
		})
	}
	return renderTable([]string{"ID", "NAME", "PLATFORM", "STATE", "TRIGGER", "NEXT RUN", "LAST RUN", "LAST STATUS", "OK"}, rows)
}

func runJobShow(cmd *cobra.Command, args []string) error {
	st, err := openStores(current)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := dashboard.New(st.registry.Store(), st.runs, nil).GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode job")
	}
	fmt.Println(string(data))
	return nil
}

func runJobToggle(enable bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		st, err := openStores(current)
		if err != nil {
			return err
		}
		defer st.Close()

		var job *schedule.Job
		if enable {
			job, err = st.registry.Enable(cmd.Context(), args[0])
		} else {
			job, err = st.registry.Disable(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Job %s is %s, next run %s", job.ID, job.State, formatTime(job.NextRunAt))
		return nil
	}
}

func runJobRm(cmd *cobra.Command, args []string) error {
	st, err := openStores(current)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.registry.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printfln("Job %s deleted", args[0])
	return nil
}
