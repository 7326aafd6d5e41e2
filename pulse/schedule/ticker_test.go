package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/pulse/trigger"
)

// gatedDispatcher holds every run until release is closed, then finishes it
// with the configured status.
type gatedDispatcher struct {
	runs    *RunStore
	release chan struct{}
	status  RunStatus

	mu       sync.Mutex
	executed []string
}

func newGatedDispatcher(runs *RunStore) *gatedDispatcher {
	return &gatedDispatcher{runs: runs, release: make(chan struct{}), status: RunSucceeded}
}

func (d *gatedDispatcher) Execute(ctx context.Context, run *Run) *Run {
	d.mu.Lock()
	d.executed = append(d.executed, run.ID)
	d.mu.Unlock()

	select {
	case <-d.release:
	case <-ctx.Done():
	}

	now := time.Now()
	run.Status = RunRunning
	run.StartedAt = &now
	_ = d.runs.UpdateRun(context.Background(), run)

	run.Status = d.status
	if ctx.Err() != nil {
		run.Status = RunFailed
	}
	run.FinishedAt = &now
	_ = d.runs.UpdateRun(context.Background(), run)
	return run
}

func (d *gatedDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.executed)
}

func (d *gatedDispatcher) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return d.count() >= n }, time.Second, 5*time.Millisecond)
}

func (d *gatedDispatcher) first() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executed[0]
}

type recordingObserver struct {
	mu   sync.Mutex
	runs []*Run
}

func (o *recordingObserver) RunUpdated(run *Run) {
	o.mu.Lock()
	o.runs = append(o.runs, run)
	o.mu.Unlock()
}

func newTestTicker(t *testing.T, f *fixture, d Dispatcher) *Ticker {
	t.Helper()
	tk := NewTicker(f.registry, f.runs, d, TickerConfig{Interval: time.Hour, DrainTimeout: time.Second}, zaptest.NewLogger(t).Sugar())
	tk.SetClock(f.clock.Now)
	return tk
}

func TestTickDispatchesDueJob(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	job := f.register(t, blogDefinition("daily"))
	d := newGatedDispatcher(f.runs)
	obs := &recordingObserver{}
	tk := newTestTicker(t, f, d)
	tk.AddObserver(obs)

	// Not due yet
	require.NoError(t, tk.Tick(seoul(t, "2024-01-15T08:59")))
	assert.Zero(t, d.count())

	now := seoul(t, "2024-01-15T09:00")
	require.NoError(t, tk.Tick(now))
	close(d.release)
	tk.Wait()

	assert.Equal(t, 1, d.count())
	runs, total, err := f.runs.ListRuns(ctx, RunFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, RunSucceeded, runs[0].Status)
	assert.True(t, runs[0].ScheduledFor.Equal(now))

	got, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, runs[0].ID, got.LastRunID)
	assert.True(t, got.NextRunAt.Equal(seoul(t, "2024-01-16T09:00")))
	assert.True(t, got.NextRunAt.After(*got.LastRunAt))

	require.Len(t, obs.runs, 1)
	assert.Equal(t, RunPending, obs.runs[0].Status)

	stats := tk.GetStats()
	assert.Equal(t, int64(2), stats.TicksSinceStart)
	assert.Equal(t, int64(1), stats.Dispatched)
	assert.Zero(t, stats.InFlight)
}

func TestTickSkipsJobWithRunInFlight(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	def := blogDefinition("every minute")
	def.Trigger = trigger.Spec{Kind: trigger.KindCron, Cron: "* * * * *", Timezone: "Asia/Seoul"}
	job := f.register(t, def)
	d := newGatedDispatcher(f.runs)
	tk := newTestTicker(t, f, d)

	require.NoError(t, tk.Tick(seoul(t, "2024-01-15T08:01")))
	d.waitFor(t, 1)
	advanced, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, advanced.NextRunAt.Equal(seoul(t, "2024-01-15T08:02")))

	// The first run is still held; later slots must not start a second run
	require.NoError(t, tk.Tick(seoul(t, "2024-01-15T08:02")))
	require.NoError(t, tk.Tick(seoul(t, "2024-01-15T08:03")))
	assert.Equal(t, 1, d.count())

	active, err := f.runs.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	held, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, held.NextRunAt.Equal(*advanced.NextRunAt), "skipped ticks leave next_run_at alone")

	close(d.release)
	tk.Wait()

	// Dispatched again on the first tick after the run ended, no backfill
	require.NoError(t, tk.Tick(seoul(t, "2024-01-15T08:05")))
	tk.Wait()
	assert.Equal(t, 2, d.count())
	_, total, err := f.runs.ListRuns(ctx, RunFilter{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	after, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, after.NextRunAt.Equal(seoul(t, "2024-01-15T08:06")))
}

func TestTickRunOnceCompletes(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	def := blogDefinition("launch")
	def.Trigger = trigger.Spec{Kind: trigger.KindOnce, At: ptr(seoul(t, "2024-01-15T12:00"))}
	job := f.register(t, def)
	d := newGatedDispatcher(f.runs)
	close(d.release)
	tk := newTestTicker(t, f, d)

	require.NoError(t, tk.Tick(seoul(t, "2024-01-15T12:00")))
	tk.Wait()
	require.NoError(t, tk.Tick(seoul(t, "2024-01-16T12:00")))
	tk.Wait()

	assert.Equal(t, 1, d.count())
	got, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Nil(t, got.NextRunAt)
}

func TestTickIgnoresDisabledJobs(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	job := f.register(t, blogDefinition("daily"))
	d := newGatedDispatcher(f.runs)
	tk := newTestTicker(t, f, d)

	require.NoError(t, tk.Tick(seoul(t, "2024-01-15T09:00")))
	d.waitFor(t, 1)
	runID := d.first()

	// Disabling mid-run leaves the run alone
	_, err := f.registry.Disable(ctx, job.ID)
	require.NoError(t, err)
	close(d.release)
	tk.Wait()

	run, err := f.runs.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)

	require.NoError(t, tk.Tick(seoul(t, "2024-01-20T09:00")))
	tk.Wait()
	assert.Equal(t, 1, d.count())
}

func TestDisableLeavesFinishedRunUntouched(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	job := f.register(t, blogDefinition("daily"))
	d := newGatedDispatcher(f.runs)
	close(d.release)
	tk := newTestTicker(t, f, d)

	require.NoError(t, tk.Tick(seoul(t, "2024-01-15T09:00")))
	tk.Wait()
	before, err := f.runs.GetRun(ctx, d.first())
	require.NoError(t, err)
	require.True(t, before.Status.Terminal())

	f.clock.Advance(time.Hour)
	_, err = f.registry.Disable(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.registry.Enable(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.registry.Disable(ctx, job.ID)
	require.NoError(t, err)

	after, err := f.runs.GetRun(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// abandoningDispatcher returns without recording a final status, or panics.
type abandoningDispatcher struct {
	runs  *RunStore
	panic bool
}

func (d *abandoningDispatcher) Execute(ctx context.Context, run *Run) *Run {
	now := time.Now()
	run.Status = RunRunning
	run.StartedAt = &now
	run.CurrentStage = "publish"
	_ = d.runs.UpdateRun(ctx, run)
	if d.panic {
		panic("dispatcher bug")
	}
	run.Status = RunSucceeded
	return run
}

func TestUnfinishedRunDoesNotBlockJob(t *testing.T) {
	for _, panics := range []bool{false, true} {
		name := "lost final write"
		if panics {
			name = "dispatcher panic"
		}
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			f := newFixture(t, seoul(t, "2024-01-15T08:00"))
			job := f.register(t, blogDefinition("daily"))
			d := &abandoningDispatcher{runs: f.runs, panic: panics}
			obs := &recordingObserver{}
			tk := newTestTicker(t, f, d)
			tk.AddObserver(obs)

			require.NoError(t, tk.Tick(seoul(t, "2024-01-15T09:00")))
			tk.Wait()

			page, total, err := f.runs.ListRuns(ctx, RunFilter{JobID: job.ID})
			require.NoError(t, err)
			require.Equal(t, 1, total)
			stored := page[0]
			assert.Equal(t, RunFailed, stored.Status)
			require.NotNil(t, stored.Error)
			assert.Equal(t, errors.KindInternal, stored.Error.Kind)
			assert.Equal(t, "publish", stored.Error.Stage)
			assert.NotNil(t, stored.FinishedAt)

			busy, err := f.runs.HasActiveRun(ctx, job.ID)
			require.NoError(t, err)
			assert.False(t, busy)

			require.NoError(t, tk.Tick(seoul(t, "2024-01-16T09:00")))
			tk.Wait()
			_, total, err = f.runs.ListRuns(ctx, RunFilter{JobID: job.ID})
			require.NoError(t, err)
			assert.Equal(t, 2, total, "next fire dispatched")

			obs.mu.Lock()
			defer obs.mu.Unlock()
			var released bool
			for _, r := range obs.runs {
				if r.ID == stored.ID && r.Status == RunFailed {
					released = true
				}
			}
			assert.True(t, released, "observers see the release")
		})
	}
}

func TestConcurrentTicksDispatchOnce(t *testing.T) {
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	f.register(t, blogDefinition("daily"))
	d := newGatedDispatcher(f.runs)
	tk := newTestTicker(t, f, d)

	now := seoul(t, "2024-01-15T09:00")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tk.Tick(now))
		}()
	}
	wg.Wait()
	close(d.release)
	tk.Wait()

	assert.Equal(t, 1, d.count())
}

func TestStartRecoversAndStopDrains(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	job := f.register(t, blogDefinition("daily"))

	// A run left behind by a previous process
	stale := NewRun("PX_stale", job, seoul(t, "2024-01-14T09:00"), seoul(t, "2024-01-14T09:00"))
	require.NoError(t, f.runs.CreateRun(ctx, stale))

	d := newGatedDispatcher(f.runs)
	tk := newTestTicker(t, f, d)
	require.NoError(t, tk.Start())
	assert.Error(t, tk.Start())

	recovered, err := f.runs.GetRun(ctx, "PX_stale")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, recovered.Status)

	require.NoError(t, tk.Tick(seoul(t, "2024-01-15T09:00")))
	d.waitFor(t, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(d.release)
	}()
	tk.Stop()

	runs, _, err := f.runs.ListRuns(ctx, RunFilter{JobID: job.ID, Status: RunSucceeded})
	require.NoError(t, err)
	assert.Len(t, runs, 1, "in-flight run finished during drain")
}

func TestStopCancelsAfterDrainTimeout(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	job := f.register(t, blogDefinition("daily"))

	d := newGatedDispatcher(f.runs)
	tk := NewTicker(f.registry, f.runs, d, TickerConfig{Interval: time.Hour, DrainTimeout: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	tk.SetClock(f.clock.Now)
	require.NoError(t, tk.Start())
	require.NoError(t, tk.Tick(seoul(t, "2024-01-15T09:00")))
	tk.Stop()

	runs, _, err := f.runs.ListRuns(ctx, RunFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunFailed, runs[0].Status)
}
