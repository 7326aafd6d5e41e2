package schedule

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	aptest "github.com/contentops/autopilot/internal/testing"
	"github.com/contentops/autopilot/pulse/trigger"
)

// fakeClock is a settable time source shared by registry and ticker.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	db       *sql.DB
	store    *Store
	runs     *RunStore
	registry *Registry
	clock    *fakeClock
	loc      *time.Location
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	db := aptest.CreateTestDB(t)
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	clock := &fakeClock{t: start}
	store := NewStore(db)
	registry := NewRegistry(store, loc, zaptest.NewLogger(t).Sugar())
	registry.SetClock(clock.Now)

	return &fixture{
		db:       db,
		store:    store,
		runs:     NewRunStore(db),
		registry: registry,
		clock:    clock,
		loc:      loc,
	}
}

func blogDefinition(name string) Definition {
	return Definition{
		Name:     name,
		Platform: PlatformBlog,
		Trigger:  trigger.Spec{Kind: trigger.KindDaily, Time: "09:00", Timezone: "Asia/Seoul"},
		Params:   Params{ParamKeywords: []string{"coffee", "espresso"}, ParamAutoPublish: true},
	}
}

func (f *fixture) register(t *testing.T, def Definition) *Job {
	t.Helper()
	job, err := f.registry.Register(t.Context(), def)
	require.NoError(t, err)
	return job
}

// finish moves a run through running to a terminal status.
func (f *fixture) finish(t *testing.T, run *Run, status RunStatus) {
	t.Helper()
	ctx := t.Context()
	now := f.clock.Now()

	run.Status = RunRunning
	run.StartedAt = &now
	run.UpdatedAt = now
	require.NoError(t, f.runs.UpdateRun(ctx, run))

	run.Status = status
	run.FinishedAt = &now
	run.UpdatedAt = now
	require.NoError(t, f.runs.UpdateRun(ctx, run))
}

func ptr[T any](v T) *T { return &v }
