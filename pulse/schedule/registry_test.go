package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/pulse/trigger"
)

func seoul(t *testing.T, layout string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02T15:04", layout, loc)
	require.NoError(t, err)
	return ts
}

func TestRegisterComputesNextRun(t *testing.T) {
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))

	job := f.register(t, blogDefinition("morning post"))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StateActive, job.State)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.Equal(seoul(t, "2024-01-15T09:00")), "got %s", job.NextRunAt)
	assert.Nil(t, job.LastRunAt)

	stored, err := f.registry.Get(t.Context(), job.ID)
	require.NoError(t, err)
	assert.True(t, stored.NextRunAt.Equal(*job.NextRunAt))
}

func TestRegisterExistingIDUpdates(t *testing.T) {
	f := newFixture(t, seoul(t, "2024-01-15T10:00"))
	job := f.register(t, blogDefinition("morning post"))

	def := blogDefinition("renamed")
	def.ID = job.ID
	def.Trigger = trigger.Spec{Kind: trigger.KindWeekly, Time: "09:00", Weekdays: []string{"wed"}, Timezone: "Asia/Seoul"}
	updated := f.register(t, def)

	assert.Equal(t, job.ID, updated.ID)
	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.NextRunAt.Equal(seoul(t, "2024-01-17T09:00")))
	assert.True(t, updated.CreatedAt.Equal(job.CreatedAt))

	jobs, err := f.registry.List(t.Context(), JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestRegisterInvalidDefinitionIsStored(t *testing.T) {
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))

	def := blogDefinition("bad cron")
	def.Trigger = trigger.Spec{Kind: trigger.KindCron, Cron: "61 * * * *"}
	job, err := f.registry.Register(t.Context(), def)

	require.Error(t, err)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
	require.NotNil(t, job)
	assert.Equal(t, StateConfigError, job.State)
	assert.NotEmpty(t, job.ConfigError)
	assert.Nil(t, job.NextRunAt)

	due, err := f.registry.Due(t.Context(), seoul(t, "2030-01-01T00:00"))
	require.NoError(t, err)
	assert.Empty(t, due, "misconfigured jobs never dispatch")

	_, err = f.registry.Enable(t.Context(), job.ID)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
}

func TestRegisterRejectsBadParams(t *testing.T) {
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))

	def := blogDefinition("no keywords")
	def.Params = Params{ParamKeywords: []string{" "}}
	job, err := f.registry.Register(t.Context(), def)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
	require.NotNil(t, job)
	assert.Equal(t, StateConfigError, job.State)

	_, err = f.registry.Register(t.Context(), Definition{Name: "x", Platform: "newsletter"})
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))

	_, err = f.registry.Register(t.Context(), Definition{Platform: PlatformBlog})
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
}

func TestRegisterOnceInThePast(t *testing.T) {
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))

	def := blogDefinition("launch")
	def.Trigger = trigger.Spec{Kind: trigger.KindOnce, At: ptr(seoul(t, "2024-01-14T09:00"))}
	job, err := f.registry.Register(t.Context(), def)

	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
	assert.Equal(t, StateConfigError, job.State)
}

func TestRegisterDisabled(t *testing.T) {
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))

	def := blogDefinition("draft only")
	def.Enabled = ptr(false)
	job := f.register(t, def)

	assert.Equal(t, StatePaused, job.State)
	assert.Nil(t, job.NextRunAt)
}

func TestEnableDisableDelete(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	job := f.register(t, blogDefinition("toggle"))

	paused, err := f.registry.Disable(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, paused.State)
	assert.Nil(t, paused.NextRunAt)

	// Re-enabling after the slot passed picks the next future slot
	f.clock.t = seoul(t, "2024-01-15T09:30")
	active, err := f.registry.Enable(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, active.State)
	assert.True(t, active.NextRunAt.Equal(seoul(t, "2024-01-16T09:00")))

	again, err := f.registry.Enable(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, again.NextRunAt.Equal(*active.NextRunAt))

	require.NoError(t, f.registry.Delete(ctx, job.ID))
	_, err = f.registry.Get(ctx, job.ID)
	assert.True(t, errors.IsNotFoundError(err))

	jobs, err := f.registry.List(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	def := blogDefinition("revive")
	def.ID = job.ID
	_, err = f.registry.Register(ctx, def)
	assert.True(t, errors.IsConflictError(err))
}

func TestEnableUnknownJob(t *testing.T) {
	f := newFixture(t, time.Now())
	_, err := f.registry.Enable(t.Context(), "JB_nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestAdvance(t *testing.T) {
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	daily := f.register(t, blogDefinition("daily"))

	late := seoul(t, "2024-01-17T13:00")
	adv, err := f.registry.Advance(daily, late)
	require.NoError(t, err)
	assert.Equal(t, StateActive, adv.State)
	assert.True(t, adv.NextRunAt.Equal(seoul(t, "2024-01-18T09:00")), "missed fires are not replayed")
	assert.True(t, adv.DueAt.Equal(*daily.NextRunAt))

	def := blogDefinition("once")
	def.Trigger = trigger.Spec{Kind: trigger.KindOnce, At: ptr(seoul(t, "2024-01-15T12:00"))}
	once := f.register(t, def)
	adv, err = f.registry.Advance(once, seoul(t, "2024-01-15T12:00"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, adv.State)
	assert.Nil(t, adv.NextRunAt)
}

func TestRescheduleAfterDowntime(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, seoul(t, "2024-01-15T08:00"))
	daily := f.register(t, blogDefinition("daily"))

	def := blogDefinition("once")
	def.Trigger = trigger.Spec{Kind: trigger.KindOnce, At: ptr(seoul(t, "2024-01-15T12:00"))}
	once := f.register(t, def)

	// A fresh registry has no cached triggers, like a restarted process
	restarted := NewRegistry(f.store, f.loc, f.registry.log)
	changed, err := restarted.Reschedule(ctx, seoul(t, "2024-01-20T10:00"))
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	got, err := restarted.Get(ctx, daily.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(seoul(t, "2024-01-21T09:00")))

	got, err = restarted.Get(ctx, once.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Nil(t, got.NextRunAt)

	changed, err = restarted.Reschedule(ctx, seoul(t, "2024-01-20T10:00"))
	require.NoError(t, err)
	assert.Zero(t, changed)
}
