package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/pulse/trigger"
)

func testJob(id string, state string, next *time.Time) *Job {
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	return &Job{
		ID:        id,
		Name:      "job " + id,
		Platform:  PlatformBlog,
		State:     state,
		Trigger:   trigger.Spec{Kind: trigger.KindDaily, Time: "09:00"},
		Params:    Params{ParamKeywords: []string{"tea"}},
		NextRunAt: next,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	f := newFixture(t, time.Now())
	ctx := context.Background()

	next := time.Date(2024, 1, 15, 0, 0, 0, 123e6, time.UTC)
	job := testJob("JB_roundtrip", StateActive, &next)
	job.Trigger = trigger.Spec{Kind: trigger.KindWeekly, Time: "09:00", Weekdays: []string{"mon"}, Timezone: "Asia/Seoul"}
	require.NoError(t, f.store.CreateJob(ctx, job))

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, PlatformBlog, got.Platform)
	assert.Equal(t, job.Trigger, got.Trigger)
	assert.Equal(t, []string{"tea"}, got.Params.Keywords())
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next), "millisecond precision survives storage")
	assert.Nil(t, got.LastRunAt)
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t, time.Now())

	_, err := f.store.GetJob(context.Background(), "JB_missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	err = f.store.UpdateJobState(context.Background(), "JB_missing", StatePaused, nil, "")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListJobsDue(t *testing.T) {
	f := newFixture(t, time.Now())
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	jobs := []*Job{
		testJob("JB_past", StateActive, ptr(now.Add(-10*time.Minute))),
		testJob("JB_now", StateActive, ptr(now)),
		testJob("JB_future", StateActive, ptr(now.Add(time.Minute))),
		testJob("JB_paused", StatePaused, nil),
		testJob("JB_misconfigured", StateConfigError, nil),
	}
	for _, job := range jobs {
		require.NoError(t, f.store.CreateJob(ctx, job))
	}

	due, err := f.store.ListJobsDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "JB_past", due[0].ID, "oldest due first")
	assert.Equal(t, "JB_now", due[1].ID)

	next, err := f.store.GetNextScheduledJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, "JB_past", next.ID)
}

func TestListJobsFilters(t *testing.T) {
	f := newFixture(t, time.Now())
	ctx := context.Background()

	social := testJob("JB_social", StateActive, ptr(time.Now()))
	social.Platform = PlatformSocial
	for _, job := range []*Job{
		testJob("JB_active", StateActive, ptr(time.Now())),
		testJob("JB_paused", StatePaused, nil),
		testJob("JB_deleted", StateDeleted, nil),
		social,
	} {
		require.NoError(t, f.store.CreateJob(ctx, job))
	}

	all, err := f.store.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3, "deleted jobs are hidden")

	enabled, err := f.store.ListJobs(ctx, JobFilter{Enabled: ptr(true)})
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	disabled, err := f.store.ListJobs(ctx, JobFilter{Enabled: ptr(false)})
	require.NoError(t, err)
	require.Len(t, disabled, 1)
	assert.Equal(t, "JB_paused", disabled[0].ID)

	socialOnly, err := f.store.ListJobs(ctx, JobFilter{Platform: PlatformSocial})
	require.NoError(t, err)
	require.Len(t, socialOnly, 1)
	assert.Equal(t, "JB_social", socialOnly[0].ID)

	counts, err := f.store.CountJobsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{StateActive: 2, StatePaused: 1}, counts)
}

func TestUpdateJobLeavesDispatchFields(t *testing.T) {
	f := newFixture(t, time.Now())
	ctx := context.Background()

	last := time.Date(2024, 1, 14, 9, 0, 0, 0, time.UTC)
	job := testJob("JB_update", StateActive, ptr(last.Add(24*time.Hour)))
	job.LastRunAt = &last
	job.LastRunID = "PX_previous"
	require.NoError(t, f.store.CreateJob(ctx, job))

	job.Name = "renamed"
	job.LastRunAt = nil
	job.LastRunID = ""
	require.NoError(t, f.store.UpdateJob(ctx, job))

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "PX_previous", got.LastRunID)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(last))
}

func TestStoreWrapsDriverErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("disk I/O error"))

	store := NewStore(mockDB)
	_, err = store.ListJobsDue(context.Background(), time.Now(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list scheduled jobs")
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
