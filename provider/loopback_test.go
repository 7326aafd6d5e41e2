package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentops/autopilot/pulse/pipeline"
	"github.com/contentops/autopilot/pulse/schedule"
)

var contentFixture = pipeline.Content{Keyword: "go", Title: "Go", Body: "body"}

func contextWithTimeout(t *testing.T, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.Context(), d)
}

func TestLoopbackDeterministic(t *testing.T) {
	lb := NewLoopback()
	a1, err := lb.Analyze(t.Context(), "seo", schedule.PlatformBlog)
	require.NoError(t, err)
	a2, err := NewLoopback().Analyze(t.Context(), "seo", schedule.PlatformBlog)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	c, err := lb.Generate(t.Context(), "seo", "howto", schedule.Params{schedule.ParamCategory: "marketing"})
	require.NoError(t, err)
	assert.Equal(t, "Seo: a howto guide", c.Title)
	assert.Equal(t, "marketing", c.Category)
	assert.NotEmpty(t, c.Body)
}

func TestLoopbackPublish(t *testing.T) {
	lb := NewLoopback()
	r1, err := lb.Publish(t.Context(), schedule.PlatformBlog, &contentFixture)
	require.NoError(t, err)
	assert.Nil(t, r1.ScheduledAt)

	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.FixedZone("KST", 9*3600))
	r2, err := lb.Schedule(t.Context(), schedule.PlatformSocial, &contentFixture, at)
	require.NoError(t, err)
	require.NotNil(t, r2.ScheduledAt)
	assert.Equal(t, time.UTC, r2.ScheduledAt.Location())
	assert.NotEqual(t, r1.RemoteID, r2.RemoteID)
	assert.Equal(t, 2, lb.Posts())
}

func TestLoopbackImplementsCollaborators(t *testing.T) {
	lb := NewLoopback()
	stages := pipeline.Stages(pipeline.Collaborators{Analyzer: lb, Generator: lb, Publisher: lb})
	require.Len(t, stages, 3)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := lb.Analyze(ctx, "x", schedule.PlatformBlog)
	assert.ErrorIs(t, err, context.Canceled)
}
