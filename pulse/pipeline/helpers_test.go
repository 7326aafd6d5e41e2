package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	aptest "github.com/contentops/autopilot/internal/testing"
	"github.com/contentops/autopilot/pulse/schedule"
	"github.com/contentops/autopilot/pulse/trigger"
)

type fakeAnalyzer struct {
	mu      sync.Mutex
	volumes map[string]int
	err     error
	calls   []string
}

func (a *fakeAnalyzer) Analyze(_ context.Context, keyword string, _ schedule.Platform) (*KeywordAnalysis, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, keyword)
	if a.err != nil {
		return nil, a.err
	}
	return &KeywordAnalysis{Keyword: keyword, Volume: a.volumes[keyword], Competition: 0.4}, nil
}

// scriptedGenerator returns errs[i] on call i, then succeeds.
type scriptedGenerator struct {
	mu    sync.Mutex
	errs  []error
	calls int
	panic bool
}

func (g *scriptedGenerator) Generate(_ context.Context, keyword, template string, _ schedule.Params) (*Content, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.panic {
		panic("generator blew up")
	}
	if g.calls <= len(g.errs) {
		return nil, g.errs[g.calls-1]
	}
	return &Content{Keyword: keyword, Title: keyword + " guide", Body: "all about " + keyword + " (" + template + ")"}, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []*Content
	scheduled []time.Time
}

func (p *fakePublisher) Publish(_ context.Context, _ schedule.Platform, content *Content) (*Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, content)
	if p.err != nil {
		return nil, p.err
	}
	return &Receipt{RemoteID: "post-1"}, nil
}

func (p *fakePublisher) Schedule(_ context.Context, _ schedule.Platform, content *Content, at time.Time) (*Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduled = append(p.scheduled, at)
	if p.err != nil {
		return nil, p.err
	}
	return &Receipt{RemoteID: "scheduled-1", ScheduledAt: &at}, nil
}

func (p *fakePublisher) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published) + len(p.scheduled)
}

type statusObserver struct {
	mu       sync.Mutex
	statuses []schedule.RunStatus
}

func (o *statusObserver) RunUpdated(run *schedule.Run) {
	o.mu.Lock()
	o.statuses = append(o.statuses, run.Status)
	o.mu.Unlock()
}

type harness struct {
	runs      *schedule.RunStore
	jobs      *schedule.Store
	analyzer  *fakeAnalyzer
	generator *scriptedGenerator
	publisher *fakePublisher
	executor  *Executor
	sleeps    []time.Duration
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	db := aptest.CreateTestDB(t)
	h := &harness{
		runs:      schedule.NewRunStore(db),
		jobs:      schedule.NewStore(db),
		analyzer:  &fakeAnalyzer{volumes: map[string]int{"coffee": 900, "espresso": 1500}},
		generator: &scriptedGenerator{},
		publisher: &fakePublisher{},
	}
	stages := Stages(Collaborators{Analyzer: h.analyzer, Generator: h.generator, Publisher: h.publisher})
	h.executor = NewExecutor(h.runs, stages, policy, zaptest.NewLogger(t).Sugar())
	h.executor.SetSleep(func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	})
	return h
}

// pendingRun stores a job with params and a pending run for it.
func (h *harness) pendingRun(t *testing.T, platform schedule.Platform, params schedule.Params) *schedule.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	job := &schedule.Job{
		ID:        "JB_" + t.Name(),
		Name:      t.Name(),
		Platform:  platform,
		State:     schedule.StateActive,
		Trigger:   trigger.Spec{Kind: trigger.KindDaily, Time: "09:00"},
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.jobs.CreateJob(ctx, job))
	run := schedule.NewRun("PX_"+t.Name(), job, now, now)
	require.NoError(t, h.runs.CreateRun(ctx, run))
	return run
}

func blogParams(autoPublish bool) schedule.Params {
	return schedule.Params{
		schedule.ParamKeywords:    []string{"coffee", "espresso"},
		schedule.ParamTemplate:    "review",
		schedule.ParamAutoPublish: autoPublish,
	}
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Minute, StageTimeout: time.Second}
}
