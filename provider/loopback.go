package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/contentops/autopilot/pulse/pipeline"
	"github.com/contentops/autopilot/pulse/schedule"
)

// Loopback is a deterministic in-process stand-in for all three services.
// The same keyword always yields the same analysis and content.
type Loopback struct {
	mu    sync.Mutex
	posts int
}

func NewLoopback() *Loopback { return &Loopback{} }

func hash32(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func (l *Loopback) Analyze(ctx context.Context, keyword string, platform schedule.Platform) (*pipeline.KeywordAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := hash32(keyword, string(platform))
	return &pipeline.KeywordAnalysis{
		Keyword:     keyword,
		Volume:      int(h % 100000),
		Competition: float64(h%100) / 100,
		Related:     []string{keyword + " tips", keyword + " guide"},
	}, nil
}

func (l *Loopback) Generate(ctx context.Context, keyword, template string, params schedule.Params) (*pipeline.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if template == "" {
		template = "default"
	}
	title := fmt.Sprintf("%s: a %s guide", capitalize(keyword), template)
	return &pipeline.Content{
		Keyword:  keyword,
		Title:    title,
		Body:     fmt.Sprintf("%s\n\nEverything worth knowing about %s.", title, keyword),
		Caption:  fmt.Sprintf("All about %s", keyword),
		MediaRef: fmt.Sprintf("loopback://media/%08x", hash32(keyword, params.String(schedule.ParamImageStyle))),
		Tags:     params.Strings(schedule.ParamTags),
		Category: params.String(schedule.ParamCategory),
	}, nil
}

func (l *Loopback) Publish(ctx context.Context, platform schedule.Platform, content *pipeline.Content) (*pipeline.Receipt, error) {
	return l.Schedule(ctx, platform, content, time.Time{})
}

func (l *Loopback) Schedule(ctx context.Context, platform schedule.Platform, content *pipeline.Content, at time.Time) (*pipeline.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.posts++
	n := l.posts
	l.mu.Unlock()

	remoteID := fmt.Sprintf("%s-%08x-%d", platform, hash32(content.Keyword, content.Title), n)
	r := &pipeline.Receipt{
		RemoteID: remoteID,
		URL:      fmt.Sprintf("loopback://%s/posts/%s", platform, remoteID),
	}
	if !at.IsZero() {
		at = at.UTC()
		r.ScheduledAt = &at
	}
	return r, nil
}

// Posts reports how many posts have been accepted.
func (l *Loopback) Posts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.posts
}
