package pipeline

import (
	"context"
	"time"

	"github.com/contentops/autopilot/pulse/schedule"
)

// KeywordAnalysis is the trend data for one keyword.
type KeywordAnalysis struct {
	Keyword     string   `json:"keyword"`
	Volume      int      `json:"volume"`
	Competition float64  `json:"competition"`
	Related     []string `json:"related_keywords,omitempty"`
}

// Content is a finished piece ready for publishing.
type Content struct {
	Keyword  string   `json:"keyword"`
	Title    string   `json:"title,omitempty"`
	Body     string   `json:"body"`
	Caption  string   `json:"caption,omitempty"`
	MediaRef string   `json:"media_ref,omitempty"`
	Hashtags []string `json:"hashtags,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Category string   `json:"category,omitempty"`
}

// Receipt is what a platform returns for a post.
type Receipt struct {
	RemoteID    string     `json:"remote_id"`
	URL         string     `json:"url,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Analyzer looks up keyword trends.
type Analyzer interface {
	Analyze(ctx context.Context, keyword string, platform schedule.Platform) (*KeywordAnalysis, error)
}

// Generator produces content for a keyword.
type Generator interface {
	Generate(ctx context.Context, keyword, template string, params schedule.Params) (*Content, error)
}

// Publisher posts content now or at a later instant.
type Publisher interface {
	Publish(ctx context.Context, platform schedule.Platform, content *Content) (*Receipt, error)
	Schedule(ctx context.Context, platform schedule.Platform, content *Content, at time.Time) (*Receipt, error)
}
