package provider

import (
	"context"
	"strings"
	"time"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/pulse/pipeline"
	"github.com/contentops/autopilot/pulse/schedule"
)

const (
	pathAnalyze  = "/v1/keywords/analyze"
	pathGenerate = "/v1/content/generate"
	pathPosts    = "/v1/posts"
)

// KeywordClient implements pipeline.Analyzer against the keyword service.
type KeywordClient struct{ c *Client }

func NewKeywordClient(c *Client) *KeywordClient { return &KeywordClient{c: c} }

type analyzeRequest struct {
	Keyword  string `json:"keyword"`
	Platform string `json:"platform"`
}

func (k *KeywordClient) Analyze(ctx context.Context, keyword string, platform schedule.Platform) (*pipeline.KeywordAnalysis, error) {
	var out pipeline.KeywordAnalysis
	if err := k.c.Post(ctx, pathAnalyze, analyzeRequest{Keyword: keyword, Platform: string(platform)}, &out); err != nil {
		return nil, err
	}
	if out.Keyword == "" {
		out.Keyword = keyword
	}
	if out.Volume < 0 {
		return nil, errors.NewValidationError("%s: negative volume for %q", k.c.name, keyword)
	}
	return &out, nil
}

// ContentClient implements pipeline.Generator against the content service.
type ContentClient struct{ c *Client }

func NewContentClient(c *Client) *ContentClient { return &ContentClient{c: c} }

type generateRequest struct {
	Keyword    string   `json:"keyword"`
	Template   string   `json:"template,omitempty"`
	ImageStyle string   `json:"image_style,omitempty"`
	Category   string   `json:"category,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

func (g *ContentClient) Generate(ctx context.Context, keyword, template string, params schedule.Params) (*pipeline.Content, error) {
	req := generateRequest{
		Keyword:    keyword,
		Template:   template,
		ImageStyle: params.String(schedule.ParamImageStyle),
		Category:   params.String(schedule.ParamCategory),
		Tags:       params.Strings(schedule.ParamTags),
	}
	var out pipeline.Content
	if err := g.c.Post(ctx, pathGenerate, req, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Body) == "" && strings.TrimSpace(out.Caption) == "" {
		return nil, errors.NewValidationError("%s: empty content for %q", g.c.name, keyword)
	}
	if out.Keyword == "" {
		out.Keyword = keyword
	}
	return &out, nil
}

// PublishClient implements pipeline.Publisher against the publishing service.
type PublishClient struct{ c *Client }

func NewPublishClient(c *Client) *PublishClient { return &PublishClient{c: c} }

type postRequest struct {
	Platform    string            `json:"platform"`
	Content     *pipeline.Content `json:"content"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
}

func (p *PublishClient) Publish(ctx context.Context, platform schedule.Platform, content *pipeline.Content) (*pipeline.Receipt, error) {
	return p.post(ctx, postRequest{Platform: string(platform), Content: content})
}

func (p *PublishClient) Schedule(ctx context.Context, platform schedule.Platform, content *pipeline.Content, at time.Time) (*pipeline.Receipt, error) {
	at = at.UTC()
	return p.post(ctx, postRequest{Platform: string(platform), Content: content, ScheduledAt: &at})
}

func (p *PublishClient) post(ctx context.Context, req postRequest) (*pipeline.Receipt, error) {
	if req.Content == nil {
		return nil, errors.NewValidationError("%s: nothing to publish", p.c.name)
	}
	var out pipeline.Receipt
	if err := p.c.Post(ctx, pathPosts, req, &out); err != nil {
		return nil, err
	}
	if out.RemoteID == "" {
		return nil, errors.NewValidationError("%s: response carried no remote id", p.c.name)
	}
	return &out, nil
}
