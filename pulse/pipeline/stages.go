package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/pulse/schedule"
)

// AnalyzeStage queries every candidate keyword and keeps the one with the
// highest search volume. Social jobs use their hashtags as candidates.
type AnalyzeStage struct {
	Analyzer Analyzer
}

func (s *AnalyzeStage) Name() StageName { return StageAnalyze }

func (s *AnalyzeStage) Run(ctx context.Context, in Input) Result {
	candidates := in.Params.Keywords()
	if in.Platform == schedule.PlatformSocial {
		candidates = nil
		for _, tag := range in.Params.Hashtags() {
			candidates = append(candidates, strings.TrimLeft(tag, "#"))
		}
	}
	if len(candidates) == 0 {
		return TerminalFailure(errors.NewValidationError("no keywords to analyze"))
	}

	var best *KeywordAnalysis
	for _, kw := range candidates {
		a, err := s.Analyzer.Analyze(ctx, kw, in.Platform)
		if err != nil {
			return Classify(errors.Wrapf(err, "analyze %q", kw))
		}
		if a == nil {
			continue
		}
		if best == nil || a.Volume > best.Volume {
			best = a
		}
	}
	if best == nil {
		return TerminalFailure(errors.NewValidationError("analyzer returned no data"))
	}
	return Succeeded(best, "")
}

// GenerateStage writes content for the analyzed keyword.
type GenerateStage struct {
	Generator Generator
}

func (s *GenerateStage) Name() StageName { return StageGenerate }

func (s *GenerateStage) Run(ctx context.Context, in Input) Result {
	var analysis KeywordAnalysis
	if err := DecodeOutput(in, StageAnalyze, &analysis); err != nil {
		return TerminalFailure(err)
	}

	content, err := s.Generator.Generate(ctx, analysis.Keyword, in.Params.Template(), in.Params)
	if err != nil {
		return Classify(errors.Wrapf(err, "generate for %q", analysis.Keyword))
	}
	if content == nil || strings.TrimSpace(content.Body) == "" {
		return TerminalFailure(errors.NewValidationError("generator returned empty content"))
	}
	if content.Keyword == "" {
		content.Keyword = analysis.Keyword
	}
	if in.Platform == schedule.PlatformSocial && len(content.Hashtags) == 0 {
		content.Hashtags = in.Params.Hashtags()
	}
	return Succeeded(content, "")
}

// PublishStage posts the generated content, or schedules it when the job
// sets a publish delay. It is skipped unless the job opts in to publishing.
type PublishStage struct {
	Publisher Publisher
	Now       func() time.Time
}

func (s *PublishStage) Name() StageName { return StagePublish }

func (s *PublishStage) Skip(in Input) (string, bool) {
	if in.Params.AutoPublish(in.Platform) {
		return "", false
	}
	return schedule.ResultDraft, true
}

func (s *PublishStage) Run(ctx context.Context, in Input) Result {
	var content Content
	if err := DecodeOutput(in, StageGenerate, &content); err != nil {
		return TerminalFailure(err)
	}

	var (
		receipt *Receipt
		err     error
	)
	if delay := in.Params.Int(schedule.ParamPublishDelay); delay > 0 {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		receipt, err = s.Publisher.Schedule(ctx, in.Platform, &content, now().Add(time.Duration(delay)*time.Minute))
	} else {
		receipt, err = s.Publisher.Publish(ctx, in.Platform, &content)
	}
	if err != nil {
		return Classify(errors.Wrap(err, "publish"))
	}
	if receipt == nil || receipt.RemoteID == "" {
		return TerminalFailure(errors.NewValidationError("publisher returned no remote id"))
	}
	return Succeeded(receipt, receipt.RemoteID)
}

// Collaborators bundles the three external providers.
type Collaborators struct {
	Analyzer  Analyzer
	Generator Generator
	Publisher Publisher
}

// Stages returns the standard analyze, generate, publish pipeline.
func Stages(c Collaborators) []Stage {
	return []Stage{
		&AnalyzeStage{Analyzer: c.Analyzer},
		&GenerateStage{Generator: c.Generator},
		&PublishStage{Publisher: c.Publisher},
	}
}
