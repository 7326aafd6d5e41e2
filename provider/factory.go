package provider

import (
	"time"

	"go.uber.org/zap"

	"github.com/contentops/autopilot/am"
	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/pulse/pipeline"
)

// New builds the pipeline collaborators for the configured mode.
func New(cfg am.ProvidersConfig, log *zap.SugaredLogger) (pipeline.Collaborators, error) {
	switch cfg.Mode {
	case "", am.ProviderModeLoopback:
		lb := NewLoopback()
		log.Infow("Using loopback providers")
		return pipeline.Collaborators{Analyzer: lb, Generator: lb, Publisher: lb}, nil
	case am.ProviderModeHTTP:
	default:
		return pipeline.Collaborators{}, errors.NewConfigurationError("unknown provider mode %q", cfg.Mode)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	build := func(name string, ep am.EndpointConfig) (*Client, error) {
		return NewClient(ClientConfig{
			Name:              name,
			BaseURL:           ep.BaseURL,
			APIKey:            ep.APIKey,
			Timeout:           timeout,
			RequestsPerMinute: cfg.RequestsPerMinute,
		}, log)
	}

	kw, err := build("keyword", cfg.Keyword)
	if err != nil {
		return pipeline.Collaborators{}, err
	}
	content, err := build("content", cfg.Content)
	if err != nil {
		return pipeline.Collaborators{}, err
	}
	publish, err := build("publish", cfg.Publish)
	if err != nil {
		return pipeline.Collaborators{}, err
	}

	return pipeline.Collaborators{
		Analyzer:  NewKeywordClient(kw),
		Generator: NewContentClient(content),
		Publisher: NewPublishClient(publish),
	}, nil
}
