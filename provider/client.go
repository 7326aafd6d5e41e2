// Package provider adapts the external keyword, content and publishing
// services to the pipeline's collaborator interfaces.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/logger"
)

const (
	maxRedirects    = 5
	maxErrorBody    = 4 << 10
	defaultTimeout  = 30 * time.Second
	headerRequestID = "X-Request-ID"
)

// ClientConfig configures one collaborator endpoint.
type ClientConfig struct {
	Name              string // for logs and error messages
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int // 0 = unlimited
	HTTPClient        *http.Client
}

// Client speaks JSON to a collaborator service. Failures are classified
// into the error taxonomy so the executor knows what to retry.
type Client struct {
	name    string
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewClient validates cfg and builds a client.
func NewClient(cfg ClientConfig, log *zap.SugaredLogger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.NewConfigurationError("%s base url: %v", cfg.Name, err)
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return nil, errors.NewConfigurationError("%s base url: scheme %q not allowed", cfg.Name, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.NewConfigurationError("%s base url: missing host", cfg.Name)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if httpClient.CheckRedirect == nil {
		httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Newf("stopped after %d redirects", maxRedirects)
			}
			if req.URL.Host != u.Host {
				return errors.Newf("redirect to %s blocked", req.URL.Host)
			}
			return nil
		}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}

	return &Client{
		name:    cfg.Name,
		baseURL: u,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: limiter,
		log:     log.With(logger.FieldComponent, "provider."+cfg.Name),
	}, nil
}

// Post sends in as JSON to path and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			// Wait fails when the deadline would pass before a token frees up
			return errors.MarkProvider(err, c.name+": rate limit wait")
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return errors.NewValidationError("%s: encode request: %v", c.name, err)
	}

	endpoint := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return errors.NewValidationError("%s: build request: %v", c.name, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerRequestID, requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "%s %s", c.name, path)
		}
		return errors.MarkProvider(err, c.name+": request failed")
	}
	defer resp.Body.Close()

	c.log.Debugw("Provider call",
		logger.FieldPath, path,
		logger.FieldStatus, resp.StatusCode,
		logger.FieldRequestID, requestID,
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewValidationError("%s: malformed response: %v", c.name, err)
	}
	return nil
}

// statusError maps an HTTP failure onto the error taxonomy.
func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Message != "" {
			msg = payload.Message
		} else if payload.Error != "" {
			msg = payload.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.NewAuthError("%s: %d %s", c.name, code, msg)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return errors.NewProviderError("%s: %d %s", c.name, code, msg)
	default:
		return errors.NewValidationError("%s: %d %s", c.name, code, msg)
	}
}
