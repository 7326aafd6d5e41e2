// Package server exposes the scheduler over HTTP: job management, run
// history, success-rate stats and a websocket stream of run transitions.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/contentops/autopilot/dashboard"
	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/logger"
	"github.com/contentops/autopilot/pulse/schedule"
)

const (
	maxBodyBytes      = 1 << 20
	defaultRunLimit   = 20
	maxRunLimit       = 200
	ShutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// JobRegistry is the write side the API drives.
type JobRegistry interface {
	Register(ctx context.Context, def schedule.Definition) (*schedule.Job, error)
	Get(ctx context.Context, jobID string) (*schedule.Job, error)
	Enable(ctx context.Context, jobID string) (*schedule.Job, error)
	Disable(ctx context.Context, jobID string) (*schedule.Job, error)
	Delete(ctx context.Context, jobID string) error
}

// Options configures the listener and origin checks.
type Options struct {
	Port           int
	AllowedOrigins []string
}

// Server is the HTTP API.
type Server struct {
	registry JobRegistry
	dash     *dashboard.Dashboard
	hub      *RunHub
	opts     Options
	logger   *zap.SugaredLogger
	handler  http.Handler
}

// New wires the API. The returned server's Hub should be added as a run
// observer so websocket clients see transitions.
func New(registry JobRegistry, dash *dashboard.Dashboard, opts Options, log *zap.SugaredLogger) *Server {
	s := &Server{
		registry: registry,
		dash:     dash,
		opts:     opts,
		logger:   log.With(logger.FieldComponent, "server"),
	}
	s.hub = NewRunHub(s.checkOrigin, s.logger)
	s.handler = s.routes()
	return s
}

// Hub returns the websocket broadcaster.
func (s *Server) Hub() *RunHub { return s.hub }

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.opts.Port)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", logger.FieldAddress, ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	s.logger.Infow("Shutting down HTTP server")
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}
