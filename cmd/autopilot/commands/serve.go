package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/contentops/autopilot/am"
	"github.com/contentops/autopilot/dashboard"
	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/logger"
	"github.com/contentops/autopilot/provider"
	"github.com/contentops/autopilot/pulse/pipeline"
	"github.com/contentops/autopilot/pulse/schedule"
	"github.com/contentops/autopilot/server"
)

// ServeCmd runs the scheduler daemon.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: logger.SymPulse + " Run the scheduler, executor and HTTP API",
	Long: logger.SymPulse + ` Run the scheduler daemon in the foreground.

On start, runs left unfinished by a previous process are marked failed and
every job's next run is recomputed from now; missed fires are not replayed.
On SIGINT/SIGTERM the loop stops dispatching and waits up to
scheduler.drain_timeout_seconds for in-flight runs.

Editing the config file while running applies new executor retry settings
without a restart.`,
	RunE: runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := current
	log := logger.Logger

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	collaborators, err := provider.New(cfg.Providers, log)
	if err != nil {
		return err
	}
	executor := pipeline.NewExecutor(st.runs, pipeline.Stages(collaborators), policyFor(cfg.Executor), log)

	ticker := schedule.NewTicker(st.registry, st.runs, executor, schedule.TickerConfig{
		Interval:     cfg.TickInterval(),
		DrainTimeout: cfg.DrainTimeout(),
	}, log)

	port := cfg.GetServerPort()
	if servePort != 0 {
		port = servePort
	}
	dash := dashboard.New(st.registry.Store(), st.runs, ticker)
	srv := server.New(st.registry, dash, server.Options{
		Port:           port,
		AllowedOrigins: cfg.GetServerAllowedOrigins(),
	}, log)
	executor.AddObserver(srv.Hub())
	ticker.AddObserver(srv.Hub())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.AddPulseOpenSymbol(log).Infow("Starting autopilot",
		"config", orDash(configFile()),
		"database", cfg.GetDatabasePath(),
		"providers", cfg.Providers.Mode,
		"tick_interval", cfg.TickInterval(),
		"port", port)

	if err := ticker.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.AddPulseCloseSymbol(log).Infow("Stopping scheduler, draining in-flight runs",
			"drain_timeout", cfg.DrainTimeout())
		ticker.Stop()
		return nil
	})

	if path := configFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			log.Warnw("Config hot reload disabled", logger.FieldFile, path, logger.FieldError, err)
		} else {
			watcher.OnReload(func(next *am.Config) error {
				executor.SetPolicy(policyFor(next.Executor))
				return nil
			})
			watcher.Start()
			am.SetGlobalWatcher(watcher)
			g.Go(func() error {
				<-gctx.Done()
				return watcher.Stop()
			})
		}
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.AddPulseCloseSymbol(log).Infow("autopilot stopped")
	return nil
}
