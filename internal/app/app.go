// Package app initializes and holds long-lived application services, acting
// as the composition root for the crawlmux server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/api"
	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/config"
	"github.com/crawlmux/crawlmux/internal/engine/collyengine"
	"github.com/crawlmux/crawlmux/internal/export"
	"github.com/crawlmux/crawlmux/internal/jobs"
	"github.com/crawlmux/crawlmux/internal/logging"
	"github.com/crawlmux/crawlmux/internal/metrics"
	"github.com/crawlmux/crawlmux/internal/sched"
	"github.com/crawlmux/crawlmux/internal/store"
	"github.com/crawlmux/crawlmux/internal/store/memory"
	"github.com/crawlmux/crawlmux/internal/store/postgres"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and owns their shutdown order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	db        *postgres.DB
	jobStore  store.JobStore
	pageStore store.PageStore
	siteStore store.SiteStore

	bus       *bus.Bus
	registry  *jobs.Registry
	exporter  *export.Exporter
	scheduler *sched.Scheduler
	server    *api.Server
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the in-process job registry.
func (a *App) Registry() *jobs.Registry { return a.registry }

// Handler returns the HTTP handler serving the REST and websocket surface.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// New builds the full service graph from configuration. It fails fast if the
// database is configured but unreachable; with no DSN it falls back to the
// in-memory stores.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	if cfg.DB.DSN != "" {
		db, err := postgres.Connect(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: cfg.ConnLifetime(),
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		a.db = db
		a.jobStore = db.Jobs()
		a.pageStore = db.Pages()
		a.siteStore = db.Sites()
		logger.Info("connected to postgres")
	} else {
		a.jobStore = memory.NewJobStore()
		a.pageStore = memory.NewPageStore()
		a.siteStore = memory.NewSiteStore()
		logger.Info("using in-memory stores, documents will not survive restarts")
	}

	a.bus = bus.New(logger)
	a.registry = jobs.NewRegistry(jobs.Config{
		Bus:            a.bus,
		DefaultFactory: collyengine.Factory(logger),
		BaseSettings:   cfg.BaseSettings(),
		MaxFinished:    cfg.Jobs.MaxFinished,
		Logger:         logger,
	})
	a.exporter = export.New(a.bus, a.jobStore, a.pageStore, a.registry, logger)

	if cfg.Scheduler.Enabled {
		a.scheduler = sched.New(sched.Config{
			Sites:        a.siteStore,
			Starter:      a.registry,
			SyncInterval: cfg.SyncInterval(),
			Logger:       logger,
		})
	}

	a.server = api.NewServer(a.registry, a.jobStore, a.pageStore, a.bus, logger)
	a.server.SetSessionPollBackoff(cfg.PollBackoff())
	a.server.SetSessionMaxMessageSize(cfg.Session.MaxMessageSizeBytes)

	return a, nil
}

// Run resumes unfinished jobs, starts the scheduler and serves HTTP until
// ctx is cancelled, then drains everything in reverse order.
func (a *App) Run(ctx context.Context) error {
	if err := a.registry.Resume(ctx, a.jobStore); err != nil {
		a.logger.Warn("resume of unfinished jobs failed", zap.Error(err))
	}

	if a.scheduler != nil {
		go a.scheduler.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	a.stopLiveJobs(shutdownCtx)
	return nil
}

// stopLiveJobs asks every non-terminal job to stop so the exporter records a
// shutdown status that Resume picks up on the next start.
func (a *App) stopLiveJobs(ctx context.Context) {
	for _, rec := range a.registry.Jobs() {
		if rec.State == jobs.StateFinished || rec.State == jobs.StateUnknown {
			continue
		}
		if err := a.registry.StopJob(ctx, rec.ID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			a.logger.Warn("stopping job on shutdown failed",
				zap.Int64("job_id", rec.ID), zap.Error(err))
		}
	}
}

// Close releases held resources. Call after Run returns.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}
