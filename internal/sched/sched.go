// Package sched starts periodic re-crawls of configured sites. Schedules are
// standard five-field cron expressions stored on site documents; the
// scheduler re-reads the collection on an interval so added, removed or
// edited sites are picked up without a restart.
package sched

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/jobs"
	"github.com/crawlmux/crawlmux/internal/store"
)

// DefaultSyncInterval is how often the site collection is re-read.
const DefaultSyncInterval = 30 * time.Second

// starter is the slice of the registry the scheduler drives.
type starter interface {
	StartJob(ctx context.Context, seed string, args map[string]string, settings map[string]any) (*jobs.Record, error)
}

// Config collects scheduler dependencies.
type Config struct {
	Sites        store.SiteStore
	Starter      starter
	SyncInterval time.Duration
	Logger       *zap.Logger
}

// Scheduler fires crawl jobs for site documents whose next run time has
// arrived.
type Scheduler struct {
	sites  store.SiteStore
	start  starter
	every  time.Duration
	parser cron.Parser
	logger *zap.Logger
	now    func() time.Time
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		sites:  cfg.Sites,
		start:  cfg.Starter,
		every:  cfg.SyncInterval,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Run blocks, syncing the site collection once per interval, until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	s.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

// sync walks the site collection once: invalid schedules are flagged, due
// sites are started, and next fire times are recomputed.
func (s *Scheduler) sync(ctx context.Context) {
	sites, err := s.sites.Find(ctx)
	if err != nil {
		s.logger.Warn("site collection unavailable", zap.Error(err))
		return
	}
	for _, site := range sites {
		if site.Schedule == "" {
			continue
		}
		s.syncSite(ctx, site)
	}
}

func (s *Scheduler) syncSite(ctx context.Context, site store.SiteDoc) {
	schedule, err := s.parser.Parse(site.Schedule)
	if err != nil {
		// Flag it once instead of retrying a broken expression forever.
		if site.ScheduleValid {
			s.logger.Warn("unparseable site schedule",
				zap.String("url", site.URL),
				zap.String("schedule", site.Schedule),
				zap.Error(err),
			)
			s.patch(ctx, site.ID, map[string]any{"schedule_valid": false})
		}
		return
	}

	now := s.now()
	if site.NextRunAt == nil {
		next := schedule.Next(now)
		s.patch(ctx, site.ID, map[string]any{
			"schedule_valid": true,
			"next_run_at":    next,
		})
		return
	}
	if now.Before(*site.NextRunAt) {
		if !site.ScheduleValid {
			s.patch(ctx, site.ID, map[string]any{"schedule_valid": true})
		}
		return
	}

	args := map[string]string{}
	if site.Engine != "" {
		args["engine"] = site.Engine
	}
	rec, err := s.start.StartJob(ctx, site.URL, args, nil)
	switch {
	case err != nil:
		s.logger.Error("scheduled start failed", zap.String("url", site.URL), zap.Error(err))
	case rec == nil:
		s.logger.Warn("scheduled start declined", zap.String("url", site.URL))
	default:
		s.logger.Info("scheduled crawl started",
			zap.String("url", site.URL),
			zap.Int64("job_id", rec.ID),
		)
	}

	next := schedule.Next(now)
	s.patch(ctx, site.ID, map[string]any{
		"schedule_valid": true,
		"next_run_at":    next,
	})
}

func (s *Scheduler) patch(ctx context.Context, id store.DocID, fields map[string]any) {
	if err := s.sites.Update(ctx, id, fields); err != nil {
		s.logger.Warn("site update failed", zap.Int64("site_id", int64(id)), zap.Error(err))
	}
}
