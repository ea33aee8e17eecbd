// Package export persists crawl activity. The exporter listens on the
// aggregated signal bus and writes job documents, page documents and stats
// updates to the configured stores; storage failures degrade to log lines so
// crawling continues when the database is down.
package export

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/engine"
	"github.com/crawlmux/crawlmux/internal/jobs"
	"github.com/crawlmux/crawlmux/internal/metrics"
	"github.com/crawlmux/crawlmux/internal/store"
)

// jobSource is the slice of the registry the exporter needs: snapshots for
// start options, and the persistent-id backlink once a document exists.
type jobSource interface {
	GetJob(id int64) (jobs.Record, error)
	SetPersistentID(id int64, docID store.DocID)
}

// Exporter writes crawl activity to the job and page stores.
type Exporter struct {
	jobs   store.JobStore
	pages  store.PageStore
	source jobSource
	logger *zap.Logger
	now    func() time.Time
}

// New constructs an Exporter and connects it to the aggregated signals it
// consumes. Connect happens here so callers cannot wire a partial set.
func New(b *bus.Bus, jobStore store.JobStore, pageStore store.PageStore, source jobSource, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Exporter{
		jobs:   jobStore,
		pages:  pageStore,
		source: source,
		logger: logger,
		now:    time.Now,
	}
	b.Connect(jobs.SigSpiderOpened, e)
	b.Connect(jobs.SigStatsChanged, e)
	b.Connect(jobs.SigItemScraped, e)
	b.Connect(jobs.SigSpiderClosed, e)
	return e
}

// OnSignal implements bus.Listener.
func (e *Exporter) OnSignal(ctx context.Context, sig bus.Signal, payload any) error {
	switch sig.Name {
	case jobs.SigSpiderOpened.Name:
		if evt, ok := payload.(jobs.Event); ok {
			e.onOpened(ctx, evt)
		}
	case jobs.SigStatsChanged.Name:
		if evt, ok := payload.(jobs.StatsEvent); ok {
			e.onStats(ctx, evt)
		}
	case jobs.SigItemScraped.Name:
		if evt, ok := payload.(jobs.Event); ok {
			e.onItem(ctx, evt)
		}
	case jobs.SigSpiderClosed.Name:
		if evt, ok := payload.(jobs.Event); ok {
			e.onClosed(ctx, evt)
		}
	}
	return nil
}

// onOpened creates the backing job document and links its id back into the
// registry, so every later signal for the job carries the persistent id.
func (e *Exporter) onOpened(ctx context.Context, evt jobs.Event) {
	rec, err := e.source.GetJob(evt.Job.ID)
	if err != nil {
		e.logger.Warn("job vanished before export", zap.Int64("job_id", evt.Job.ID), zap.Error(err))
		return
	}
	now := e.now()
	options := rec.StartOptions
	docID, err := e.jobs.Insert(ctx, store.JobDoc{
		CrawlID:   rec.ID,
		Seed:      rec.Seed,
		Status:    store.JobStatusRunning,
		Options:   &options,
		StartedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		e.logger.Warn("job document insert failed",
			zap.Int64("job_id", evt.Job.ID),
			zap.Error(err),
		)
		return
	}
	e.source.SetPersistentID(evt.Job.ID, docID)
}

func (e *Exporter) onStats(ctx context.Context, evt jobs.StatsEvent) {
	if evt.Job.PersistentID == 0 || len(evt.Changes) == 0 {
		return
	}
	err := e.jobs.Update(ctx, evt.Job.PersistentID, map[string]any{
		"stats":      map[string]any(evt.Changes),
		"updated_at": e.now(),
	})
	if err != nil {
		e.logger.Warn("stats update failed",
			zap.Int64("job_id", evt.Job.ID),
			zap.Error(err),
		)
	}
}

func (e *Exporter) onItem(ctx context.Context, evt jobs.Event) {
	item, ok := evt.Data.(engine.Item)
	if !ok || evt.Job.PersistentID == 0 {
		return
	}
	fetched := item.FetchedAt
	if fetched.IsZero() {
		fetched = e.now()
	}
	_, err := e.pages.Insert(ctx, store.PageDoc{
		JobID:     evt.Job.PersistentID,
		URL:       item.URL,
		Title:     item.Title,
		Body:      item.Body,
		Status:    item.Status,
		FetchedAt: fetched,
	})
	if err != nil {
		e.logger.Warn("page insert failed",
			zap.Int64("job_id", evt.Job.ID),
			zap.String("url", item.URL),
			zap.Error(err),
		)
		return
	}
	metrics.PageExported()
}

// onClosed records the terminal status. A crawl interrupted by process
// shutdown keeps the shutdown status so it is picked up again on restart;
// every other reason marks the job finished.
func (e *Exporter) onClosed(ctx context.Context, evt jobs.Event) {
	if evt.Job.PersistentID == 0 {
		return
	}
	reason := ""
	if info, ok := evt.Data.(engine.CloseInfo); ok {
		reason = info.Reason
	}
	status := store.JobStatusFinished
	if reason == "shutdown" {
		status = store.JobStatusShutdown
	}
	err := e.jobs.Update(ctx, evt.Job.PersistentID, map[string]any{
		"status":     status,
		"reason":     reason,
		"updated_at": e.now(),
	})
	if err != nil {
		e.logger.Warn("job close update failed",
			zap.Int64("job_id", evt.Job.ID),
			zap.Error(err),
		)
	}
}
