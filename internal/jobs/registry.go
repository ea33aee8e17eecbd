// Package jobs owns crawl job identity and lifecycle: the registry that
// starts, stops, pauses and lists jobs, and the aggregator that re-publishes
// each engine's raw signals as uniform process-wide signals tagged with the
// owning job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/engine"
	"github.com/crawlmux/crawlmux/internal/metrics"
	"github.com/crawlmux/crawlmux/internal/store"
)

// ErrNotFound signals an operation referenced a job id that was never issued
// or has aged out of the finished list.
var ErrNotFound = errors.New("job not found")

// ErrIllegalState signals a lifecycle transition that the state machine
// forbids, e.g. pausing a stopping job.
var ErrIllegalState = errors.New("illegal job state transition")

// spiderScheme prefixes seeds that select a named handler instead of the
// default website crawler.
const spiderScheme = "spider://"

const defaultMaxFinished = 100

// Config collects registry dependencies.
type Config struct {
	// Bus is the process-wide signal bus aggregated signals are published on.
	Bus *bus.Bus
	// DefaultFactory builds engines for plain URL seeds.
	DefaultFactory engine.Factory
	// BaseSettings are engine defaults; caller overrides win on merge.
	BaseSettings map[string]any
	// MaxFinished bounds the retained terminal snapshots (default 100).
	MaxFinished int
	Logger      *zap.Logger
}

type liveJob struct {
	record Record
	eng    engine.Engine
}

// Registry owns the set of live crawl jobs. All three shared collections
// (live jobs, finished snapshots, paused ids) are guarded by one mutex; the
// access pattern is low-contention and signal callbacks take the same lock as
// API calls.
type Registry struct {
	cfg    Config
	logger *zap.Logger
	nextID atomic.Int64

	mu        sync.Mutex
	live      map[int64]*liveJob
	finished  []Record
	finishedM map[int64]struct{}
	paused    map[int64]struct{}
	factories map[string]engine.Factory
}

// NewRegistry constructs a Registry and connects its terminal-state listener
// to the bus, so closed engines are folded into the finished list before any
// later-connected listener observes the close.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxFinished <= 0 {
		cfg.MaxFinished = defaultMaxFinished
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:       cfg,
		logger:    logger,
		live:      make(map[int64]*liveJob),
		finishedM: make(map[int64]struct{}),
		paused:    make(map[int64]struct{}),
		factories: make(map[string]engine.Factory),
	}
	cfg.Bus.Connect(SigSpiderClosed, (*closedListener)(r))
	return r
}

// RegisterSpider makes a named handler resolvable via "spider://name" seeds.
func (r *Registry) RegisterSpider(name string, factory engine.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// StartJob resolves a handler for seed, allocates a job id, wires the
// engine's raw signals into the aggregator and starts the engine. A nil
// record with a nil error means no handler resolved for the seed: the start
// was declined, which is not an error condition.
func (r *Registry) StartJob(
	ctx context.Context,
	seed string,
	args map[string]string,
	settings map[string]any,
) (*Record, error) {
	factory := r.resolveFactory(seed)
	if factory == nil {
		r.logger.Info("no handler for seed, start declined", zap.String("seed", seed))
		return nil, nil
	}

	id := r.nextID.Add(1)
	merged := engine.MergeSettings(r.cfg.BaseSettings, settings)
	eng, err := factory(engine.Spec{
		CrawlID:  id,
		Seed:     seed,
		Args:     args,
		Settings: merged,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine for %q: %w", seed, err)
	}

	record := Record{
		ID:    id,
		Seed:  seed,
		State: StateUnknown,
		StartOptions: store.StartOptions{
			Seed:     seed,
			Args:     args,
			Settings: settings,
		},
	}

	// Raw signals must be wired before the engine starts so no early
	// emission is lost.
	fw := &forwarder{registry: r, jobID: id}
	for _, raw := range engine.AllRawSignals {
		eng.Signals().Connect(raw.Signal(), fw)
	}

	r.mu.Lock()
	r.live[id] = &liveJob{record: record, eng: eng}
	metrics.SetLiveJobs(len(r.live))
	r.mu.Unlock()

	if err := eng.Start(ctx); err != nil {
		r.logger.Error("engine start failed", zap.Int64("job_id", id), zap.Error(err))
	}

	snapshot := r.snapshot(id)
	if snapshot == nil {
		// The engine finished during Start; serve the terminal snapshot.
		if rec, err := r.GetJob(id); err == nil {
			return &rec, nil
		}
		return &record, nil
	}
	return snapshot, nil
}

// StopJob initiates shutdown of a job. Stopping an already-stopping or
// already-finished job is a no-op, because UI actions race each other and
// race natural completion.
func (r *Registry) StopJob(ctx context.Context, id int64) error {
	r.mu.Lock()
	lj, isLive := r.live[id]
	_, isFinished := r.finishedM[id]
	r.mu.Unlock()

	if isFinished {
		return nil
	}
	if !isLive {
		return ErrNotFound
	}
	if err := lj.eng.Stop(ctx); err != nil {
		return fmt.Errorf("stop job %d: %w", id, err)
	}
	return nil
}

// PauseJob transitions a crawling job to suspended.
func (r *Registry) PauseJob(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lj, ok := r.live[id]
	if !ok {
		return ErrNotFound
	}
	if !lj.eng.Crawling() {
		return fmt.Errorf("pause job %d while stopping: %w", id, ErrIllegalState)
	}
	r.paused[id] = struct{}{}
	lj.eng.Pause()
	return nil
}

// ResumeJob transitions a suspended job back to crawling.
func (r *Registry) ResumeJob(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lj, ok := r.live[id]
	if !ok {
		return ErrNotFound
	}
	if !lj.eng.Crawling() {
		return fmt.Errorf("resume job %d while stopping: %w", id, ErrIllegalState)
	}
	delete(r.paused, id)
	lj.eng.Unpause()
	return nil
}

// GetJob returns the current snapshot for id, live or finished.
func (r *Registry) GetJob(id int64) (Record, error) {
	if snap := r.snapshot(id); snap != nil {
		return *snap, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.finished {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

// Jobs returns the consistent all-jobs view: live jobs unioned with retained
// finished snapshots. A job that finished between internal reads appears only
// once; the finished entry wins.
func (r *Registry) Jobs() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.live)+len(r.finished))
	for id, lj := range r.live {
		if _, done := r.finishedM[id]; done {
			continue
		}
		out = append(out, r.snapshotLocked(lj))
	}
	out = append(out, r.finished...)
	return out
}

// SetPersistentID records the store-assigned document id once the export
// path has created the backing document.
func (r *Registry) SetPersistentID(id int64, docID store.DocID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lj, ok := r.live[id]; ok {
		lj.record.PersistentID = docID
	}
}

// Resume restarts jobs whose persisted status says they were active when the
// process previously exited. Records missing their start options are skipped
// with a warning.
func (r *Registry) Resume(ctx context.Context, jobStore store.JobStore) error {
	docs, err := jobStore.Find(ctx, store.JobQuery{
		Statuses: []string{store.JobStatusRunning, store.JobStatusShutdown},
	})
	if err != nil {
		return fmt.Errorf("load unfinished jobs: %w", err)
	}
	for _, doc := range docs {
		if doc.Options == nil {
			r.logger.Warn("unfinished job has no start options, skipping",
				zap.Int64("crawl_id", doc.CrawlID),
				zap.String("seed", doc.Seed),
			)
			continue
		}
		rec, err := r.StartJob(ctx, doc.Options.Seed, doc.Options.Args, doc.Options.Settings)
		if err != nil {
			r.logger.Error("resume failed", zap.String("seed", doc.Seed), zap.Error(err))
			continue
		}
		if rec == nil {
			r.logger.Warn("resume declined, handler no longer resolves",
				zap.String("seed", doc.Seed))
			continue
		}
		r.logger.Info("resumed unfinished job",
			zap.Int64("job_id", rec.ID),
			zap.String("seed", doc.Seed),
		)
	}
	return nil
}

func (r *Registry) resolveFactory(seed string) engine.Factory {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := strings.CutPrefix(seed, spiderScheme); ok {
		return r.factories[name]
	}
	return r.cfg.DefaultFactory
}

// snapshot returns the live snapshot for id, or nil if not live.
func (r *Registry) snapshot(id int64) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	lj, ok := r.live[id]
	if !ok {
		return nil
	}
	rec := r.snapshotLocked(lj)
	return &rec
}

func (r *Registry) snapshotLocked(lj *liveJob) Record {
	rec := lj.record
	rec.State = r.stateLocked(lj)
	rec.Stats = lj.eng.Stats().All()
	if spider := lj.eng.Spider(); spider != nil {
		rec.Flags = spider.Flags
	}
	downloads := lj.eng.Downloads()
	rec.Downloads = &downloads
	return rec
}

// stateLocked derives the lifecycle state. The not-crawling check comes
// before the paused-set lookup: a paused job that was then told to stop must
// read as stopping, not suspended.
func (r *Registry) stateLocked(lj *liveJob) State {
	if lj.eng.Spider() == nil {
		return StateUnknown
	}
	if !lj.eng.Crawling() {
		return StateStopping
	}
	if _, paused := r.paused[lj.record.ID]; paused {
		return StateSuspended
	}
	return StateCrawling
}

// finalize retains the terminal snapshot and drops the job from the live
// set. It converges with concurrent stop requests: a second call for the
// same id is a no-op, so the finished list never holds duplicate entries.
func (r *Registry) finalize(id int64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.finishedM[id]; done {
		return
	}
	lj, ok := r.live[id]
	if !ok {
		return
	}

	rec := lj.record
	rec.State = StateFinished
	rec.Reason = reason
	rec.Stats = lj.eng.Stats().All()
	rec.Downloads = nil

	r.finishedM[id] = struct{}{}
	r.finished = append([]Record{rec}, r.finished...)
	if len(r.finished) > r.cfg.MaxFinished {
		aged := r.finished[len(r.finished)-1]
		r.finished = r.finished[:len(r.finished)-1]
		delete(r.finishedM, aged.ID)
	}
	delete(r.live, id)
	delete(r.paused, id)
	metrics.JobFinished(reason)
	metrics.SetLiveJobs(len(r.live))
}

// refOf resolves the signal payload identity for a job, live or finished.
func (r *Registry) refOf(id int64) Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lj, ok := r.live[id]; ok {
		return lj.record.Ref()
	}
	for _, rec := range r.finished {
		if rec.ID == id {
			return rec.Ref()
		}
	}
	return Ref{ID: id}
}

// closedListener folds engine close signals into the finished list. It is a
// distinct type so the registry's own bus registration cannot collide with
// listeners layered on top.
type closedListener Registry

func (l *closedListener) OnSignal(_ context.Context, _ bus.Signal, payload any) error {
	evt, ok := payload.(Event)
	if !ok {
		return nil
	}
	reason := ""
	if info, ok := evt.Data.(engine.CloseInfo); ok {
		reason = info.Reason
	}
	(*Registry)(l).finalize(evt.Job.ID, reason)
	return nil
}
