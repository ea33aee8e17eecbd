// Package session turns signal-bus and store-tail activity into a filtered,
// throttled outbound stream for one client connection. A Session owns every
// tailer and bus listener it creates and tears all of them down synchronously
// on cancel or close.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/jobs"
	"github.com/crawlmux/crawlmux/internal/metrics"
	"github.com/crawlmux/crawlmux/internal/store"
)

// DefaultMaxMessageSize bounds one serialized outbound message. Oversized
// messages are dropped with a logged notice so one huge page body cannot
// stall the transport.
const DefaultMaxMessageSize = 1 << 20

// Streamed event names.
const (
	EventJobsTailed   = "jobs.tailed"
	EventPagesTailed  = "pages.tailed"
	EventStatsChanged = "stats:changed"
	EventJobsState    = "jobs:state"
)

// ErrClosed is returned by subscribe calls on a closed session.
var ErrClosed = errors.New("session closed")

// Envelope is one streamed message.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Transport delivers envelopes to the client. Send errors are dropped
// silently by the session; the transport's own disconnect path is expected to
// close the session shortly after.
type Transport interface {
	Send(ctx context.Context, msg Envelope) error
}

// registryView is the read-only slice of the registry sessions need.
type registryView interface {
	Jobs() []jobs.Record
}

// Config collects session dependencies.
type Config struct {
	Bus       *bus.Bus
	JobStore  store.JobStore
	PageStore store.PageStore
	Registry  registryView
	Transport Transport
	// PollBackoff overrides the tail poll interval (tests shorten it).
	PollBackoff time.Duration
	Logger      *zap.Logger
}

type subscription struct {
	id     string
	cancel func()
}

// Session is the per-connection aggregation point.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	maxSize int
	subs    map[string]*subscription
	closed  bool
}

// New constructs a Session over an open transport.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = store.DefaultPollBackoff
	}
	metrics.SessionOpened()
	return &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		maxSize: DefaultMaxMessageSize,
		subs:    make(map[string]*subscription),
	}
}

// SetMaxMessageSize reconfigures the outbound size guard.
func (s *Session) SetMaxMessageSize(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes > 0 {
		s.maxSize = bytes
	}
}

// SubscribeToJobs streams job documents whose seed contains any include
// pattern and no exclude pattern. Documents arrive via a store tail; live
// stats changes and close notifications arrive via the bus, filtered to jobs
// the tail has already delivered, because stats change far more often than
// job documents are written and must not trigger document re-reads.
//
// lastJobID semantics follow the tail contract: zero streams new documents
// only, store.FromStart replays history, a positive id resumes after it.
func (s *Session) SubscribeToJobs(
	ctx context.Context,
	include, exclude []string,
	updateDelay time.Duration,
	lastJobID store.DocID,
) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.mu.Unlock()

	id := uuid.NewString()
	allow := &allowList{ids: make(map[int64]struct{})}
	out := newThrottle(updateDelay, s.emit)

	tailer := store.NewTailer(
		func(ctx context.Context, after store.DocID) ([]store.JobDoc, error) {
			return s.cfg.JobStore.Find(ctx, store.JobQuery{
				AfterID:      after,
				SeedContains: include,
				SeedExcludes: exclude,
			})
		},
		func(doc store.JobDoc) store.DocID { return doc.ID },
		s.cfg.JobStore.LastID,
		s.cfg.PollBackoff,
		s.logger,
	)

	onStats := bus.ListenerFunc(func(_ context.Context, _ bus.Signal, payload any) error {
		evt, ok := payload.(jobs.StatsEvent)
		if !ok || !allow.has(evt.Job.ID) {
			return nil
		}
		out.stats(evt.Job.ID, evt.Changes)
		return nil
	})
	onClosed := bus.ListenerFunc(func(_ context.Context, _ bus.Signal, payload any) error {
		evt, ok := payload.(jobs.Event)
		if !ok || !allow.has(evt.Job.ID) {
			return nil
		}
		out.document(EventJobsState, s.cfg.Registry.Jobs())
		return nil
	})
	// Engine heartbeats refresh the jobs snapshot so long-running crawls keep
	// the client's state view current between terminal events.
	onTick := bus.ListenerFunc(func(_ context.Context, _ bus.Signal, payload any) error {
		evt, ok := payload.(jobs.Event)
		if !ok || !allow.has(evt.Job.ID) {
			return nil
		}
		out.document(EventJobsState, s.cfg.Registry.Jobs())
		return nil
	})
	s.cfg.Bus.Connect(jobs.SigStatsChanged, &onStats)
	s.cfg.Bus.Connect(jobs.SigSpiderClosed, &onClosed)
	s.cfg.Bus.Connect(jobs.SigEngineTick, &onTick)

	err := tailer.Subscribe(ctx, lastJobID, func(doc store.JobDoc) {
		allow.add(doc.CrawlID)
		out.document(EventJobsTailed, doc)
	})
	if err != nil {
		s.cfg.Bus.Disconnect(jobs.SigStatsChanged, &onStats)
		s.cfg.Bus.Disconnect(jobs.SigSpiderClosed, &onClosed)
		s.cfg.Bus.Disconnect(jobs.SigEngineTick, &onTick)
		out.stop()
		return "", err
	}

	// Current state goes out immediately so the client renders before the
	// first tail round trip.
	s.emit(EventJobsState, s.cfg.Registry.Jobs())

	sub := &subscription{
		id: id,
		cancel: func() {
			tailer.Unsubscribe()
			s.cfg.Bus.Disconnect(jobs.SigStatsChanged, &onStats)
			s.cfg.Bus.Disconnect(jobs.SigSpiderClosed, &onClosed)
			s.cfg.Bus.Disconnect(jobs.SigEngineTick, &onTick)
			out.stop()
		},
	}
	if err := s.register(sub); err != nil {
		sub.cancel()
		return "", err
	}
	return id, nil
}

// SubscribeToPages streams newly written page documents for jobs whose seed
// matches any of the given URL patterns.
func (s *Session) SubscribeToPages(ctx context.Context, urls []string) (string, error) {
	ids, err := s.SubscribeToPageGroups(ctx, map[string][]string{"": urls})
	if err != nil {
		return "", err
	}
	return ids[""], nil
}

// SubscribeToPageGroups opens one page tail per group and returns the
// per-group subscription ids. Each group's query re-resolves its matching job
// set every poll, so a job that starts matching a pattern after subscribe
// time joins the stream without a resubscribe.
func (s *Session) SubscribeToPageGroups(ctx context.Context, groups map[string][]string) (map[string]string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	result := make(map[string]string, len(groups))
	var created []*subscription
	rollback := func() {
		for _, sub := range created {
			sub.cancel()
			s.unregister(sub.id)
		}
	}

	for group, patterns := range groups {
		tailer := store.NewTailer(
			s.pageFinder(patterns),
			func(doc store.PageDoc) store.DocID { return doc.ID },
			s.cfg.PageStore.LastID,
			s.cfg.PollBackoff,
			s.logger,
		)
		if err := tailer.Subscribe(ctx, 0, func(doc store.PageDoc) {
			s.emit(EventPagesTailed, doc)
		}); err != nil {
			rollback()
			return nil, err
		}
		sub := &subscription{id: uuid.NewString(), cancel: tailer.Unsubscribe}
		if err := s.register(sub); err != nil {
			tailer.Unsubscribe()
			rollback()
			return nil, err
		}
		created = append(created, sub)
		result[group] = sub.id
	}
	return result, nil
}

// pageFinder builds the per-group find closure. The job set is recomputed on
// every call.
func (s *Session) pageFinder(patterns []string) func(ctx context.Context, after store.DocID) ([]store.PageDoc, error) {
	return func(ctx context.Context, after store.DocID) ([]store.PageDoc, error) {
		jobDocs, err := s.cfg.JobStore.Find(ctx, store.JobQuery{SeedContains: patterns})
		if err != nil {
			return nil, err
		}
		if len(jobDocs) == 0 {
			return nil, nil
		}
		jobIDs := make([]store.DocID, 0, len(jobDocs))
		for _, doc := range jobDocs {
			jobIDs = append(jobIDs, doc.ID)
		}
		return s.cfg.PageStore.Find(ctx, store.PageQuery{AfterID: after, JobIDs: jobIDs})
	}
}

// CancelSubscription tears down one subscription synchronously. Returns
// false for unknown ids.
func (s *Session) CancelSubscription(id string) bool {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sub.cancel()
	return true
}

// Close tears down every subscription. Subsequent subscribe calls fail with
// ErrClosed; a second Close is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	remaining := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		remaining = append(remaining, sub)
	}
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	for _, sub := range remaining {
		sub.cancel()
	}
	metrics.SessionClosed()
}

func (s *Session) register(sub *subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.subs[sub.id] = sub
	return nil
}

func (s *Session) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// emit serializes, size-checks and sends one message. Oversized messages and
// transport failures are both dropped; only the former is worth a notice.
func (s *Session) emit(event string, data any) {
	msg := Envelope{Event: event, Data: data}
	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("unserializable outbound message", zap.String("event", event), zap.Error(err))
		return
	}
	s.mu.Lock()
	maxSize := s.maxSize
	s.mu.Unlock()
	if len(raw) > maxSize {
		s.logger.Info("oversized message dropped",
			zap.String("event", event),
			zap.Int("size", len(raw)),
			zap.Int("max", maxSize),
		)
		metrics.MessageDropped("oversize")
		return
	}
	if err := s.cfg.Transport.Send(context.Background(), msg); err != nil {
		s.logger.Debug("transport send failed, message dropped",
			zap.String("event", event),
			zap.Error(err),
		)
		metrics.MessageDropped("transport")
	}
}

// allowList tracks which crawl ids the job tail has delivered, gating the
// high-frequency bus events.
type allowList struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func (a *allowList) add(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids[id] = struct{}{}
}

func (a *allowList) has(id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[id]
	return ok
}
