package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/jobs"
	"github.com/crawlmux/crawlmux/internal/stats"
	"github.com/crawlmux/crawlmux/internal/store"
	"github.com/crawlmux/crawlmux/internal/store/memory"
)

type fakeTransport struct {
	mu   sync.Mutex
	err  error
	msgs []Envelope
}

func (f *fakeTransport) Send(_ context.Context, msg Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeTransport) events(name string) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Envelope
	for _, msg := range f.msgs {
		if msg.Event == name {
			out = append(out, msg)
		}
	}
	return out
}

type stubRegistry struct {
	records []jobs.Record
}

func (s *stubRegistry) Jobs() []jobs.Record { return s.records }

type fixture struct {
	session   *Session
	transport *fakeTransport
	bus       *bus.Bus
	jobStore  *memory.JobStore
	pageStore *memory.PageStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		transport: &fakeTransport{},
		bus:       bus.New(zap.NewNop()),
		jobStore:  memory.NewJobStore(),
		pageStore: memory.NewPageStore(),
	}
	f.session = New(Config{
		Bus:         f.bus,
		JobStore:    f.jobStore,
		PageStore:   f.pageStore,
		Registry:    &stubRegistry{},
		Transport:   f.transport,
		PollBackoff: 10 * time.Millisecond,
		Logger:      zap.NewNop(),
	})
	t.Cleanup(f.session.Close)
	return f
}

func (f *fixture) insertJob(t *testing.T, crawlID int64, seed string) store.DocID {
	t.Helper()
	id, err := f.jobStore.Insert(context.Background(), store.JobDoc{
		CrawlID: crawlID,
		Seed:    seed,
		Status:  store.JobStatusRunning,
	})
	require.NoError(t, err)
	return id
}

func TestJobsSubscriptionFiltersBySeed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.session.SubscribeToJobs(context.Background(), []string{"127.0.0.1"}, nil, 0, 0)
	require.NoError(t, err)

	f.insertJob(t, 1, "http://127.0.0.1:8000/")
	f.insertJob(t, 2, "http://example.org/")
	f.insertJob(t, 3, "http://127.0.0.1:9000/")

	require.Eventually(t, func() bool {
		return len(f.transport.events(EventJobsTailed)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	tailed := f.transport.events(EventJobsTailed)
	for _, msg := range tailed {
		doc := msg.Data.(store.JobDoc)
		assert.Contains(t, doc.Seed, "127.0.0.1")
	}
}

func TestJobsSubscriptionExcludePatterns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.session.SubscribeToJobs(context.Background(),
		[]string{"example"}, []string{"example.org"}, 0, 0)
	require.NoError(t, err)

	f.insertJob(t, 1, "http://example.com/")
	f.insertJob(t, 2, "http://example.org/")

	require.Eventually(t, func() bool {
		return len(f.transport.events(EventJobsTailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	doc := f.transport.events(EventJobsTailed)[0].Data.(store.JobDoc)
	assert.Equal(t, "http://example.com/", doc.Seed)

	// Give the poll loop another round; the excluded seed must stay out.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.transport.events(EventJobsTailed), 1)
}

func TestJobsStatePushedOnSubscribe(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.session.SubscribeToJobs(context.Background(), nil, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, f.transport.events(EventJobsState), 1)
}

// TestEngineTickRefreshesJobsState verifies a heartbeat from a subscribed job
// pushes a fresh jobs snapshot, while ticks from unrelated jobs are ignored.
func TestEngineTickRefreshesJobsState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.session.SubscribeToJobs(ctx, []string{"127.0.0.1"}, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, f.transport.events(EventJobsState), 1)

	// Job 7 was never delivered by the tail, so its tick must not refresh.
	require.NoError(t, f.bus.Send(ctx, jobs.SigEngineTick, jobs.Event{Job: jobs.Ref{ID: 7}}))
	assert.Len(t, f.transport.events(EventJobsState), 1)

	f.insertJob(t, 7, "http://127.0.0.1:8000/")
	require.Eventually(t, func() bool {
		return len(f.transport.events(EventJobsTailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.bus.Send(ctx, jobs.SigEngineTick, jobs.Event{Job: jobs.Ref{ID: 7}}))
	assert.Len(t, f.transport.events(EventJobsState), 2)
}

func TestStatsEventsGatedByAllowList(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.session.SubscribeToJobs(ctx, []string{"127.0.0.1"}, nil, 0, 0)
	require.NoError(t, err)

	// Job 9 was never delivered by the tail, so its stats must not pass.
	require.NoError(t, f.bus.Send(ctx, jobs.SigStatsChanged, jobs.StatsEvent{
		Job:     jobs.Ref{ID: 9},
		Changes: stats.ChangeSet{"item_scraped_count": int64(1)},
	}))
	assert.Empty(t, f.transport.events(EventStatsChanged))

	f.insertJob(t, 9, "http://127.0.0.1:8000/")
	require.Eventually(t, func() bool {
		return len(f.transport.events(EventJobsTailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.bus.Send(ctx, jobs.SigStatsChanged, jobs.StatsEvent{
		Job:     jobs.Ref{ID: 9},
		Changes: stats.ChangeSet{"item_scraped_count": int64(2)},
	}))
	got := f.transport.events(EventStatsChanged)
	require.Len(t, got, 1)
	update := got[0].Data.(StatsUpdate)
	assert.Equal(t, int64(9), update.JobID)
	assert.EqualValues(t, 2, update.Changes["item_scraped_count"])
}

func TestPagesSubscriptionDeliversMatchingGroup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	jobDoc := f.insertJob(t, 1, "http://example.com")

	ids, err := f.session.SubscribeToPageGroups(ctx, map[string][]string{
		"1": {"http://example.com"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	_, err = f.pageStore.Insert(ctx, store.PageDoc{
		JobID: jobDoc,
		URL:   "http://example.com/index",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.transport.events(EventPagesTailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	page := f.transport.events(EventPagesTailed)[0].Data.(store.PageDoc)
	assert.Equal(t, "http://example.com/index", page.URL)
}

func TestPagesSubscriptionPicksUpLateMatchingJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.session.SubscribeToPages(ctx, []string{"example.com"})
	require.NoError(t, err)

	// The matching job starts only after the subscription exists.
	jobDoc := f.insertJob(t, 1, "http://example.com")
	_, err = f.pageStore.Insert(ctx, store.PageDoc{JobID: jobDoc, URL: "http://example.com/a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.transport.events(EventPagesTailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOversizedMessagesDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	jobDoc := f.insertJob(t, 1, "http://example.com")
	_, err := f.session.SubscribeToPages(ctx, []string{"example.com"})
	require.NoError(t, err)
	f.session.SetMaxMessageSize(512)

	_, err = f.pageStore.Insert(ctx, store.PageDoc{
		JobID: jobDoc,
		URL:   "http://example.com/huge",
		Body:  strings.Repeat("x", 4096),
	})
	require.NoError(t, err)
	_, err = f.pageStore.Insert(ctx, store.PageDoc{
		JobID: jobDoc,
		URL:   "http://example.com/small",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.transport.events(EventPagesTailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	page := f.transport.events(EventPagesTailed)[0].Data.(store.PageDoc)
	assert.Equal(t, "http://example.com/small", page.URL)
}

func TestThrottleMergesStatsPerInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.session.SubscribeToJobs(ctx, []string{"127.0.0.1"}, nil, 40*time.Millisecond, 0)
	require.NoError(t, err)

	f.insertJob(t, 5, "http://127.0.0.1:8000/")
	require.Eventually(t, func() bool {
		return len(f.transport.events(EventJobsTailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, f.bus.Send(ctx, jobs.SigStatsChanged, jobs.StatsEvent{
			Job:     jobs.Ref{ID: 5},
			Changes: stats.ChangeSet{"downloader/response_count": i},
		}))
	}

	require.Eventually(t, func() bool {
		return len(f.transport.events(EventStatsChanged)) > 0
	}, 2*time.Second, 5*time.Millisecond)
	update := f.transport.events(EventStatsChanged)[0].Data.(StatsUpdate)
	assert.EqualValues(t, 10, update.Changes["downloader/response_count"])
}

func TestCancelSubscriptionTearsDownCompletely(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.session.SubscribeToJobs(ctx, []string{"127.0.0.1"}, nil, 0, 0)
	require.NoError(t, err)

	f.insertJob(t, 1, "http://127.0.0.1:8000/")
	require.Eventually(t, func() bool {
		return len(f.transport.events(EventJobsTailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, f.session.CancelSubscription(id))
	assert.False(t, f.session.CancelSubscription(id))

	seen := len(f.transport.events(EventStatsChanged))
	// The bus listener must be gone, not just the tail.
	require.NoError(t, f.bus.Send(ctx, jobs.SigStatsChanged, jobs.StatsEvent{
		Job:     jobs.Ref{ID: 1},
		Changes: stats.ChangeSet{"k": int64(1)},
	}))
	assert.Len(t, f.transport.events(EventStatsChanged), seen)

	f.insertJob(t, 2, "http://127.0.0.1:9000/")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.transport.events(EventJobsTailed), 1)
}

func TestCloseRejectsNewSubscriptions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.session.SubscribeToJobs(context.Background(), nil, nil, 0, 0)
	require.NoError(t, err)
	f.session.Close()
	f.session.Close()

	_, err = f.session.SubscribeToJobs(context.Background(), nil, nil, 0, 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.session.SubscribeToPages(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransportFailureIsSilentlyDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.transport.err = errors.New("connection reset")

	_, err := f.session.SubscribeToJobs(context.Background(), nil, nil, 0, 0)
	require.NoError(t, err)
	f.insertJob(t, 1, "http://example.com/")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.transport.events(EventJobsTailed))
}
