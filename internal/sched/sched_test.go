package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/jobs"
	"github.com/crawlmux/crawlmux/internal/store"
	"github.com/crawlmux/crawlmux/internal/store/memory"
)

type startCall struct {
	seed string
	args map[string]string
}

type recordingStarter struct {
	mu    sync.Mutex
	calls []startCall
}

func (r *recordingStarter) StartJob(_ context.Context, seed string, args map[string]string, _ map[string]any) (*jobs.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, startCall{seed: seed, args: args})
	return &jobs.Record{ID: int64(len(r.calls)), Seed: seed}, nil
}

func (r *recordingStarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(t *testing.T) (*Scheduler, *memory.SiteStore, *recordingStarter) {
	t.Helper()
	sites := memory.NewSiteStore()
	starter := &recordingStarter{}
	s := New(Config{
		Sites:   sites,
		Starter: starter,
		Logger:  zap.NewNop(),
	})
	return s, sites, starter
}

func TestInvalidScheduleFlaggedInsteadOfRetried(t *testing.T) {
	t.Parallel()
	s, sites, starter := newTestScheduler(t)
	ctx := context.Background()

	id, err := sites.Insert(ctx, store.SiteDoc{
		URL:           "http://example.com",
		Schedule:      "every other tuesday",
		ScheduleValid: true,
	})
	require.NoError(t, err)

	s.sync(ctx)
	s.sync(ctx)

	docs, err := sites.Find(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].ID)
	assert.False(t, docs[0].ScheduleValid)
	assert.Zero(t, starter.count())
}

func TestFirstSyncComputesNextRunWithoutStarting(t *testing.T) {
	t.Parallel()
	s, sites, starter := newTestScheduler(t)
	ctx := context.Background()

	_, err := sites.Insert(ctx, store.SiteDoc{
		URL:      "http://example.com",
		Schedule: "*/5 * * * *",
	})
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.sync(ctx)

	docs, err := sites.Find(ctx)
	require.NoError(t, err)
	require.NotNil(t, docs[0].NextRunAt)
	assert.True(t, docs[0].NextRunAt.After(now))
	assert.True(t, docs[0].ScheduleValid)
	assert.Zero(t, starter.count())
}

func TestDueSiteStartsAndAdvances(t *testing.T) {
	t.Parallel()
	s, sites, starter := newTestScheduler(t)
	ctx := context.Background()

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := sites.Insert(ctx, store.SiteDoc{
		URL:           "http://example.com",
		Engine:        "archive",
		Schedule:      "0 * * * *",
		ScheduleValid: true,
		NextRunAt:     &due,
	})
	require.NoError(t, err)

	now := due.Add(time.Minute)
	s.now = func() time.Time { return now }
	s.sync(ctx)

	require.Equal(t, 1, starter.count())
	assert.Equal(t, "http://example.com", starter.calls[0].seed)
	assert.Equal(t, "archive", starter.calls[0].args["engine"])

	docs, err := sites.Find(ctx)
	require.NoError(t, err)
	require.NotNil(t, docs[0].NextRunAt)
	assert.True(t, docs[0].NextRunAt.After(now))

	// Next sync before the recomputed fire time must not start again.
	s.sync(ctx)
	assert.Equal(t, 1, starter.count())
}

func TestSitesWithoutScheduleIgnored(t *testing.T) {
	t.Parallel()
	s, sites, starter := newTestScheduler(t)
	ctx := context.Background()

	_, err := sites.Insert(ctx, store.SiteDoc{URL: "http://example.com"})
	require.NoError(t, err)
	s.sync(ctx)

	docs, err := sites.Find(ctx)
	require.NoError(t, err)
	assert.Nil(t, docs[0].NextRunAt)
	assert.Zero(t, starter.count())
}
