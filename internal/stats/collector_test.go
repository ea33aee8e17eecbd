package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type changeRecorder struct {
	mu      sync.Mutex
	batches []ChangeSet
}

func (r *changeRecorder) record(cs ChangeSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, cs)
}

func (r *changeRecorder) Batches() []ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeSet(nil), r.batches...)
}

// TestRapidMutationsCoalesce verifies N mutations to one key within a flush
// interval produce exactly one change-set holding only the final value.
func TestRapidMutationsCoalesce(t *testing.T) {
	t.Parallel()

	rec := &changeRecorder{}
	c := New(20*time.Millisecond, rec.record, zap.NewNop())
	c.Start()
	defer c.Stop()

	for i := int64(0); i < 50; i++ {
		c.IncValue("downloader/request_count", 1)
	}

	require.Eventually(t, func() bool {
		return len(rec.Batches()) >= 1
	}, time.Second, 5*time.Millisecond)

	batches := rec.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, int64(50), batches[0]["downloader/request_count"])
}

// TestNoEmissionWithoutChanges checks the flush loop stays silent when no key
// changed.
func TestNoEmissionWithoutChanges(t *testing.T) {
	t.Parallel()

	rec := &changeRecorder{}
	c := New(10*time.Millisecond, rec.record, zap.NewNop())
	c.Start()
	defer c.Stop()

	c.SetValue("k", "v")
	c.SetValue("k", "v") // same value: not a change

	require.Eventually(t, func() bool {
		return len(rec.Batches()) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.Batches(), 1)
}

// TestStructuredValuesDoNotPanic covers stats that hold maps or slices, like
// per-slot downloader detail: setting them repeatedly must diff without
// panicking, and an unchanged structured value is not a change.
func TestStructuredValuesDoNotPanic(t *testing.T) {
	t.Parallel()

	c := New(time.Hour, nil, zap.NewNop())

	slots := map[string]any{"example.com": 3}
	c.SetValue("downloader/slots", slots)
	c.SetValue("downloader/slots", map[string]any{"example.com": 3})
	assert.Len(t, c.pending, 1)

	c.pending = make(ChangeSet)
	c.SetValue("downloader/slots", map[string]any{"example.com": 4})
	assert.Equal(t, ChangeSet{"downloader/slots": map[string]any{"example.com": 4}}, c.pending)

	c.SetValue("flags", []string{"partial"})
	c.SetValue("flags", []string{"partial"})
	assert.Equal(t, []string{"partial"}, c.Get("flags"))
}

func TestMaxMinSemantics(t *testing.T) {
	t.Parallel()

	c := New(time.Hour, nil, zap.NewNop())
	c.MaxValue("depth", 3)
	c.MaxValue("depth", 1)
	assert.Equal(t, int64(3), c.Get("depth"))

	c.MinValue("latency", 100)
	c.MinValue("latency", 250)
	assert.Equal(t, int64(100), c.Get("latency"))
}

// TestSetAllMarksEverythingChanged verifies whole-store replace reports the
// full resulting store as the change-set.
func TestSetAllMarksEverythingChanged(t *testing.T) {
	t.Parallel()

	rec := &changeRecorder{}
	c := New(10*time.Millisecond, rec.record, zap.NewNop())
	c.SetValue("old", 1)
	c.SetAll(map[string]any{"a": 1, "b": 2})
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return len(rec.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, ChangeSet{"a": 1, "b": 2}, rec.Batches()[0])
	assert.Nil(t, c.Get("old"))
}

// TestDoubleStartDoesNotLeakSecondLoop guards against the double-started
// timer bug: after Stop, no further emissions may occur even though Start was
// called twice and mutations keep arriving.
func TestDoubleStartDoesNotLeakSecondLoop(t *testing.T) {
	t.Parallel()

	rec := &changeRecorder{}
	c := New(10*time.Millisecond, rec.record, zap.NewNop())
	c.Start()
	c.Start()

	c.IncValue("item_scraped_count", 1)
	require.Eventually(t, func() bool {
		return len(rec.Batches()) >= 1
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	seen := len(rec.Batches())

	// Mutations against the stale reference must never be flushed.
	c.IncValue("item_scraped_count", 1)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, rec.Batches(), seen)
}

// TestStopFlushesFinalChanges ensures terminal counter values emitted between
// the last tick and Stop are not dropped.
func TestStopFlushesFinalChanges(t *testing.T) {
	t.Parallel()

	rec := &changeRecorder{}
	c := New(time.Hour, rec.record, zap.NewNop())
	c.Start()
	c.SetValue("finish_reason", "finished")
	c.Stop()

	batches := rec.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, "finished", batches[0]["finish_reason"])
}
