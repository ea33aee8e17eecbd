package session

import (
	"sync"
	"time"

	"github.com/crawlmux/crawlmux/internal/stats"
)

// StatsUpdate is the payload of a stats:changed event.
type StatsUpdate struct {
	JobID   int64          `json:"id"`
	Changes map[string]any `json:"changes"`
}

type queuedMsg struct {
	event string
	data  any
}

// throttle batches a subscription's outbound traffic. With a positive delay
// it flushes once per interval: stats changes for the same job merge
// last-write-wins per key, documents queue FIFO. With zero delay every
// message passes straight through.
type throttle struct {
	delay time.Duration
	emit  func(event string, data any)

	mu      sync.Mutex
	pending map[int64]map[string]any
	order   []int64
	queue   []queuedMsg
	stopCh  chan struct{}
	stopped bool
}

func newThrottle(delay time.Duration, emit func(event string, data any)) *throttle {
	t := &throttle{
		delay: delay,
		emit:  emit,
	}
	if delay > 0 {
		t.pending = make(map[int64]map[string]any)
		t.stopCh = make(chan struct{})
		go t.loop()
	}
	return t
}

func (t *throttle) stats(jobID int64, changes stats.ChangeSet) {
	if t.delay <= 0 {
		t.emit(EventStatsChanged, StatsUpdate{JobID: jobID, Changes: changes})
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	merged, ok := t.pending[jobID]
	if !ok {
		merged = make(map[string]any, len(changes))
		t.pending[jobID] = merged
		t.order = append(t.order, jobID)
	}
	for k, v := range changes {
		merged[k] = v
	}
}

func (t *throttle) document(event string, data any) {
	if t.delay <= 0 {
		t.emit(event, data)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.queue = append(t.queue, queuedMsg{event: event, data: data})
}

func (t *throttle) loop() {
	ticker := time.NewTicker(t.delay)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

func (t *throttle) flush() {
	t.mu.Lock()
	pending, order, queue := t.pending, t.order, t.queue
	t.pending = make(map[int64]map[string]any)
	t.order = nil
	t.queue = nil
	t.mu.Unlock()

	for _, msg := range queue {
		t.emit(msg.event, msg.data)
	}
	for _, jobID := range order {
		t.emit(EventStatsChanged, StatsUpdate{JobID: jobID, Changes: pending[jobID]})
	}
}

// stop halts the flush loop. Pending messages are discarded; stop is part of
// subscription teardown, so there is no receiver left to care.
func (t *throttle) stop() {
	if t.delay <= 0 {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	close(t.stopCh)
}
