// Package stats implements per-job counter tracking with change
// notifications. Mutations are cheap; only keys whose value actually changed
// are captured, and changes are batched so subscribers see at most one merged
// change-set per flush interval.
package stats

import (
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultFlushInterval matches the accumulation window of the change tracker:
// subscribers never see updates more often than this.
const DefaultFlushInterval = 100 * time.Millisecond

// ChangeSet maps stat keys to their final value within one flush interval.
type ChangeSet map[string]any

// Collector is a counter store that records which keys changed. The emit
// callback receives one merged ChangeSet per interval, only when something
// changed. The flush loop is not running after construction; Start it on job
// open and Stop it on job close.
type Collector struct {
	mu       sync.Mutex
	values   map[string]any
	pending  ChangeSet
	emit     func(ChangeSet)
	interval time.Duration
	logger   *zap.Logger

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Collector. The flush loop starts only when Start is
// called; constructing a collector never schedules work.
func New(interval time.Duration, emit func(ChangeSet), logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if emit == nil {
		emit = func(ChangeSet) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		values:   make(map[string]any),
		pending:  make(ChangeSet),
		emit:     emit,
		interval: interval,
		logger:   logger,
	}
}

// SetValue stores value under key.
func (c *Collector) SetValue(key string, value any) {
	c.mutate(key, func(any) any { return value })
}

// IncValue adds delta to the integer value under key, treating a missing key
// as zero.
func (c *Collector) IncValue(key string, delta int64) {
	c.mutate(key, func(prior any) any {
		return asInt64(prior) + delta
	})
}

// MaxValue stores value only if it exceeds the current value.
func (c *Collector) MaxValue(key string, value int64) {
	c.mutate(key, func(prior any) any {
		if prior == nil || value > asInt64(prior) {
			return value
		}
		return prior
	})
}

// MinValue stores value only if it is below the current value.
func (c *Collector) MinValue(key string, value int64) {
	c.mutate(key, func(prior any) any {
		if prior == nil || value < asInt64(prior) {
			return value
		}
		return prior
	})
}

// SetAll replaces the entire store. Diffing against the prior contents is not
// meaningful here, so the whole resulting store becomes the pending
// change-set.
func (c *Collector) SetAll(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]any, len(values))
	c.pending = make(ChangeSet, len(values))
	for k, v := range values {
		c.values[k] = v
		c.pending[k] = v
	}
}

// Clear empties the store and marks everything changed.
func (c *Collector) Clear() {
	c.SetAll(nil)
}

// Get returns the value under key, or nil.
func (c *Collector) Get(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

// All returns a snapshot of the current values.
func (c *Collector) All() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Start launches the periodic flush loop. Calling Start on a collector that
// is already running is a no-op; without that guard a second loop would keep
// firing after the job closed, flushing against a done job forever.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.logger.Debug("stats flush loop already running")
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)
}

// Stop halts the flush loop and performs one final flush so the terminal
// counter values are not lost. Safe to call multiple times.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop, done := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stop)
	<-done
	c.flush()
}

func (c *Collector) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-stop:
			return
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	changes := c.pending
	c.pending = make(ChangeSet)
	c.mu.Unlock()

	// Emit outside the lock so listeners may read the collector.
	c.emit(changes)
}

func (c *Collector) mutate(key string, fn func(prior any) any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prior := c.values[key]
	next := fn(prior)
	c.values[key] = next
	if valueChanged(prior, next) {
		c.pending[key] = next
	}
}

// valueChanged reports whether next differs from prior. Stats hold structured
// values (maps, slices) alongside counters, and those cannot go through ==
// without panicking, so they fall back to a deep comparison.
func valueChanged(prior, next any) bool {
	if prior == nil && next == nil {
		return false
	}
	if prior == nil || next == nil {
		return true
	}
	if reflect.TypeOf(prior).Comparable() && reflect.TypeOf(next).Comparable() {
		return prior != next
	}
	return !reflect.DeepEqual(prior, next)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
