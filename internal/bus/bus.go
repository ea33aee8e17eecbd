// Package bus implements an in-process publish/subscribe primitive. Listeners
// register for named signals and are invoked synchronously when a signal is
// sent; disconnect is deterministic so transport teardown can race safely with
// natural job completion.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Signal names an event on the bus. Deferred signals run listeners whose
// returned errors are joined and handed back to the emitter, which blocks in
// Send until all listeners are done (used where the emitting engine must wait
// for e.g. an export flush). Non-deferred signals are fire-and-forget:
// listener errors and panics are caught and logged individually.
type Signal struct {
	Name     string
	Deferred bool
}

// Listener receives signal deliveries. Implementations must be pointer types:
// the bus dedupes registrations and matches disconnects by interface
// identity, mirroring how bound-method receivers identify themselves.
type Listener interface {
	OnSignal(ctx context.Context, sig Signal, payload any) error
}

// Bus fans signals out to connected listeners in connect order.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	logger    *zap.Logger
}

// New constructs a Bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[string][]Listener),
		logger:    logger,
	}
}

// Connect registers l for sig. Connecting the same listener to the same
// signal twice is safe: the second call is a no-op, so the listener is never
// delivered to more than once per send.
func (b *Bus) Connect(sig Signal, l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.listeners[sig.Name] {
		if existing == l {
			return
		}
	}
	b.listeners[sig.Name] = append(b.listeners[sig.Name], l)
}

// Disconnect removes l from sig. Unknown (signal, listener) pairs are a
// no-op, not an error.
func (b *Bus) Disconnect(sig Signal, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.listeners[sig.Name]
	for i, existing := range current {
		if existing == l {
			b.listeners[sig.Name] = append(current[:i:i], current[i+1:]...)
			return
		}
	}
}

// Send delivers payload to every listener connected to sig, in connect order.
// For non-deferred signals the returned error is always nil: one failing
// listener never prevents delivery to the rest and never reaches the emitter.
// For deferred signals Send returns once every listener has returned, with
// their errors joined.
func (b *Bus) Send(ctx context.Context, sig Signal, payload any) error {
	b.mu.RLock()
	snapshot := append([]Listener(nil), b.listeners[sig.Name]...)
	b.mu.RUnlock()

	var errs []error
	for _, l := range snapshot {
		if err := b.invoke(ctx, sig, l, payload); err != nil {
			if sig.Deferred {
				errs = append(errs, err)
			} else {
				b.logger.Warn("signal listener failed",
					zap.String("signal", sig.Name),
					zap.Error(err),
				)
			}
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) invoke(ctx context.Context, sig Signal, l Listener, payload any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panic on %s: %v", sig.Name, rec)
		}
	}()
	return l.OnSignal(ctx, sig, payload)
}

// ListenerFunc adapts a function to the Listener interface. Take the address
// of a ListenerFunc variable so the registration stays identity-comparable.
type ListenerFunc func(ctx context.Context, sig Signal, payload any) error

// OnSignal implements Listener.
func (f *ListenerFunc) OnSignal(ctx context.Context, sig Signal, payload any) error {
	return (*f)(ctx, sig, payload)
}
