package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyTailing is returned when Subscribe is called on a Tailer that is
// already running a poll loop. A session double-subscribing the same adapter
// is a caller bug, so this fails loud instead of silently restarting.
var ErrAlreadyTailing = errors.New("tailer is already tailing")

// DefaultPollBackoff is slept between polls that returned no new documents.
const DefaultPollBackoff = time.Second

// Tailer repeatedly polls a find-after-position query against an
// append-mostly collection and replays newly inserted documents, in insertion
// order, to a callback. The query is re-run each round rather than holding a
// long-lived cursor, so the backing store may reconnect freely between polls.
//
// The find closure may itself recompute its constraints each call (e.g.
// re-resolving which jobs match a URL pattern), which is how page
// subscriptions pick up jobs that start matching after subscribe time.
type Tailer[T any] struct {
	find    func(ctx context.Context, after DocID) ([]T, error)
	idOf    func(T) DocID
	latest  func(ctx context.Context) (DocID, error)
	backoff time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	tailing bool
	stopCh  chan struct{}
}

// NewTailer builds a Tailer over a collection-specific query. latest resolves
// the most recent DocID for the default "from now on" starting position.
func NewTailer[T any](
	find func(ctx context.Context, after DocID) ([]T, error),
	idOf func(T) DocID,
	latest func(ctx context.Context) (DocID, error),
	backoff time.Duration,
	logger *zap.Logger,
) *Tailer[T] {
	if backoff <= 0 {
		backoff = DefaultPollBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tailer[T]{
		find:    find,
		idOf:    idOf,
		latest:  latest,
		backoff: backoff,
		logger:  logger,
	}
}

// Subscribe starts the poll loop in a new goroutine and invokes onDoc for
// every new document. lastPosition semantics: 0 starts from the latest
// document (no history replay), FromStart replays everything, any other value
// resumes strictly after that position. Returns ErrAlreadyTailing if a loop
// is already running.
func (t *Tailer[T]) Subscribe(ctx context.Context, lastPosition DocID, onDoc func(T)) error {
	t.mu.Lock()
	if t.tailing {
		t.mu.Unlock()
		return ErrAlreadyTailing
	}
	t.tailing = true
	stop := make(chan struct{})
	t.stopCh = stop
	t.mu.Unlock()

	after, err := t.resolveStart(ctx, lastPosition)
	if err != nil {
		t.mu.Lock()
		t.tailing = false
		t.stopCh = nil
		t.mu.Unlock()
		return fmt.Errorf("resolve tail position: %w", err)
	}

	go t.run(ctx, after, stop, onDoc)
	return nil
}

// Unsubscribe sets the stop flag. The poll loop observes it within one
// backoff interval and exits; results of an in-flight query are discarded.
// Safe to call multiple times and safe to call when not tailing.
func (t *Tailer[T]) Unsubscribe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tailing {
		return
	}
	t.tailing = false
	close(t.stopCh)
	t.stopCh = nil
}

// Tailing reports whether a poll loop is currently registered.
func (t *Tailer[T]) Tailing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tailing
}

func (t *Tailer[T]) resolveStart(ctx context.Context, lastPosition DocID) (DocID, error) {
	switch {
	case lastPosition == FromStart:
		return 0, nil
	case lastPosition > 0:
		return lastPosition, nil
	default:
		return t.latest(ctx)
	}
}

func (t *Tailer[T]) run(ctx context.Context, after DocID, stop <-chan struct{}, onDoc func(T)) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		docs, err := t.find(ctx, after)

		// Re-check after the query: Unsubscribe may have raced with it, and
		// delivering a just-fetched batch after teardown would leak events.
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err != nil {
			t.logger.Warn("tail poll failed", zap.Error(err))
			docs = nil
		}

		for _, doc := range docs {
			onDoc(doc)
			after = t.idOf(doc)
		}

		if len(docs) == 0 {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(t.backoff):
			}
		}
	}
}
