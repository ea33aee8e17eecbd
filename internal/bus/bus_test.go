package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	sigPlain    = Signal{Name: "test_plain"}
	sigDeferred = Signal{Name: "test_deferred", Deferred: true}
)

type recordingListener struct {
	calls []any
	err   error
}

func (r *recordingListener) OnSignal(_ context.Context, _ Signal, payload any) error {
	r.calls = append(r.calls, payload)
	return r.err
}

// TestConnectIdempotent verifies that connecting the same listener twice does
// not cause duplicate delivery.
func TestConnectIdempotent(t *testing.T) {
	t.Parallel()

	b := New(zap.NewNop())
	l := &recordingListener{}
	b.Connect(sigPlain, l)
	b.Connect(sigPlain, l)

	require.NoError(t, b.Send(context.Background(), sigPlain, "payload"))
	assert.Len(t, l.calls, 1)
}

// TestDisconnectUnknownIsNoOp checks that disconnecting a listener that was
// never connected does not panic or fail.
func TestDisconnectUnknownIsNoOp(t *testing.T) {
	t.Parallel()

	b := New(zap.NewNop())
	l := &recordingListener{}
	b.Disconnect(sigPlain, l)

	b.Connect(sigPlain, l)
	b.Disconnect(sigPlain, l)
	b.Disconnect(sigPlain, l)

	require.NoError(t, b.Send(context.Background(), sigPlain, nil))
	assert.Empty(t, l.calls)
}

// TestDeliveryOrderIsConnectOrder asserts fan-out happens in registration
// order.
func TestDeliveryOrderIsConnectOrder(t *testing.T) {
	t.Parallel()

	b := New(zap.NewNop())
	var order []string
	first := ListenerFunc(func(context.Context, Signal, any) error {
		order = append(order, "first")
		return nil
	})
	second := ListenerFunc(func(context.Context, Signal, any) error {
		order = append(order, "second")
		return nil
	})
	b.Connect(sigPlain, &first)
	b.Connect(sigPlain, &second)

	require.NoError(t, b.Send(context.Background(), sigPlain, nil))
	assert.Equal(t, []string{"first", "second"}, order)
}

// TestFailingListenerDoesNotStopFanOut ensures one listener's error or panic
// never prevents delivery to remaining listeners on a non-deferred signal.
func TestFailingListenerDoesNotStopFanOut(t *testing.T) {
	t.Parallel()

	b := New(zap.NewNop())
	panicking := ListenerFunc(func(context.Context, Signal, any) error {
		panic("listener bug")
	})
	failing := &recordingListener{err: errors.New("listener failed")}
	last := &recordingListener{}
	b.Connect(sigPlain, &panicking)
	b.Connect(sigPlain, failing)
	b.Connect(sigPlain, last)

	require.NoError(t, b.Send(context.Background(), sigPlain, 42))
	assert.Equal(t, []any{42}, failing.calls)
	assert.Equal(t, []any{42}, last.calls)
}

// TestDeferredSendJoinsErrors verifies deferred signals hand listener errors
// back to the emitter after all listeners ran.
func TestDeferredSendJoinsErrors(t *testing.T) {
	t.Parallel()

	b := New(zap.NewNop())
	first := &recordingListener{err: errors.New("flush failed")}
	second := &recordingListener{}
	b.Connect(sigDeferred, first)
	b.Connect(sigDeferred, second)

	err := b.Send(context.Background(), sigDeferred, "doc")
	require.Error(t, err)
	assert.ErrorContains(t, err, "flush failed")
	assert.Len(t, first.calls, 1)
	assert.Len(t, second.calls, 1)
}

// TestDisconnectDuringConcurrentSend exercises the teardown race: removing a
// listener must be safe while a send is in flight.
func TestDisconnectDuringConcurrentSend(t *testing.T) {
	t.Parallel()

	b := New(zap.NewNop())
	l := &recordingListener{}
	b.Connect(sigPlain, l)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = b.Send(context.Background(), sigPlain, i)
		}
	}()
	b.Disconnect(sigPlain, l)
	<-done
}
