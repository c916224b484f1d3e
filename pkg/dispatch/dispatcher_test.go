package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/gateway-client/pkg/gateway"
)

var _ gateway.Publisher = (*Dispatcher)(nil)

// trace records handler invocations in order across handlers.
type trace struct {
	mu    sync.Mutex
	calls []string
	seen  chan struct{}
}

func newTrace() *trace {
	return &trace{seen: make(chan struct{}, 100)}
}

func (tr *trace) handler(name string, delay time.Duration) HandlerFunc {
	return func(ctx context.Context, event Event) error {
		if delay > 0 {
			time.Sleep(delay)
		}
		tr.mu.Lock()
		tr.calls = append(tr.calls, fmt.Sprintf("%s:%v", name, event.Payload))
		tr.mu.Unlock()
		tr.seen <- struct{}{}
		return nil
	}
}

func (tr *trace) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-tr.seen:
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out waiting for handlers", "saw %d of %d", i, n)
		}
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.calls...)
}

func newTestDispatcher(t *testing.T, workers, queueSize int) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher().
		WithLogger(zaptest.NewLogger(t)).
		WithWorkers(workers).
		WithQueueSize(queueSize).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

func TestDispatcherOrdering(t *testing.T) {
	t.Run("same kind is handled in order by every handler", func(t *testing.T) {
		d := newTestDispatcher(t, 4, 10)
		tr := newTrace()

		_, err := d.Subscribe("dispatch/MESSAGE_CREATE", tr.handler("h1", 20*time.Millisecond))
		require.NoError(t, err)
		_, err = d.Subscribe("dispatch/#", tr.handler("h2", 0))
		require.NoError(t, err)
		require.NoError(t, d.Start())

		ctx := context.Background()
		require.NoError(t, d.Publish(ctx, "dispatch/MESSAGE_CREATE", "A"))
		require.NoError(t, d.Publish(ctx, "dispatch/MESSAGE_CREATE", "B"))

		assert.Equal(t, []string{"h1:A", "h2:A", "h1:B", "h2:B"}, tr.wait(t, 4))
	})

	t.Run("events queued before start are delivered", func(t *testing.T) {
		d := newTestDispatcher(t, 1, 10)
		tr := newTrace()
		_, err := d.Subscribe("gateway/ready", tr.handler("h", 0))
		require.NoError(t, err)

		require.NoError(t, d.TryPublish("gateway/ready", 1))
		require.NoError(t, d.Start())

		assert.Equal(t, []string{"h:1"}, tr.wait(t, 1))
	})
}

func TestDispatcherUnsubscribe(t *testing.T) {
	t.Run("from within a handler", func(t *testing.T) {
		d := newTestDispatcher(t, 1, 10)
		tr := newTrace()

		var victim HandlerID
		_, err := d.Subscribe("gateway/state", HandlerFunc(func(ctx context.Context, event Event) error {
			if event.Payload == 1 {
				assert.NoError(t, d.Unsubscribe(victim))
			}
			return tr.handler("first", 0)(ctx, event)
		}))
		require.NoError(t, err)
		victim, err = d.Subscribe("gateway/state", tr.handler("victim", 0))
		require.NoError(t, err)
		require.NoError(t, d.Start())

		ctx := context.Background()
		require.NoError(t, d.Publish(ctx, "gateway/state", 1))
		require.NoError(t, d.Publish(ctx, "gateway/state", 2))

		assert.Equal(t, []string{"first:1", "first:2"}, tr.wait(t, 2))
		assert.Equal(t, 1, d.Subscriptions())
	})

	t.Run("unknown id", func(t *testing.T) {
		d := newTestDispatcher(t, 1, 10)
		assert.ErrorIs(t, d.Unsubscribe(42), ErrUnknownHandler)
	})
}

func TestDispatcherIsolation(t *testing.T) {
	d := newTestDispatcher(t, 1, 10)
	tr := newTrace()

	_, err := d.Subscribe("dispatch/+", HandlerFunc(func(ctx context.Context, event Event) error {
		panic("boom")
	}))
	require.NoError(t, err)
	_, err = d.Subscribe("dispatch/+", HandlerFunc(func(ctx context.Context, event Event) error {
		return errors.New("failed")
	}))
	require.NoError(t, err)
	_, err = d.Subscribe("dispatch/+", tr.handler("ok", 0))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	ctx := context.Background()
	require.NoError(t, d.Publish(ctx, "dispatch/GUILD_CREATE", "A"))
	require.NoError(t, d.Publish(ctx, "dispatch/GUILD_CREATE", "B"))

	assert.Equal(t, []string{"ok:A", "ok:B"}, tr.wait(t, 2))
}

func TestDispatcherPatterns(t *testing.T) {
	d := newTestDispatcher(t, 1, 10)

	fields := make(chan map[string]string, 1)
	_, err := d.Subscribe("dispatch/+name", HandlerFunc(func(ctx context.Context, event Event) error {
		fields <- event.Fields
		return nil
	}))
	require.NoError(t, err)

	gatewayKinds := make(chan string, 10)
	_, err = d.Subscribe("gateway/+", HandlerFunc(func(ctx context.Context, event Event) error {
		gatewayKinds <- event.Kind
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	ctx := context.Background()
	require.NoError(t, d.Publish(ctx, "dispatch/READY", nil))
	require.NoError(t, d.Publish(ctx, "gateway/closed", nil))
	require.NoError(t, d.Publish(ctx, "other/closed", nil))

	select {
	case f := <-fields:
		assert.Equal(t, map[string]string{"name": "READY"}, f)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no extraction")
	}

	select {
	case kind := <-gatewayKinds:
		assert.Equal(t, "gateway/closed", kind)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no gateway event")
	}

	require.NoError(t, d.Stop())
	assert.Empty(t, gatewayKinds)
}

func TestValidatePattern(t *testing.T) {
	for _, pattern := range []string{"gateway/ready", "dispatch/#", "#", "+/+", "dispatch/+name"} {
		assert.NoError(t, validatePattern(pattern), pattern)
	}
	for _, pattern := range []string{"", "dispatch/#/x", "dispatch/a#", "dispatch/a+", "dispatch/+a+"} {
		assert.ErrorIs(t, validatePattern(pattern), ErrInvalidPattern, pattern)
	}

	d := newTestDispatcher(t, 1, 1)
	_, err := d.Subscribe("a/#/b", HandlerFunc(func(context.Context, Event) error { return nil }))
	assert.ErrorIs(t, err, ErrInvalidPattern)
	_, err = d.Subscribe("a/b", nil)
	assert.Error(t, err)
}

func TestDispatcherBackpressure(t *testing.T) {
	t.Run("TryPublish reports a full queue", func(t *testing.T) {
		d := newTestDispatcher(t, 1, 1)
		require.NoError(t, d.TryPublish("gateway/state", 1))
		assert.ErrorIs(t, d.TryPublish("gateway/state", 2), ErrQueueFull)
	})

	t.Run("Publish waits for room until the context ends", func(t *testing.T) {
		d := newTestDispatcher(t, 1, 1)
		require.NoError(t, d.TryPublish("gateway/state", 1))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, d.Publish(ctx, "gateway/state", 2), context.DeadlineExceeded)
	})
}

func TestDispatcherLifecycle(t *testing.T) {
	t.Run("stop drains queued events", func(t *testing.T) {
		d := newTestDispatcher(t, 1, 10)
		tr := newTrace()
		_, err := d.Subscribe("#", tr.handler("h", 5*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, d.Start())

		for i := 0; i < 5; i++ {
			require.NoError(t, d.TryPublish("gateway/state", i))
		}
		require.NoError(t, d.Stop())

		assert.Len(t, tr.wait(t, 5), 5)
		assert.ErrorIs(t, d.Publish(context.Background(), "gateway/state", 5), ErrNotRunning)
		assert.ErrorIs(t, d.TryPublish("gateway/state", 5), ErrNotRunning)
		assert.ErrorIs(t, d.Start(), ErrNotRunning)
	})

	t.Run("every accepted event is delivered when stop races publishers", func(t *testing.T) {
		for round := 0; round < 50; round++ {
			d := newTestDispatcher(t, 2, 64)
			var delivered atomic.Int64
			_, err := d.Subscribe("#", HandlerFunc(func(context.Context, Event) error {
				delivered.Add(1)
				return nil
			}))
			require.NoError(t, err)
			require.NoError(t, d.Start())

			var accepted atomic.Int64
			var publishers sync.WaitGroup
			for p := 0; p < 8; p++ {
				publishers.Add(1)
				go func(p int) {
					defer publishers.Done()
					kind := fmt.Sprintf("dispatch/KIND_%d", p)
					for {
						err := d.Publish(context.Background(), kind, p)
						if errors.Is(err, ErrNotRunning) {
							return
						}
						if err == nil {
							accepted.Add(1)
						}
					}
				}(p)
			}

			time.Sleep(time.Millisecond)
			require.NoError(t, d.Stop())
			publishers.Wait()

			assert.Equal(t, accepted.Load(), delivered.Load(), "round %d", round)
		}
	})

	t.Run("stop releases a publisher waiting for room", func(t *testing.T) {
		d := newTestDispatcher(t, 1, 1)
		require.NoError(t, d.TryPublish("gateway/state", 1))

		result := make(chan error, 1)
		go func() { result <- d.Publish(context.Background(), "gateway/state", 2) }()
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, d.Stop())

		select {
		case err := <-result:
			assert.ErrorIs(t, err, ErrNotRunning)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "publisher still blocked after stop")
		}
	})

	t.Run("start twice", func(t *testing.T) {
		d := newTestDispatcher(t, 1, 10)
		require.NoError(t, d.Start())
		assert.ErrorIs(t, d.Start(), ErrAlreadyStarted)
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		d := newTestDispatcher(t, 1, 10)
		require.NoError(t, d.Start())
		require.NoError(t, d.Stop())
		require.NoError(t, d.Stop())
	})
}

func TestDispatcherBuilder(t *testing.T) {
	_, err := NewDispatcher().WithWorkers(0).Build()
	assert.ErrorContains(t, err, "workers must be positive")

	_, err = NewDispatcher().WithQueueSize(-1).Build()
	assert.ErrorContains(t, err, "queue size must be positive")

	d, err := NewDispatcher().WithName("test").Build()
	require.NoError(t, err)
	assert.Len(t, d.queues, 1)
	assert.Nil(t, d.metrics)
}
