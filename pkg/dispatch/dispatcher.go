// Package dispatch delivers gateway events to subscribed handlers.
//
// Event kinds are slash separated topics such as "gateway/ready" or
// "dispatch/MESSAGE_CREATE". Subscriptions use MQTT wildcard patterns:
// "+" matches one level, "#" matches the rest, and "+name" matches one level
// and extracts it into Event.Fields under "name".
//
// Every kind is pinned to a single worker, so events of the same kind are
// handled in publish order: an event is fully processed by every matching
// handler before the next event of that kind reaches any handler. Handlers
// run in subscription order. A slow handler can be wrapped with Async to move
// it onto its own queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amir-yaghoubi/mqttpattern"
	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/o11y"
)

var (
	ErrQueueFull      = errors.New("dispatch queue is full")
	ErrNotRunning     = errors.New("dispatcher is not running")
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrUnknownHandler = errors.New("unknown handler id")
	ErrInvalidPattern = errors.New("invalid pattern")
)

// Event is a single published event as seen by a handler.
type Event struct {
	Kind    string
	Payload any
	// Fields holds values extracted by "+name" pattern levels.
	Fields map[string]string
}

// Handler processes events. Returned errors are logged and counted and do
// not affect other handlers.
type Handler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// HandlerID identifies a subscription.
type HandlerID uint64

type matcher func(kind string) (bool, map[string]string)

type subscription struct {
	id      HandlerID
	pattern string
	handler Handler
	match   matcher
	removed atomic.Bool
}

type delivery struct {
	ctx   context.Context
	event Event
}

// Dispatcher fans published events out to subscribed handlers.
type Dispatcher struct {
	name    string
	logger  *zap.Logger
	metrics *Metrics
	tracer  o11y.TracingProvider

	mu     sync.Mutex
	subs   atomic.Pointer[[]*subscription]
	nextID HandlerID

	queues  []chan delivery
	started atomic.Bool

	// Publishers join publishing under the read lock; Stop sets stopped
	// under the write lock and waits for them before the final drain.
	gate       sync.RWMutex
	stopped    bool
	publishing sync.WaitGroup
	stopping   chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
	stop       sync.Once
}

// Subscribe registers handler for every kind matching pattern. Handlers are
// invoked in the order they were subscribed.
func (d *Dispatcher) Subscribe(pattern string, handler Handler) (HandlerID, error) {
	if handler == nil {
		return 0, errors.New("handler is required")
	}
	if err := validatePattern(pattern); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &subscription{
		id:      d.nextID,
		pattern: pattern,
		handler: handler,
		match:   makeMatcher(pattern),
	}

	current := d.subscriptions()
	next := make([]*subscription, len(current), len(current)+1)
	copy(next, current)
	next = append(next, sub)
	d.subs.Store(&next)

	d.metrics.RecordSubscribers(len(next))
	d.logger.Debug("Subscribed", zap.String("pattern", pattern), zap.Uint64("id", uint64(sub.id)))
	return sub.id, nil
}

// Unsubscribe removes a subscription. It is safe to call from within a
// handler; the removed handler sees no further events, including the rest of
// the event currently in flight.
func (d *Dispatcher) Unsubscribe(id HandlerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.subscriptions()
	for i, sub := range current {
		if sub.id != id {
			continue
		}
		sub.removed.Store(true)

		next := make([]*subscription, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		d.subs.Store(&next)

		d.metrics.RecordSubscribers(len(next))
		d.logger.Debug("Unsubscribed", zap.String("pattern", sub.pattern), zap.Uint64("id", uint64(id)))
		return nil
	}

	return fmt.Errorf("%w: %d", ErrUnknownHandler, id)
}

// Subscriptions returns the number of active subscriptions.
func (d *Dispatcher) Subscriptions() int {
	return len(d.subscriptions())
}

func (d *Dispatcher) subscriptions() []*subscription {
	if p := d.subs.Load(); p != nil {
		return *p
	}
	return nil
}

// Start launches the dispatch workers.
func (d *Dispatcher) Start() error {
	if d.isStopped() {
		return ErrNotRunning
	}
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	for i := range d.queues {
		d.wg.Add(1)
		go d.work(d.queues[i])
	}

	d.logger.Info("Dispatcher started", zap.Int("workers", len(d.queues)))
	return nil
}

// Stop stops accepting events, lets the workers finish what is already
// queued, and waits for them to exit. On a started dispatcher every Publish
// that returned nil is delivered before Stop returns.
func (d *Dispatcher) Stop() error {
	d.stop.Do(func() {
		d.gate.Lock()
		d.stopped = true
		close(d.stopping)
		d.gate.Unlock()

		d.publishing.Wait()
		close(d.done)
		d.wg.Wait()
		d.logger.Info("Dispatcher stopped")
	})
	return nil
}

func (d *Dispatcher) isStopped() bool {
	d.gate.RLock()
	defer d.gate.RUnlock()
	return d.stopped
}

// enter registers a publisher. It returns false once Stop has begun.
func (d *Dispatcher) enter() bool {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.stopped {
		return false
	}
	d.publishing.Add(1)
	return true
}

// Publish queues an event, blocking while the kind's worker queue is full.
// It returns ctx.Err() if ctx ends first and ErrNotRunning if the
// dispatcher stops first.
func (d *Dispatcher) Publish(ctx context.Context, kind string, payload any) error {
	if !d.enter() {
		return ErrNotRunning
	}
	defer d.publishing.Done()

	queue := d.queueFor(kind)
	msg := delivery{ctx: context.WithoutCancel(ctx), event: Event{Kind: kind, Payload: payload}}

	select {
	case queue <- msg:
		d.metrics.RecordPublished(ctx, kind)
		return nil
	default:
	}

	select {
	case queue <- msg:
		d.metrics.RecordPublished(ctx, kind)
		return nil
	case <-d.stopping:
		d.metrics.RecordDropped(ctx, kind, "stopped")
		return ErrNotRunning
	case <-ctx.Done():
		d.metrics.RecordDropped(ctx, kind, "timeout")
		return ctx.Err()
	}
}

// TryPublish queues an event without blocking. It returns ErrQueueFull when
// the kind's worker queue has no room.
func (d *Dispatcher) TryPublish(kind string, payload any) error {
	if !d.enter() {
		return ErrNotRunning
	}
	defer d.publishing.Done()

	ctx := context.Background()
	select {
	case d.queueFor(kind) <- delivery{ctx: ctx, event: Event{Kind: kind, Payload: payload}}:
		d.metrics.RecordPublished(ctx, kind)
		return nil
	default:
		d.metrics.RecordDropped(ctx, kind, "queue_full")
		return ErrQueueFull
	}
}

func (d *Dispatcher) queueFor(kind string) chan delivery {
	if len(d.queues) == 1 {
		return d.queues[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(kind))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

func (d *Dispatcher) work(queue chan delivery) {
	defer d.wg.Done()

	for {
		select {
		case msg := <-queue:
			d.deliver(msg)
		case <-d.done:
			for {
				select {
				case msg := <-queue:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg delivery) {
	ctx := msg.ctx
	var span o11y.Span
	if d.tracer != nil {
		ctx, span = d.tracer.StartSpan(ctx, "dispatch.event")
		span.SetAttributes(o11y.L("kind", msg.event.Kind))
		defer span.End()
	}

	for _, sub := range d.subscriptions() {
		ok, fields := sub.match(msg.event.Kind)
		if !ok {
			continue
		}
		if sub.removed.Load() {
			continue
		}

		event := msg.event
		event.Fields = fields
		d.invoke(ctx, sub, event)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, sub *subscription, event Event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panicked",
				zap.String("kind", event.Kind),
				zap.String("pattern", sub.pattern),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			d.metrics.RecordHandlerError(ctx, event.Kind, "panic")
		}
	}()

	err := sub.handler.HandleEvent(ctx, event)
	d.metrics.RecordHandlerDuration(ctx, event.Kind, time.Since(start))
	if err != nil {
		d.logger.Error("Handler failed",
			zap.String("kind", event.Kind),
			zap.String("pattern", sub.pattern),
			zap.Error(err),
		)
		d.metrics.RecordHandlerError(ctx, event.Kind, "error")
	}
}

func makeMatcher(pattern string) matcher {
	switch {
	case !strings.ContainsAny(pattern, "+#"):
		return func(kind string) (bool, map[string]string) {
			return kind == pattern, nil
		}
	case mqttpattern.HasExtractions(pattern):
		return func(kind string) (bool, map[string]string) {
			if mqttpattern.Matches(pattern, kind) {
				return true, mqttpattern.Extract(pattern, kind)
			}
			return false, nil
		}
	default:
		return func(kind string) (bool, map[string]string) {
			return mqttpattern.Matches(pattern, kind), nil
		}
	}
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q: # must be the last level", ErrInvalidPattern, pattern)
			}
		case strings.Contains(level, "#"):
			return fmt.Errorf("%w: %q: # must occupy a whole level", ErrInvalidPattern, pattern)
		case strings.HasPrefix(level, "+"):
			if strings.ContainsAny(level[1:], "+#") {
				return fmt.Errorf("%w: %q: bad wildcard level %q", ErrInvalidPattern, pattern, level)
			}
		case strings.Contains(level, "+"):
			return fmt.Errorf("%w: %q: + must start a level", ErrInvalidPattern, pattern)
		}
	}
	return nil
}
