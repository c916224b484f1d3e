package dispatch

import (
	"context"
	"errors"
	"sync"
)

var ErrHandlerClosed = errors.New("handler is closed")

type asyncEvent struct {
	ctx   context.Context
	event Event
}

// AsyncHandler wraps another handler and runs it on its own goroutine
// through a buffered queue, so the dispatch worker returns immediately.
// Events reach the wrapped handler in the order they were queued.
type AsyncHandler struct {
	wrapped   Handler
	queue     chan asyncEvent
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	onError   func(Event, error)
}

// Async wraps handler in an AsyncHandler with room for queueSize events
// (100 if queueSize is not positive) and starts it.
//
// When the queue is full HandleEvent returns ErrQueueFull, which the
// dispatcher logs and counts like any handler error. Close must be called to
// stop the background goroutine; queued events are handled before it exits.
func Async(handler Handler, queueSize int) *AsyncHandler {
	if queueSize <= 0 {
		queueSize = 100
	}

	a := &AsyncHandler{
		wrapped: handler,
		queue:   make(chan asyncEvent, queueSize),
		done:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.processQueue()
	return a
}

// OnError sets a callback for errors returned by the wrapped handler. By
// default they are discarded, since the dispatcher has already returned.
func (a *AsyncHandler) OnError(fn func(Event, error)) *AsyncHandler {
	a.onError = fn
	return a
}

// HandleEvent queues the event and returns immediately.
func (a *AsyncHandler) HandleEvent(ctx context.Context, event Event) error {
	if a.IsClosed() {
		return ErrHandlerClosed
	}

	select {
	case a.queue <- asyncEvent{ctx: ctx, event: event}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *AsyncHandler) processQueue() {
	defer a.wg.Done()

	for {
		select {
		case msg := <-a.queue:
			a.process(msg)
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

func (a *AsyncHandler) drainQueue() {
	for {
		select {
		case msg := <-a.queue:
			a.process(msg)
		default:
			return
		}
	}
}

func (a *AsyncHandler) process(msg asyncEvent) {
	defer func() {
		if r := recover(); r != nil && a.onError != nil {
			a.onError(msg.event, panicError{value: r})
		}
	}()

	if err := a.wrapped.HandleEvent(msg.ctx, msg.event); err != nil && a.onError != nil {
		a.onError(msg.event, err)
	}
}

// Close stops accepting events, handles everything still queued, and waits
// for the background goroutine to exit.
func (a *AsyncHandler) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

// QueueSize returns the current number of events in the queue
func (a *AsyncHandler) QueueSize() int {
	return len(a.queue)
}

// QueueCapacity returns the maximum capacity of the queue
func (a *AsyncHandler) QueueCapacity() int {
	return cap(a.queue)
}

// IsClosed returns true if the handler has been closed
func (a *AsyncHandler) IsClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return "handler panicked: " + toString(p.value)
}
