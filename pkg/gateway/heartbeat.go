package gateway

import (
	"context"
	"sync"
	"time"
)

// heartbeater runs the heartbeat timer of the current connection. It never
// retries: zombies and send failures are reported and the run ends.
type heartbeater struct {
	jitter func() float64
	now    func() time.Time

	mu     sync.Mutex
	state  HeartbeatState
	cancel context.CancelFunc
	done   chan struct{}
}

// heartbeatHooks connect one run to its connection.
type heartbeatHooks struct {
	send      func(ctx context.Context) error
	zombie    func(ctx context.Context)
	sendError func(ctx context.Context, err error)
}

func newHeartbeater(jitter func() float64) *heartbeater {
	return &heartbeater{jitter: jitter, now: time.Now}
}

// start begins a run with a fresh state, stopping any previous run.
func (h *heartbeater) start(interval time.Duration, hooks heartbeatHooks) {
	h.stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	h.mu.Lock()
	h.state = HeartbeatState{Interval: interval}
	h.cancel = cancel
	h.done = done
	h.mu.Unlock()

	go h.run(ctx, done, interval, hooks)
}

func (h *heartbeater) run(ctx context.Context, done chan struct{}, interval time.Duration, hooks heartbeatHooks) {
	defer close(done)

	timer := time.NewTimer(time.Duration(float64(interval) * h.jitter()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		h.mu.Lock()
		if h.state.AckPending {
			h.mu.Unlock()
			hooks.zombie(ctx)
			return
		}
		h.state.AckPending = true
		h.state.LastSentAt = h.now()
		h.mu.Unlock()

		if err := hooks.send(ctx); err != nil {
			if ctx.Err() == nil {
				hooks.sendError(ctx, err)
			}
			return
		}

		timer.Reset(interval)
	}
}

// beatNow answers a heartbeat request from the server.
func (h *heartbeater) beatNow(ctx context.Context, send func(ctx context.Context) error) error {
	h.mu.Lock()
	h.state.AckPending = true
	h.state.LastSentAt = h.now()
	h.mu.Unlock()

	return send(ctx)
}

// onAck clears the pending ack and returns the measured latency.
func (h *heartbeater) onAck() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state.AckPending = false
	h.state.LastAckAt = h.now()
	return h.state.Latency()
}

// stop ends the current run and waits for it to exit.
func (h *heartbeater) stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (h *heartbeater) snapshot() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
