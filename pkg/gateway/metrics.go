package gateway

import (
	"context"
	"time"

	"github.com/tsarna/gateway-client/pkg/o11y"
)

// SessionMetrics holds the instruments updated by a Session. A nil
// *SessionMetrics records nothing.
type SessionMetrics struct {
	// Connection metrics
	state            o11y.Gauge     // Current State as a number
	connectAttempts  o11y.Counter   // Dial attempts
	connectErrors    o11y.Counter   // Failed dials
	reconnects       o11y.Counter   // Reconnects by error kind
	connectedSeconds o11y.Histogram // Time spent Connected per connection

	// Frame metrics
	framesReceived o11y.Counter   // Frames received by opcode
	framesSent     o11y.Counter   // Frames sent by opcode
	frameSize      o11y.Histogram // Frame size in bytes by direction
	decodeErrors   o11y.Counter   // Dropped frames by decode error kind
	dispatches     o11y.Counter   // Dispatch events by name
	writeTimeouts  o11y.Counter   // Writes that hit the write timeout

	// Heartbeat metrics
	heartbeatLatency o11y.Histogram // Heartbeat round trip
	zombies          o11y.Counter   // Missed heartbeat acks
}

// NewSessionMetrics creates the session instruments from provider. A nil
// provider returns nil.
func NewSessionMetrics(provider o11y.MetricsProvider) *SessionMetrics {
	if provider == nil {
		return nil
	}

	return &SessionMetrics{
		state:            provider.Gauge("gateway_state"),
		connectAttempts:  provider.Counter("gateway_connect_attempts_total"),
		connectErrors:    provider.Counter("gateway_connect_errors_total"),
		reconnects:       provider.Counter("gateway_reconnects_total"),
		connectedSeconds: provider.Histogram("gateway_connection_duration_seconds"),

		framesReceived: provider.Counter("gateway_frames_received_total"),
		framesSent:     provider.Counter("gateway_frames_sent_total"),
		frameSize:      provider.Histogram("gateway_frame_size_bytes"),
		decodeErrors:   provider.Counter("gateway_decode_errors_total"),
		dispatches:     provider.Counter("gateway_dispatch_events_total"),
		writeTimeouts:  provider.Counter("gateway_write_timeouts_total"),

		heartbeatLatency: provider.Histogram("gateway_heartbeat_latency_seconds"),
		zombies:          provider.Counter("gateway_zombie_connections_total"),
	}
}

func (m *SessionMetrics) RecordState(ctx context.Context, state State) {
	if m == nil {
		return
	}
	m.state.Set(ctx, float64(state))
}

func (m *SessionMetrics) RecordConnectAttempt(ctx context.Context, resume bool) {
	if m == nil {
		return
	}
	mode := "identify"
	if resume {
		mode = "resume"
	}
	m.connectAttempts.Add(ctx, 1, o11y.L("mode", mode))
}

func (m *SessionMetrics) RecordConnectError(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectErrors.Add(ctx, 1)
}

func (m *SessionMetrics) RecordReconnect(ctx context.Context, kind ErrorKind) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, o11y.L("kind", kind.String()))
}

func (m *SessionMetrics) RecordConnectionEnd(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectedSeconds.Record(ctx, duration.Seconds())
}

func (m *SessionMetrics) RecordFrameReceived(ctx context.Context, op Opcode, sizeBytes int) {
	if m == nil {
		return
	}
	m.framesReceived.Add(ctx, 1, o11y.L("op", op.String()))
	m.frameSize.Record(ctx, float64(sizeBytes), o11y.L("direction", "received"))
}

func (m *SessionMetrics) RecordFrameSent(ctx context.Context, op Opcode, sizeBytes int) {
	if m == nil {
		return
	}
	m.framesSent.Add(ctx, 1, o11y.L("op", op.String()))
	m.frameSize.Record(ctx, float64(sizeBytes), o11y.L("direction", "sent"))
}

func (m *SessionMetrics) RecordDecodeError(ctx context.Context, kind DecodeErrorKind) {
	if m == nil {
		return
	}
	m.decodeErrors.Add(ctx, 1, o11y.L("kind", kind.String()))
}

func (m *SessionMetrics) RecordDispatch(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, o11y.L("event", name))
}

func (m *SessionMetrics) RecordWriteTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.writeTimeouts.Add(ctx, 1)
}

func (m *SessionMetrics) RecordHeartbeatAck(ctx context.Context, latency time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.Record(ctx, latency.Seconds())
}

func (m *SessionMetrics) RecordZombie(ctx context.Context) {
	if m == nil {
		return
	}
	m.zombies.Add(ctx, 1)
}
