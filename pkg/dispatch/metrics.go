package dispatch

import (
	"context"
	"time"

	"github.com/tsarna/gateway-client/pkg/o11y"
)

// Metrics holds the dispatcher instruments. A nil *Metrics records nothing.
type Metrics struct {
	published       o11y.Counter
	dropped         o11y.Counter
	handlerErrors   o11y.Counter
	handlerDuration o11y.Histogram
	subscribers     o11y.Gauge
}

// NewMetrics creates the dispatcher instruments from provider. A nil
// provider returns nil.
func NewMetrics(provider o11y.MetricsProvider) *Metrics {
	if provider == nil {
		return nil
	}

	return &Metrics{
		published:       provider.Counter("dispatch_events_published_total"),
		dropped:         provider.Counter("dispatch_events_dropped_total"),
		handlerErrors:   provider.Counter("dispatch_handler_errors_total"),
		handlerDuration: provider.Histogram("dispatch_handler_duration_seconds"),
		subscribers:     provider.Gauge("dispatch_active_subscriptions"),
	}
}

func (m *Metrics) RecordPublished(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.published.Add(ctx, 1, o11y.L("kind", kind))
}

func (m *Metrics) RecordDropped(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, o11y.L("kind", kind), o11y.L("reason", reason))
}

func (m *Metrics) RecordHandlerError(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	m.handlerErrors.Add(ctx, 1, o11y.L("kind", kind), o11y.L("reason", reason))
}

func (m *Metrics) RecordHandlerDuration(ctx context.Context, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.Record(ctx, d.Seconds(), o11y.L("kind", kind))
}

func (m *Metrics) RecordSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(context.Background(), float64(n))
}
