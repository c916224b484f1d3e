package dispatch

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/o11y"
)

// DispatcherBuilder provides a fluent interface for creating dispatchers.
type DispatcherBuilder struct {
	logger          *zap.Logger
	name            string
	workers         int
	queueSize       int
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewDispatcher creates a new DispatcherBuilder with one worker and a queue
// of 1000 events.
func NewDispatcher() *DispatcherBuilder {
	return &DispatcherBuilder{
		name:      "default",
		workers:   1,
		queueSize: 1000,
	}
}

// WithLogger sets the logger for the dispatcher
func (b *DispatcherBuilder) WithLogger(logger *zap.Logger) *DispatcherBuilder {
	b.logger = logger
	return b
}

// WithName sets the name used in logs
func (b *DispatcherBuilder) WithName(name string) *DispatcherBuilder {
	b.name = name
	return b
}

// WithWorkers sets the number of dispatch workers. Each kind always uses the
// same worker, so more workers only add parallelism across kinds.
func (b *DispatcherBuilder) WithWorkers(workers int) *DispatcherBuilder {
	b.workers = workers
	return b
}

// WithQueueSize sets the per-worker queue size
func (b *DispatcherBuilder) WithQueueSize(size int) *DispatcherBuilder {
	b.queueSize = size
	return b
}

// WithMetrics sets the metrics provider
func (b *DispatcherBuilder) WithMetrics(provider o11y.MetricsProvider) *DispatcherBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider
func (b *DispatcherBuilder) WithTracing(provider o11y.TracingProvider) *DispatcherBuilder {
	b.tracingProvider = provider
	return b
}

// IsValid validates the builder configuration and returns an error if invalid
func (b *DispatcherBuilder) IsValid() error {
	if b.workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", b.workers)
	}
	if b.queueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", b.queueSize)
	}
	return nil
}

// Build creates the dispatcher. It still has to be started.
func (b *DispatcherBuilder) Build() (*Dispatcher, error) {
	if err := b.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		name:     b.name,
		logger:   logger.With(zap.String("dispatcher", b.name)),
		metrics:  NewMetrics(b.metricsProvider),
		tracer:   b.tracingProvider,
		queues:   make([]chan delivery, b.workers),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range d.queues {
		d.queues[i] = make(chan delivery, b.queueSize)
	}

	return d, nil
}
