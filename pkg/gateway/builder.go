package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/o11y"
)

// SessionBuilder provides a fluent interface for building sessions.
type SessionBuilder struct {
	url                  string
	token                string
	identify             Identify
	header               http.Header
	transport            Transport
	codec                Codec
	publisher            Publisher
	logger               *zap.Logger
	monitor              SessionMonitor
	metricsProvider      o11y.MetricsProvider
	tracingProvider      o11y.TracingProvider
	policy               ReconnectPolicy
	maxReconnectAttempts int
	closeCodes           CloseCodeTable
	dialTimeout          time.Duration
	handshakeTimeout     time.Duration
	writeTimeout         time.Duration
	closeTimeout         time.Duration
	rateLimitRetryAfter  time.Duration
	eventBufferSize      int
	jitter               func() float64
}

// NewSession creates a new session builder.
func NewSession() *SessionBuilder {
	return &SessionBuilder{
		identify: Identify{
			Properties: IdentifyProperties{
				OS:      runtime.GOOS,
				Browser: "gwclient",
				Device:  "gwclient",
			},
		},
		header:              make(http.Header),
		codec:               JSONCodec{},
		logger:              zap.NewNop(),
		policy:              DefaultReconnectPolicy(),
		closeCodes:          DefaultCloseCodeTable(),
		dialTimeout:         30 * time.Second,
		handshakeTimeout:    20 * time.Second,
		writeTimeout:        10 * time.Second,
		closeTimeout:        5 * time.Second,
		rateLimitRetryAfter: 60 * time.Second,
		eventBufferSize:     64,
		jitter:              rand.Float64,
	}
}

// WithURL sets the gateway URL, including any version or encoding query parameters.
func (b *SessionBuilder) WithURL(url string) *SessionBuilder {
	b.url = url
	return b
}

// WithToken sets the bearer token sent in Identify and Resume.
func (b *SessionBuilder) WithToken(token string) *SessionBuilder {
	b.token = token
	return b
}

// WithIntents sets the capability flags sent in Identify.
func (b *SessionBuilder) WithIntents(intents int64) *SessionBuilder {
	if intents >= 0 {
		b.identify.Intents = intents
	}
	return b
}

// WithProperties sets the client properties sent in Identify.
func (b *SessionBuilder) WithProperties(properties IdentifyProperties) *SessionBuilder {
	b.identify.Properties = properties
	return b
}

// WithShard sets the shard this session serves.
func (b *SessionBuilder) WithShard(id, count int) *SessionBuilder {
	b.identify.Shard = &[2]int{id, count}
	return b
}

// WithCompress asks the server to compress payloads.
func (b *SessionBuilder) WithCompress(compress bool) *SessionBuilder {
	b.identify.Compress = compress
	return b
}

// WithLargeThreshold sets the member count above which guilds are sent
// without offline members.
func (b *SessionBuilder) WithLargeThreshold(threshold int) *SessionBuilder {
	if threshold > 0 {
		b.identify.LargeThreshold = threshold
	}
	return b
}

// WithPresence sets the initial presence sent in Identify.
func (b *SessionBuilder) WithPresence(presence *PresenceUpdate) *SessionBuilder {
	b.identify.Presence = presence
	return b
}

// WithHeader sets a single HTTP header for the transport handshake.
func (b *SessionBuilder) WithHeader(key, value string) *SessionBuilder {
	b.header.Set(key, value)
	return b
}

// WithHeaders adds HTTP headers for the transport handshake.
func (b *SessionBuilder) WithHeaders(headers map[string][]string) *SessionBuilder {
	for key, values := range headers {
		b.header[http.CanonicalHeaderKey(key)] = values
	}
	return b
}

// WithTransport sets the transport used to dial the gateway.
func (b *SessionBuilder) WithTransport(transport Transport) *SessionBuilder {
	b.transport = transport
	return b
}

// WithCodec replaces the JSON codec.
func (b *SessionBuilder) WithCodec(codec Codec) *SessionBuilder {
	if codec != nil {
		b.codec = codec
	}
	return b
}

// WithPublisher sets where events are published, usually a *dispatch.Dispatcher.
func (b *SessionBuilder) WithPublisher(publisher Publisher) *SessionBuilder {
	b.publisher = publisher
	return b
}

// WithLogger sets the logger for the session.
func (b *SessionBuilder) WithLogger(logger *zap.Logger) *SessionBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithMonitor sets an optional monitor for state changes and session end.
func (b *SessionBuilder) WithMonitor(monitor SessionMonitor) *SessionBuilder {
	b.monitor = monitor
	return b
}

// WithMetricsProvider enables session metrics.
func (b *SessionBuilder) WithMetricsProvider(provider o11y.MetricsProvider) *SessionBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracingProvider enables a span per connection.
func (b *SessionBuilder) WithTracingProvider(provider o11y.TracingProvider) *SessionBuilder {
	b.tracingProvider = provider
	return b
}

// WithReconnectPolicy sets the reconnect backoff. Zero fields keep their defaults.
func (b *SessionBuilder) WithReconnectPolicy(policy ReconnectPolicy) *SessionBuilder {
	b.policy = policy.normalized()
	return b
}

// WithMaxReconnectAttempts ends the session after n consecutive failed
// reconnects. Zero means unlimited.
func (b *SessionBuilder) WithMaxReconnectAttempts(n int) *SessionBuilder {
	if n >= 0 {
		b.maxReconnectAttempts = n
	}
	return b
}

// WithCloseCodes overrides entries of the default close code table.
func (b *SessionBuilder) WithCloseCodes(overrides CloseCodeTable) *SessionBuilder {
	b.closeCodes = b.closeCodes.With(overrides)
	return b
}

// WithDialTimeout sets the timeout for each connect attempt.
func (b *SessionBuilder) WithDialTimeout(timeout time.Duration) *SessionBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithHandshakeTimeout bounds the time from dial to READY or RESUMED.
func (b *SessionBuilder) WithHandshakeTimeout(timeout time.Duration) *SessionBuilder {
	if timeout > 0 {
		b.handshakeTimeout = timeout
	}
	return b
}

// WithWriteTimeout bounds each frame write.
func (b *SessionBuilder) WithWriteTimeout(timeout time.Duration) *SessionBuilder {
	if timeout > 0 {
		b.writeTimeout = timeout
	}
	return b
}

// WithCloseTimeout bounds the close handshake before the connection is abandoned.
func (b *SessionBuilder) WithCloseTimeout(timeout time.Duration) *SessionBuilder {
	if timeout > 0 {
		b.closeTimeout = timeout
	}
	return b
}

// WithRateLimitRetryAfter is the retry hint used when a rate limit close
// reason does not carry one.
func (b *SessionBuilder) WithRateLimitRetryAfter(d time.Duration) *SessionBuilder {
	if d > 0 {
		b.rateLimitRetryAfter = d
	}
	return b
}

// WithEventBufferSize sets the capacity of the control queue.
func (b *SessionBuilder) WithEventBufferSize(size int) *SessionBuilder {
	if size > 0 {
		b.eventBufferSize = size
	}
	return b
}

// Build creates a new Session with the configured options.
func (b *SessionBuilder) Build() (*Session, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	publisher := b.publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}

	stopCtx, stopCancel := context.WithCancel(context.Background())
	s := &Session{
		id:                   id,
		url:                  b.url,
		token:                b.token,
		identify:             b.identify,
		header:               b.header.Clone(),
		transport:            b.transport,
		codec:                b.codec,
		publisher:            publisher,
		logger:               b.logger.With(zap.String("session", id)),
		monitor:              b.monitor,
		metrics:              NewSessionMetrics(b.metricsProvider),
		tracer:               b.tracingProvider,
		maxReconnectAttempts: b.maxReconnectAttempts,
		closeCodes:           b.closeCodes.Clone(),
		dialTimeout:          b.dialTimeout,
		handshakeTimeout:     b.handshakeTimeout,
		writeTimeout:         b.writeTimeout,
		closeTimeout:         b.closeTimeout,
		rateLimitRetryAfter:  b.rateLimitRetryAfter,
		events:               make(chan controlEvent, b.eventBufferSize),
		stopCtx:              stopCtx,
		stopCancel:           stopCancel,
		ready:                make(chan struct{}),
		done:                 make(chan struct{}),
		backoff:              NewBackoff(b.policy),
		hb:                   newHeartbeater(b.jitter),
	}
	return s, nil
}

// IsValid checks that all required configuration is present.
func (b *SessionBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	if b.token == "" {
		return fmt.Errorf("token is required")
	}

	if b.transport == nil {
		return fmt.Errorf("transport is required")
	}

	if shard := b.identify.Shard; shard != nil {
		if shard[1] <= 0 || shard[0] < 0 || shard[0] >= shard[1] {
			return fmt.Errorf("invalid shard [%d, %d]", shard[0], shard[1])
		}
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	return nil
}
