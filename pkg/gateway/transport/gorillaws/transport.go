// Package gorillaws implements gateway.Transport with github.com/gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/gateway"
)

// DefaultReadLimit fits the largest READY payloads.
const DefaultReadLimit = 16 << 20

// Transport dials gateway connections with gorilla/websocket.
type Transport struct {
	logger       *zap.Logger
	readLimit    int64
	closeTimeout time.Duration
	dialer       websocket.Dialer
}

// NewTransport creates a transport with defaults.
func NewTransport() *Transport {
	return &Transport{
		logger:       zap.NewNop(),
		readLimit:    DefaultReadLimit,
		closeTimeout: 5 * time.Second,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// WithLogger sets the logger for the transport.
func (t *Transport) WithLogger(logger *zap.Logger) *Transport {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// WithReadLimit sets the maximum size of an inbound message.
func (t *Transport) WithReadLimit(limit int64) *Transport {
	if limit > 0 {
		t.readLimit = limit
	}
	return t
}

// WithCompression enables permessage-deflate negotiation.
func (t *Transport) WithCompression(enabled bool) *Transport {
	t.dialer.EnableCompression = enabled
	return t
}

// WithCloseTimeout bounds how long Close waits for the peer's close frame.
func (t *Transport) WithCloseTimeout(timeout time.Duration) *Transport {
	if timeout > 0 {
		t.closeTimeout = timeout
	}
	return t
}

// Dial implements gateway.Transport.
func (t *Transport) Dial(ctx context.Context, url string, header http.Header) (gateway.Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to WebSocket (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	conn.SetReadLimit(t.readLimit)

	t.logger.Debug("WebSocket connected", zap.String("url", url))
	return &Conn{
		conn:         conn,
		closeTimeout: t.closeTimeout,
		readDone:     make(chan struct{}),
	}, nil
}

// Conn adapts a *websocket.Conn to gateway.Conn. gorilla has no context
// support, so cancellation and deadlines are mapped onto read and write
// deadlines.
type Conn struct {
	conn         *websocket.Conn
	closeTimeout time.Duration

	readOnce sync.Once
	readDone chan struct{}
}

// Read implements gateway.Conn. Close frames are returned as *gateway.CloseError.
func (c *Conn) Read(ctx context.Context) (gateway.FrameType, []byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		c.readOnce.Do(func() { close(c.readDone) })

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return 0, nil, &gateway.CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, err
	}
	if typ == websocket.BinaryMessage {
		return gateway.FrameBinary, data, nil
	}
	return gateway.FrameText, data, nil
}

// Write implements gateway.Conn.
func (c *Conn) Write(ctx context.Context, frameType gateway.FrameType, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	typ := websocket.TextMessage
	if frameType == gateway.FrameBinary {
		typ = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(typ, data)
}

// Close sends a close frame and waits for the reader to see the peer's
// answer, then releases the connection.
func (c *Conn) Close(code int, reason string) error {
	deadline := time.Now().Add(c.closeTimeout)
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err == nil {
		select {
		case <-c.readDone:
		case <-time.After(c.closeTimeout):
		}
	}
	if closeErr := c.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}

// CloseNow implements gateway.Conn.
func (c *Conn) CloseNow() error {
	return c.conn.Close()
}
