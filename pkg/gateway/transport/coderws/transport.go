// Package coderws implements gateway.Transport with github.com/coder/websocket.
package coderws

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/gateway"
)

// DefaultReadLimit fits the largest READY payloads.
const DefaultReadLimit = 16 << 20

// Transport dials gateway connections with coder/websocket.
type Transport struct {
	logger      *zap.Logger
	readLimit   int64
	compression websocket.CompressionMode
	httpClient  *http.Client
}

// NewTransport creates a transport with defaults.
func NewTransport() *Transport {
	return &Transport{
		logger:      zap.NewNop(),
		readLimit:   DefaultReadLimit,
		compression: websocket.CompressionDisabled,
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
	if enabled {
		t.compression = websocket.CompressionContextTakeover
	} else {
		t.compression = websocket.CompressionDisabled
	}
	return t
}

// WithHTTPClient sets the client used for the opening handshake.
func (t *Transport) WithHTTPClient(client *http.Client) *Transport {
	t.httpClient = client
	return t
}

// Dial implements gateway.Transport.
func (t *Transport) Dial(ctx context.Context, url string, header http.Header) (gateway.Conn, error) {
	dialOptions := &websocket.DialOptions{
		HTTPClient:      t.httpClient,
		CompressionMode: t.compression,
	}
	if len(header) > 0 {
		dialOptions.HTTPHeader = header.Clone()
	}

	conn, resp, err := websocket.Dial(ctx, url, dialOptions)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to WebSocket (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	conn.SetReadLimit(t.readLimit)

	t.logger.Debug("WebSocket connected", zap.String("url", url))
	return &Conn{conn: conn}, nil
}

// Conn adapts a *websocket.Conn to gateway.Conn.
type Conn struct {
	conn *websocket.Conn
}

// Read implements gateway.Conn. Close frames are returned as *gateway.CloseError.
func (c *Conn) Read(ctx context.Context) (gateway.FrameType, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return 0, nil, &gateway.CloseError{Code: int(closeErr.Code), Reason: closeErr.Reason}
		}
		return 0, nil, err
	}
	return frameType(typ), data, nil
}

// Write implements gateway.Conn.
func (c *Conn) Write(ctx context.Context, frameType gateway.FrameType, data []byte) error {
	return c.conn.Write(ctx, messageType(frameType), data)
}

// Close implements gateway.Conn.
func (c *Conn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// CloseNow implements gateway.Conn.
func (c *Conn) CloseNow() error {
	return c.conn.CloseNow()
}

func frameType(typ websocket.MessageType) gateway.FrameType {
	if typ == websocket.MessageBinary {
		return gateway.FrameBinary
	}
	return gateway.FrameText
}

func messageType(frameType gateway.FrameType) websocket.MessageType {
	if frameType == gateway.FrameBinary {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}
