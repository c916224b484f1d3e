package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// FrameType is the type of a transport frame.
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
)

// Close codes used by the session itself.
const (
	// CloseNormal ends the server-side session.
	CloseNormal = 1000
	// CloseReconnect keeps the server-side session resumable.
	CloseReconnect = 4000
)

// Transport opens framed connections to the gateway.
type Transport interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Conn is one framed connection. Read is called from a single goroutine;
// Write calls are serialized by the session.
type Conn interface {
	// Read blocks for the next frame. A close frame from the peer is
	// returned as a *CloseError.
	Read(ctx context.Context) (FrameType, []byte, error)
	Write(ctx context.Context, frameType FrameType, data []byte) error
	// Close sends a close frame and waits for the peer to answer.
	Close(code int, reason string) error
	// CloseNow releases the connection without a handshake.
	CloseNow() error
}

// CloseError reports a connection closed by a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// sender is the single write path of a connection.
type sender struct {
	mu      sync.Mutex
	conn    Conn
	codec   Codec
	timeout time.Duration
	metrics *SessionMetrics
}

func (s *sender) send(ctx context.Context, env Envelope) error {
	data, err := s.codec.Encode(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.conn.Write(writeCtx, FrameText, data); err != nil {
		if writeCtx.Err() == context.DeadlineExceeded {
			s.metrics.RecordWriteTimeout(ctx)
		}
		return newError(KindTransport, fmt.Errorf("failed to send %s: %w", env.Op, err))
	}
	s.metrics.RecordFrameSent(ctx, env.Op, len(data))
	return nil
}
