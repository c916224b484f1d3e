package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("fake connection closed")

type fakeFrame struct {
	frameType FrameType
	data      []byte
	err       error
}

// fakeConn is an in-memory connection. The test plays the server through
// the push and expect helpers.
type fakeConn struct {
	inbound  chan fakeFrame
	outbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeCode atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan fakeFrame, 64),
		outbound: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (FrameType, []byte, error) {
	select {
	case f := <-c.inbound:
		if f.err != nil {
			return 0, nil, f.err
		}
		return f.frameType, f.data, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, frameType FrameType, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	select {
	case c.outbound <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeCode.Store(int32(code))
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) CloseNow() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, env Envelope) {
	t.Helper()
	data, err := JSONCodec{}.Encode(env)
	require.NoError(t, err)
	c.inbound <- fakeFrame{frameType: FrameText, data: data}
}

func (c *fakeConn) pushRaw(data string) {
	c.inbound <- fakeFrame{frameType: FrameText, data: []byte(data)}
}

func (c *fakeConn) hello(t *testing.T, intervalMillis int64) {
	t.Helper()
	env, err := newEnvelope(OpHello, Hello{HeartbeatInterval: intervalMillis})
	require.NoError(t, err)
	c.push(t, env)
}

func (c *fakeConn) dispatch(t *testing.T, name string, seq int64, data any) {
	t.Helper()
	env, err := newEnvelope(OpDispatch, data)
	require.NoError(t, err)
	env.Type = name
	env.Seq = &seq
	c.push(t, env)
}

func (c *fakeConn) closeWith(code int, reason string) {
	c.inbound <- fakeFrame{err: &CloseError{Code: code, Reason: reason}}
}

// expectOp returns the next envelope written with op, skipping others.
func (c *fakeConn) expectOp(t *testing.T, op Opcode) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.outbound:
			env, err := JSONCodec{}.Decode(FrameText, data)
			require.NoError(t, err)
			if env.Op == op {
				return env
			}
		case <-deadline:
			require.FailNow(t, "timed out waiting for envelope", "op %s", op)
		}
	}
}

// drain returns every envelope written so far.
func (c *fakeConn) drain(t *testing.T) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case data := <-c.outbound:
			env, err := JSONCodec{}.Decode(FrameText, data)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

type fakeTransport struct {
	conns chan *fakeConn
	urls  chan string
	dials atomic.Int32

	mu      sync.Mutex
	dialErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		conns: make(chan *fakeConn, 16),
		urls:  make(chan string, 16),
	}
}

func (tr *fakeTransport) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	tr.dials.Add(1)
	select {
	case tr.urls <- url:
	default:
	}
	tr.mu.Lock()
	err := tr.dialErr
	tr.mu.Unlock()
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	tr.conns <- conn
	return conn, nil
}

func (tr *fakeTransport) failDials(err error) {
	tr.mu.Lock()
	tr.dialErr = err
	tr.mu.Unlock()
}

func (tr *fakeTransport) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-tr.conns:
		return conn
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for dial")
		return nil
	}
}

func (tr *fakeTransport) nextURL(t *testing.T) string {
	t.Helper()
	select {
	case url := <-tr.urls:
		return url
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for dial URL")
		return ""
	}
}

type recordedEvent struct {
	kind    string
	payload any
}

// recorder is a Publisher that keeps everything it is given.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) Publish(ctx context.Context, kind string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: kind, payload: payload})
	return nil
}

func (r *recorder) all(kind string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e.payload)
		}
	}
	return out
}

func (r *recorder) count(kind string) int {
	return len(r.all(kind))
}

func (r *recorder) last(kind string) any {
	all := r.all(kind)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
