// Package gateway implements a client session for a resumable real-time
// event gateway: it identifies or resumes, keeps the connection alive with
// heartbeats, reconnects according to close codes, and publishes every
// event to a Publisher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/o11y"
)

var errReconnectRequested = errors.New("server requested reconnect")

// maxHeartbeatInterval is the largest interval, in milliseconds, that fits
// in a time.Duration.
const maxHeartbeatInterval = math.MaxInt64 / int64(time.Millisecond)

type eventKind int

const (
	evFrame eventKind = iota
	evReadError
	evZombie
	evHeartbeatError
	evAction
)

// controlEvent is the only way other goroutines talk to the control goroutine.
type controlEvent struct {
	kind   eventKind
	gen    uint64
	env    Envelope
	err    error
	action *actionRequest
}

type actionRequest struct {
	ctx   context.Context
	env   Envelope
	reply chan error
}

// outcome is how a connection ended and what happens next.
type outcome struct {
	action    CloseAction
	err       *Error
	immediate bool
}

func shutdownOutcome() outcome {
	return outcome{action: CloseTerminal, err: newError(KindShutdown, nil)}
}

type connection struct {
	gen         uint64
	conn        Conn
	sender      *sender
	cancel      context.CancelFunc
	readerDone  chan struct{}
	resume      bool
	peerClosed  bool
	connectedAt time.Time
}

// Session is one logical gateway session. It is created by SessionBuilder,
// started once, and ends in StateClosed. A new Session is needed after that.
type Session struct {
	id                   string
	url                  string
	token                string
	identify             Identify
	header               http.Header
	transport            Transport
	codec                Codec
	publisher            Publisher
	logger               *zap.Logger
	monitor              SessionMonitor
	metrics              *SessionMetrics
	tracer               o11y.TracingProvider
	maxReconnectAttempts int
	closeCodes           CloseCodeTable
	dialTimeout          time.Duration
	handshakeTimeout     time.Duration
	writeTimeout         time.Duration
	closeTimeout         time.Duration
	rateLimitRetryAfter  time.Duration

	state   atomic.Int32
	started atomic.Bool

	identityMu sync.RWMutex
	identity   Identity

	events     chan controlEvent
	stopCtx    context.Context
	stopCancel context.CancelFunc
	stopWatch  func() bool
	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{}
	err        error

	// Owned by the control goroutine.
	backoff  *Backoff
	hb       *heartbeater
	gen      uint64
	failures int
}

// ID returns the instance id used in logs and traces.
func (s *Session) ID() string {
	return s.id
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Identity returns a snapshot of the session identity.
func (s *Session) Identity() Identity {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.identity
}

// Heartbeat returns a snapshot of the heartbeat state of the current connection.
func (s *Session) Heartbeat() HeartbeatState {
	return s.hb.snapshot()
}

// Start connects in the background. Cancelling ctx has the same effect as Stop.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("session already started")
	}

	s.stopWatch = context.AfterFunc(ctx, s.Stop)
	s.logger.Info("Starting gateway session",
		zap.String("url", s.url),
		zap.String("token", redact(s.token)),
		zap.Int64("intents", s.identify.Intents))

	go s.run()
	return nil
}

// Stop ends the session: pending waits are cancelled, a close frame is sent
// if a connection is open, and no reconnect is attempted. Stop does not
// block; use Wait to wait for the session to end.
func (s *Session) Stop() {
	s.stopCancel()
	if s.started.CompareAndSwap(false, true) {
		s.finish(newError(KindShutdown, nil))
	}
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil while it is running.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the session ends and returns Err.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready blocks until the session is Connected for the first time.
func (s *Session) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	default:
	}

	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAction sends an outbound action. It is only accepted while the
// session is Connected; otherwise an error of KindNotConnected is returned.
func (s *Session) SendAction(ctx context.Context, op Opcode, data any) error {
	if !op.Outbound() {
		return fmt.Errorf("opcode %s cannot be sent as an action", op)
	}
	if s.State() != StateConnected {
		return newError(KindNotConnected, nil)
	}

	env, err := newEnvelope(op, data)
	if err != nil {
		return err
	}

	req := &actionRequest{ctx: ctx, env: env, reply: make(chan error, 1)}
	select {
	case s.events <- controlEvent{kind: evAction, action: req}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return newError(KindNotConnected, ErrShutdown)
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return newError(KindNotConnected, ErrShutdown)
	}
}

// UpdatePresence sends a presence update.
func (s *Session) UpdatePresence(ctx context.Context, presence PresenceUpdate) error {
	if presence.Activities == nil {
		presence.Activities = []Activity{}
	}
	return s.SendAction(ctx, OpPresenceUpdate, presence)
}

// UpdateVoiceState joins, moves or leaves a voice channel.
func (s *Session) UpdateVoiceState(ctx context.Context, update VoiceStateUpdate) error {
	return s.SendAction(ctx, OpVoiceStateUpdate, update)
}

// RequestGuildMembers asks for a guild member chunk.
func (s *Session) RequestGuildMembers(ctx context.Context, req RequestGuildMembers) error {
	if req.Query == nil && len(req.UserIDs) == 0 {
		empty := ""
		req.Query = &empty
	}
	return s.SendAction(ctx, OpRequestGuildMembers, req)
}

func (s *Session) run() {
	for {
		out := s.connect()
		if out.action == CloseTerminal {
			s.finish(out.err)
			return
		}
		if out.action == CloseReidentify {
			s.setIdentity(Identity{})
		}

		s.failures++
		if s.maxReconnectAttempts > 0 && s.failures > s.maxReconnectAttempts {
			s.finish(&Error{Kind: KindReconnectExhausted, Err: out.err})
			return
		}

		var delay time.Duration
		if !out.immediate {
			delay = s.backoff.Next()
		}
		resume := s.Identity().Resumable()

		s.setState(StateReconnecting)
		s.metrics.RecordReconnect(context.Background(), out.err.Kind)
		s.logger.Info("Reconnecting to gateway",
			zap.Int("attempt", s.failures),
			zap.Duration("delay", delay),
			zap.Bool("resume", resume),
			zap.Error(out.err))
		s.publish(KindReconnecting, Reconnecting{Attempt: s.failures, Delay: delay, Resume: resume, Cause: out.err})

		if !s.sleep(delay) {
			s.finish(newError(KindShutdown, nil))
			return
		}
	}
}

// sleep waits for delay, rejecting actions meanwhile. It returns false if
// the session was stopped.
func (s *Session) sleep(delay time.Duration) bool {
	if s.stopCtx.Err() != nil {
		return false
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCtx.Done():
			return false
		case <-timer.C:
			return true
		case ev := <-s.events:
			if ev.kind == evAction {
				ev.action.reply <- newError(KindNotConnected, nil)
			}
		}
	}
}

// connect runs one connection from dial to teardown.
func (s *Session) connect() outcome {
	if s.stopCtx.Err() != nil {
		return shutdownOutcome()
	}

	identity := s.Identity()
	resume := identity.Resumable()

	s.setState(StateConnecting)
	s.metrics.RecordConnectAttempt(context.Background(), resume)

	ctx, span := s.startSpan(context.Background(), "gateway.connection")
	if span != nil {
		span.SetAttributes(o11y.L("session", s.id), o11y.L("resume", fmt.Sprint(resume)))
	}

	dialCtx, cancel := context.WithTimeout(s.stopCtx, s.dialTimeout)
	conn, err := s.transport.Dial(dialCtx, s.dialURL(identity, resume), s.header.Clone())
	cancel()
	if err != nil {
		if s.stopCtx.Err() != nil {
			o11y.EndSpan(span, nil)
			return shutdownOutcome()
		}
		s.metrics.RecordConnectError(ctx)
		s.logger.Warn("Failed to connect to gateway", zap.Error(err))
		out := outcome{action: CloseResume, err: &Error{Kind: KindTransport, Resumable: resume, Err: fmt.Errorf("dial: %w", err)}}
		o11y.EndSpan(span, out.err)
		return out
	}

	s.gen++
	readCtx, readCancel := context.WithCancel(context.Background())
	c := &connection{
		gen:  s.gen,
		conn: conn,
		sender: &sender{
			conn:    conn,
			codec:   s.codec,
			timeout: s.writeTimeout,
			metrics: s.metrics,
		},
		cancel:     readCancel,
		readerDone: make(chan struct{}),
		resume:     resume,
	}
	go s.read(readCtx, c)

	s.setState(StateAwaitingHello)
	out := s.serve(c)
	s.teardown(c, out)

	if out.err.Kind == KindShutdown {
		o11y.EndSpan(span, nil)
	} else {
		o11y.EndSpan(span, out.err)
	}
	return out
}

func (s *Session) serve(c *connection) outcome {
	handshake := time.NewTimer(s.handshakeTimeout)
	defer handshake.Stop()

	for {
		select {
		case <-s.stopCtx.Done():
			return shutdownOutcome()

		case <-handshake.C:
			if s.State().handshaking() {
				s.logger.Warn("Gateway handshake timed out",
					zap.Stringer("state", s.State()),
					zap.Duration("timeout", s.handshakeTimeout))
				return outcome{action: CloseResume, err: &Error{Kind: KindHandshakeTimeout, Resumable: c.resume}}
			}

		case ev := <-s.events:
			if ev.kind == evAction {
				if out, done := s.handleAction(c, ev.action); done {
					return out
				}
				continue
			}
			if ev.gen != c.gen {
				continue
			}
			if out, done := s.handle(c, ev); done {
				return out
			}
		}
	}
}

func (s *Session) handle(c *connection, ev controlEvent) (outcome, bool) {
	switch ev.kind {
	case evReadError:
		c.peerClosed = true
		return s.classify(ev.err), true
	case evZombie:
		s.metrics.RecordZombie(context.Background())
		s.logger.Warn("Heartbeat not acknowledged, connection is a zombie")
		return outcome{action: CloseResume, err: &Error{Kind: KindZombieConnection, Resumable: s.Identity().Resumable()}}, true
	case evHeartbeatError:
		return outcome{action: CloseResume, err: &Error{Kind: KindTransport, Resumable: s.Identity().Resumable(), Err: ev.err}}, true
	case evFrame:
		return s.handleFrame(c, ev.env)
	}
	return outcome{}, false
}

func (s *Session) handleFrame(c *connection, env Envelope) (outcome, bool) {
	ctx := context.Background()

	switch env.Op {
	case OpHello:
		if s.State() != StateAwaitingHello {
			s.logger.Warn("Ignoring unexpected hello", zap.Stringer("state", s.State()))
			return outcome{}, false
		}
		hello, err := decodeData[Hello](env)
		if err != nil || hello.HeartbeatInterval <= 0 || hello.HeartbeatInterval > maxHeartbeatInterval {
			s.logger.Warn("Ignoring malformed hello", zap.Error(err))
			return outcome{}, false
		}
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		s.hb.start(interval, s.heartbeatHooks(c))
		s.logger.Debug("Received hello", zap.Duration("heartbeat_interval", interval))

		if err := s.handshake(ctx, c); err != nil {
			return outcome{action: CloseResume, err: &Error{Kind: KindTransport, Resumable: c.resume, Err: err}}, true
		}

	case OpHeartbeatAck:
		latency := s.hb.onAck()
		s.metrics.RecordHeartbeatAck(ctx, latency)

	case OpHeartbeat:
		if err := s.hb.beatNow(s.stopCtx, s.heartbeatSend(c)); err != nil {
			return outcome{action: CloseResume, err: &Error{Kind: KindTransport, Resumable: s.Identity().Resumable(), Err: err}}, true
		}

	case OpReconnect:
		s.logger.Info("Server requested reconnect")
		return outcome{
			action:    CloseResume,
			err:       &Error{Kind: KindTransport, Resumable: s.Identity().Resumable(), Err: errReconnectRequested},
			immediate: true,
		}, true

	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(env.Data, &resumable)
		resumable = resumable && s.Identity().Resumable()

		s.logger.Info("Session invalidated", zap.Bool("resumable", resumable))
		out := outcome{action: CloseReidentify, err: &Error{Kind: KindSessionInvalidated, Resumable: resumable}}
		if resumable {
			out.action = CloseResume
			out.immediate = true
		}
		return out, true

	case OpDispatch:
		s.handleDispatch(c, env)

	default:
		s.logger.Debug("Ignoring client-only opcode from server", zap.Stringer("op", env.Op))
	}

	return outcome{}, false
}

func (s *Session) handshake(ctx context.Context, c *connection) error {
	if c.resume {
		identity := s.Identity()
		s.setState(StateResuming)
		env, err := newEnvelope(OpResume, Resume{
			Token:     s.token,
			SessionID: identity.SessionID,
			Seq:       identity.LastSequence,
		})
		if err != nil {
			return err
		}
		s.logger.Info("Resuming gateway session",
			zap.String("gateway_session", identity.SessionID),
			zap.Int64("seq", identity.LastSequence))
		return c.sender.send(ctx, env)
	}

	s.setIdentity(Identity{})
	s.setState(StateIdentifying)
	identify := s.identify
	identify.Token = s.token
	env, err := newEnvelope(OpIdentify, identify)
	if err != nil {
		return err
	}
	s.logger.Info("Identifying")
	return c.sender.send(ctx, env)
}

func (s *Session) handleDispatch(c *connection, env Envelope) {
	var seq int64
	if env.Seq != nil {
		seq = *env.Seq
		s.updateIdentity(func(id *Identity) { id.observe(seq) })
	}

	switch env.Type {
	case EventReady:
		ready, err := decodeData[Ready](env)
		if err != nil {
			s.logger.Warn("Ignoring malformed READY", zap.Error(err))
			break
		}
		s.updateIdentity(func(id *Identity) {
			id.SessionID = ready.SessionID
			id.ResumeURL = ready.ResumeGatewayURL
		})
		s.connected(c)
		s.publish(KindReady, ready)

	case EventResumed:
		if s.State() == StateResuming {
			s.connected(c)
			s.publish(KindResumed, s.Identity())
		}
	}

	s.metrics.RecordDispatch(context.Background(), env.Type)
	s.publish(DispatchKind(env.Type), Event{Type: env.Type, Seq: seq, Data: env.Data})
}

func (s *Session) handleAction(c *connection, req *actionRequest) (outcome, bool) {
	if s.State() != StateConnected {
		req.reply <- newError(KindNotConnected, nil)
		return outcome{}, false
	}
	if err := req.ctx.Err(); err != nil {
		req.reply <- err
		return outcome{}, false
	}

	err := c.sender.send(s.stopCtx, req.env)
	req.reply <- err
	if err != nil {
		return outcome{action: CloseResume, err: &Error{Kind: KindTransport, Resumable: s.Identity().Resumable(), Err: err}}, true
	}
	return outcome{}, false
}

func (s *Session) connected(c *connection) {
	s.backoff.Reset()
	s.failures = 0
	c.connectedAt = time.Now()

	s.setState(StateConnected)
	s.readyOnce.Do(func() { close(s.ready) })

	identity := s.Identity()
	s.logger.Info("Gateway session connected",
		zap.String("gateway_session", identity.SessionID),
		zap.Bool("resumed", c.resume))
	s.publish(KindConnected, identity)
}

// classify turns a read error into an outcome using the close code table.
func (s *Session) classify(err error) outcome {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		s.logger.Warn("Gateway connection lost", zap.Error(err))
		return outcome{action: CloseResume, err: &Error{Kind: KindTransport, Resumable: s.Identity().Resumable(), Err: err}}
	}

	rule := s.closeCodes.Classify(closeErr.Code)
	gwErr := &Error{
		Kind:      rule.Kind,
		Code:      closeErr.Code,
		Reason:    closeErr.Reason,
		Resumable: rule.Action == CloseResume && s.Identity().Resumable(),
		Err:       err,
	}
	if rule.Kind == KindRateLimited {
		gwErr.RetryAfter = retryAfter(closeErr.Reason, s.rateLimitRetryAfter)
	}

	s.logger.Info("Gateway connection closed",
		zap.Int("code", closeErr.Code),
		zap.String("reason", closeErr.Reason),
		zap.Stringer("action", rule.Action))
	return outcome{action: rule.Action, err: gwErr}
}

func (s *Session) teardown(c *connection, out outcome) {
	s.hb.stop()

	code, reason := CloseReconnect, "reconnecting"
	if out.action != CloseResume {
		code, reason = CloseNormal, "closing"
	}
	if !c.peerClosed {
		s.closeConn(c.conn, code, reason)
	}

	c.cancel()
	select {
	case <-c.readerDone:
	case <-time.After(s.closeTimeout):
		s.logger.Warn("Abandoning gateway connection after close timeout")
		_ = c.conn.CloseNow()
		<-c.readerDone
	}
	_ = c.conn.CloseNow()

	if !c.connectedAt.IsZero() {
		s.metrics.RecordConnectionEnd(context.Background(), time.Since(c.connectedAt))
	}
}

func (s *Session) closeConn(conn Conn, code int, reason string) {
	done := make(chan error, 1)
	go func() {
		done <- conn.Close(code, reason)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Debug("Close handshake failed", zap.Error(err))
		}
	case <-time.After(s.closeTimeout):
		s.logger.Warn("Close handshake timed out", zap.Duration("timeout", s.closeTimeout))
		_ = conn.CloseNow()
	}
}

func (s *Session) finish(cause *Error) {
	s.setState(StateClosed)
	s.setIdentity(Identity{})
	s.err = cause

	if cause.Kind == KindShutdown {
		s.logger.Info("Gateway session stopped")
	} else {
		s.logger.Error("Gateway session ended", zap.Error(cause))
	}
	s.publish(KindClosed, Closed{Cause: cause})
	if s.monitor != nil {
		s.monitor.OnSessionEnded(context.Background(), s, cause)
	}

	s.stopCancel()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	close(s.done)
}

func (s *Session) read(ctx context.Context, c *connection) {
	defer close(c.readerDone)

	for {
		frameType, data, err := c.conn.Read(ctx)
		if err != nil {
			s.post(ctx, controlEvent{kind: evReadError, gen: c.gen, err: err})
			return
		}

		env, err := s.codec.Decode(frameType, data)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				s.metrics.RecordDecodeError(ctx, decodeErr.Kind)
			}
			s.logger.Warn("Dropping undecodable frame", zap.Int("size", len(data)), zap.Error(err))
			continue
		}
		s.metrics.RecordFrameReceived(ctx, env.Op, len(data))

		if !s.post(ctx, controlEvent{kind: evFrame, gen: c.gen, env: env}) {
			return
		}
	}
}

func (s *Session) post(ctx context.Context, ev controlEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) heartbeatSend(c *connection) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		data := json.RawMessage("null")
		if identity := s.Identity(); identity.HasSequence {
			data = json.RawMessage(fmt.Sprint(identity.LastSequence))
		}
		return c.sender.send(ctx, Envelope{Op: OpHeartbeat, Data: data})
	}
}

func (s *Session) heartbeatHooks(c *connection) heartbeatHooks {
	return heartbeatHooks{
		send: s.heartbeatSend(c),
		zombie: func(ctx context.Context) {
			s.post(ctx, controlEvent{kind: evZombie, gen: c.gen})
		},
		sendError: func(ctx context.Context, err error) {
			s.post(ctx, controlEvent{kind: evHeartbeatError, gen: c.gen, err: err})
		},
	}
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}

	s.logger.Debug("State change", zap.Stringer("from", from), zap.Stringer("to", to))
	s.metrics.RecordState(context.Background(), to)
	if s.monitor != nil {
		s.monitor.OnStateChange(context.Background(), s, from, to)
	}
	s.publish(KindState, StateChange{From: from, To: to})
}

func (s *Session) setIdentity(identity Identity) {
	s.identityMu.Lock()
	s.identity = identity
	s.identityMu.Unlock()
}

func (s *Session) updateIdentity(fn func(*Identity)) {
	s.identityMu.Lock()
	fn(&s.identity)
	s.identityMu.Unlock()
}

// publish hands an event to the publisher. Once the session is stopping,
// it waits at most closeTimeout.
func (s *Session) publish(kind string, payload any) {
	ctx := s.stopCtx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), s.closeTimeout)
		defer cancel()
	}

	if err := s.publisher.Publish(ctx, kind, payload); err != nil {
		s.logger.Debug("Failed to publish event", zap.String("kind", kind), zap.Error(err))
	}
}

func (s *Session) startSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.StartSpan(ctx, name)
}

// dialURL picks the resume URL from READY when resuming, keeping the query
// parameters of the configured URL.
func (s *Session) dialURL(identity Identity, resume bool) string {
	if !resume || identity.ResumeURL == "" {
		return s.url
	}

	resumeURL, err := url.Parse(identity.ResumeURL)
	if err != nil {
		return s.url
	}
	if resumeURL.RawQuery == "" {
		if base, err := url.Parse(s.url); err == nil {
			resumeURL.RawQuery = base.RawQuery
		}
	}
	return resumeURL.String()
}

func redact(token string) string {
	if token == "" {
		return ""
	}
	return fmt.Sprintf("[redacted %d chars]", len(token))
}
