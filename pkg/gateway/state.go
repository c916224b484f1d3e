package gateway

import (
	"fmt"
	"time"
)

// State is the connection state of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes s by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// handshaking reports whether s is waiting on the server to finish the handshake.
func (s State) handshaking() bool {
	return s == StateAwaitingHello || s == StateIdentifying || s == StateResuming
}

// Identity is what the session needs to resume.
type Identity struct {
	SessionID    string
	LastSequence int64
	HasSequence  bool
	ResumeURL    string
}

// Resumable reports whether the identity can be used for a resume.
func (i Identity) Resumable() bool {
	return i.SessionID != ""
}

// observe records seq if it is newer than anything seen so far.
func (i *Identity) observe(seq int64) {
	if !i.HasSequence || seq > i.LastSequence {
		i.LastSequence = seq
		i.HasSequence = true
	}
}

// StateChange is the payload published under KindState.
type StateChange struct {
	From State
	To   State
}

// Reconnecting is the payload published under KindReconnecting.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
	Resume  bool
	Cause   error
}

// Closed is the payload published once under KindClosed.
type Closed struct {
	Cause error
}

// HeartbeatState is a snapshot of the heartbeat controller.
type HeartbeatState struct {
	Interval   time.Duration
	LastSentAt time.Time
	LastAckAt  time.Time
	AckPending bool
}

// Latency is the time between the last heartbeat and its ack, or zero if
// no ack has been seen for it yet.
func (h HeartbeatState) Latency() time.Duration {
	if h.AckPending || h.LastAckAt.IsZero() || h.LastAckAt.Before(h.LastSentAt) {
		return 0
	}
	return h.LastAckAt.Sub(h.LastSentAt)
}
