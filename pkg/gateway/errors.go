package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies session failures.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindDecode
	KindHandshakeTimeout
	KindZombieConnection
	KindAuthFailure
	KindSessionInvalidated
	KindRateLimited
	KindNotConnected
	KindReconnectExhausted
	KindShutdown
)

var (
	ErrTransport          = errors.New("transport error")
	ErrDecode             = errors.New("decode error")
	ErrHandshakeTimeout   = errors.New("handshake timeout")
	ErrZombieConnection   = errors.New("zombie connection")
	ErrAuthFailure        = errors.New("authentication failure")
	ErrSessionInvalidated = errors.New("session invalidated")
	ErrRateLimited        = errors.New("rate limited")
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrShutdown           = errors.New("session shut down")
)

var kindSentinels = map[ErrorKind]error{
	KindTransport:          ErrTransport,
	KindDecode:             ErrDecode,
	KindHandshakeTimeout:   ErrHandshakeTimeout,
	KindZombieConnection:   ErrZombieConnection,
	KindAuthFailure:        ErrAuthFailure,
	KindSessionInvalidated: ErrSessionInvalidated,
	KindRateLimited:        ErrRateLimited,
	KindNotConnected:       ErrNotConnected,
	KindReconnectExhausted: ErrReconnectExhausted,
	KindShutdown:           ErrShutdown,
}

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindZombieConnection:
		return "zombie_connection"
	case KindAuthFailure:
		return "auth_failure"
	case KindSessionInvalidated:
		return "session_invalidated"
	case KindRateLimited:
		return "rate_limited"
	case KindNotConnected:
		return "not_connected"
	case KindReconnectExhausted:
		return "reconnect_exhausted"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes k by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a name produced by MarshalText.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	kind, err := ParseErrorKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) (ErrorKind, error) {
	for k := range kindSentinels {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown error kind %q", s)
}

// Error is the error type reported by a Session. errors.Is matches it
// against the sentinel of its Kind.
type Error struct {
	Kind ErrorKind

	// Code and Reason come from the transport close frame, if any.
	Code   int
	Reason string

	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration

	// Resumable reports whether the session identity survived the failure.
	Resumable bool

	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		msg = sentinel.Error()
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (close %d", msg, e.Code)
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
		msg += ")"
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s, retry after %s", msg, e.RetryAfter)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// MarshalJSON encodes the error with its message, so wrapped errors
// without exported fields are not lost.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind       ErrorKind `json:"kind"`
		Code       int       `json:"code,omitempty"`
		Reason     string    `json:"reason,omitempty"`
		RetryAfter string    `json:"retry_after,omitempty"`
		Resumable  bool      `json:"resumable"`
		Message    string    `json:"message"`
	}{
		Kind:       e.Kind,
		Code:       e.Code,
		Reason:     e.Reason,
		RetryAfter: durationString(e.RetryAfter),
		Resumable:  e.Resumable,
		Message:    e.Error(),
	})
}

func durationString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == kindSentinels[e.Kind]
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the ErrorKind carried by err, or KindTransport when err is
// not a session error.
func KindOf(err error) ErrorKind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if errors.Is(err, ErrDecode) {
		return KindDecode
	}
	return KindTransport
}
