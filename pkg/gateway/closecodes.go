package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CloseAction is what the session does after a connection closes.
type CloseAction int

const (
	// CloseResume keeps the session identity and resumes.
	CloseResume CloseAction = iota
	// CloseReidentify discards the session identity and identifies again.
	CloseReidentify
	// CloseTerminal ends the session.
	CloseTerminal
)

func (a CloseAction) String() string {
	switch a {
	case CloseResume:
		return "resume"
	case CloseReidentify:
		return "reidentify"
	case CloseTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseCloseAction parses "resume", "reidentify" or "terminal".
func ParseCloseAction(s string) (CloseAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "resume":
		return CloseResume, nil
	case "reidentify":
		return CloseReidentify, nil
	case "terminal":
		return CloseTerminal, nil
	}
	return 0, fmt.Errorf("unknown close action %q", s)
}

// CloseRule classifies one close code.
type CloseRule struct {
	Action      CloseAction
	Kind        ErrorKind
	Description string
}

// CloseCodeTable maps close codes to rules. Codes without an entry resume.
type CloseCodeTable map[int]CloseRule

var unknownCloseRule = CloseRule{Action: CloseResume, Kind: KindTransport, Description: "unknown"}

// DefaultCloseCodeTable returns the close codes of the gateway protocol.
func DefaultCloseCodeTable() CloseCodeTable {
	return CloseCodeTable{
		1000: {CloseResume, KindTransport, "normal closure"},
		1001: {CloseResume, KindTransport, "going away"},
		4000: {CloseResume, KindTransport, "unknown error"},
		4001: {CloseResume, KindTransport, "unknown opcode"},
		4002: {CloseTerminal, KindSessionInvalidated, "decode error"},
		4003: {CloseResume, KindTransport, "not authenticated"},
		4004: {CloseTerminal, KindAuthFailure, "authentication failed"},
		4005: {CloseResume, KindTransport, "already authenticated"},
		4007: {CloseReidentify, KindSessionInvalidated, "invalid seq"},
		4008: {CloseTerminal, KindRateLimited, "rate limited"},
		4009: {CloseReidentify, KindSessionInvalidated, "session timed out"},
		4010: {CloseTerminal, KindAuthFailure, "invalid shard"},
		4011: {CloseTerminal, KindAuthFailure, "sharding required"},
		4012: {CloseTerminal, KindAuthFailure, "invalid API version"},
		4013: {CloseTerminal, KindAuthFailure, "invalid intents"},
		4014: {CloseTerminal, KindAuthFailure, "disallowed intents"},
	}
}

// Classify returns the rule for code.
func (t CloseCodeTable) Classify(code int) CloseRule {
	if rule, ok := t[code]; ok {
		return rule
	}
	return unknownCloseRule
}

// Clone returns a copy of t that can be modified independently.
func (t CloseCodeTable) Clone() CloseCodeTable {
	out := make(CloseCodeTable, len(t))
	for code, rule := range t {
		out[code] = rule
	}
	return out
}

// With returns a copy of t with the given overrides applied.
func (t CloseCodeTable) With(overrides CloseCodeTable) CloseCodeTable {
	out := t.Clone()
	for code, rule := range overrides {
		out[code] = rule
	}
	return out
}

// retryAfter reads a number of seconds from a close reason such as
// "rate limited, retry after 30" and falls back to def.
func retryAfter(reason string, def time.Duration) time.Duration {
	fields := strings.FieldsFunc(reason, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r == '.')
	})
	for i := len(fields) - 1; i >= 0; i-- {
		if secs, err := strconv.ParseFloat(fields[i], 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return def
}
