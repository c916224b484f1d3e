package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCloseCodeTable(t *testing.T) {
	table := DefaultCloseCodeTable()

	tests := []struct {
		code   int
		action CloseAction
		kind   ErrorKind
	}{
		{1000, CloseResume, KindTransport},
		{1001, CloseResume, KindTransport},
		{1006, CloseResume, KindTransport},
		{4000, CloseResume, KindTransport},
		{4001, CloseResume, KindTransport},
		{4002, CloseTerminal, KindSessionInvalidated},
		{4003, CloseResume, KindTransport},
		{4004, CloseTerminal, KindAuthFailure},
		{4005, CloseResume, KindTransport},
		{4007, CloseReidentify, KindSessionInvalidated},
		{4008, CloseTerminal, KindRateLimited},
		{4009, CloseReidentify, KindSessionInvalidated},
		{4010, CloseTerminal, KindAuthFailure},
		{4011, CloseTerminal, KindAuthFailure},
		{4012, CloseTerminal, KindAuthFailure},
		{4013, CloseTerminal, KindAuthFailure},
		{4014, CloseTerminal, KindAuthFailure},
		{4999, CloseResume, KindTransport},
		{0, CloseResume, KindTransport},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			rule := table.Classify(tc.code)
			assert.Equal(t, tc.action, rule.Action)
			assert.Equal(t, tc.kind, rule.Kind)
		})
	}
}

func TestCloseCodeTableOverrides(t *testing.T) {
	def := DefaultCloseCodeTable()
	table := def.With(CloseCodeTable{
		4000: {Action: CloseTerminal, Kind: KindAuthFailure},
		4900: {Action: CloseReidentify, Kind: KindSessionInvalidated},
	})

	assert.Equal(t, CloseTerminal, table.Classify(4000).Action)
	assert.Equal(t, CloseReidentify, table.Classify(4900).Action)
	assert.Equal(t, CloseResume, def.Classify(4000).Action, "base table must not change")
}

func TestParseCloseAction(t *testing.T) {
	for _, action := range []CloseAction{CloseResume, CloseReidentify, CloseTerminal} {
		parsed, err := ParseCloseAction(" " + action.String() + " ")
		require.NoError(t, err)
		assert.Equal(t, action, parsed)
	}

	_, err := ParseCloseAction("retry")
	assert.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	def := 60 * time.Second
	assert.Equal(t, 30*time.Second, retryAfter("rate limited, retry after 30", def))
	assert.Equal(t, 1500*time.Millisecond, retryAfter("1.5", def))
	assert.Equal(t, def, retryAfter("You are being rate limited.", def))
	assert.Equal(t, def, retryAfter("", def))
}

func TestError(t *testing.T) {
	t.Run("matches the sentinel of its kind", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", &Error{Kind: KindAuthFailure, Code: 4004, Reason: "Authentication failed."})
		assert.ErrorIs(t, err, ErrAuthFailure)
		assert.NotErrorIs(t, err, ErrTransport)
		assert.Equal(t, KindAuthFailure, KindOf(err))
		assert.Equal(t, "wrapped: authentication failure (close 4004: Authentication failed.)", err.Error())
	})

	t.Run("unwraps the cause", func(t *testing.T) {
		cause := errors.New("boom")
		err := &Error{Kind: KindTransport, Err: cause}
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrTransport)
		assert.Equal(t, "transport error: boom", err.Error())
	})

	t.Run("rate limit message", func(t *testing.T) {
		err := &Error{Kind: KindRateLimited, Code: 4008, RetryAfter: 5 * time.Second}
		assert.Equal(t, "rate limited (close 4008), retry after 5s", err.Error())
	})

	t.Run("kind names round trip", func(t *testing.T) {
		for kind := range kindSentinels {
			parsed, err := ParseErrorKind(kind.String())
			require.NoError(t, err)
			assert.Equal(t, kind, parsed)
		}
		_, err := ParseErrorKind("nope")
		assert.Error(t, err)
	})

	t.Run("encodes as readable json", func(t *testing.T) {
		closed := Closed{Cause: &Error{
			Kind:   KindAuthFailure,
			Code:   4004,
			Reason: "Authentication failed.",
			Err:    &CloseError{Code: 4004, Reason: "Authentication failed."},
		}}
		data, err := json.Marshal(closed)
		require.NoError(t, err)
		assert.JSONEq(t, `{"Cause": {
			"kind": "auth_failure",
			"code": 4004,
			"reason": "Authentication failed.",
			"resumable": false,
			"message": "authentication failure (close 4004: Authentication failed.): `+closed.Cause.(*Error).Err.Error()+`"
		}}`, string(data))

		data, err = json.Marshal(&Error{Kind: KindRateLimited, RetryAfter: 5 * time.Second})
		require.NoError(t, err)
		assert.JSONEq(t, `{"kind":"rate_limited","retry_after":"5s","resumable":false,"message":"rate limited, retry after 5s"}`, string(data))

		data, err = json.Marshal(StateChange{From: StateConnected, To: StateReconnecting})
		require.NoError(t, err)
		assert.JSONEq(t, `{"From":"connected","To":"reconnecting"}`, string(data))

		var kind ErrorKind
		require.NoError(t, json.Unmarshal([]byte(`"zombie_connection"`), &kind))
		assert.Equal(t, KindZombieConnection, kind)
		assert.Error(t, json.Unmarshal([]byte(`"nope"`), &kind))
	})

	t.Run("decode errors", func(t *testing.T) {
		assert.Equal(t, KindDecode, KindOf(&DecodeError{Kind: DecodeMalformed}))
		assert.Equal(t, KindTransport, KindOf(errors.New("other")))
	})
}
