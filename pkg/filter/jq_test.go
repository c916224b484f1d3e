package filter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/gateway-client/pkg/dispatch"
	"github.com/tsarna/gateway-client/pkg/gateway"
)

func messageCreate() dispatch.Event {
	return dispatch.Event{
		Kind: "dispatch/MESSAGE_CREATE",
		Payload: gateway.Event{
			Type: "MESSAGE_CREATE",
			Seq:  7,
			Data: json.RawMessage(`{"content":"hello","author":{"username":"ada"}}`),
		},
	}
}

func TestFilterApply(t *testing.T) {
	t.Run("extracts a field from a dispatch event", func(t *testing.T) {
		f, err := Compile(".d.content", nil)
		require.NoError(t, err)

		result, ok, err := f.Apply(context.Background(), messageCreate())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "hello", result)
	})

	t.Run("builds objects and sees $kind", func(t *testing.T) {
		f, err := Compile(`{kind: $kind, who: .d.author.username, seq: .s}`, nil)
		require.NoError(t, err)

		result, ok, err := f.Apply(context.Background(), messageCreate())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, map[string]any{"kind": "dispatch/MESSAGE_CREATE", "who": "ada", "seq": float64(7)}, result)
	})

	t.Run("empty output drops the event", func(t *testing.T) {
		f, err := Compile(`select($kind == "gateway/ready")`, nil)
		require.NoError(t, err)

		_, ok, err := f.Apply(context.Background(), messageCreate())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("several outputs are collected", func(t *testing.T) {
		f, err := Compile(".[]", nil)
		require.NoError(t, err)

		result, ok, err := f.Apply(context.Background(), dispatch.Event{Kind: "k", Payload: []any{1, "two"}})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []any{1, "two"}, result)
	})

	t.Run("pattern fields are available", func(t *testing.T) {
		f, err := Compile("$fields.name", nil)
		require.NoError(t, err)

		event := messageCreate()
		event.Fields = map[string]string{"name": "MESSAGE_CREATE"}
		result, _, err := f.Apply(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, "MESSAGE_CREATE", result)
	})

	t.Run("payload conversions", func(t *testing.T) {
		f, err := Compile(".", nil)
		require.NoError(t, err)

		cases := []struct {
			name    string
			payload any
			want    any
		}{
			{"raw json", json.RawMessage(`{"a":1}`), map[string]any{"a": float64(1)}},
			{"empty raw json", json.RawMessage(nil), nil},
			{"json bytes", []byte(`[1,2]`), []any{float64(1), float64(2)}},
			{"plain bytes", []byte("not json"), "not json"},
			{"plain string", "hello", "hello"},
			{"int64 in a map", map[string]any{"seq": int64(3)}, map[string]any{"seq": float64(3)}},
			{"cty value", cty.ObjectVal(map[string]cty.Value{"op": cty.StringVal("x")}), map[string]any{"op": "x"}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				result, ok, err := f.Apply(context.Background(), dispatch.Event{Kind: "k", Payload: tc.payload})
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, tc.want, result)
			})
		}
	})

	t.Run("structs go through json", func(t *testing.T) {
		f, err := Compile(".t", nil)
		require.NoError(t, err)

		result, ok, err := f.Apply(context.Background(), messageCreate())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "MESSAGE_CREATE", result)
	})

	t.Run("runtime errors are returned", func(t *testing.T) {
		f, err := Compile(".d | keys", nil)
		require.NoError(t, err)

		_, _, err = f.Apply(context.Background(), dispatch.Event{Kind: "k", Payload: map[string]any{"d": "text"}})
		assert.ErrorContains(t, err, "jq query '.d | keys' on k")
	})
}

func TestCompile(t *testing.T) {
	_, err := Compile(".[", nil)
	assert.ErrorContains(t, err, "failed to parse jq query")

	_, err = Compile("$unknown", nil)
	assert.ErrorContains(t, err, "failed to compile jq query")

	f, err := Compile(".d", nil)
	require.NoError(t, err)
	assert.Equal(t, ".d", f.String())
}

func TestFilterHandler(t *testing.T) {
	var got []dispatch.Event
	next := dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		got = append(got, event)
		return nil
	})

	f, err := Compile(`select(.d.content? == "hello") | .d.content`, zaptest.NewLogger(t))
	require.NoError(t, err)
	h := f.Handler(next)

	require.NoError(t, h.HandleEvent(context.Background(), messageCreate()))
	require.NoError(t, h.HandleEvent(context.Background(), dispatch.Event{Kind: "gateway/state", Payload: map[string]any{}}))
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Payload)

	failing, err := Compile(".d | keys", zaptest.NewLogger(t))
	require.NoError(t, err)
	boom := errors.New("boom")
	err = failing.Handler(dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		assert.Equal(t, "text", event.Payload.(map[string]any)["d"])
		return boom
	})).HandleEvent(context.Background(), dispatch.Event{Kind: "k", Payload: map[string]any{"d": "text"}})
	assert.ErrorIs(t, err, boom)
}
