// Package filter applies jq queries to gateway events.
package filter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/tsarna/go2cty2go"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/dispatch"
)

// Filter is a compiled jq query. The query runs against the event payload
// and can read the event kind as $kind and extracted pattern fields as
// $fields.
type Filter struct {
	source string
	code   *gojq.Code
	logger *zap.Logger
}

// Compile parses and compiles query. A nil logger disables error logging.
//
// Examples:
//
//	.d.content
//	select($kind == "dispatch/MESSAGE_CREATE") | {author: .d.author.username, text: .d.content}
//	if .t == "READY" then .d.session_id else empty end
func Compile(query string, logger *zap.Logger) (*Filter, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query '%s': %w", query, err)
	}

	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$kind", "$fields"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query '%s': %w", query, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{source: query, code: code, logger: logger}, nil
}

// String returns the query source.
func (f *Filter) String() string {
	return f.source
}

// Apply runs the query. It returns the single result, or all results as a
// slice when there are several; ok is false when the query produced nothing,
// meaning the event should be dropped.
func (f *Filter) Apply(ctx context.Context, event dispatch.Event) (result any, ok bool, err error) {
	input, err := toJQ(event.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("converting %s payload: %w", event.Kind, err)
	}

	fields := make(map[string]any, len(event.Fields))
	for k, v := range event.Fields {
		fields[k] = v
	}

	var results []any
	iter := f.code.RunWithContext(ctx, input, event.Kind, fields)
	for {
		v, more := iter.Next()
		if !more {
			break
		}
		if execErr, isErr := v.(error); isErr {
			if haltErr, isHalt := execErr.(*gojq.HaltError); isHalt && haltErr.Value() == nil {
				break
			}
			return nil, false, fmt.Errorf("jq query '%s' on %s: %w", f.source, event.Kind, execErr)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, false, nil
	case 1:
		return results[0], true, nil
	default:
		return results, true, nil
	}
}

// Handler wraps next so it only sees events the query keeps, with the
// query result as the payload. Query errors are logged and the event is
// passed on unchanged.
func (f *Filter) Handler(next dispatch.Handler) dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		result, ok, err := f.Apply(ctx, event)
		if err != nil {
			f.logger.Error("jq filter failed",
				zap.String("jq_query", f.source),
				zap.String("kind", event.Kind),
				zap.Error(err),
			)
			return next.HandleEvent(ctx, event)
		}
		if !ok {
			return nil
		}

		event.Payload = result
		return next.HandleEvent(ctx, event)
	})
}

// toJQ converts a payload into the plain maps, slices and scalars gojq
// accepts.
func toJQ(payload any) (any, error) {
	var input any

	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(p, &input); err != nil {
			return nil, err
		}
		return input, nil
	case []byte:
		if err := json.Unmarshal(p, &input); err != nil {
			return string(p), nil
		}
		return input, nil
	case string:
		if err := json.Unmarshal([]byte(p), &input); err != nil {
			return p, nil
		}
		return input, nil
	case cty.Value:
		return go2cty2go.CtyToAny(p)
	case bool, float64, int, map[string]any, []any:
		return normalize(p)
	default:
		return roundTrip(p)
	}
}

// normalize rewrites values gojq cannot take as-is, such as int64 or
// nested structs, by going through JSON.
func normalize(v any) (any, error) {
	switch p := v.(type) {
	case map[string]any:
		for _, item := range p {
			if !plain(item) {
				return roundTrip(v)
			}
		}
		return v, nil
	case []any:
		for _, item := range p {
			if !plain(item) {
				return roundTrip(v)
			}
		}
		return v, nil
	default:
		return v, nil
	}
}

func plain(v any) bool {
	switch p := v.(type) {
	case nil, bool, int, float64, string:
		return true
	case map[string]any:
		for _, item := range p {
			if !plain(item) {
				return false
			}
		}
		return true
	case []any:
		for _, item := range p {
			if !plain(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func roundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
