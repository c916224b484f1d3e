package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingHandler wraps another handler and logs every event it sees.
// If the wrapped handler is nil, it acts as a standalone logging handler.
type LoggingHandler struct {
	wrapped  Handler
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

// Logging wraps handler so each event is logged at level before being
// passed on. name identifies the handler in the log output.
func Logging(handler Handler, logger *zap.Logger, level zapcore.Level, name string) *LoggingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = "LoggingHandler"
	}
	return &LoggingHandler{
		wrapped:  handler,
		logger:   logger,
		logLevel: level,
		name:     name,
	}
}

// HandleEvent logs the event and calls the wrapped handler if present.
func (l *LoggingHandler) HandleEvent(ctx context.Context, event Event) error {
	if ce := l.logger.Check(l.logLevel, "Event received"); ce != nil {
		ce.Write(
			zap.String("handler", l.name),
			zap.String("kind", event.Kind),
			zap.String("payload", toString(event.Payload)),
			zap.Any("fields", event.Fields),
			zap.Bool("hasWrapped", l.wrapped != nil),
		)
	}

	if l.wrapped == nil {
		return nil
	}

	err := l.wrapped.HandleEvent(ctx, event)
	if err != nil {
		l.logger.Log(l.logLevel, "Event handler returned an error",
			zap.String("handler", l.name),
			zap.String("kind", event.Kind),
			zap.Error(err),
		)
	}
	return err
}

func toString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	case nil:
		return "<nil>"
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
