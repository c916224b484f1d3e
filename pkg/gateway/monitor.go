package gateway

import "context"

// SessionMonitor receives session lifecycle callbacks. Callbacks run on the
// session's control goroutine and must not block.
type SessionMonitor interface {
	OnStateChange(ctx context.Context, session *Session, from, to State)
	OnSessionEnded(ctx context.Context, session *Session, err error)
}

// Publisher receives the events a session produces. *dispatch.Dispatcher
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, kind string, payload any) error

func (f PublisherFunc) Publish(ctx context.Context, kind string, payload any) error {
	return f(ctx, kind, payload)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }
