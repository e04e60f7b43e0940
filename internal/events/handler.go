// internal/events/handler.go
package events

import "context"

// Handler receives notifications. Transports (chat, console, webhooks)
// implement it and subscribe on the Bus.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publisher is what producers (monitor, command service) depend on.
type Publisher interface {
	Publish(event Event) error
}

type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id  string
	bus *Bus
	typ EventType
}

func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id, s.typ)
}
