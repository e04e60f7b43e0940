// internal/events/bus.go
package events

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnyType subscribes a handler to every event type.
const AnyType EventType = "*"

const defaultLanes = 4

var (
	ErrBusClosed = errors.New("event bus is shutting down")
	ErrBusFull   = errors.New("event channel full")
)

// Bus delivers notifications asynchronously. Events of one user always go
// through the same lane, so a user sees them in publish order; different
// users are delivered in parallel and a slow sink never blocks the
// monitor or a command.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[string]Handler

	lanes   []chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Int64

	logger *zap.Logger
}

// NewBus creates a bus holding up to bufferSize queued events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	perLane := max(bufferSize/defaultLanes, 1)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		handlers: make(map[EventType]map[string]Handler),
		lanes:    make([]chan Event, defaultLanes),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.Named("event_bus"),
	}
	for i := range b.lanes {
		b.lanes[i] = make(chan Event, perLane)
		b.wg.Add(1)
		go b.runLane(b.lanes[i])
	}
	return b
}

// Subscribe registers a handler for a specific event type (or AnyType).
func (b *Bus) Subscribe(eventType EventType, handler Handler) Subscription {
	id := uuid.NewString()

	b.mu.Lock()
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	b.handlers[eventType][id] = handler
	b.mu.Unlock()

	b.logger.Debug("Handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.String("subscription_id", id))
	return &subscription{id: id, bus: b, typ: eventType}
}

func (b *Bus) SubscribeFunc(eventType EventType, fn func(context.Context, Event) error) Subscription {
	return b.Subscribe(eventType, HandlerFunc(fn))
}

func (b *Bus) lane(userID string) chan Event {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return b.lanes[h.Sum32()%uint32(len(b.lanes))]
}

// Publish queues an event. It never blocks: a full lane drops the event
// and returns ErrBusFull.
func (b *Bus) Publish(event Event) error {
	if b.ctx.Err() != nil {
		return ErrBusClosed
	}
	select {
	case b.lane(event.User()) <- event:
		return nil
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event lane full, dropping event",
			zap.String("event_type", string(event.Type())),
			zap.String("user_id", event.User()))
		return ErrBusFull
	}
}

func (b *Bus) matching(t EventType) map[string]Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Handler, len(b.handlers[t])+len(b.handlers[AnyType]))
	for id, h := range b.handlers[t] {
		out[id] = h
	}
	for id, h := range b.handlers[AnyType] {
		out[id] = h
	}
	return out
}

// PublishSync delivers an event on the caller's goroutine and joins the
// handler errors.
func (b *Bus) PublishSync(ctx context.Context, event Event) error {
	var errs []error
	for id, handler := range b.matching(event.Type()) {
		if err := safeHandle(ctx, handler, event); err != nil {
			b.logger.Error("Notification handler failed",
				zap.String("event_type", string(event.Type())),
				zap.String("user_id", event.User()),
				zap.String("handler_id", id),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeHandle(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

func (b *Bus) runLane(ch chan Event) {
	defer b.wg.Done()
	for {
		select {
		case event := <-ch:
			_ = b.PublishSync(b.ctx, event)
		case <-b.ctx.Done():
			// доставляем то, что уже в очереди
			for {
				select {
				case event := <-ch:
					_ = b.PublishSync(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) unsubscribe(id string, eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handlers, ok := b.handlers[eventType]; ok {
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(b.handlers, eventType)
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Event bus stopped", zap.Int64("dropped", b.dropped.Load()))
		return nil
	case <-ctx.Done():
		b.logger.Warn("Event bus shutdown timeout", zap.Int("pending", b.Pending()))
		return ctx.Err()
	}
}

// Pending is the number of queued, undelivered events.
func (b *Bus) Pending() int {
	n := 0
	for _, ch := range b.lanes {
		n += len(ch)
	}
	return n
}

// Dropped counts events rejected because their lane was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
