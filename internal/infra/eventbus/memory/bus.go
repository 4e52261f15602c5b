// Package memory provides an in-process EventBus. Events are delivered
// synchronously to every matching subscriber, which makes it suitable for
// standalone deployments and tests where durability is not required.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

var _ events.EventBus = (*Bus)(nil)

// ErrClosed is returned by operations on a closed Bus.
var ErrClosed = errors.New("event bus is closed")

type subscription struct {
	types   map[events.EventType]struct{}
	handler events.HandlerFunc
}

// Bus is an in-memory events.EventBus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscription
	closed bool

	logger *logger.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *logger.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]subscription),
		logger: logger.With("component", "memory_event_bus"),
	}
}

// Publish hands the envelope to every subscriber registered for its type.
// Handler errors are logged and joined into the returned error.
func (b *Bus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	// Copy handlers to avoid holding the lock while executing them.
	var handlers []events.HandlerFunc
	for _, s := range b.subs {
		if _, ok := s.types[event.Type]; ok {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.logger.Warn(ctx, "event handler failed", "event_type", event.Type, "key", event.Key, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers handler for eventTypes until ctx is canceled.
func (b *Bus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return fmt.Errorf("subscribe: no event types given")
	}

	types := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		types[et] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{types: types, handler: handler}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	return nil
}

// Close drops every subscription. Later calls to Publish and Subscribe fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[uint64]subscription)
	return nil
}
