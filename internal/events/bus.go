package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Bus fans events out to every subscribed handler.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
}

func NewBus() *Bus {
	return &Bus{
		handlers: make([]Handler, 0),
	}
}

func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, handler := range b.handlers {
		handler(event)
	}
}

// Async decouples a slow handler from publishers with a bounded buffer.
// Events are dropped with a warning when the buffer is full.
type Async struct {
	name    string
	handler Handler
	types   map[Type]struct{}
	queue   chan Event
	logger  *zap.Logger
}

// NewAsync queues events for handler. When types are given, only events of
// those types take a buffer slot; the rest are ignored.
func NewAsync(name string, handler Handler, buffer int, logger *zap.Logger, types ...Type) *Async {
	if buffer < 1 {
		buffer = 1
	}
	var accept map[Type]struct{}
	if len(types) > 0 {
		accept = make(map[Type]struct{}, len(types))
		for _, typ := range types {
			accept[typ] = struct{}{}
		}
	}
	return &Async{
		name:    name,
		handler: handler,
		types:   accept,
		queue:   make(chan Event, buffer),
		logger:  logger.With(zap.String("handler", name)),
	}
}

// Handle enqueues the event; it never blocks.
func (a *Async) Handle(event Event) {
	if a.types != nil {
		if _, ok := a.types[event.Type]; !ok {
			return
		}
	}
	select {
	case a.queue <- event:
	default:
		a.logger.Warn("Event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("site_id", event.SiteID),
		)
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already buffered.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case event := <-a.queue:
					a.handler(event)
				default:
					return
				}
			}
		case event := <-a.queue:
			a.handler(event)
		}
	}
}
