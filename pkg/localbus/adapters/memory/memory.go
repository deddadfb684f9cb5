// Package memory is the in-process localbus.Bus adapter: handlers run
// synchronously on the publishing goroutine, matching the outbox
// dispatcher's own synchronous loop style.
package memory

import (
	"context"
	"sync"

	"github.com/lattice-events/eventcore/pkg/localbus"
	"github.com/lattice-events/eventcore/pkg/logger"
)

// Bus is the in-memory localbus.Bus implementation.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]localbus.Handler
	closed   bool
}

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]localbus.Handler)}
}

func (b *Bus) Publish(ctx context.Context, event localbus.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, h := range b.handlers[event.Topic] {
		if err := h(ctx, event); err != nil {
			logger.L().ErrorContext(ctx, "localbus handler failed", "topic", event.Topic, "error", err)
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler localbus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]localbus.Handler)
	return nil
}
