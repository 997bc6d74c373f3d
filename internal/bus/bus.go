// Package bus decouples the homeserver event stream from the router workers
// and carries server-side events out to gateway WebSocket clients.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lanternworks/agentrelay/internal/chat"
)

// Event is a server-side event broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Used by the
// gateway server and the delivery tracker to decouple from the concrete Bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

const inboundBuffer = 256

// Bus is the in-process message bus.
type Bus struct {
	inbound chan chat.InboundEvent

	mu   sync.RWMutex
	subs map[string]EventHandler
}

func New() *Bus {
	return &Bus{
		inbound: make(chan chat.InboundEvent, inboundBuffer),
		subs:    make(map[string]EventHandler),
	}
}

// PublishInbound enqueues an inbound chat event for the router workers.
// Drops with a warning when the queue is full; the homeserver redelivers
// on reconnect and the dedupe store absorbs the duplicates.
func (b *Bus) PublishInbound(ev chat.InboundEvent) {
	select {
	case b.inbound <- ev:
	default:
		slog.Warn("inbound queue full, dropping event", "event_id", ev.EventID)
	}
}

// ConsumeInbound blocks until an event is available or ctx is cancelled.
// The second return is false on cancellation.
func (b *Bus) ConsumeInbound(ctx context.Context) (chat.InboundEvent, bool) {
	select {
	case ev := <-b.inbound:
		return ev, true
	case <-ctx.Done():
		return chat.InboundEvent{}, false
	}
}

// Subscribe registers a broadcast handler under id, replacing any previous
// handler with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers event to every subscriber. Handlers must not block.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.subs {
		h(event)
	}
}
