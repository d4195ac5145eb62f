package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Bus
// ============================================================================

// Handler receives every published event. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

type busEntry struct {
	id uint64
	h  Handler
}

// Bus fans inbound events out to subscribers in subscription order.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []busEntry
	log     zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{log: logger}
}

// Subscription is the handle returned by every subscribe call.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s.id) })
}

// Subscribe registers a handler for every event variant.
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.entries = append(b.entries, busEntry{id: b.nextID, h: h})
	return &Subscription{bus: b, id: b.nextID}
}

// OnNewMessage registers a handler for pushed messages.
func (b *Bus) OnNewMessage(h func(NewMessageEvent)) *Subscription {
	return b.Subscribe(func(e Event) {
		if ev, ok := e.(NewMessageEvent); ok {
			h(ev)
		}
	})
}

// OnConversationRead registers a handler for peer read confirmations.
func (b *Bus) OnConversationRead(h func(ConversationReadEvent)) *Subscription {
	return b.Subscribe(func(e Event) {
		if ev, ok := e.(ConversationReadEvent); ok {
			h(ev)
		}
	})
}

// OnPresenceChanged registers a handler for userStatusChanged pushes.
func (b *Bus) OnPresenceChanged(h func(PresenceChangedEvent)) *Subscription {
	return b.Subscribe(func(e Event) {
		if ev, ok := e.(PresenceChangedEvent); ok {
			h(ev)
		}
	})
}

// OnStatusChanged registers a handler for connection status transitions.
func (b *Bus) OnStatusChanged(h func(ConnectionStatusChangedEvent)) *Subscription {
	return b.Subscribe(func(e Event) {
		if ev, ok := e.(ConnectionStatusChangedEvent); ok {
			h(ev)
		}
	})
}

// Publish delivers ev to a snapshot of the current subscribers. A panicking
// handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	entries := append([]busEntry(nil), b.entries...)
	b.mu.RUnlock()

	for _, e := range entries {
		b.deliver(e, ev)
	}
}

func (b *Bus) deliver(e busEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event", ev.eventName()).Msg("event handler panicked")
		}
	}()
	e.h(ev)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Reset drops every subscription.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.id == id {
			b.entries = append(b.entries[:i:i], b.entries[i+1:]...)
			return
		}
	}
}

// Group collects the subscriptions of one listener scope (global or
// screen-local) so they can be detached together.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add tracks subs for a later Close.
func (g *Group) Add(subs ...*Subscription) {
	g.mu.Lock()
	g.subs = append(g.subs, subs...)
	g.mu.Unlock()
}

// Close unsubscribes everything added so far.
func (g *Group) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}
