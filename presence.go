package chatsync

import (
	"sort"
	"sync"
)

// PresenceTracker holds the set of online users. The server is the only
// source of truth: the set changes only through userStatusChanged events
// delivered by Attach.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{})}
}

// Attach subscribes the tracker to presence events on bus.
func (p *PresenceTracker) Attach(bus *Bus) *Subscription {
	return bus.OnPresenceChanged(p.apply)
}

func (p *PresenceTracker) apply(ev PresenceChangedEvent) {
	if ev.IsOnline {
		p.setOnline(ev.UserID)
	} else {
		p.setOffline(ev.UserID)
	}
}

func (p *PresenceTracker) setOnline(userID string) {
	p.mu.Lock()
	p.online[userID] = struct{}{}
	p.mu.Unlock()
}

func (p *PresenceTracker) setOffline(userID string) {
	p.mu.Lock()
	delete(p.online, userID)
	p.mu.Unlock()
}

// IsUserOnline reports whether userID is currently online.
func (p *PresenceTracker) IsUserOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// OnlineUsers returns the online user ids in lexical order.
func (p *PresenceTracker) OnlineUsers() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (p *PresenceTracker) reset() {
	p.mu.Lock()
	p.online = make(map[string]struct{})
	p.mu.Unlock()
}
