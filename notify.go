package chatsync

import (
	"strings"
	"sync"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
)

// PreviewLength is the maximum number of characters of message content shown
// in a notification.
const PreviewLength = 50

// Notifier shows a transient notification.
type Notifier interface {
	Notify(title, body string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(title, body string) error

func (f NotifierFunc) Notify(title, body string) error { return f(title, body) }

// DesktopNotifier shows OS notifications.
type DesktopNotifier struct {
	AppIcon string
}

func (d DesktopNotifier) Notify(title, body string) error {
	return beeep.Notify(title, body, d.AppIcon)
}

// Preview collapses whitespace and truncates content to max characters,
// appending an ellipsis when something was cut.
func Preview(content string, max int) string {
	s := strings.Join(strings.Fields(content), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// ============================================================================
// Screen State
// ============================================================================

// ScreenState tracks whether the chat screen is mounted and which
// conversation it shows. The chat screen writes it, the dispatcher reads it.
type ScreenState struct {
	mu      sync.RWMutex
	mounted bool
	active  string
}

func (s *ScreenState) enter() {
	s.mu.Lock()
	s.mounted = true
	s.mu.Unlock()
}

func (s *ScreenState) leave() {
	s.mu.Lock()
	s.mounted, s.active = false, ""
	s.mu.Unlock()
}

func (s *ScreenState) setActive(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
}

// Active returns the open conversation and whether the chat screen is mounted.
func (s *ScreenState) Active() (conversationID string, mounted bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.mounted
}

// Showing reports whether conversationID is open on a mounted chat screen.
func (s *ScreenState) Showing(conversationID string) bool {
	active, mounted := s.Active()
	return mounted && active == conversationID
}

// ============================================================================
// Directory
// ============================================================================

// Directory maps user ids to display names learned from contact listings
// and message payloads.
type Directory struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewDirectory() *Directory {
	return &Directory{names: make(map[string]string)}
}

// Remember records the names of users.
func (d *Directory) Remember(users ...ChatUser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range users {
		if u.ID != "" && u.Name != "" {
			d.names[u.ID] = u.Name
		}
	}
}

// DisplayName returns the known name of userID, or the id itself.
func (d *Directory) DisplayName(userID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name, ok := d.names[userID]; ok {
		return name
	}
	return userID
}

// ============================================================================
// Notification Dispatcher
// ============================================================================

// Decision is the dispatcher's verdict for one inbound message.
type Decision int

const (
	// DecisionSilent: the message is merged by the open chat screen.
	DecisionSilent Decision = iota
	// DecisionToast: a notification was shown.
	DecisionToast
	// DecisionOwn: the current user's own message.
	DecisionOwn
	// DecisionDuplicate: the message id was already dispatched.
	DecisionDuplicate
)

const recentCapacity = 256

// Dispatcher is the global newMessage listener. It is active for the whole
// session regardless of the screen shown.
type Dispatcher struct {
	notifier      Notifier
	screen        *ScreenState
	names         *Directory
	invalidate    func()
	currentUserID string
	previewLen    int
	log           zerolog.Logger

	mu     sync.Mutex
	recent map[string]struct{}
	ring   []string
	next   int
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Notifier      Notifier
	Screen        *ScreenState
	Names         *Directory
	Invalidate    func()
	CurrentUserID string
	PreviewLength int
}

func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = PreviewLength
	}
	if cfg.Names == nil {
		cfg.Names = NewDirectory()
	}
	if cfg.Invalidate == nil {
		cfg.Invalidate = func() {}
	}
	return &Dispatcher{
		notifier:      cfg.Notifier,
		screen:        cfg.Screen,
		names:         cfg.Names,
		invalidate:    cfg.Invalidate,
		currentUserID: cfg.CurrentUserID,
		previewLen:    cfg.PreviewLength,
		log:           logger.With().Str("component", "dispatcher").Logger(),
		recent:        make(map[string]struct{}, recentCapacity),
		ring:          make([]string, recentCapacity),
	}
}

// Attach subscribes the dispatcher to newMessage events.
func (d *Dispatcher) Attach(bus *Bus) *Subscription {
	return bus.OnNewMessage(func(ev NewMessageEvent) { d.Dispatch(ev.Message) })
}

// Dispatch decides between a toast and a silent merge. The conversation
// list is invalidated whatever the decision.
func (d *Dispatcher) Dispatch(msg Message) Decision {
	defer d.invalidate()

	if !d.remember(msg.ID) {
		return DecisionDuplicate
	}
	if msg.Sender != nil {
		d.names.Remember(*msg.Sender)
	}
	if msg.SenderID == d.currentUserID {
		return DecisionOwn
	}
	if d.screen != nil && d.screen.Showing(msg.ConversationID) {
		return DecisionSilent
	}

	title := d.names.DisplayName(msg.SenderID)
	body := Preview(msg.Content, d.previewLen)
	if d.notifier != nil {
		if err := d.notifier.Notify(title, body); err != nil {
			d.log.Warn().Err(err).Str("conversation", msg.ConversationID).Msg("notify")
		}
	}
	return DecisionToast
}

// remember records id and reports whether it was new. The oldest id is
// forgotten once recentCapacity ids are held.
func (d *Dispatcher) remember(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.recent[id]; ok {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.recent, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.recent[id] = struct{}{}
	return true
}
