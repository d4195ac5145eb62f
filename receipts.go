package chatsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ReadTrigger names the UI moment that may mark a conversation read.
type ReadTrigger int

const (
	// TriggerComposerFocus fires when the message input gains focus.
	TriggerComposerFocus ReadTrigger = iota + 1
	// TriggerConversationOpened fires when a conversation is opened.
	TriggerConversationOpened
	// TriggerScrolledToBottom fires when the newest message scrolls into view.
	TriggerScrolledToBottom
)

var triggerNames = map[ReadTrigger]string{
	TriggerComposerFocus:      "composer_focus",
	TriggerConversationOpened: "conversation_opened",
	TriggerScrolledToBottom:   "scrolled_to_bottom",
}

func (t ReadTrigger) String() string {
	if s, ok := triggerNames[t]; ok {
		return s
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// ParseReadTrigger is the inverse of String.
func ParseReadTrigger(s string) (ReadTrigger, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range triggerNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown read trigger %q", s)
}

// ReadPolicy decides which triggers mark a conversation read.
type ReadPolicy struct {
	Triggers []ReadTrigger
}

// DefaultReadPolicy marks read only on composer focus.
func DefaultReadPolicy() ReadPolicy {
	return ReadPolicy{Triggers: []ReadTrigger{TriggerComposerFocus}}
}

// ShouldMarkRead reports whether trigger should emit markAsRead for conv.
// Nothing is emitted for a conversation without unread messages.
func (p ReadPolicy) ShouldMarkRead(conv Conversation, trigger ReadTrigger) bool {
	if conv.UnreadCount <= 0 {
		return false
	}
	for _, t := range p.Triggers {
		if t == trigger {
			return true
		}
	}
	return false
}

// ReadEmitter sends the markAsRead signal. ConnectionManager implements it.
type ReadEmitter interface {
	MarkAsRead(ctx context.Context, conversationID string) error
}

// ReadReceiptCoordinator emits read signals and applies peer confirmations.
type ReadReceiptCoordinator struct {
	emitter       ReadEmitter
	policy        ReadPolicy
	currentUserID string
	log           zerolog.Logger
}

func NewReadReceiptCoordinator(emitter ReadEmitter, currentUserID string, policy ReadPolicy, logger zerolog.Logger) *ReadReceiptCoordinator {
	return &ReadReceiptCoordinator{
		emitter:       emitter,
		policy:        policy,
		currentUserID: currentUserID,
		log:           logger.With().Str("component", "receipts").Logger(),
	}
}

// EmitMarkAsRead sends markAsRead and does not wait for a reply. Failures
// are logged; the next inbound event or refetch restores consistency.
func (r *ReadReceiptCoordinator) EmitMarkAsRead(ctx context.Context, conversationID string) bool {
	if err := r.emitter.MarkAsRead(ctx, conversationID); err != nil {
		r.log.Warn().Err(err).Str("conversation", conversationID).Msg("mark as read")
		return false
	}
	return true
}

// Trigger runs the policy for conv and emits when it allows. It reports
// whether the signal went out.
func (r *ReadReceiptCoordinator) Trigger(ctx context.Context, conv Conversation, trigger ReadTrigger) bool {
	if !r.policy.ShouldMarkRead(conv, trigger) {
		return false
	}
	return r.EmitMarkAsRead(ctx, conv.ID)
}

// Apply folds an inbound conversationRead into the message cache.
func (r *ReadReceiptCoordinator) Apply(c MessageCache, ev ConversationReadEvent) (MessageCache, bool) {
	return ApplyConversationRead(c, ev, r.currentUserID)
}

// IsSelfEcho reports whether ev was caused by the current user.
func (r *ReadReceiptCoordinator) IsSelfEcho(ev ConversationReadEvent) bool {
	return ev.ReadByUserID == r.currentUserID
}
