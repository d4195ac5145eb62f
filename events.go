package chatsync

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Wire names of socket frames.
const (
	EventNewMessage        = "newMessage"
	EventConversationRead  = "conversationRead"
	EventUserStatusChanged = "userStatusChanged"
	EventError             = "error"

	CommandSendMessage = "sendMessage"
	CommandMarkAsRead  = "markAsRead"
)

// ============================================================================
// Event Variants
// ============================================================================

// Event is one of NewMessageEvent, ConversationReadEvent, PresenceChangedEvent
// or ConnectionStatusChangedEvent. The set is closed.
type Event interface {
	eventName() string
}

// NewMessageEvent carries a message pushed by the server.
type NewMessageEvent struct {
	Message Message
}

// ConversationReadEvent reports that ReadByUserID read ConversationID.
type ConversationReadEvent struct {
	ConversationID string `json:"conversationId"`
	ReadByUserID   string `json:"readByUserId"`
}

// PresenceChangedEvent is the userStatusChanged push.
type PresenceChangedEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// ConnectionStatusChangedEvent is published locally on every status transition.
type ConnectionStatusChangedEvent struct {
	Status SocketStatus
	Err    error
}

func (NewMessageEvent) eventName() string              { return EventNewMessage }
func (ConversationReadEvent) eventName() string        { return EventConversationRead }
func (PresenceChangedEvent) eventName() string         { return EventUserStatusChanged }
func (ConnectionStatusChangedEvent) eventName() string { return "statusChanged" }

// ============================================================================
// Wire Envelope
// ============================================================================

// Envelope is the wire format of every inbound frame.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type markAsReadPayload struct {
	ConversationID string `json:"conversationId"`
}

var errUnknownEvent = errors.New("unknown event type")

// decodeEvent turns a raw frame into a typed event. Server "error" frames are
// returned as *APIError.
func decodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case EventNewMessage:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if m.ID == "" || m.ConversationID == "" {
			return nil, fmt.Errorf("decode %s: missing id or conversationId", env.Type)
		}
		return NewMessageEvent{Message: m}, nil

	case EventConversationRead:
		var p ConversationReadEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.ConversationID == "" {
			return nil, fmt.Errorf("decode %s: missing conversationId", env.Type)
		}
		return p, nil

	case EventUserStatusChanged:
		var p PresenceChangedEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("decode %s: missing userId", env.Type)
		}
		return p, nil

	case EventError:
		apiErr := &APIError{Code: "SOCKET_ERROR"}
		if err := json.Unmarshal(env.Payload, apiErr); err != nil {
			apiErr.Message = string(env.Payload)
		}
		return nil, apiErr
	}

	return nil, fmt.Errorf("%w %q", errUnknownEvent, env.Type)
}
