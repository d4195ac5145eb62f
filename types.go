package chatsync

import (
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned when the REST collaborator answers with a non-2xx status.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Page is one page of a paginated REST listing.
type Page[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

// SocketStatus is the observable state of the shared connection.
type SocketStatus string

const (
	StatusDisconnected SocketStatus = "disconnected"
	StatusConnecting   SocketStatus = "connecting"
	StatusConnected    SocketStatus = "connected"
)

// ============================================================================
// Chat Types
// ============================================================================

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// ChatUser is a contact as returned by the contacts listing.
type ChatUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	IsOnline bool   `json:"isOnline,omitempty"`
}

// Message is immutable except for IsRead.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Sender         *ChatUser `json:"sender,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRead         bool      `json:"isRead"`
}

// Conversation is a DIRECT or GROUP thread with the current user's read state.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"`
	Participants []ChatUser       `json:"participants,omitempty"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	LastReadAt   *time.Time       `json:"lastReadAt,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// ActivityAt is the ordering key: last message time, else creation time.
func (c Conversation) ActivityAt() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// Title returns the conversation name, or for an unnamed DIRECT thread the
// name of the first participant that is not selfID.
func (c Conversation) Title(selfID string) string {
	if c.Name != "" {
		return c.Name
	}
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p.Name
		}
	}
	return c.ID
}
