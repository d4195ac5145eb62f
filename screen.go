package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrNoActiveConversation = errors.New("chatsync: no active conversation")
	ErrEmptyContent         = errors.New("chatsync: message content is empty")
)

// ChatScreen is the screen-local adapter. While mounted it merges live
// messages and read confirmations for the open conversation; unmounting
// detaches only its own listeners and leaves the shared connection alone.
type ChatScreen struct {
	// OnMessage is called after a live message was merged into the open
	// conversation.
	OnMessage func(Message)
	// OnRead is called after a peer read the open conversation.
	OnRead func(ConversationReadEvent)
	// OnError receives fetch failures. Cached state is left unchanged.
	OnError func(error)

	engine *Engine
	log    zerolog.Logger
	subs   Group

	mu      sync.Mutex
	mounted bool
	seq     uint64
	conv    Conversation
	cache   MessageCache
	query   string
}

// Mount attaches the screen-local listeners. Calling it twice is a no-op.
func (s *ChatScreen) Mount() {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = true
	active := s.conv.ID
	s.mu.Unlock()

	s.engine.screen.enter()
	if active != "" {
		s.engine.screen.setActive(active)
	}
	s.subs.Add(
		s.engine.bus.OnNewMessage(s.handleNewMessage),
		s.engine.bus.OnConversationRead(s.handleConversationRead),
	)
	s.log.Debug().Msg("chat screen mounted")
}

// Unmount detaches the screen-local listeners and drops the open
// conversation. Reopening it fetches fresh history.
func (s *ChatScreen) Unmount() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	s.seq++
	s.conv, s.cache, s.query = Conversation{}, MessageCache{}, ""
	s.mu.Unlock()

	s.subs.Close()
	s.engine.screen.leave()
	s.log.Debug().Msg("chat screen unmounted")
}

// ============================================================================
// Conversation list
// ============================================================================

// LoadConversations fetches the first page of the conversation list.
func (s *ChatScreen) LoadConversations(ctx context.Context) error {
	return s.report(s.engine.convs.Refresh(ctx))
}

// LoadMoreConversations appends the next page of the conversation list.
func (s *ChatScreen) LoadMoreConversations(ctx context.Context) error {
	return s.report(s.engine.convs.LoadMore(ctx))
}

// Search sets the list filter and returns the matching conversations. It
// never touches the network.
func (s *ChatScreen) Search(query string) []Conversation {
	s.mu.Lock()
	s.query = query
	s.mu.Unlock()
	return s.Conversations()
}

// Conversations returns the loaded conversations matching the current filter.
func (s *ChatScreen) Conversations() []Conversation {
	s.mu.Lock()
	q := s.query
	s.mu.Unlock()
	return FilterConversations(s.engine.convs.Snapshot().Items(), q)
}

// Contacts lists contacts and remembers their names for notifications.
func (s *ChatScreen) Contacts(ctx context.Context, page int, search string) (*Page[ChatUser], error) {
	contacts, err := s.engine.client.ListContacts(ctx, page, s.engine.client.PageSize(), search)
	if err != nil {
		return nil, s.report(err)
	}
	s.engine.names.Remember(contacts.Data...)
	return contacts, nil
}

// StartConversation opens the DIRECT conversation with targetUserID,
// creating it when needed.
func (s *ChatScreen) StartConversation(ctx context.Context, targetUserID string) (*Conversation, error) {
	conv, err := s.engine.client.InitConversation(ctx, targetUserID)
	if err != nil {
		return nil, s.report(err)
	}
	s.engine.names.Remember(conv.Participants...)
	s.engine.invalidateConversations()
	if err := s.open(ctx, *conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ============================================================================
// Active conversation
// ============================================================================

// Open makes conversationID the active conversation and fetches its newest
// page of history. On failure the previous conversation stays open.
func (s *ChatScreen) Open(ctx context.Context, conversationID string) error {
	conv, ok := s.engine.convs.Snapshot().Find(conversationID)
	if !ok {
		conv = Conversation{ID: conversationID}
	}
	return s.open(ctx, conv)
}

func (s *ChatScreen) open(ctx context.Context, conv Conversation) error {
	if err := s.engine.requireSession(); err != nil {
		return err
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	page, err := s.engine.client.GetMessages(ctx, conv.ID, 1, s.engine.client.PageSize())
	if err != nil {
		return s.report(err)
	}
	for _, m := range page.Data {
		if m.Sender != nil {
			s.engine.names.Remember(*m.Sender)
		}
	}

	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return nil
	}
	s.conv = conv
	s.cache = NewMessageCache(conv.ID).AppendPage(*page)
	mounted := s.mounted
	s.mu.Unlock()

	if mounted {
		s.engine.screen.setActive(conv.ID)
	}
	s.markRead(ctx, TriggerConversationOpened)
	return nil
}

// LoadOlder fetches the next older page of the open conversation.
func (s *ChatScreen) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	if cache.ConversationID == "" {
		return ErrNoActiveConversation
	}
	if !cache.HasMore() {
		return nil
	}

	next := cache.NextPage()
	page, err := s.engine.client.GetMessages(ctx, cache.ConversationID, next, s.engine.client.PageSize())
	if err != nil {
		return s.report(err)
	}

	s.mu.Lock()
	if s.cache.ConversationID == cache.ConversationID && s.cache.NextPage() == next {
		s.cache = s.cache.AppendPage(*page)
	}
	s.mu.Unlock()
	return nil
}

// Active returns the open conversation, refreshed from the conversation list
// when it is loaded there.
func (s *ChatScreen) Active() (Conversation, bool) {
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	if conv.ID == "" {
		return Conversation{}, false
	}
	if fresh, ok := s.engine.convs.Snapshot().Find(conv.ID); ok {
		return fresh, true
	}
	return conv, true
}

// Messages returns the open conversation's history, oldest first.
func (s *ChatScreen) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Messages()
}

// Cache returns the raw paginated cache of the open conversation.
func (s *ChatScreen) Cache() MessageCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache
}

// SeparatorIndex is the position of the "new messages" separator in
// Messages, or -1 when none is shown.
func (s *ChatScreen) SeparatorIndex() int {
	conv, ok := s.Active()
	if !ok {
		return -1
	}
	return SeparatorIndex(s.Messages(), conv, s.engine.userID())
}

// CanSend reports whether the send control is enabled.
func (s *ChatScreen) CanSend() bool {
	sess := s.engine.Session()
	if sess == nil || sess.Privileged() {
		return false
	}
	s.mu.Lock()
	active := s.conv.ID
	s.mu.Unlock()
	return active != "" && s.engine.Status() == StatusConnected
}

// Send emits content to the open conversation without waiting for an
// acknowledgement. The message shows up through its newMessage echo.
func (s *ChatScreen) Send(ctx context.Context, content string) error {
	if err := s.engine.requireSession(); err != nil {
		return err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}
	s.mu.Lock()
	active := s.conv.ID
	s.mu.Unlock()
	if active == "" {
		return ErrNoActiveConversation
	}
	if s.engine.Session().Privileged() {
		return ErrPrivilegedSession
	}
	return s.engine.conn.SendMessage(ctx, active, content)
}

// FocusComposer signals that the message input gained focus. It reports
// whether a read receipt was emitted.
func (s *ChatScreen) FocusComposer(ctx context.Context) bool {
	return s.markRead(ctx, TriggerComposerFocus)
}

// ScrolledToBottom signals that the newest message is in view.
func (s *ChatScreen) ScrolledToBottom(ctx context.Context) bool {
	return s.markRead(ctx, TriggerScrolledToBottom)
}

func (s *ChatScreen) markRead(ctx context.Context, trigger ReadTrigger) bool {
	conv, ok := s.Active()
	if !ok {
		return false
	}
	receipts := s.engine.readReceipts()
	if receipts == nil || !receipts.Trigger(ctx, conv, trigger) {
		return false
	}
	now := time.Now()
	s.engine.convs.Update(func(l ConversationList) ConversationList {
		return ApplyMarkedRead(l, conv.ID, now)
	})
	s.mu.Lock()
	if s.conv.ID == conv.ID {
		s.conv.UnreadCount = 0
		s.conv.LastReadAt = &now
	}
	s.mu.Unlock()
	s.engine.invalidateConversations()
	return true
}

// ============================================================================
// Event handlers
// ============================================================================

func (s *ChatScreen) handleNewMessage(ev NewMessageEvent) {
	userID := s.engine.userID()
	s.engine.convs.Update(func(l ConversationList) ConversationList {
		return ApplyConversationMessage(l, ev.Message, userID)
	})

	s.mu.Lock()
	next, changed := ApplyNewMessage(s.cache, ev.Message)
	s.cache = next
	s.mu.Unlock()

	s.engine.refreshConversations()
	if changed && s.OnMessage != nil {
		s.OnMessage(ev.Message)
	}
}

func (s *ChatScreen) handleConversationRead(ev ConversationReadEvent) {
	receipts := s.engine.readReceipts()
	if receipts == nil || receipts.IsSelfEcho(ev) {
		return
	}

	s.mu.Lock()
	next, changed := receipts.Apply(s.cache, ev)
	s.cache = next
	s.mu.Unlock()

	s.engine.invalidateConversations()
	if changed && s.OnRead != nil {
		s.OnRead(ev)
	}
}

func (s *ChatScreen) report(err error) error {
	if err == nil {
		return nil
	}
	s.log.Warn().Err(err).Msg("chat screen")
	if s.OnError != nil {
		s.OnError(err)
	}
	return err
}
