package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Conversation List Reducer
// ============================================================================

// ConversationList is the paginated conversation cache. Pages are kept in
// the order the server returned them; "load more" appends.
type ConversationList struct {
	Pages []Page[Conversation]
	// Stale is set when the list must be refetched from page 1.
	Stale bool
}

// Items flattens the loaded pages. A conversation that shifted from one
// page to the next between requests is kept at its first position.
func (l ConversationList) Items() []Conversation {
	seen := make(map[string]struct{}, l.Loaded())
	items := make([]Conversation, 0, l.Loaded())
	for _, p := range l.Pages {
		for _, c := range p.Data {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			items = append(items, c)
		}
	}
	return items
}

// Loaded is the number of items across all pages.
func (l ConversationList) Loaded() int {
	n := 0
	for _, p := range l.Pages {
		n += len(p.Data)
	}
	return n
}

// Total is the server total reported by the most recent page.
func (l ConversationList) Total() int {
	if len(l.Pages) == 0 {
		return 0
	}
	return l.Pages[len(l.Pages)-1].Total
}

func (l ConversationList) HasMore() bool { return l.Loaded() < l.Total() }

// NextPage is the 1-based page number a "load more" should request.
func (l ConversationList) NextPage() int { return len(l.Pages) + 1 }

// Find returns the cached conversation with the given id.
func (l ConversationList) Find(id string) (Conversation, bool) {
	for _, p := range l.Pages {
		for _, c := range p.Data {
			if c.ID == id {
				return c, true
			}
		}
	}
	return Conversation{}, false
}

// AppendPage adds the next server page.
func (l ConversationList) AppendPage(p Page[Conversation]) ConversationList {
	pages := make([]Page[Conversation], 0, len(l.Pages)+1)
	pages = append(pages, l.Pages...)
	pages = append(pages, p)
	return ConversationList{Pages: pages, Stale: l.Stale}
}

// ResetConversations replaces the cache with a fresh first page.
func ResetConversations(first Page[Conversation]) ConversationList {
	return ConversationList{Pages: []Page[Conversation]{first}}
}

// Invalidate marks the list for a refetch from page 1.
func (l ConversationList) Invalidate() ConversationList {
	l.Stale = true
	return l
}

// ApplyConversationMessage merges a pushed message into the list. A message
// for a conversation that is not cached only invalidates the list, since
// order and unread totals must come from the server. For a cached
// conversation the last message is replaced, the unread count grows by one
// for messages from other users, and the conversation moves to the front.
// Re-applying the same message is a no-op. A message that is not newer than
// the cached last message (a redelivery or a late arrival) leaves order and
// counts alone and only marks the list stale.
func ApplyConversationMessage(l ConversationList, msg Message, currentUserID string) ConversationList {
	pi, ci := l.indexOf(msg.ConversationID)
	if pi < 0 {
		return l.Invalidate()
	}
	conv := l.Pages[pi].Data[ci]
	if last := conv.LastMessage; last != nil {
		if last.ID == msg.ID {
			return l
		}
		if !newerThan(msg, *last) {
			return l.Invalidate()
		}
	}

	m := msg
	conv.LastMessage = &m
	if msg.SenderID != currentUserID {
		conv.UnreadCount++
	}

	pages := l.clonePages()
	pages[pi].Data = removeAt(pages[pi].Data, ci)
	pages[0].Data = append([]Conversation{conv}, pages[0].Data...)
	return ConversationList{Pages: pages, Stale: true}
}

// newerThan orders messages by creation time, then by id.
func newerThan(m, than Message) bool {
	if !m.CreatedAt.Equal(than.CreatedAt) {
		return m.CreatedAt.After(than.CreatedAt)
	}
	return m.ID > than.ID
}

// ApplyMarkedRead resets the unread count of a conversation the current user
// just read.
func ApplyMarkedRead(l ConversationList, conversationID string, at time.Time) ConversationList {
	pi, ci := l.indexOf(conversationID)
	if pi < 0 {
		return l
	}
	pages := l.clonePages()
	conv := pages[pi].Data[ci]
	conv.UnreadCount = 0
	conv.LastReadAt = &at
	pages[pi].Data[ci] = conv
	return ConversationList{Pages: pages, Stale: l.Stale}
}

// FilterConversations is the client-side search: a case-insensitive
// substring match over the name and the last message content.
func FilterConversations(items []Conversation, query string) []Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return items
	}
	var out []Conversation
	for _, c := range items {
		if strings.Contains(strings.ToLower(c.Name), q) {
			out = append(out, c)
			continue
		}
		if c.LastMessage != nil && strings.Contains(strings.ToLower(c.LastMessage.Content), q) {
			out = append(out, c)
		}
	}
	return out
}

func (l ConversationList) indexOf(id string) (int, int) {
	for pi, p := range l.Pages {
		for ci, c := range p.Data {
			if c.ID == id {
				return pi, ci
			}
		}
	}
	return -1, -1
}

func (l ConversationList) clonePages() []Page[Conversation] {
	pages := make([]Page[Conversation], len(l.Pages))
	for i, p := range l.Pages {
		pages[i] = Page[Conversation]{Data: append([]Conversation(nil), p.Data...), Total: p.Total}
	}
	return pages
}

func removeAt[T any](s []T, i int) []T {
	out := make([]T, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

// ============================================================================
// Conversation Store
// ============================================================================

// ConversationFetcher loads one page of conversations.
type ConversationFetcher func(ctx context.Context, page, limit int) (*Page[Conversation], error)

// ConversationStore is the session-wide holder of the conversation list.
// Fetch failures leave the cached list untouched.
type ConversationStore struct {
	fetch    ConversationFetcher
	pageSize int
	log      zerolog.Logger
	sf       singleflight.Group

	mu   sync.Mutex
	list ConversationList
}

func NewConversationStore(fetch ConversationFetcher, pageSize int, logger zerolog.Logger) *ConversationStore {
	return &ConversationStore{
		fetch:    fetch,
		pageSize: pageSize,
		log:      logger.With().Str("component", "conversations").Logger(),
	}
}

// Snapshot returns the current list.
func (s *ConversationStore) Snapshot() ConversationList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

// Update applies a reducer to the list.
func (s *ConversationStore) Update(fn func(ConversationList) ConversationList) {
	s.mu.Lock()
	s.list = fn(s.list)
	s.mu.Unlock()
}

// Invalidate marks the list stale.
func (s *ConversationStore) Invalidate() {
	s.Update(ConversationList.Invalidate)
}

// Refresh refetches page 1 and replaces the list. Concurrent calls share a
// single request.
func (s *ConversationStore) Refresh(ctx context.Context) error {
	_, err, _ := s.sf.Do("page-1", func() (any, error) {
		page, err := s.fetch(ctx, 1, s.pageSize)
		if err != nil {
			s.log.Warn().Err(err).Msg("refresh conversations")
			return nil, err
		}
		s.mu.Lock()
		s.list = ResetConversations(*page)
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

// RefreshIfStale refetches only when the list was invalidated or never loaded.
func (s *ConversationStore) RefreshIfStale(ctx context.Context) error {
	l := s.Snapshot()
	if !l.Stale && len(l.Pages) > 0 {
		return nil
	}
	return s.Refresh(ctx)
}

// LoadMore appends the next page. It is a no-op when everything is loaded.
func (s *ConversationStore) LoadMore(ctx context.Context) error {
	l := s.Snapshot()
	if len(l.Pages) == 0 {
		return s.Refresh(ctx)
	}
	if !l.HasMore() {
		return nil
	}
	next := l.NextPage()
	page, err := s.fetch(ctx, next, s.pageSize)
	if err != nil {
		s.log.Warn().Err(err).Int("page", next).Msg("load more conversations")
		return err
	}
	s.mu.Lock()
	if s.list.NextPage() == next {
		s.list = s.list.AppendPage(*page)
	}
	s.mu.Unlock()
	return nil
}

func (s *ConversationStore) reset() {
	s.mu.Lock()
	s.list = ConversationList{}
	s.mu.Unlock()
}
