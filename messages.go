package chatsync

import "time"

// MessageCache is the paginated buffer of the active conversation. Pages are
// stored newest-first, exactly as fetched; Messages reverses them for display.
type MessageCache struct {
	ConversationID string
	Pages          []Page[Message]
}

// NewMessageCache starts an empty cache for a conversation.
func NewMessageCache(conversationID string) MessageCache {
	return MessageCache{ConversationID: conversationID}
}

// Messages returns every loaded message oldest-first.
func (c MessageCache) Messages() []Message {
	out := make([]Message, 0, c.Loaded())
	for pi := len(c.Pages) - 1; pi >= 0; pi-- {
		data := c.Pages[pi].Data
		for i := len(data) - 1; i >= 0; i-- {
			out = append(out, data[i])
		}
	}
	return out
}

// Loaded is the sum of the item counts of every loaded page.
func (c MessageCache) Loaded() int {
	n := 0
	for _, p := range c.Pages {
		n += len(p.Data)
	}
	return n
}

// Total is the tracked server total, including live appends.
func (c MessageCache) Total() int {
	if len(c.Pages) == 0 {
		return 0
	}
	return c.Pages[0].Total
}

func (c MessageCache) HasMore() bool { return c.Loaded() < c.Total() }

// NextPage is the 1-based page number of the next older page.
func (c MessageCache) NextPage() int { return len(c.Pages) + 1 }

// Contains reports whether a message id is already cached.
func (c MessageCache) Contains(id string) bool {
	for _, p := range c.Pages {
		for _, m := range p.Data {
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

// AppendPage adds an older page. Live appends shift server offsets, so an
// older page can repeat messages that are already cached; those are dropped.
func (c MessageCache) AppendPage(p Page[Message]) MessageCache {
	data := make([]Message, 0, len(p.Data))
	for _, m := range p.Data {
		if !c.Contains(m.ID) {
			data = append(data, m)
		}
	}
	pages := c.clonePages()
	pages = append(pages, Page[Message]{Data: data, Total: p.Total})
	if p.Total > pages[0].Total {
		pages[0].Total = p.Total
	}
	return MessageCache{ConversationID: c.ConversationID, Pages: pages}
}

// ApplyNewMessage prepends a live message to the most recent page and grows
// its total by one. Messages for other conversations and ids already cached
// leave the cache unchanged; the second result reports whether it changed.
func ApplyNewMessage(c MessageCache, msg Message) (MessageCache, bool) {
	if msg.ConversationID != c.ConversationID || c.Contains(msg.ID) {
		return c, false
	}
	if len(c.Pages) == 0 {
		return MessageCache{
			ConversationID: c.ConversationID,
			Pages:          []Page[Message]{{Data: []Message{msg}, Total: 1}},
		}, true
	}
	pages := c.clonePages()
	pages[0].Data = append([]Message{msg}, pages[0].Data...)
	pages[0].Total++
	return MessageCache{ConversationID: c.ConversationID, Pages: pages}, true
}

// ApplyConversationRead marks the current user's messages as read after a
// peer read the conversation. A read performed by the current user is an
// echo of its own markAsRead and changes nothing, as do reads of other
// conversations.
func ApplyConversationRead(c MessageCache, ev ConversationReadEvent, currentUserID string) (MessageCache, bool) {
	if ev.ConversationID != c.ConversationID || ev.ReadByUserID == currentUserID {
		return c, false
	}
	changed := false
	pages := c.clonePages()
	for pi := range pages {
		for i, m := range pages[pi].Data {
			if m.SenderID == currentUserID && !m.IsRead {
				pages[pi].Data[i].IsRead = true
				changed = true
			}
		}
	}
	if !changed {
		return c, false
	}
	return MessageCache{ConversationID: c.ConversationID, Pages: pages}, true
}

// SeparatorIndex returns the index in msgs (oldest-first) of the first
// message from another user created after the conversation's LastReadAt, or
// -1 when the conversation has nothing unread or no such message exists. A
// conversation that was never read counts every message as new.
func SeparatorIndex(msgs []Message, conv Conversation, currentUserID string) int {
	if conv.UnreadCount == 0 {
		return -1
	}
	var lastRead time.Time
	if conv.LastReadAt != nil {
		lastRead = *conv.LastReadAt
	}
	for i, m := range msgs {
		if m.SenderID != currentUserID && m.CreatedAt.After(lastRead) {
			return i
		}
	}
	return -1
}

func (c MessageCache) clonePages() []Page[Message] {
	pages := make([]Page[Message], len(c.Pages))
	for i, p := range c.Pages {
		pages[i] = Page[Message]{Data: append([]Message(nil), p.Data...), Total: p.Total}
	}
	return pages
}
