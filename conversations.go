package loopline

import (
	"sync"
	"time"
)

// ============================================================================
// Conversation Store
// ============================================================================

// ConversationStore owns the conversation summaries and their ordering.
// The canonical list is kept most-recently-active first. A search holds a
// separate ephemeral result list that substitutes for the visible collection
// without merging into the canonical one.
type ConversationStore struct {
	mu        sync.RWMutex
	items     []Conversation
	results   []Conversation
	searching bool
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{}
}

// Replace installs page 1 of the unfiltered list.
func (s *ConversationStore) Replace(batch []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]Conversation(nil), batch...)
}

// Append adds a later page at the tail. Batches are trusted to arrive
// time-ordered from the server.
func (s *ConversationStore) Append(batch []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, batch...)
}

// SetSearchResults substitutes the visible collection with filtered results.
func (s *ConversationStore) SetSearchResults(batch []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append([]Conversation(nil), batch...)
	s.searching = true
}

// ClearSearch restores the unfiltered collection.
func (s *ConversationStore) ClearSearch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = nil
	s.searching = false
}

// Searching reports whether a search substitution is active.
func (s *ConversationStore) Searching() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.searching
}

// List returns a copy of the visible collection.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.searching {
		return append([]Conversation(nil), s.results...)
	}
	return append([]Conversation(nil), s.items...)
}

// Get returns the conversation with the given id from the canonical list.
func (s *ConversationStore) Get(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.items {
		if c.ID == conversationID {
			return c, true
		}
	}
	return Conversation{}, false
}

// Len returns the canonical list length.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Bump records new activity: the conversation moves to the front, its
// preview and activity timestamp update, and unless it is the active one its
// unread count increments. Every call counts — duplicate deliveries are
// filtered out upstream by message reconciliation, so a bump here is always
// a distinct message, even when server clocks hand two of them the same
// CreatedAt.
//
// Returns false when the conversation is unknown; the caller is expected to
// materialize it via a remote lookup.
func (s *ConversationStore) Bump(conversationID, preview string, at time.Time, isActive bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, c := range s.items {
		if c.ID == conversationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	c := s.items[idx]
	c.LastMessagePreview = preview
	c.LastActivityAt = at
	if !isActive {
		c.UnreadCount++
	}

	if idx > 0 {
		copy(s.items[1:idx+1], s.items[:idx])
	}
	s.items[0] = c

	s.updateSearchResult(c)
	return true
}

// MarkActive zeroes the unread count for one conversation, leaving others
// untouched. Also used for cross-device unread.cleared events.
func (s *ConversationStore) MarkActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == conversationID {
			s.items[i].UnreadCount = 0
			s.updateSearchResult(s.items[i])
			return
		}
	}
}

// UpsertFront inserts a freshly materialized conversation at the front, or
// refreshes it in place if a concurrent event already inserted it.
func (s *ConversationStore) UpsertFront(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == conv.ID {
			s.items[i] = conv
			return
		}
	}
	s.items = append([]Conversation{conv}, s.items...)
}

// updateSearchResult keeps unread/preview fields of a visible search hit in
// step with the canonical entry. Search result order is never changed; it is
// relevance-ordered, not recency-ordered. Callers hold the write lock.
func (s *ConversationStore) updateSearchResult(c Conversation) {
	if !s.searching {
		return
	}
	for i := range s.results {
		if s.results[i].ID == c.ID {
			s.results[i] = c
			return
		}
	}
}
