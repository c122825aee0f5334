package loopline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Message Store
// ============================================================================

// ReconcileOutcome reports what Reconcile did with an incoming server message.
type ReconcileOutcome int

const (
	// ReconcileReplaced means a pending local copy was promoted in place.
	ReconcileReplaced ReconcileOutcome = iota
	// ReconcileDuplicate means the server id was already present; no-op.
	ReconcileDuplicate
	// ReconcileAppended means the message was new and appended at the tail.
	ReconcileAppended
)

// MessageStore owns the per-conversation message lists. Lists are kept in
// ascending CreatedAt order; all mutation goes through its methods.
type MessageStore struct {
	mu    sync.RWMutex
	lists map[string][]Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{lists: make(map[string][]Message)}
}

// Cached reports whether any history has been loaded for the conversation.
func (s *MessageStore) Cached(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.lists[conversationID]
	return ok
}

// Messages returns a copy of the conversation's list.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.lists[conversationID]...)
}

// Lookup returns the message with the given id, for reply back-references.
func (s *MessageStore) Lookup(conversationID, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.lists[conversationID] {
		if m.ID == messageID {
			return m, true
		}
	}
	return Message{}, false
}

// MergePage merges one fetched history page, already reversed into ascending
// order by the caller. Page 1 replaces the list; later pages hold older
// messages and are prepended, preserving relative order.
//
// A realtime arrival between two fetches shifts server pagination, so a
// later page can overlap ids the list already holds. Such entries are
// dropped before prepending: a server id appears at most once.
func (s *MessageStore) MergePage(conversationID string, page int, batch []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch = append([]Message(nil), batch...)
	for i := range batch {
		if batch[i].Status == "" {
			batch[i].Status = StatusConfirmed
		}
	}

	if page <= 1 {
		s.lists[conversationID] = batch
		return
	}

	existing := s.lists[conversationID]
	known := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		known[m.ID] = struct{}{}
	}
	fresh := batch[:0]
	for _, m := range batch {
		if _, dup := known[m.ID]; !dup {
			fresh = append(fresh, m)
		}
	}
	s.lists[conversationID] = append(fresh, existing...)
}

// AppendPending inserts a client-authored message at the tail and returns it.
// The id is a temp id; the ClientID travels with the send request so the
// server echo can be correlated without the content heuristic.
func (s *MessageStore) AppendPending(conversationID, senderID string, opts SendOptions) Message {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	msg := Message{
		ID:             TempIDPrefix + clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        opts.Content,
		MediaURLs:      append([]string(nil), opts.MediaURLs...),
		Status:         StatusPending,
		ReplyToID:      opts.ReplyToID,
		CreatedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	s.lists[conversationID] = append(s.lists[conversationID], msg)
	s.mu.Unlock()
	return msg
}

// Reconcile folds a server-authoritative message into the list:
//
//  1. A pending message with the same echoed ClientID, or failing that the
//     same sender, content, and media set, is replaced in place — the list
//     position is preserved so the rendered message does not jump.
//  2. A message that already carries the same server id is a duplicate
//     delivery; no-op.
//  3. Otherwise the message is appended at the tail.
//
// Arrival order relative to the local send does not matter: whichever side
// arrives second finds the other by search, not by position.
func (s *MessageStore) Reconcile(conversationID string, incoming Message) ReconcileOutcome {
	incoming.Status = StatusConfirmed

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[conversationID]

	if idx := s.matchPending(list, incoming); idx >= 0 {
		incoming.ClientID = list[idx].ClientID
		list[idx] = incoming
		return ReconcileReplaced
	}

	for _, m := range list {
		if m.ID == incoming.ID {
			return ReconcileDuplicate
		}
	}

	s.lists[conversationID] = append(list, incoming)
	return ReconcileAppended
}

func (s *MessageStore) matchPending(list []Message, incoming Message) int {
	if incoming.ClientID != "" {
		for i, m := range list {
			if m.Pending() && m.ClientID == incoming.ClientID {
				return i
			}
		}
		return -1
	}
	// No echoed client id: fall back to the content heuristic. Ambiguous if
	// the user sends two identical messages back to back; accepted tradeoff.
	for i, m := range list {
		if m.Pending() && m.SenderID == incoming.SenderID &&
			m.Content == incoming.Content && sameMediaSet(m.MediaURLs, incoming.MediaURLs) {
			return i
		}
	}
	return -1
}

// DiscardPending removes a pending message, used when the send fails.
func (s *MessageStore) DiscardPending(conversationID, tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[conversationID]
	for i, m := range list {
		if m.ID == tempID && m.Pending() {
			s.lists[conversationID] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Evict drops a conversation's cached list entirely.
func (s *MessageStore) Evict(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, conversationID)
}

// sameMediaSet compares two URL lists as sets, ignoring order.
func sameMediaSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
