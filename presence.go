package loopline

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Presence & Typing Tracker
// ============================================================================

// PresenceTracker holds the online-user set and the per-conversation typing
// sets. Nothing here is persisted: the state is rebuilt wholesale from
// presence snapshots and cleared on disconnect.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
	typing map[string]map[string]struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		online: make(map[string]struct{}),
		typing: make(map[string]map[string]struct{}),
	}
}

// SetOnline replaces the online set from an authoritative snapshot. The
// broadcast is a full set, not a diff.
func (p *PresenceTracker) SetOnline(userIDs []string) {
	next := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		next[id] = struct{}{}
	}
	p.mu.Lock()
	p.online = next
	p.mu.Unlock()
}

// Online returns the online user ids, sorted for stable iteration.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether the user is in the online set.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// SetTyping marks a user as typing in a conversation.
func (p *PresenceTracker) SetTyping(conversationID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.typing[conversationID]
	if !ok {
		set = make(map[string]struct{})
		p.typing[conversationID] = set
	}
	set[userID] = struct{}{}
}

// ClearTyping removes a user from a conversation's typing set.
func (p *PresenceTracker) ClearTyping(conversationID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.typing[conversationID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(p.typing, conversationID)
		}
	}
}

// TypingIn returns the users currently typing in a conversation, sorted.
func (p *PresenceTracker) TypingIn(conversationID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.typing[conversationID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset drops all presence state. Called on channel disconnect: the next
// snapshot repopulates everything.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[string]struct{})
	p.typing = make(map[string]map[string]struct{})
}

// ============================================================================
// Local typing emission
// ============================================================================

// typingEmitter implements the debounced-stop policy for the local user's
// typing signal. The first keystroke in a conversation emits a start; each
// keystroke restarts the idle timer; when the timer expires a stop is
// emitted. This bounds staleness without flooding the channel per keystroke.
type typingEmitter struct {
	mu     sync.Mutex
	idle   time.Duration
	timers map[string]*time.Timer
	start  func(conversationID string)
	stop   func(conversationID string)
}

func newTypingEmitter(idle time.Duration, start, stop func(string)) *typingEmitter {
	return &typingEmitter{
		idle:   idle,
		timers: make(map[string]*time.Timer),
		start:  start,
		stop:   stop,
	}
}

func (t *typingEmitter) keystroke(conversationID string) {
	t.mu.Lock()
	if timer, ok := t.timers[conversationID]; ok {
		timer.Reset(t.idle)
		t.mu.Unlock()
		return
	}
	t.timers[conversationID] = time.AfterFunc(t.idle, func() {
		t.mu.Lock()
		delete(t.timers, conversationID)
		t.mu.Unlock()
		t.stop(conversationID)
	})
	t.mu.Unlock()

	t.start(conversationID)
}

// flush emits the stop immediately if a typing run is active, e.g. when the
// user sends the message before the idle timer fires.
func (t *typingEmitter) flush(conversationID string) {
	t.mu.Lock()
	timer, ok := t.timers[conversationID]
	if ok {
		timer.Stop()
		delete(t.timers, conversationID)
	}
	t.mu.Unlock()
	if ok {
		t.stop(conversationID)
	}
}

// cancelAll stops every pending timer without emitting, used on shutdown.
func (t *typingEmitter) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
