package loopline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Sync Orchestrator
// ============================================================================

const (
	DefaultPageSize       = 20
	DefaultTypingIdle     = 1 * time.Second
	DefaultSearchDebounce = 300 * time.Millisecond

	conversationsKey = "conversations"
)

func messagesKey(conversationID string) string {
	return "messages:" + conversationID
}

// ScrollAnchor lets the presentation layer preserve its viewport across a
// backward pagination: the engine captures the distance from the scroll
// bottom before older content is prepended and restores it afterwards. A nil
// anchor disables the compensation.
type ScrollAnchor interface {
	DistanceFromBottom() int
	RestoreFromBottom(distance int)
}

// Engine is the outward-facing synchronization API. Locally-issued actions
// and realtime events both funnel into the same stores, so queries through
// the engine always see a single source of truth.
type Engine struct {
	api           *Client
	ch            Channel
	router        *Router
	messages      *MessageStore
	conversations *ConversationStore
	pages         *PageTracker
	presence      *PresenceTracker
	typing        *typingEmitter
	log           *zap.Logger

	selfID         string
	pageSize       int
	typingIdle     time.Duration
	searchDebounce time.Duration
	anchor         ScrollAnchor
	onError        func(error)

	mu          sync.Mutex
	active      string
	searchTimer *time.Timer
	searchGen   uint64
}

type EngineOption func(*Engine)

func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func WithPageSize(n int) EngineOption {
	return func(e *Engine) { e.pageSize = n }
}

func WithTypingIdle(d time.Duration) EngineOption {
	return func(e *Engine) { e.typingIdle = d }
}

func WithSearchDebounce(d time.Duration) EngineOption {
	return func(e *Engine) { e.searchDebounce = d }
}

func WithScrollAnchor(a ScrollAnchor) EngineOption {
	return func(e *Engine) { e.anchor = a }
}

// WithErrorHandler installs the callback that surfaces transient failures
// (page loads, sends) to the presentation layer.
func WithErrorHandler(h func(error)) EngineOption {
	return func(e *Engine) { e.onError = h }
}

// NewEngine wires the stores, trackers, and router around the given API
// client and realtime channel. selfID is the local user's id.
func NewEngine(api *Client, ch Channel, selfID string, opts ...EngineOption) *Engine {
	e := &Engine{
		api:            api,
		ch:             ch,
		messages:       NewMessageStore(),
		conversations:  NewConversationStore(),
		pages:          NewPageTracker(),
		presence:       NewPresenceTracker(),
		selfID:         selfID,
		pageSize:       DefaultPageSize,
		typingIdle:     DefaultTypingIdle,
		searchDebounce: DefaultSearchDebounce,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.typing = newTypingEmitter(e.typingIdle,
		func(conversationID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.ch.StartTyping(ctx, conversationID); err != nil {
				e.log.Debug("typing_start_failed", zap.Error(err))
			}
		},
		func(conversationID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.ch.StopTyping(ctx, conversationID); err != nil {
				e.log.Debug("typing_stop_failed", zap.Error(err))
			}
		},
	)

	e.router = newRouter(ch, e.messages, e.conversations, e.presence, selfID, e.log)
	e.router.isActive = func(conversationID string) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.active == conversationID
	}
	e.router.materialize = e.materializeConversation
	e.router.bind()

	return e
}

// Start connects the realtime channel. Handlers are already bound, so the
// connected hook registers the user and requests the presence snapshot.
func (e *Engine) Start(ctx context.Context) error {
	return e.ch.Connect(ctx)
}

// Close leaves the active room, cancels typing timers, and closes the
// channel.
func (e *Engine) Close(ctx context.Context) error {
	e.typing.cancelAll()

	e.mu.Lock()
	if e.searchTimer != nil {
		e.searchTimer.Stop()
		e.searchTimer = nil
	}
	e.mu.Unlock()

	if err := e.router.Switch(ctx, ""); err != nil {
		e.log.Warn("leave_room_failed", zap.Error(err))
	}
	return e.ch.Close()
}

// ── Conversation list ─────────────────────────────────────

// LoadConversations fetches page 1 of the unfiltered conversation list,
// replacing the local collection.
func (e *Engine) LoadConversations(ctx context.Context) error {
	return e.loadConversationPage(ctx, true)
}

// LoadMoreConversations appends the next page. Guarded by the single-flight
// tracker; a call while a load is outstanding is a no-op.
func (e *Engine) LoadMoreConversations(ctx context.Context) error {
	return e.loadConversationPage(ctx, false)
}

func (e *Engine) loadConversationPage(ctx context.Context, first bool) error {
	if first && !e.pages.Reset(conversationsKey) {
		// A page fetch is in flight; refreshing now would race its cursor.
		return nil
	}
	page, ok := e.pages.Begin(conversationsKey)
	if !ok {
		return nil
	}

	res, err := e.api.ListConversations(ctx, page, e.pageSize, "")
	if err != nil {
		e.pages.Fail(conversationsKey)
		return e.fail("conversation page load", err)
	}

	if page == 1 {
		e.conversations.Replace(res.Conversations)
	} else {
		e.conversations.Append(res.Conversations)
	}
	e.pages.Complete(conversationsKey, len(res.Conversations) == e.pageSize)
	e.log.Debug("conversations_loaded", zap.Int("page", page), zap.Int("count", len(res.Conversations)))
	return nil
}

// SearchConversations debounces the query and substitutes the visible
// collection with filtered results. An empty query restores the unfiltered
// list without a refetch. Every call advances a generation counter, so a
// fetch that resolves after the query has changed or been cleared is
// discarded instead of overwriting the newer view.
func (e *Engine) SearchConversations(query string) {
	e.mu.Lock()
	e.searchGen++
	gen := e.searchGen
	if e.searchTimer != nil {
		e.searchTimer.Stop()
	}
	e.searchTimer = time.AfterFunc(e.searchDebounce, func() {
		e.runSearch(query, gen)
	})
	e.mu.Unlock()
}

func (e *Engine) runSearch(query string, gen uint64) {
	if query == "" {
		e.conversations.ClearSearch()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := e.api.ListConversations(ctx, 1, e.pageSize, query)
	if err != nil {
		e.fail("conversation search", err)
		return
	}

	e.mu.Lock()
	stale := gen != e.searchGen
	e.mu.Unlock()
	if stale {
		return
	}
	e.conversations.SetSearchResults(res.Conversations)
}

// ── Conversation lifecycle ────────────────────────────────

// OpenConversation makes a conversation the active one: leaves the prior
// room, joins the new one, zeroes its unread count, and loads its first
// history page unless one is already cached.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	prev := e.active
	e.active = conversationID
	e.mu.Unlock()

	if prev != "" && prev != conversationID {
		e.typing.flush(prev)
	}

	if err := e.router.Switch(ctx, conversationID); err != nil {
		e.log.Warn("join_room_failed", zap.String("conversation", conversationID), zap.Error(err))
	}

	e.conversations.MarkActive(conversationID)

	if e.messages.Cached(conversationID) {
		return nil
	}
	if !e.pages.Reset(messagesKey(conversationID)) {
		return nil
	}
	return e.loadMessagePage(ctx, conversationID, false)
}

// RefreshConversation drops a conversation's cached history and refetches
// page 1, for when the local copy is suspected stale, e.g. after a long
// offline gap. No-op while a history load for it is in flight.
func (e *Engine) RefreshConversation(ctx context.Context, conversationID string) error {
	if !e.pages.Reset(messagesKey(conversationID)) {
		return nil
	}
	e.messages.Evict(conversationID)
	return e.loadMessagePage(ctx, conversationID, false)
}

// CloseConversation leaves the active room without opening another.
func (e *Engine) CloseConversation(ctx context.Context) error {
	e.mu.Lock()
	prev := e.active
	e.active = ""
	e.mu.Unlock()

	if prev != "" {
		e.typing.flush(prev)
	}
	return e.router.Switch(ctx, "")
}

// ActiveConversation returns the id of the open conversation, if any.
func (e *Engine) ActiveConversation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// LoadOlderMessages loads the next (older) history page for a conversation.
// The scroll anchor is captured before the merge and restored afterwards so
// the prepended content does not shift the viewport. Single-flight guarded.
func (e *Engine) LoadOlderMessages(ctx context.Context, conversationID string) error {
	return e.loadMessagePage(ctx, conversationID, true)
}

func (e *Engine) loadMessagePage(ctx context.Context, conversationID string, anchored bool) error {
	key := messagesKey(conversationID)
	page, ok := e.pages.Begin(key)
	if !ok {
		return nil
	}

	var distance int
	if anchored && e.anchor != nil {
		distance = e.anchor.DistanceFromBottom()
	}

	batch, err := e.api.MessageHistory(ctx, conversationID, page, e.pageSize)
	if err != nil {
		e.pages.Fail(key)
		return e.fail("message page load", err)
	}

	// The server delivers newest-first; storage order is chronological.
	reverse(batch)
	e.messages.MergePage(conversationID, page, batch)
	e.pages.Complete(key, len(batch) == e.pageSize)

	if anchored && e.anchor != nil {
		e.anchor.RestoreFromBottom(distance)
	}
	e.log.Debug("messages_loaded",
		zap.String("conversation", conversationID),
		zap.Int("page", page),
		zap.Int("count", len(batch)))
	return nil
}

// HasOlderMessages reports whether more history pages remain.
func (e *Engine) HasOlderMessages(conversationID string) bool {
	return e.pages.HasMore(messagesKey(conversationID))
}

// ── Sending ───────────────────────────────────────────────

// Send appends an optimistic pending message and issues the remote create.
// Confirmation happens only through the realtime echo — the acknowledgement
// body is deliberately not used, keeping one code path for finalization. On
// failure the pending copy is discarded and the error surfaced.
func (e *Engine) Send(ctx context.Context, conversationID, content string, mediaURLs []string, replyToID string) (Message, error) {
	e.typing.flush(conversationID)

	pending := e.messages.AppendPending(conversationID, e.selfID, SendOptions{
		Content:   content,
		MediaURLs: mediaURLs,
		ReplyToID: replyToID,
	})

	err := e.api.SendMessage(ctx, conversationID, SendOptions{
		Content:   content,
		MediaURLs: mediaURLs,
		ReplyToID: replyToID,
		ClientID:  pending.ClientID,
	})
	if err != nil {
		e.messages.DiscardPending(conversationID, pending.ID)
		return Message{}, e.fail("send", err)
	}
	return pending, nil
}

// Keystroke reports a local keystroke in a conversation's composer, driving
// the debounced typing signal.
func (e *Engine) Keystroke(conversationID string) {
	e.typing.keystroke(conversationID)
}

// ── Query surface ─────────────────────────────────────────

// Conversations returns the visible conversation list.
func (e *Engine) Conversations() []Conversation {
	return e.conversations.List()
}

// Conversation returns one conversation summary.
func (e *Engine) Conversation(conversationID string) (Conversation, bool) {
	return e.conversations.Get(conversationID)
}

// Messages returns a conversation's cached history.
func (e *Engine) Messages(conversationID string) []Message {
	return e.messages.Messages(conversationID)
}

// Message returns one cached message by id, for rendering reply
// back-references.
func (e *Engine) Message(conversationID, messageID string) (Message, bool) {
	return e.messages.Lookup(conversationID, messageID)
}

// OnlineUsers returns the current online set.
func (e *Engine) OnlineUsers() []string {
	return e.presence.Online()
}

// TypingIn returns who is typing in a conversation.
func (e *Engine) TypingIn(conversationID string) []string {
	return e.presence.TypingIn(conversationID)
}

// ── Internals ─────────────────────────────────────────────

// materializeConversation fetches the summary of a conversation that
// received activity before it was known locally and inserts it at the front.
func (e *Engine) materializeConversation(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conv, err := e.api.GetConversation(ctx, conversationID)
	if err != nil {
		e.fail("conversation lookup", err)
		return
	}
	e.conversations.UpsertFront(*conv)
}

func (e *Engine) fail(what string, err error) error {
	wrapped := fmt.Errorf("%s: %w", what, err)
	e.log.Warn("engine_error", zap.String("op", what), zap.Error(err))
	if e.onError != nil {
		e.onError(wrapped)
	}
	return wrapped
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
