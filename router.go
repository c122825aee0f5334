package loopline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Realtime Event Router
// ============================================================================

// Channel is the realtime collaborator contract. RealtimeClient is the
// websocket implementation; tests substitute an in-memory fake.
type Channel interface {
	Connect(ctx context.Context) error
	Close() error

	Register(ctx context.Context, userID string) error
	JoinRoom(ctx context.Context, conversationID string) error
	LeaveRoom(ctx context.Context, conversationID string) error
	StartTyping(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
	RequestPresence(ctx context.Context) error

	OnMessageCreated(func(MessageCreatedPayload))
	OnPresenceSnapshot(func(PresenceSnapshotPayload))
	OnTypingStart(func(TypingPayload))
	OnTypingStop(func(TypingPayload))
	OnUnreadCleared(func(UnreadClearedPayload))
	OnConnected(func())
	OnDisconnected(func(code int, reason string))
}

// Router demultiplexes inbound realtime events into the stores and owns the
// room join/leave lifecycle for the active conversation.
type Router struct {
	ch            Channel
	messages      *MessageStore
	conversations *ConversationStore
	presence      *PresenceTracker
	log           *zap.Logger

	// isActive reports whether a conversation is the open one; materialize
	// is invoked when activity arrives for a conversation not yet known
	// locally. Both are supplied by the engine.
	isActive    func(conversationID string) bool
	materialize func(conversationID string)

	mu     sync.Mutex
	room   string
	userID string
}

func newRouter(ch Channel, messages *MessageStore, conversations *ConversationStore, presence *PresenceTracker, userID string, log *zap.Logger) *Router {
	return &Router{
		ch:            ch,
		messages:      messages,
		conversations: conversations,
		presence:      presence,
		userID:        userID,
		log:           log,
		isActive:      func(string) bool { return false },
		materialize:   func(string) {},
	}
}

// bind installs the dispatch table on the channel. Called once, before
// Connect, so no events are missed.
func (r *Router) bind() {
	r.ch.OnMessageCreated(r.handleMessageCreated)
	r.ch.OnPresenceSnapshot(func(p PresenceSnapshotPayload) {
		r.presence.SetOnline(p.UserIDs)
	})
	r.ch.OnTypingStart(func(p TypingPayload) {
		r.presence.SetTyping(p.ConversationID, p.UserID)
	})
	r.ch.OnTypingStop(func(p TypingPayload) {
		r.presence.ClearTyping(p.ConversationID, p.UserID)
	})
	r.ch.OnUnreadCleared(func(p UnreadClearedPayload) {
		// Another device of this account read the conversation.
		r.conversations.MarkActive(p.ConversationID)
	})
	r.ch.OnConnected(r.handleConnected)
	r.ch.OnDisconnected(func(code int, reason string) {
		r.presence.Reset()
		r.log.Info("channel_disconnected", zap.Int("code", code), zap.String("reason", reason))
	})
}

func (r *Router) handleMessageCreated(p MessageCreatedPayload) {
	msg := p.Message()
	outcome := r.messages.Reconcile(msg.ConversationID, msg)
	if outcome == ReconcileDuplicate {
		r.log.Debug("duplicate_event_dropped", zap.String("msg", msg.ID))
		return
	}

	active := r.isActive(msg.ConversationID)
	if !r.conversations.Bump(msg.ConversationID, msg.Preview(), msg.CreatedAt, active) {
		// Activity for a conversation we have never seen: fetch its summary
		// and insert it at the front.
		r.log.Info("materializing_conversation", zap.String("conversation", msg.ConversationID))
		r.materialize(msg.ConversationID)
	}
}

// handleConnected runs on every connect, including reconnects. Server-side
// session continuity is never assumed: re-register, re-join the active room,
// and ask for a fresh presence snapshot.
func (r *Router) handleConnected() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.ch.Register(ctx, r.userID); err != nil {
		r.log.Warn("register_failed", zap.Error(err))
		return
	}

	r.mu.Lock()
	room := r.room
	r.mu.Unlock()
	if room != "" {
		if err := r.ch.JoinRoom(ctx, room); err != nil {
			r.log.Warn("rejoin_failed", zap.String("room", room), zap.Error(err))
		}
	}

	if err := r.ch.RequestPresence(ctx); err != nil {
		r.log.Warn("presence_request_failed", zap.Error(err))
	}
}

// Switch leaves the previously joined room, then joins the new one. Leaving
// first keeps the subscribed window for the new room gap-free.
func (r *Router) Switch(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	prev := r.room
	r.room = conversationID
	r.mu.Unlock()

	if prev == conversationID {
		return nil
	}
	if prev != "" {
		if err := r.ch.LeaveRoom(ctx, prev); err != nil {
			r.log.Warn("leave_room_failed", zap.String("room", prev), zap.Error(err))
		}
	}
	if conversationID == "" {
		return nil
	}
	return r.ch.JoinRoom(ctx, conversationID)
}

// Room returns the currently joined conversation room, if any.
func (r *Router) Room() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}
