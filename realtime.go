package loopline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// MessageCreatedPayload is delivered when a message is created in a joined
// room, including the server echo of the local user's own sends.
type MessageCreatedPayload struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content,omitempty"`
	MediaURLs      []string  `json:"mediaUrls,omitempty"`
	ReplyToID      string    `json:"replyToId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Message converts the payload into the stored message form.
func (p MessageCreatedPayload) Message() Message {
	return Message{
		ID:             p.ID,
		ClientID:       p.ClientID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		MediaURLs:      p.MediaURLs,
		ReplyToID:      p.ReplyToID,
		Status:         StatusConfirmed,
		CreatedAt:      p.CreatedAt,
	}
}

// PresenceSnapshotPayload is the authoritative full online set.
type PresenceSnapshotPayload struct {
	UserIDs []string `json:"userIds"`
}

// TypingPayload is delivered for both typing.start and typing.stop.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// UnreadClearedPayload is delivered when another client instance of the same
// account reads a conversation.
type UnreadClearedPayload struct {
	ConversationID string `json:"conversationId"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server message.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the realtime client.
type ChannelConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	onMessage      []func(MessageCreatedPayload)
	onPresence     []func(PresenceSnapshotPayload)
	onTypingStart  []func(TypingPayload)
	onTypingStop   []func(TypingPayload)
	onUnread       []func(UnreadClearedPayload)
	onConnected    []func()
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "message.created":
		var p MessageCreatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessage {
				h(p)
			}
		}
	case "presence.snapshot":
		var p PresenceSnapshotPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onPresence {
				h(p)
			}
		}
	case "typing.start":
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTypingStart {
				h(p)
			}
		}
	case "typing.stop":
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTypingStop {
				h(p)
			}
		}
	case "unread.cleared":
		var p UnreadClearedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onUnread {
				h(p)
			}
		}
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the websocket implementation of Channel, with
// auto-reconnect and heartbeat.
type RealtimeClient struct {
	baseURL          string
	config           *ChannelConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            ChannelState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// NewRealtimeClient creates a realtime client for the given API base URL.
// Call Connect to establish the connection.
func NewRealtimeClient(baseURL string, config *ChannelConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnMessageCreated registers a handler for new messages.
func (ws *RealtimeClient) OnMessageCreated(h func(MessageCreatedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessage = append(ws.dispatcher.onMessage, h)
	ws.dispatcher.mu.Unlock()
}

// OnPresenceSnapshot registers a handler for presence snapshots.
func (ws *RealtimeClient) OnPresenceSnapshot(h func(PresenceSnapshotPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onPresence = append(ws.dispatcher.onPresence, h)
	ws.dispatcher.mu.Unlock()
}

// OnTypingStart registers a handler for typing.start events.
func (ws *RealtimeClient) OnTypingStart(h func(TypingPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTypingStart = append(ws.dispatcher.onTypingStart, h)
	ws.dispatcher.mu.Unlock()
}

// OnTypingStop registers a handler for typing.stop events.
func (ws *RealtimeClient) OnTypingStop(h func(TypingPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTypingStop = append(ws.dispatcher.onTypingStop, h)
	ws.dispatcher.mu.Unlock()
}

// OnUnreadCleared registers a handler for cross-device read events.
func (ws *RealtimeClient) OnUnreadCleared(h func(UnreadClearedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onUnread = append(ws.dispatcher.onUnread, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event. It fires on
// every successful connect, including reconnects.
func (ws *RealtimeClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeClient) State() ChannelState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the websocket connection.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ws.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)

	// Connected handlers run after the loops are up so re-join commands
	// issued from them have a live connection.
	ws.dispatcher.emitConnected()

	return nil
}

// Close gracefully shuts the connection down without reconnecting.
func (ws *RealtimeClient) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Register announces the local user on the channel. The server will not
// route room events until the connection is registered.
func (ws *RealtimeClient) Register(ctx context.Context, userID string) error {
	return ws.send(ctx, &Command{
		Type:    "register",
		Payload: map[string]string{"userId": userID},
	})
}

// JoinRoom subscribes to a conversation's room.
func (ws *RealtimeClient) JoinRoom(ctx context.Context, conversationID string) error {
	return ws.send(ctx, &Command{
		Type:    "room.join",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// LeaveRoom unsubscribes from a conversation's room.
func (ws *RealtimeClient) LeaveRoom(ctx context.Context, conversationID string) error {
	return ws.send(ctx, &Command{
		Type:    "room.leave",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StartTyping emits the local user's typing start signal.
func (ws *RealtimeClient) StartTyping(ctx context.Context, conversationID string) error {
	return ws.send(ctx, &Command{
		Type:    "typing.start",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StopTyping emits the local user's typing stop signal.
func (ws *RealtimeClient) StopTyping(ctx context.Context, conversationID string) error {
	return ws.send(ctx, &Command{
		Type:    "typing.stop",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// RequestPresence asks the server for a fresh presence snapshot.
func (ws *RealtimeClient) RequestPresence(ctx context.Context) error {
	return ws.send(ctx, &Command{Type: "presence.request"})
}

func (ws *RealtimeClient) send(ctx context.Context, cmd *Command) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ws *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	ws.mu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ws.mu.Unlock()

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	drop := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.send(ctx, &Command{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		drop()
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		drop()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeClient) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.dispatcher.emitDisconnected(0, err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(context.Background())
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			s := ws.state
			ws.mu.Unlock()
			if s != StateConnected {
				return
			}

			if _, err := ws.Ping(ctx); err != nil {
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := ws.recon.nextDelay()
	ws.mu.Lock()
	ws.state = StateReconnecting
	ws.mu.Unlock()

	ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

	time.Sleep(delay)

	if err := ws.Connect(ctx); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect(ctx)
		} else {
			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.mu.Unlock()
		}
	}
}

func (ws *RealtimeClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
