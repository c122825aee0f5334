package loopline

import (
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes one-on-one threads from group threads.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Counterpart identifies the other participant of a direct conversation.
type Counterpart struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Conversation is a summary entry in the conversation list.
type Conversation struct {
	ID                 string           `json:"id"`
	Kind               ConversationKind `json:"kind"`
	DisplayName        string           `json:"displayName,omitempty"`
	Counterpart        *Counterpart     `json:"counterpart,omitempty"`
	LastMessagePreview string           `json:"lastMessagePreview,omitempty"`
	LastActivityAt     time.Time        `json:"lastActivityAt"`
	UnreadCount        int              `json:"unreadCount"`
}

// ConversationPage is one page of the conversation list.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus tracks whether a message has been confirmed by the server.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
)

// TempIDPrefix marks client-minted message ids that have not been assigned
// a server id yet.
const TempIDPrefix = "local-"

// MediaPreview is the conversation-list snippet used for media-only messages.
const MediaPreview = "[media]"

// Message is a single entry in a conversation's history.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content,omitempty"`
	MediaURLs      []string      `json:"mediaUrls,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
	ReplyToID      string        `json:"replyToId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Pending reports whether the message is still awaiting its server echo.
func (m *Message) Pending() bool {
	return m.Status == StatusPending
}

// Preview returns the conversation-list snippet for the message.
func (m *Message) Preview() string {
	if strings.TrimSpace(m.Content) == "" && len(m.MediaURLs) > 0 {
		return MediaPreview
	}
	return m.Content
}

// SendOptions describes an outgoing message.
type SendOptions struct {
	Content   string   `json:"content,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	ReplyToID string   `json:"replyToId,omitempty"`
	ClientID  string   `json:"clientId,omitempty"`
}
