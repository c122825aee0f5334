// Package loopline is the Go client engine for the Loopline social network.
//
// It keeps a user's conversation list and per-conversation message histories
// consistent across optimistic local sends, paginated history loads, and the
// realtime event stream.
//
// Example:
//
//	client := loopline.NewClient("ll-token-...", loopline.WithBaseURL("https://api.loopline.im"))
//	channel := loopline.NewRealtimeClient(client.BaseURL(), &loopline.ChannelConfig{Token: "ll-token-..."})
//	engine := loopline.NewEngine(client, channel, "user-42")
//
//	engine.Start(ctx)
//	engine.OpenConversation(ctx, "conv-1")
//	engine.Send(ctx, "conv-1", "hello", nil, "")
package loopline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.loopline.im"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP collaborator behind the sync engine: conversation list
// and detail fetches, message history fetches, and message creates.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Loopline API client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

// apiResult is the generic response envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*apiResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result apiResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeResult[T any](res *apiResult, what string) (*T, error) {
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("%s failed", what)
	}
	var out T
	if res.Data != nil {
		if err := json.Unmarshal(res.Data, &out); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", what, err)
		}
	}
	return &out, nil
}

// ============================================================================
// API Methods
// ============================================================================

// ListConversations fetches one page of the conversation list. A non-empty
// searchQuery issues a filtered fetch.
func (c *Client) ListConversations(ctx context.Context, page, pageSize int, searchQuery string) (*ConversationPage, error) {
	query := map[string]string{
		"page":     strconv.Itoa(page),
		"pageSize": strconv.Itoa(pageSize),
	}
	if searchQuery != "" {
		query["q"] = searchQuery
	}
	res, err := c.do(ctx, "GET", "/api/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeResult[ConversationPage](res, "conversation page")
}

// GetConversation fetches a single conversation summary. Used to materialize
// a conversation that is not yet known locally when activity arrives for it.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := c.do(ctx, "GET", "/api/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Conversation](res, "conversation")
}

// MessageHistory fetches one page of a conversation's history. The server
// delivers messages newest-first; callers reverse into chronological order
// before storing.
func (c *Client) MessageHistory(ctx context.Context, conversationID string, page, pageSize int) ([]Message, error) {
	res, err := c.do(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, map[string]string{
		"page":     strconv.Itoa(page),
		"pageSize": strconv.Itoa(pageSize),
	})
	if err != nil {
		return nil, err
	}
	batch, err := decodeResult[[]Message](res, "message page")
	if err != nil {
		return nil, err
	}
	return *batch, nil
}

// SendMessage issues a message create. The response is an acknowledgement
// only; the engine finalizes state from the realtime echo, not from here.
func (c *Client) SendMessage(ctx context.Context, conversationID string, opts SendOptions) error {
	res, err := c.do(ctx, "POST", "/api/conversations/"+conversationID+"/messages", opts, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("send failed")
	}
	return nil
}
