package loopline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	loopline "github.com/loopline-im/loopline-go"
)

// ============================================================================
// Test doubles
// ============================================================================

// fakeChannel is an in-memory Channel that records outbound commands and
// lets tests inject inbound events synchronously.
type fakeChannel struct {
	mu           sync.Mutex
	connected    bool
	registered   []string
	joins        []string
	leaves       []string
	typingStarts []string
	typingStops  []string
	presenceReqs int

	onMessage      []func(loopline.MessageCreatedPayload)
	onPresence     []func(loopline.PresenceSnapshotPayload)
	onTypingStart  []func(loopline.TypingPayload)
	onTypingStop   []func(loopline.TypingPayload)
	onUnread       []func(loopline.UnreadClearedPayload)
	onConnected    []func()
	onDisconnected []func(int, string)
}

func newFakeChannel() *fakeChannel { return &fakeChannel{} }

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	handlers := append([]func(){}, f.onConnected...)
	f.mu.Unlock()
	for _, h := range handlers {
		h()
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.connected = false
	handlers := append([]func(int, string){}, f.onDisconnected...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(1000, "client disconnect")
	}
	return nil
}

func (f *fakeChannel) Register(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, userID)
	return nil
}

func (f *fakeChannel) JoinRoom(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, conversationID)
	return nil
}

func (f *fakeChannel) LeaveRoom(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, conversationID)
	return nil
}

func (f *fakeChannel) StartTyping(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingStarts = append(f.typingStarts, conversationID)
	return nil
}

func (f *fakeChannel) StopTyping(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingStops = append(f.typingStops, conversationID)
	return nil
}

func (f *fakeChannel) RequestPresence(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presenceReqs++
	return nil
}

func (f *fakeChannel) OnMessageCreated(h func(loopline.MessageCreatedPayload)) {
	f.onMessage = append(f.onMessage, h)
}
func (f *fakeChannel) OnPresenceSnapshot(h func(loopline.PresenceSnapshotPayload)) {
	f.onPresence = append(f.onPresence, h)
}
func (f *fakeChannel) OnTypingStart(h func(loopline.TypingPayload)) {
	f.onTypingStart = append(f.onTypingStart, h)
}
func (f *fakeChannel) OnTypingStop(h func(loopline.TypingPayload)) {
	f.onTypingStop = append(f.onTypingStop, h)
}
func (f *fakeChannel) OnUnreadCleared(h func(loopline.UnreadClearedPayload)) {
	f.onUnread = append(f.onUnread, h)
}
func (f *fakeChannel) OnConnected(h func()) { f.onConnected = append(f.onConnected, h) }
func (f *fakeChannel) OnDisconnected(h func(code int, reason string)) {
	f.onDisconnected = append(f.onDisconnected, h)
}

func (f *fakeChannel) emitMessage(p loopline.MessageCreatedPayload) {
	for _, h := range f.onMessage {
		h(p)
	}
}

func (f *fakeChannel) emitPresence(userIDs ...string) {
	for _, h := range f.onPresence {
		h(loopline.PresenceSnapshotPayload{UserIDs: userIDs})
	}
}

func (f *fakeChannel) emitUnreadCleared(conversationID string) {
	for _, h := range f.onUnread {
		h(loopline.UnreadClearedPayload{ConversationID: conversationID})
	}
}

func (f *fakeChannel) counts() (joins, leaves, starts, stops []string, regs int, presence int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.joins...), append([]string{}, f.leaves...),
		append([]string{}, f.typingStarts...), append([]string{}, f.typingStops...),
		len(f.registered), f.presenceReqs
}

// testAPI is an httptest double for the HTTP collaborator contract.
type testAPI struct {
	srv *httptest.Server

	mu            sync.Mutex
	conversations []loopline.Conversation
	searchResults []loopline.Conversation
	details       map[string]loopline.Conversation
	histories     map[string]map[int][]loopline.Message // page -> newest-first batch
	sendErr       *loopline.APIError
	historyDelay  time.Duration
	searchDelay   time.Duration
	historyCalls  int
	listCalls     int
	searchCalls   int
	lastSend      loopline.SendOptions
}

func newTestAPI() *testAPI {
	api := &testAPI{
		details:   make(map[string]loopline.Conversation),
		histories: make(map[string]map[int][]loopline.Message),
	}
	api.srv = httptest.NewServer(http.HandlerFunc(api.handle))
	return api
}

func (a *testAPI) close() { a.srv.Close() }

func (a *testAPI) setHistory(conversationID string, page int, newestFirst []loopline.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.histories[conversationID] == nil {
		a.histories[conversationID] = make(map[int][]loopline.Message)
	}
	a.histories[conversationID][page] = newestFirst
}

func writeOK(w http.ResponseWriter, data interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "data": data})
}

func writeErr(w http.ResponseWriter, code, msg string) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":    false,
		"error": map[string]string{"code": code, "message": msg},
	})
}

func (a *testAPI) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations")

	switch {
	case path == "" && r.Method == "GET":
		search := r.URL.Query().Get("q") != ""
		a.mu.Lock()
		convs := a.conversations
		var delay time.Duration
		if search {
			a.searchCalls++
			delay = a.searchDelay
			if a.searchResults != nil {
				convs = a.searchResults
			}
		} else {
			a.listCalls++
		}
		a.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		writeOK(w, loopline.ConversationPage{Conversations: convs, Total: len(convs)})

	case strings.HasSuffix(path, "/messages") && r.Method == "GET":
		convID := strings.Trim(strings.TrimSuffix(path, "/messages"), "/")
		var page int
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)

		a.mu.Lock()
		a.historyCalls++
		delay := a.historyDelay
		batch := a.histories[convID][page]
		a.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if batch == nil {
			batch = []loopline.Message{}
		}
		writeOK(w, batch)

	case strings.HasSuffix(path, "/messages") && r.Method == "POST":
		a.mu.Lock()
		json.NewDecoder(r.Body).Decode(&a.lastSend)
		sendErr := a.sendErr
		a.mu.Unlock()
		if sendErr != nil {
			writeErr(w, sendErr.Code, sendErr.Message)
			return
		}
		writeOK(w, map[string]string{"status": "accepted"})

	case r.Method == "GET":
		convID := strings.Trim(path, "/")
		a.mu.Lock()
		detail, ok := a.details[convID]
		a.mu.Unlock()
		if !ok {
			writeErr(w, "NOT_FOUND", "no such conversation")
			return
		}
		writeOK(w, detail)

	default:
		http.NotFound(w, r)
	}
}

func newTestEngine(t *testing.T, api *testAPI, ch *fakeChannel, opts ...loopline.EngineOption) *loopline.Engine {
	t.Helper()
	client := loopline.NewClient("test-token", loopline.WithBaseURL(api.srv.URL))
	opts = append([]loopline.EngineOption{loopline.WithPageSize(10)}, opts...)
	engine := loopline.NewEngine(client, ch, "self", opts...)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return engine
}

func newestFirst(conv string, lo, hi int) []loopline.Message {
	var out []loopline.Message
	for i := hi - 1; i >= lo; i-- {
		out = append(out, serverMsg(fmt.Sprintf("m%d", i), conv, "alice", fmt.Sprintf("msg %d", i), ts(i)))
	}
	return out
}

// ============================================================================
// Scenarios
// ============================================================================

func TestEngine_OpenConversationJoinsAndLoads(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.setHistory("c1", 1, newestFirst("c1", 0, 3))

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch)

	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}

	msgs := engine.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("history not chronological at %d", i)
		}
	}

	joins, leaves, _, _, regs, presence := ch.counts()
	if len(joins) != 1 || joins[0] != "c1" {
		t.Fatalf("expected join of c1, got %v", joins)
	}
	if len(leaves) != 0 {
		t.Fatalf("unexpected leaves: %v", leaves)
	}
	if regs != 1 || presence != 1 {
		t.Fatalf("expected register and presence request on connect, got %d/%d", regs, presence)
	}

	// Switching away leaves the old room before joining the new one.
	api.setHistory("c2", 1, nil)
	if err := engine.OpenConversation(context.Background(), "c2"); err != nil {
		t.Fatalf("OpenConversation c2: %v", err)
	}
	joins, leaves, _, _, _, _ = ch.counts()
	if len(leaves) != 1 || leaves[0] != "c1" {
		t.Fatalf("expected leave of c1, got %v", leaves)
	}
	if len(joins) != 2 || joins[1] != "c2" {
		t.Fatalf("expected join of c2, got %v", joins)
	}

	// Reopening a cached conversation does not refetch.
	api.mu.Lock()
	calls := api.historyCalls
	api.mu.Unlock()
	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	api.mu.Lock()
	after := api.historyCalls
	api.mu.Unlock()
	if after != calls {
		t.Fatalf("reopening a cached conversation refetched history")
	}
}

func TestEngine_OptimisticSendThenEcho(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.setHistory("c1", 1, nil)

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch)
	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	pending, err := engine.Send(context.Background(), "c1", "hi", nil, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := engine.Messages("c1")
	if len(msgs) != 1 || !msgs[0].Pending() {
		t.Fatalf("expected one pending message, got %+v", msgs)
	}
	if !strings.HasPrefix(pending.ID, loopline.TempIDPrefix) {
		t.Fatalf("pending id should carry the temp prefix, got %q", pending.ID)
	}

	// The send request carried the client id; the echo brings it back.
	api.mu.Lock()
	echoClientID := api.lastSend.ClientID
	api.mu.Unlock()
	if echoClientID == "" {
		t.Fatal("send request should carry a client id")
	}

	ch.emitMessage(loopline.MessageCreatedPayload{
		ID:             "srv1",
		ClientID:       echoClientID,
		ConversationID: "c1",
		SenderID:       "self",
		Content:        "hi",
		CreatedAt:      ts(1),
	})

	msgs = engine.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("echo must not duplicate: got %d messages", len(msgs))
	}
	if msgs[0].ID != "srv1" || msgs[0].Status != loopline.StatusConfirmed {
		t.Fatalf("expected confirmed srv1, got %+v", msgs[0])
	}

	// Duplicate delivery of the same event is dropped.
	ch.emitMessage(loopline.MessageCreatedPayload{
		ID: "srv1", ConversationID: "c1", SenderID: "self", Content: "hi", CreatedAt: ts(1),
	})
	if n := len(engine.Messages("c1")); n != 1 {
		t.Fatalf("duplicate event changed the list: %d messages", n)
	}
}

func TestEngine_SendFailureDiscardsPending(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.setHistory("c1", 1, nil)
	api.sendErr = &loopline.APIError{Code: "RATE_LIMITED", Message: "slow down"}

	var surfaced []error
	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch, loopline.WithErrorHandler(func(err error) {
		surfaced = append(surfaced, err)
	}))
	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if _, err := engine.Send(context.Background(), "c1", "hello", nil, ""); err == nil {
		t.Fatal("expected send error")
	}
	if n := len(engine.Messages("c1")); n != 0 {
		t.Fatalf("pending message should be discarded on failure, got %d", n)
	}
	if len(surfaced) == 0 {
		t.Fatal("failure should be surfaced through the error handler")
	}
}

func TestEngine_LoadOlderMergesAndRestoresScroll(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.setHistory("c1", 1, newestFirst("c1", 10, 20))
	api.setHistory("c1", 2, newestFirst("c1", 0, 10))

	anchor := &recordingAnchor{distance: 420}
	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch, loopline.WithScrollAnchor(anchor))
	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if !engine.HasOlderMessages("c1") {
		t.Fatal("full first page should leave hasMore set")
	}

	if err := engine.LoadOlderMessages(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadOlderMessages: %v", err)
	}

	msgs := engine.Messages("c1")
	if len(msgs) != 20 {
		t.Fatalf("expected 20 messages after merge, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("merged list not ascending at %d", i)
		}
	}
	if !anchor.restored || anchor.restoredWith != 420 {
		t.Fatalf("scroll anchor not restored with captured distance: %+v", anchor)
	}
}

type recordingAnchor struct {
	distance     int
	restored     bool
	restoredWith int
}

func (a *recordingAnchor) DistanceFromBottom() int { return a.distance }
func (a *recordingAnchor) RestoreFromBottom(d int) { a.restored = true; a.restoredWith = d }

func TestEngine_LoadOlderIsSingleFlight(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.setHistory("c1", 1, newestFirst("c1", 10, 20))
	api.setHistory("c1", 2, newestFirst("c1", 0, 10))

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch)
	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.historyDelay = 80 * time.Millisecond
	base := api.historyCalls
	api.mu.Unlock()

	// A scroll-event storm: both calls race before the first resolves.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.LoadOlderMessages(context.Background(), "c1")
		}()
	}
	wg.Wait()

	api.mu.Lock()
	calls := api.historyCalls - base
	api.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one outstanding fetch, server saw %d", calls)
	}
}

func TestEngine_NewMessageBumpsAndCountsUnread(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.conversations = []loopline.Conversation{conv("c1", "Alice", 2), conv("c2", "Bob", 1)}
	api.setHistory("c1", 1, nil)

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch)
	if err := engine.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		ch.emitMessage(loopline.MessageCreatedPayload{
			ID: fmt.Sprintf("srv%d", i), ConversationID: "c2", SenderID: "bob",
			Content: "ping", CreatedAt: ts(10 + i),
		})
	}

	list := engine.Conversations()
	if list[0].ID != "c2" {
		t.Fatalf("active conversation list should lead with c2, got %v", ids(list))
	}
	if list[0].UnreadCount != 3 {
		t.Fatalf("expected unread 3, got %d", list[0].UnreadCount)
	}

	// Messages for the open conversation never count as unread.
	ch.emitMessage(loopline.MessageCreatedPayload{
		ID: "srvx", ConversationID: "c1", SenderID: "alice", Content: "yo", CreatedAt: ts(20),
	})
	c1, _ := engine.Conversation("c1")
	if c1.UnreadCount != 0 {
		t.Fatalf("active conversation accrued unread: %d", c1.UnreadCount)
	}

	// Another device reading c2 clears it here too.
	ch.emitUnreadCleared("c2")
	c2, _ := engine.Conversation("c2")
	if c2.UnreadCount != 0 {
		t.Fatalf("unread.cleared should zero the count, got %d", c2.UnreadCount)
	}
}

func TestEngine_MaterializesUnknownConversation(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.conversations = []loopline.Conversation{conv("c1", "Alice", 1)}
	api.mu.Lock()
	api.details["c99"] = conv("c99", "Newcomer", 9)
	api.mu.Unlock()

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch)
	if err := engine.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch.emitMessage(loopline.MessageCreatedPayload{
		ID: "srv1", ConversationID: "c99", SenderID: "stranger",
		Content: "hello there", CreatedAt: ts(9),
	})

	list := engine.Conversations()
	if len(list) != 2 || list[0].ID != "c99" {
		t.Fatalf("materialized conversation should appear at index 0, got %v", ids(list))
	}
	if n := len(engine.Messages("c99")); n != 1 {
		t.Fatalf("the triggering message should be stored, got %d", n)
	}
}

func TestEngine_TypingDebounce(t *testing.T) {
	api := newTestAPI()
	defer api.close()

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch, loopline.WithTypingIdle(60*time.Millisecond))

	// Three keystrokes inside the idle window.
	for i := 0; i < 3; i++ {
		engine.Keystroke("c1")
		time.Sleep(10 * time.Millisecond)
	}

	_, _, starts, stops, _, _ := ch.counts()
	if len(starts) != 1 {
		t.Fatalf("expected exactly one typing.start, got %d", len(starts))
	}
	if len(stops) != 0 {
		t.Fatalf("typing.stop fired before the idle window elapsed")
	}

	time.Sleep(150 * time.Millisecond)
	_, _, starts, stops, _, _ = ch.counts()
	if len(starts) != 1 || len(stops) != 1 {
		t.Fatalf("expected one start and one stop, got %d/%d", len(starts), len(stops))
	}
}

func TestEngine_SendFlushesTypingStop(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.setHistory("c1", 1, nil)

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch, loopline.WithTypingIdle(time.Hour))
	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	engine.Keystroke("c1")
	if _, err := engine.Send(context.Background(), "c1", "done typing", nil, ""); err != nil {
		t.Fatal(err)
	}

	_, _, starts, stops, _, _ := ch.counts()
	if len(starts) != 1 || len(stops) != 1 {
		t.Fatalf("send should flush the pending typing stop, got %d/%d", len(starts), len(stops))
	}
}

func TestEngine_SearchDebounce(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.conversations = []loopline.Conversation{conv("c1", "Alice", 1)}

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch, loopline.WithSearchDebounce(40*time.Millisecond))

	engine.SearchConversations("a")
	engine.SearchConversations("al")
	engine.SearchConversations("ali")
	time.Sleep(120 * time.Millisecond)

	api.mu.Lock()
	searches := api.searchCalls
	api.mu.Unlock()
	if searches != 1 {
		t.Fatalf("three rapid queries should collapse into one fetch, got %d", searches)
	}

	// An empty query restores the unfiltered view with no fetch.
	engine.SearchConversations("")
	time.Sleep(80 * time.Millisecond)
	api.mu.Lock()
	searches = api.searchCalls
	api.mu.Unlock()
	if searches != 1 {
		t.Fatalf("clearing the query must not refetch, got %d", searches)
	}
}

func TestEngine_ClearDropsStaleSearchResults(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.conversations = []loopline.Conversation{conv("c1", "Alice", 2), conv("c2", "Bob", 1)}
	api.searchResults = []loopline.Conversation{conv("c1", "Alice", 2)}
	api.searchDelay = 100 * time.Millisecond

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch, loopline.WithSearchDebounce(10*time.Millisecond))
	if err := engine.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	engine.SearchConversations("ali")
	time.Sleep(40 * time.Millisecond) // debounce elapsed, fetch in flight

	// The user clears the query before the fetch resolves; the late result
	// must not flip the view back to filtered.
	engine.SearchConversations("")
	time.Sleep(200 * time.Millisecond)

	list := engine.Conversations()
	if len(list) != 2 {
		t.Fatalf("stale search results overwrote the cleared view: %v", ids(list))
	}
}

func TestEngine_RefreshConversationRefetches(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.setHistory("c1", 1, newestFirst("c1", 0, 2))

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch)
	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if n := len(engine.Messages("c1")); n != 2 {
		t.Fatalf("expected 2 cached messages, got %d", n)
	}

	// The server has since gained history the cache never saw.
	api.setHistory("c1", 1, newestFirst("c1", 0, 5))
	if err := engine.RefreshConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("RefreshConversation: %v", err)
	}
	if n := len(engine.Messages("c1")); n != 5 {
		t.Fatalf("refresh should rebuild the cache from page 1, got %d messages", n)
	}
}

func TestEngine_MessageLookup(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.setHistory("c1", 1, newestFirst("c1", 0, 2))

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch)
	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	quoted, ok := engine.Message("c1", "m1")
	if !ok || quoted.Content != "msg 1" {
		t.Fatalf("lookup by id: got (%+v, %v)", quoted, ok)
	}
	if _, ok := engine.Message("c1", "nope"); ok {
		t.Fatal("unknown id should not resolve")
	}
}

func TestEngine_PresenceAcrossReconnect(t *testing.T) {
	api := newTestAPI()
	defer api.close()
	api.setHistory("c1", 1, nil)

	ch := newFakeChannel()
	engine := newTestEngine(t, api, ch)
	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	ch.emitPresence("u1", "u2")
	if got := engine.OnlineUsers(); len(got) != 2 {
		t.Fatalf("expected 2 online, got %v", got)
	}

	// A drop clears ephemeral state...
	ch.Close()
	if got := engine.OnlineUsers(); len(got) != 0 {
		t.Fatalf("presence should reset on disconnect, got %v", got)
	}

	// ...and a reconnect re-registers, re-joins the active room, and asks
	// for a fresh snapshot.
	ch.Connect(context.Background())
	joins, _, _, _, regs, presence := ch.counts()
	if regs != 2 || presence != 2 {
		t.Fatalf("reconnect should re-register and re-request presence, got %d/%d", regs, presence)
	}
	found := 0
	for _, j := range joins {
		if j == "c1" {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("reconnect should re-join the active room, joins: %v", joins)
	}
}
