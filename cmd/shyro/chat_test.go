package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestChatModelHandleCommandUnknown(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	m.handleCommand("/bogus")
	if !strings.Contains(lastSystemMessage(m), "unknown command") {
		t.Fatalf("unexpected message: %s", lastSystemMessage(m))
	}
	m.handleCommand("/help")
	if !strings.Contains(lastSystemMessage(m), "/voice") {
		t.Fatalf("expected help message, got %s", lastSystemMessage(m))
	}
}

func TestChatModelSelectServerLoadsChannelsAndHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels":
			if r.URL.Query().Get("server_id") != "s-1" {
				t.Errorf("unexpected server_id: %s", r.URL.Query().Get("server_id"))
			}
			_ = json.NewEncoder(w).Encode(listChannelsResponse{Channels: []ChannelResponse{
				{ID: "v-1", ServerID: "s-1", Name: "Lounge", Type: "voice"},
				{ID: "c-1", ServerID: "s-1", Name: "general", Type: "text"},
			}})
		case "/messages":
			_ = json.NewEncoder(w).Encode(listMessagesResponse{ChannelID: "c-1", Messages: []MessageResponse{
				{ID: "m-1", ChannelID: "c-1", AuthorID: "u-2", AuthorName: "Bob", Body: "hey", SentAt: time.Now().UTC().Format(time.RFC3339Nano)},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := &APIClient{serverURL: server.URL, httpClient: server.Client()}
	m := newChatForTest(t, api)
	m.selectServer("s-1")

	if m.activeServer != "s-1" || m.activeChannel != "c-1" {
		t.Fatalf("unexpected selection: server=%s channel=%s", m.activeServer, m.activeChannel)
	}
	if !m.historyLoaded["c-1"] || len(m.msgs["c-1"]) != 1 {
		t.Fatalf("expected history loaded, got %v", m.msgs["c-1"])
	}
	if !m.msgs["c-1"][0].isHistory {
		t.Fatalf("expected history marker")
	}
}

func TestChatModelChannelUseCommand(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	m.activeServer = "s-1"
	m.channels["s-1"] = []ChannelResponse{
		{ID: "c-1", Name: "general", Type: "text"},
		{ID: "c-2", Name: "random", Type: "text"},
		{ID: "v-1", Name: "Lounge", Type: "voice"},
	}
	m.historyLoaded["c-2"] = true
	for _, c := range m.channels["s-1"] {
		m.channelByID[c.ID] = c
	}

	m.handleChannelCommand([]string{"/channel", "use", "random"})
	if m.activeChannel != "c-2" {
		t.Fatalf("expected c-2 active, got %s", m.activeChannel)
	}

	m.handleChannelCommand([]string{"/channel", "use", "lounge"})
	if !strings.Contains(lastSystemMessage(m), "unknown text channel") {
		t.Fatalf("voice channel must not be usable for text: %s", lastSystemMessage(m))
	}
}

func TestChatModelSendCurrentMessage(t *testing.T) {
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(MessageResponse{ID: "m-9", ChannelID: gotPayload["channelId"], Body: gotPayload["body"], SentAt: time.Now().UTC().Format(time.RFC3339Nano)})
	}))
	defer server.Close()

	api := &APIClient{serverURL: server.URL, httpClient: server.Client()}
	m := newChatForTest(t, api)
	m.connected = true
	m.activeChannel = "c-1"
	m.input.SetValue("hello there")

	_ = m.sendCurrentMessage()

	if gotPayload["channelId"] != "c-1" || gotPayload["body"] != "hello there" {
		t.Fatalf("unexpected payload: %v", gotPayload)
	}
	if gotPayload["messageId"] == "" {
		t.Fatalf("expected client-generated message id")
	}
	if len(m.msgs["c-1"]) != 1 || !m.msgs["c-1"][0].isMine {
		t.Fatalf("expected local echo: %v", m.msgs["c-1"])
	}
	if m.input.Value() != "" {
		t.Fatalf("expected input reset")
	}
}

func TestChatModelNewMessageEventDedupes(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	ev := ChatEvent{Event: "new_message", Data: mustJSON(t, NewMessageEvent{
		ID: "m-1", ChannelID: "c-1", AuthorID: "u-2", AuthorName: "Bob", Body: "hi",
	})}
	m.handleChatEvent(ev)
	m.handleChatEvent(ev)
	if len(m.msgs["c-1"]) != 1 {
		t.Fatalf("expected dedupe, got %d messages", len(m.msgs["c-1"]))
	}
	if m.msgs["c-1"][0].isMine {
		t.Fatalf("message from another user must not be mine")
	}
}

func TestChatModelTypingEvents(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	m.activeChannel = "c-1"

	m.handleChatEvent(ChatEvent{Event: "typing", Data: mustJSON(t, TypingEvent{ChannelID: "c-1", UserID: "u-1", DisplayName: "Alice"})})
	if len(m.typing["c-1"]) != 0 {
		t.Fatalf("own typing events must be ignored")
	}

	m.handleChatEvent(ChatEvent{Event: "typing", Data: mustJSON(t, TypingEvent{ChannelID: "c-1", UserID: "u-2", DisplayName: "Bob"})})
	if names := m.typingNames(); names != "Bob" {
		t.Fatalf("expected Bob typing, got %q", names)
	}

	m.typing["c-1"]["u-2"] = typingUser{name: "Bob", at: time.Now().Add(-typingExpiry - time.Second)}
	m.expireTyping()
	if names := m.typingNames(); names != "" {
		t.Fatalf("expected typing expiry, got %q", names)
	}

	// an arriving message also clears the author's typing state
	m.handleChatEvent(ChatEvent{Event: "typing", Data: mustJSON(t, TypingEvent{ChannelID: "c-1", UserID: "u-2", DisplayName: "Bob"})})
	m.handleChatEvent(ChatEvent{Event: "new_message", Data: mustJSON(t, NewMessageEvent{ID: "m-2", ChannelID: "c-1", AuthorID: "u-2", Body: "done"})})
	if len(m.typing["c-1"]) != 0 {
		t.Fatalf("typing must clear on message: %v", m.typing["c-1"])
	}
}

func TestChatModelPresenceAndFriendRequestEvents(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	m.friends = []FriendResponse{{UserID: "u-2", DisplayName: "Bob", Online: false}}

	m.handleChatEvent(ChatEvent{Event: "presence_update", Data: mustJSON(t, PresenceEvent{UserID: "u-2", Online: true})})
	if !m.presence["u-2"] || !m.friends[0].Online {
		t.Fatalf("expected presence update applied")
	}

	m.handleChatEvent(ChatEvent{Event: "friend_request", Data: mustJSON(t, FriendRequestEvent{ID: "r-1", FromID: "u-3", FromName: "Carol"})})
	if len(m.friendRequests) != 1 || m.friendRequests[0].FromName != "Carol" {
		t.Fatalf("expected friend request tracked: %v", m.friendRequests)
	}
	if !strings.Contains(lastSystemMessage(m), "Carol") {
		t.Fatalf("expected notification, got %s", lastSystemMessage(m))
	}
}

func TestChatModelFriendCommands(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/friends":
			_ = json.NewEncoder(w).Encode(listFriendsResponse{Friends: []FriendResponse{{UserID: "u-2", Username: "bob", DisplayName: "Bob", Online: true}}})
		case r.Method == http.MethodGet && r.URL.Path == "/friends/requests":
			_ = json.NewEncoder(w).Encode(listFriendRequestsResponse{Requests: []FriendRequestResponse{{ID: "r-123456789", FromName: "Carol"}}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	api := &APIClient{serverURL: server.URL, httpClient: server.Client()}
	m := newChatForTest(t, api)

	_ = m.showFriends()
	if len(m.friends) != 1 || !strings.Contains(lastSystemMessage(m), "Bob") {
		t.Fatalf("unexpected friends output: %s", lastSystemMessage(m))
	}

	_ = m.showFriendRequests()
	if len(m.friendRequests) != 1 {
		t.Fatalf("expected pending request")
	}

	_ = m.handleFriendCommand([]string{"/friend", "accept", "r-123456"}, "/friend accept r-123456")
	if !strings.Contains(lastSystemMessage(m), "accepted") {
		t.Fatalf("expected accept by id prefix, got %s", lastSystemMessage(m))
	}

	_ = m.handleFriendCommand([]string{"/friend", "remove", "bob"}, "/friend remove bob")
	if !strings.Contains(lastSystemMessage(m), "removed") {
		t.Fatalf("expected removal, got %s", lastSystemMessage(m))
	}
}

func TestChatModelUpdateWSFlow(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})

	ch := make(chan ChatEvent, 1)
	m, cmd := m.Update(wsConnectedMsg{ws: &WSClient{closed: true}, ch: ch})
	if !m.connected || cmd == nil {
		t.Fatalf("expected connected state and read command")
	}

	m, _ = m.Update(wsEventMsg(ChatEvent{Event: "new_message", Data: mustJSON(t, NewMessageEvent{ID: "m-1", ChannelID: "c-1", AuthorID: "u-2", Body: "x"})}))
	if len(m.msgs["c-1"]) != 1 {
		t.Fatalf("expected message handled")
	}

	m, _ = m.Update(wsErrorMsg{err: errTest})
	if m.connected || m.errMsg == "" {
		t.Fatalf("expected disconnect state")
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "test error" }

func TestChatModelServersLoaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels":
			_ = json.NewEncoder(w).Encode(listChannelsResponse{Channels: []ChannelResponse{{ID: "c-1", Name: "general", Type: "text"}}})
		case "/messages":
			_ = json.NewEncoder(w).Encode(listMessagesResponse{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := &APIClient{serverURL: server.URL, httpClient: server.Client()}
	m := newChatForTest(t, api)
	m, _ = m.Update(serversLoadedMsg{servers: []ServerResponse{{ID: "s-1", Name: "Home"}}})
	if m.activeServer != "s-1" || m.activeChannel != "c-1" {
		t.Fatalf("expected first server auto-selected, got %s/%s", m.activeServer, m.activeChannel)
	}
}

func TestChatModelSidebarRendersChannelsAndFriends(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	m.activeServer = "s-1"
	m.activeChannel = "c-1"
	m.channels["s-1"] = []ChannelResponse{
		{ID: "c-1", Name: "general", Type: "text"},
		{ID: "v-1", Name: "Lounge", Type: "voice"},
	}
	m.friends = []FriendResponse{{UserID: "u-2", DisplayName: "Bob"}}
	m.presence["u-2"] = true

	out := m.renderSidebar()
	if !strings.Contains(out, "general") || !strings.Contains(out, "Lounge") {
		t.Fatalf("expected channels in sidebar: %s", out)
	}
	if !strings.Contains(out, "Bob") {
		t.Fatalf("expected friends in sidebar: %s", out)
	}
}

func TestChatModelView(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	m.updateLayout()
	if view := m.View(); !strings.Contains(view, "shyro") {
		t.Fatalf("expected app header in view")
	}
	m.sidebarVisible = true
	m.updateLayout()
	if view := m.View(); view == "" {
		t.Fatalf("expected sidebar view")
	}
}

func TestChatModelUnreadTracking(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	m.activeChannel = "c-1"

	// messages in other channels accumulate
	m.handleChatEvent(ChatEvent{Event: "new_message", Data: mustJSON(t, NewMessageEvent{ID: "m-1", ChannelID: "c-2", AuthorID: "u-2", Body: "a"})})
	m.handleChatEvent(ChatEvent{Event: "new_message", Data: mustJSON(t, NewMessageEvent{ID: "m-2", ChannelID: "c-2", AuthorID: "u-2", Body: "b"})})
	if m.unreads["c-2"] != 2 {
		t.Fatalf("unreads = %d, want 2", m.unreads["c-2"])
	}

	// the active channel and own messages never count
	m.handleChatEvent(ChatEvent{Event: "new_message", Data: mustJSON(t, NewMessageEvent{ID: "m-3", ChannelID: "c-1", AuthorID: "u-2", Body: "c"})})
	m.handleChatEvent(ChatEvent{Event: "new_message", Data: mustJSON(t, NewMessageEvent{ID: "m-4", ChannelID: "c-2", AuthorID: "u-1", Body: "d"})})
	if m.unreads["c-1"] != 0 || m.unreads["c-2"] != 2 {
		t.Fatalf("unreads = %v", m.unreads)
	}

	// switching to the channel clears its badge
	m.channels["s-1"] = []ChannelResponse{{ID: "c-2", Name: "random", Type: "text"}}
	m.activeServer = "s-1"
	m.historyLoaded["c-2"] = true
	m.handleChannelCommand([]string{"/channel", "use", "random"})
	if _, ok := m.unreads["c-2"]; ok {
		t.Fatalf("expected unreads cleared on switch")
	}
}

func TestChatModelUnreadBadgeInSidebar(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	m.activeServer = "s-1"
	m.activeChannel = "c-1"
	m.channels["s-1"] = []ChannelResponse{
		{ID: "c-1", Name: "general", Type: "text"},
		{ID: "c-2", Name: "random", Type: "text"},
	}
	m.unreads["c-2"] = 3

	out := m.renderSidebar()
	if !strings.Contains(out, "(3)") {
		t.Fatalf("expected unread badge in sidebar: %s", out)
	}
}

func TestChatModelReactCommandTogglesAndRenders(t *testing.T) {
	reactions := []ReactionResponse{}
	var added, removed int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/m-1/reactions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(reactions)
		case http.MethodPost:
			added++
			reactions = []ReactionResponse{{Emoji: "+1", Count: 2, Users: []string{"Alice", "Bob"}, HasReacted: true}}
		case http.MethodDelete:
			removed++
			reactions = nil
		}
	}))
	defer server.Close()

	api := &APIClient{serverURL: server.URL, httpClient: server.Client()}
	m := newChatForTest(t, api)
	m.activeChannel = "c-1"
	m.msgs["c-1"] = []chatMessage{{id: "m-1", senderName: "Bob", body: "hey", sentAt: time.Now().UTC().Format(time.RFC3339Nano)}}

	m.handleReactCommand([]string{"/react", "last", "+1"})
	if added != 1 {
		t.Fatalf("expected one add, got %d", added)
	}
	if got := m.reactions["m-1"]; len(got) != 1 || got[0].Count != 2 {
		t.Fatalf("reactions not reloaded: %v", got)
	}
	if out := m.renderMessages(); !strings.Contains(out, "[+1 2]") {
		t.Fatalf("expected own reaction rendered bracketed:\n%s", out)
	}

	// a second toggle on a reacted emoji removes it
	m.handleReactCommand([]string{"/react", "m-1", "+1"})
	if removed != 1 {
		t.Fatalf("expected one remove, got %d", removed)
	}
	if _, ok := m.reactions["m-1"]; ok {
		t.Fatalf("expected reactions cleared")
	}
}

func TestChatModelReactionEventsRefetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/messages/m-1/reactions" {
			_ = json.NewEncoder(w).Encode([]ReactionResponse{{Emoji: "+1", Count: 1}})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	api := &APIClient{serverURL: server.URL, httpClient: server.Client()}
	m := newChatForTest(t, api)
	m.handleChatEvent(ChatEvent{Event: "reaction_added", Data: mustJSON(t, ReactionEvent{MessageID: "m-1", ChannelID: "c-1", Emoji: "+1", UserID: "u-2"})})
	if got := m.reactions["m-1"]; len(got) != 1 || got[0].Emoji != "+1" {
		t.Fatalf("expected reactions refetched on event: %v", got)
	}
}

func TestChatModelStatusCommand(t *testing.T) {
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/users/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	api := &APIClient{serverURL: server.URL, httpClient: server.Client()}
	m := newChatForTest(t, api)
	m.connected = true

	m.handleStatusCommand([]string{"/status", "dnd", "deep", "work"})
	if gotPayload["status"] != "dnd" || gotPayload["customStatus"] != "deep work" {
		t.Fatalf("unexpected payload: %v", gotPayload)
	}
	if m.status != "dnd" || m.customStatus != "deep work" {
		t.Fatalf("status not stored: %s %q", m.status, m.customStatus)
	}
	if out := m.renderStatus(); !strings.Contains(out, "dnd") || !strings.Contains(out, "deep work") {
		t.Fatalf("expected status in header, got %q", out)
	}

	// invisible maps onto reported-offline
	m.handleStatusCommand([]string{"/status", "invisible"})
	if gotPayload["status"] != "offline" {
		t.Fatalf("invisible must be sent as offline, got %v", gotPayload)
	}
	if !strings.Contains(lastSystemMessage(m), "invisible") {
		t.Fatalf("expected invisible label, got %s", lastSystemMessage(m))
	}

	m.handleStatusCommand([]string{"/status", "sleeping"})
	if !strings.Contains(lastSystemMessage(m), "usage") {
		t.Fatalf("expected usage for bad status, got %s", lastSystemMessage(m))
	}
}

func TestChatModelHelpers(t *testing.T) {
	if formatTime("invalid") != "invalid" {
		t.Fatalf("expected passthrough time")
	}
	if shortID("123456789") != "12345678" {
		t.Fatalf("unexpected shortID")
	}
	if clampMin(2, 3) != 3 {
		t.Fatalf("unexpected clampMin")
	}
	if trimLine("hello", 3) != "hel" {
		t.Fatalf("unexpected trimLine")
	}
	if trimLine("hello world", 8) != "hello..." {
		t.Fatalf("unexpected trimLine ellipsis")
	}
	lines := formatMessageLines("12:00", "bob", "hello world", 20, false)
	if len(lines) == 0 || !strings.Contains(lines[0], "bob") {
		t.Fatalf("expected formatted lines")
	}
	wrapped := wrapText("a b c", 1)
	if len(wrapped) != 3 {
		t.Fatalf("unexpected wrap: %v", wrapped)
	}
}
