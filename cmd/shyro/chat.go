package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/shyro-chat/shyro/internal/ipc"
)

const (
	sidebarWidth     = 28
	typingExpiry     = 4 * time.Second
	messageFetchSize = 100
)

type chatMessage struct {
	id         string
	sender     string
	senderName string
	body       string
	sentAt     string
	isHistory  bool
	isMine     bool
	isSystem   bool
}

type chatModel struct {
	api  *APIClient
	auth *AuthResponse

	ws   *WSClient
	wsCh chan ChatEvent

	servers       []ServerResponse
	channels      map[string][]ChannelResponse
	channelByID   map[string]ChannelResponse
	activeServer  string
	activeChannel string

	msgs          map[string][]chatMessage
	historyLoaded map[string]bool
	seenMsgIDs    map[string]struct{}
	systemMsgs    []chatMessage
	reactions     map[string][]ReactionResponse
	unreads       map[string]int

	status       string
	customStatus string

	friends        []FriendResponse
	friendRequests []FriendRequestResponse
	presence       map[string]bool
	typing         map[string]map[string]typingUser
	lastTypingSent time.Time

	sidebarVisible bool
	viewport       viewport.Model
	input          textinput.Model
	connected      bool
	errMsg         string
	width          int
	height         int

	// voice daemon plumbing, see voice.go
	voice        *voiceIPC
	voiceCh      chan ipc.Message
	voiceState   *ipc.VoiceState
	voiceReady   bool
	voiceRetried bool
	voiceProc    *daemonProcess
	voiceIPCAddr string
	voicedPath   string
	voiceLogPath string
	voiceDebug   bool
}

type wsConnectedMsg struct {
	ws *WSClient
	ch chan ChatEvent
}

type wsEventMsg ChatEvent

type wsErrorMsg struct{ err error }

type serversLoadedMsg struct {
	servers []ServerResponse
	err     error
}

type typingTickMsg struct{}

type typingUser struct {
	name string
	at   time.Time
}

func newChatModel(api *APIClient, auth *AuthResponse, opts clientOptions, width, height int) chatModel {
	input := textinput.New()
	input.Placeholder = "type a message..."
	input.CharLimit = 4096
	input.Width = clampMin(width-8, 20)
	input.Focus()

	vpHeight := clampMin(height-7, 1)
	vpWidth := clampMin(width-4, 10)
	vp := viewport.New(vpWidth, vpHeight)

	return chatModel{
		api:           api,
		auth:          auth,
		viewport:      vp,
		input:         input,
		width:         width,
		height:        height,
		channels:      make(map[string][]ChannelResponse),
		channelByID:   make(map[string]ChannelResponse),
		msgs:          make(map[string][]chatMessage),
		historyLoaded: make(map[string]bool),
		seenMsgIDs:    make(map[string]struct{}),
		reactions:     make(map[string][]ReactionResponse),
		unreads:       make(map[string]int),
		status:        "online",
		presence:      make(map[string]bool),
		typing:        make(map[string]map[string]typingUser),
		voiceIPCAddr:  opts.voiceIPCAddr,
		voicedPath:    opts.voicedPath,
		voiceLogPath:  opts.voiceLogPath,
		voiceDebug:    opts.voiceDebug,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.connectWS(),
		m.loadServers(),
		m.connectVoice(),
	)
}

func (m *chatModel) shutdown() {
	if m.ws != nil {
		m.ws.Close()
	}
	m.stopVoiceDaemon()
}

func (m chatModel) connectWS() tea.Cmd {
	serverURL := m.api.serverURL
	token := m.auth.Token
	return func() tea.Msg {
		ws, err := ConnectWS(serverURL, token)
		if err != nil {
			return wsErrorMsg{err: err}
		}
		ch := make(chan ChatEvent, 64)
		go ws.ReadLoop(ch)
		return wsConnectedMsg{ws: ws, ch: ch}
	}
}

func (m chatModel) loadServers() tea.Cmd {
	api := m.api
	token := m.auth.Token
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		servers, err := api.ListServers(ctx, token)
		return serversLoadedMsg{servers: servers, err: err}
	}
}

func waitForWSEvent(ch <-chan ChatEvent) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return wsErrorMsg{err: fmt.Errorf("connection closed")}
		}
		return wsEventMsg(msg)
	}
}

func scheduleTypingTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return typingTickMsg{}
	})
}

func (m chatModel) Update(msg tea.Msg) (chatModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateLayout()
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			cmd := m.sendCurrentMessage()
			return m, cmd

		case "ctrl+u":
			m.sidebarVisible = !m.sidebarVisible
			m.updateLayout()
			if m.sidebarVisible {
				m.refreshViewport()
				return m, m.refreshFriends()
			}
			m.refreshViewport()
			return m, nil

		case "ctrl+t":
			return m, m.toggleMute()

		case "ctrl+g":
			return m, m.toggleDeafen()

		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		typingCmd := m.maybeSendTyping()
		if typingCmd != nil {
			return m, tea.Batch(cmd, typingCmd)
		}
		return m, cmd

	case wsConnectedMsg:
		m.ws = msg.ws
		m.wsCh = msg.ch
		m.connected = true
		m.errMsg = ""
		return m, tea.Batch(waitForWSEvent(m.wsCh), scheduleTypingTick())

	case wsEventMsg:
		m.handleChatEvent(ChatEvent(msg))
		m.refreshViewport()
		return m, waitForWSEvent(m.wsCh)

	case wsErrorMsg:
		m.connected = false
		m.errMsg = msg.err.Error()
		return m, nil

	case serversLoadedMsg:
		if msg.err != nil {
			m.errMsg = fmt.Sprintf("list servers: %v", msg.err)
			return m, nil
		}
		m.servers = msg.servers
		if len(m.servers) > 0 && m.activeServer == "" {
			m.selectServer(m.servers[0].ID)
		}
		m.refreshViewport()
		return m, nil

	case typingTickMsg:
		m.expireTyping()
		return m, scheduleTypingTick()

	case voiceConnectedMsg, voiceEventMsg, voiceRetryMsg:
		return m.updateVoice(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *chatModel) sendCurrentMessage() tea.Cmd {
	body := strings.TrimSpace(m.input.Value())
	if body == "" {
		return nil
	}
	if strings.HasPrefix(body, "/") {
		cmd := m.handleCommand(body)
		m.input.Reset()
		return cmd
	}
	if !m.connected {
		m.errMsg = "not connected"
		return nil
	}
	if m.activeChannel == "" {
		m.appendSystemMessage("no channel selected; use /channel use <name>")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messageID := uuid.NewString()
	sent, err := m.api.SendMessage(ctx, m.auth.Token, m.activeChannel, messageID, body)
	if err != nil {
		m.errMsg = fmt.Sprintf("send: %v", err)
		return nil
	}
	m.seenMsgIDs[sent.ID] = struct{}{}
	m.msgs[m.activeChannel] = append(m.msgs[m.activeChannel], chatMessage{
		id:         sent.ID,
		sender:     m.auth.UserID,
		senderName: m.auth.DisplayName,
		body:       body,
		sentAt:     sent.SentAt,
		isMine:     true,
	})
	m.input.Reset()
	m.refreshViewport()
	return nil
}

func (m *chatModel) maybeSendTyping() tea.Cmd {
	if m.ws == nil || m.activeChannel == "" || strings.TrimSpace(m.input.Value()) == "" {
		return nil
	}
	if time.Since(m.lastTypingSent) < 2*time.Second {
		return nil
	}
	m.lastTypingSent = time.Now()
	ws := m.ws
	payload := TypingEvent{
		ChannelID:   m.activeChannel,
		UserID:      m.auth.UserID,
		DisplayName: m.auth.DisplayName,
	}
	return func() tea.Msg {
		_ = ws.Send("typing", payload)
		return nil
	}
}

func (m *chatModel) handleCommand(raw string) tea.Cmd {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return nil
	}
	switch strings.ToLower(parts[0]) {
	case "/help":
		m.appendSystemMessage("/server list|use - /channel list|use - /friends - /friend add|accept|remove - /requests - /react - /status - /voice join|leave|mute|unmute|deafen|undeafen|share|stopshare")
	case "/server":
		m.handleServerCommand(parts)
	case "/channel":
		m.handleChannelCommand(parts)
	case "/friends":
		return m.showFriends()
	case "/requests":
		return m.showFriendRequests()
	case "/friend":
		return m.handleFriendCommand(parts, raw)
	case "/react":
		m.handleReactCommand(parts)
	case "/status":
		m.handleStatusCommand(parts)
	case "/voice":
		return m.handleVoiceCommand(parts)
	default:
		m.appendSystemMessage("unknown command; try /help")
	}
	return nil
}

func (m *chatModel) handleServerCommand(parts []string) {
	if len(parts) < 2 {
		m.appendSystemMessage("usage: /server list | /server use <name|id>")
		return
	}
	switch strings.ToLower(parts[1]) {
	case "list":
		if len(m.servers) == 0 {
			m.appendSystemMessage("no servers")
			return
		}
		var b strings.Builder
		b.WriteString("servers:")
		for _, s := range m.servers {
			b.WriteString("\n  ")
			b.WriteString(s.Name)
			b.WriteString(" (")
			b.WriteString(shortID(s.ID))
			b.WriteString(")")
		}
		m.appendSystemMessage(b.String())
	case "use":
		if len(parts) < 3 {
			m.appendSystemMessage("usage: /server use <name|id>")
			return
		}
		needle := strings.ToLower(strings.Join(parts[2:], " "))
		for _, s := range m.servers {
			if strings.ToLower(s.Name) == needle || strings.HasPrefix(strings.ToLower(s.ID), needle) {
				m.selectServer(s.ID)
				m.appendSystemMessage(fmt.Sprintf("switched to server '%s'", s.Name))
				return
			}
		}
		m.appendSystemMessage("unknown server")
	default:
		m.appendSystemMessage("usage: /server list | /server use <name|id>")
	}
}

func (m *chatModel) handleChannelCommand(parts []string) {
	if m.activeServer == "" {
		m.appendSystemMessage("select a server first with /server use")
		return
	}
	if len(parts) < 2 {
		m.appendSystemMessage("usage: /channel list | /channel use <name|id>")
		return
	}
	switch strings.ToLower(parts[1]) {
	case "list":
		channels := m.channels[m.activeServer]
		if len(channels) == 0 {
			m.appendSystemMessage("no channels")
			return
		}
		var b strings.Builder
		b.WriteString("channels:")
		for _, c := range channels {
			marker := "#"
			if c.Type == "voice" {
				marker = "))"
			}
			b.WriteString(fmt.Sprintf("\n  %s %s (%s)", marker, c.Name, shortID(c.ID)))
		}
		m.appendSystemMessage(b.String())
	case "use":
		if len(parts) < 3 {
			m.appendSystemMessage("usage: /channel use <name|id>")
			return
		}
		needle := strings.ToLower(strings.Join(parts[2:], " "))
		ch, ok := m.resolveChannel(needle, "text")
		if !ok {
			m.appendSystemMessage("unknown text channel")
			return
		}
		m.activeChannel = ch.ID
		if !m.historyLoaded[ch.ID] {
			m.loadChannelHistory(ch.ID)
		}
		m.markChannelRead(ch.ID)
		m.appendSystemMessage(fmt.Sprintf("now chatting in #%s", ch.Name))
		m.refreshViewport()
	default:
		m.appendSystemMessage("usage: /channel list | /channel use <name|id>")
	}
}

func (m *chatModel) resolveChannel(needle, channelType string) (ChannelResponse, bool) {
	for _, c := range m.channels[m.activeServer] {
		if channelType != "" && c.Type != channelType {
			continue
		}
		if strings.ToLower(c.Name) == needle || strings.HasPrefix(strings.ToLower(c.ID), needle) {
			return c, true
		}
	}
	return ChannelResponse{}, false
}

func (m *chatModel) selectServer(serverID string) {
	m.activeServer = serverID
	m.activeChannel = ""
	if _, ok := m.channels[serverID]; !ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		channels, err := m.api.ListChannels(ctx, m.auth.Token, serverID)
		if err != nil {
			m.errMsg = fmt.Sprintf("list channels: %v", err)
			return
		}
		m.channels[serverID] = channels
		for _, c := range channels {
			m.channelByID[c.ID] = c
		}
	}
	for _, c := range m.channels[serverID] {
		if c.Type == "text" {
			m.activeChannel = c.ID
			if !m.historyLoaded[c.ID] {
				m.loadChannelHistory(c.ID)
			}
			m.markChannelRead(c.ID)
			break
		}
	}
	m.refreshViewport()
}

func (m *chatModel) loadChannelHistory(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	history, err := m.api.ListMessages(ctx, m.auth.Token, channelID, messageFetchSize)
	if err != nil {
		m.errMsg = fmt.Sprintf("history: %v", err)
		return
	}
	loaded := make([]chatMessage, 0, len(history))
	for _, msg := range history {
		m.seenMsgIDs[msg.ID] = struct{}{}
		loaded = append(loaded, chatMessage{
			id:         msg.ID,
			sender:     msg.AuthorID,
			senderName: msg.AuthorName,
			body:       msg.Body,
			sentAt:     msg.SentAt,
			isHistory:  true,
			isMine:     msg.AuthorID == m.auth.UserID,
		})
	}
	if existing := m.msgs[channelID]; len(existing) > 0 {
		loaded = append(loaded, existing...)
	}
	m.msgs[channelID] = loaded
	m.historyLoaded[channelID] = true
}

// handleReactCommand toggles an emoji on a message in the active channel.
// "last" targets the newest message; anything else matches an id prefix.
func (m *chatModel) handleReactCommand(parts []string) {
	if len(parts) < 3 {
		m.appendSystemMessage("usage: /react last <emoji> | /react <message-id> <emoji>")
		return
	}
	if m.activeChannel == "" {
		m.appendSystemMessage("no channel selected")
		return
	}
	target, emoji := strings.ToLower(parts[1]), parts[2]
	messageID := ""
	msgs := m.msgs[m.activeChannel]
	if target == "last" {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].id != "" {
				messageID = msgs[i].id
				break
			}
		}
	} else {
		for _, msg := range msgs {
			if msg.id != "" && strings.HasPrefix(msg.id, target) {
				messageID = msg.id
				break
			}
		}
	}
	if messageID == "" {
		m.appendSystemMessage("no matching message")
		return
	}

	hasReacted := false
	for _, r := range m.reactions[messageID] {
		if r.Emoji == emoji && r.HasReacted {
			hasReacted = true
			break
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if hasReacted {
		err = m.api.RemoveReaction(ctx, m.auth.Token, messageID, emoji)
	} else {
		err = m.api.AddReaction(ctx, m.auth.Token, messageID, emoji)
	}
	if err != nil {
		m.errMsg = fmt.Sprintf("react: %v", err)
		return
	}
	m.loadReactions(messageID)
	m.refreshViewport()
}

func (m *chatModel) handleStatusCommand(parts []string) {
	if len(parts) < 2 {
		m.appendSystemMessage("usage: /status online|idle|dnd|invisible [custom text]")
		return
	}
	status := strings.ToLower(parts[1])
	switch status {
	case "online", "idle", "dnd":
	case "invisible":
		// the backend models invisibility as reported-offline
		status = "offline"
	default:
		m.appendSystemMessage("usage: /status online|idle|dnd|invisible [custom text]")
		return
	}
	custom := strings.TrimSpace(strings.Join(parts[2:], " "))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.api.UpdateStatus(ctx, m.auth.Token, status, custom); err != nil {
		m.errMsg = fmt.Sprintf("status: %v", err)
		return
	}
	m.status = status
	m.customStatus = custom
	if custom != "" {
		m.appendSystemMessage(fmt.Sprintf("status set to %s (%s)", statusLabel(status), custom))
		return
	}
	m.appendSystemMessage("status set to " + statusLabel(status))
}

func statusLabel(status string) string {
	if status == "offline" {
		return "invisible"
	}
	return status
}

// markChannelRead clears the local unread count and tells the backend so the
// count survives a reconnect as zero.
func (m *chatModel) markChannelRead(channelID string) {
	delete(m.unreads, channelID)
	if m.ws == nil {
		return
	}
	_ = m.ws.Send("mark_read", MarkReadEvent{ChannelID: channelID})
}

func (m *chatModel) loadReactions(messageID string) {
	if messageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reactions, err := m.api.ListReactions(ctx, m.auth.Token, messageID)
	if err != nil {
		return
	}
	if len(reactions) == 0 {
		delete(m.reactions, messageID)
		return
	}
	m.reactions[messageID] = reactions
}

func (m *chatModel) showFriends() tea.Cmd {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	friends, err := m.api.ListFriends(ctx, m.auth.Token)
	if err != nil {
		m.errMsg = fmt.Sprintf("friends: %v", err)
		return nil
	}
	m.friends = friends
	for _, f := range friends {
		m.presence[f.UserID] = f.Online
	}
	if len(friends) == 0 {
		m.appendSystemMessage("no friends yet; /friend add <username>")
		return nil
	}
	var b strings.Builder
	b.WriteString("friends:")
	for _, f := range friends {
		status := "offline"
		if m.presence[f.UserID] {
			status = "online"
		}
		b.WriteString(fmt.Sprintf("\n  %s (%s) - %s", f.DisplayName, f.Username, status))
	}
	m.appendSystemMessage(b.String())
	return nil
}

func (m *chatModel) showFriendRequests() tea.Cmd {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	requests, err := m.api.ListFriendRequests(ctx, m.auth.Token)
	if err != nil {
		m.errMsg = fmt.Sprintf("friend requests: %v", err)
		return nil
	}
	m.friendRequests = requests
	if len(requests) == 0 {
		m.appendSystemMessage("no pending friend requests")
		return nil
	}
	var b strings.Builder
	b.WriteString("pending requests:")
	for _, r := range requests {
		b.WriteString(fmt.Sprintf("\n  %s (%s)", r.FromName, shortID(r.ID)))
	}
	b.WriteString("\naccept with /friend accept <id>")
	m.appendSystemMessage(b.String())
	return nil
}

func (m *chatModel) handleFriendCommand(parts []string, raw string) tea.Cmd {
	if len(parts) < 3 {
		m.appendSystemMessage("usage: /friend add <username> | accept <id> | remove <username>")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	arg := strings.TrimSpace(strings.TrimPrefix(raw, parts[0]+" "+parts[1]))

	switch strings.ToLower(parts[1]) {
	case "add":
		if err := m.api.SendFriendRequest(ctx, m.auth.Token, arg); err != nil {
			m.errMsg = fmt.Sprintf("friend add: %v", err)
			return nil
		}
		m.appendSystemMessage(fmt.Sprintf("friend request sent to %s", arg))
	case "accept":
		requestID := arg
		for _, r := range m.friendRequests {
			if strings.HasPrefix(r.ID, arg) {
				requestID = r.ID
				break
			}
		}
		if err := m.api.AcceptFriendRequest(ctx, m.auth.Token, requestID); err != nil {
			m.errMsg = fmt.Sprintf("friend accept: %v", err)
			return nil
		}
		m.appendSystemMessage("friend request accepted")
		return m.refreshFriends()
	case "remove":
		userID := arg
		for _, f := range m.friends {
			if strings.EqualFold(f.Username, arg) || strings.EqualFold(f.DisplayName, arg) {
				userID = f.UserID
				break
			}
		}
		if err := m.api.RemoveFriend(ctx, m.auth.Token, userID); err != nil {
			m.errMsg = fmt.Sprintf("friend remove: %v", err)
			return nil
		}
		m.appendSystemMessage("friend removed")
		return m.refreshFriends()
	default:
		m.appendSystemMessage("usage: /friend add <username> | accept <id> | remove <username>")
	}
	return nil
}

func (m *chatModel) refreshFriends() tea.Cmd {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	friends, err := m.api.ListFriends(ctx, m.auth.Token)
	if err != nil {
		return nil
	}
	m.friends = friends
	for _, f := range friends {
		m.presence[f.UserID] = f.Online
	}
	return nil
}

func (m *chatModel) handleChatEvent(ev ChatEvent) {
	switch ev.Event {
	case "new_message":
		var msg NewMessageEvent
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return
		}
		if _, seen := m.seenMsgIDs[msg.ID]; seen {
			return
		}
		m.seenMsgIDs[msg.ID] = struct{}{}
		m.msgs[msg.ChannelID] = append(m.msgs[msg.ChannelID], chatMessage{
			id:         msg.ID,
			sender:     msg.AuthorID,
			senderName: msg.AuthorName,
			body:       msg.Body,
			sentAt:     msg.SentAt,
			isMine:     msg.AuthorID == m.auth.UserID,
		})
		delete(m.typing[msg.ChannelID], msg.AuthorID)
		if msg.AuthorID != m.auth.UserID {
			if msg.ChannelID == m.activeChannel {
				m.markChannelRead(msg.ChannelID)
			} else {
				m.unreads[msg.ChannelID]++
			}
		}

	case "reaction_added", "reaction_removed":
		var msg ReactionEvent
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return
		}
		m.loadReactions(msg.MessageID)

	case "typing":
		var msg TypingEvent
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return
		}
		if msg.UserID == m.auth.UserID {
			return
		}
		if m.typing[msg.ChannelID] == nil {
			m.typing[msg.ChannelID] = make(map[string]typingUser)
		}
		m.typing[msg.ChannelID][msg.UserID] = typingUser{name: msg.DisplayName, at: time.Now()}

	case "presence_update":
		var msg PresenceEvent
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return
		}
		m.presence[msg.UserID] = msg.Online
		for i := range m.friends {
			if m.friends[i].UserID == msg.UserID {
				m.friends[i].Online = msg.Online
			}
		}

	case "friend_request":
		var msg FriendRequestEvent
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return
		}
		m.friendRequests = append(m.friendRequests, FriendRequestResponse{
			ID: msg.ID, FromID: msg.FromID, FromName: msg.FromName,
		})
		m.appendSystemMessage(fmt.Sprintf("friend request from %s; /friend accept %s", msg.FromName, shortID(msg.ID)))
	}
}

func (m *chatModel) expireTyping() {
	now := time.Now()
	for channel, users := range m.typing {
		for id, user := range users {
			if now.Sub(user.at) > typingExpiry {
				delete(users, id)
			}
		}
		if len(users) == 0 {
			delete(m.typing, channel)
		}
	}
}

func (m *chatModel) appendSystemMessage(text string) {
	msg := chatMessage{senderName: "system", body: text, sentAt: time.Now().UTC().Format(time.RFC3339Nano), isSystem: true}
	if m.activeChannel != "" {
		m.msgs[m.activeChannel] = append(m.msgs[m.activeChannel], msg)
	} else {
		m.systemMsgs = append(m.systemMsgs, msg)
	}
	m.refreshViewport()
}

func (m *chatModel) refreshViewport() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m *chatModel) updateLayout() {
	width := m.width - 4
	if m.sidebarVisible {
		width -= sidebarWidth
	}
	m.viewport.Width = clampMin(width, 10)
	m.viewport.Height = clampMin(m.height-7, 1)
	m.input.Width = clampMin(m.width-8, 20)
}

func (m *chatModel) renderMessages() string {
	msgs := m.systemMsgs
	if m.activeChannel != "" {
		msgs = m.msgs[m.activeChannel]
	}
	if len(msgs) == 0 {
		if m.activeChannel == "" {
			return labelStyle.Render("  No channel selected. Use /server use and /channel use.")
		}
		return labelStyle.Render("  No messages yet. Send one to start chatting!")
	}

	var b strings.Builder
	for _, msg := range msgs {
		ts := formatTime(msg.sentAt)
		sender := msg.senderName
		if sender == "" {
			sender = shortID(msg.sender)
		}
		if msg.isMine && m.auth.DisplayName != "" {
			sender = m.auth.DisplayName
		}

		var style lipgloss.Style
		switch {
		case msg.isSystem:
			style = labelStyle
		case msg.isHistory:
			style = historyMsgStyle
		case msg.isMine:
			style = sentMsgStyle
		default:
			style = recvMsgStyle
		}
		lines := formatMessageLines(ts, sender, msg.body, m.viewport.Width, msg.isSystem)
		for _, line := range lines {
			b.WriteString(style.Render(line))
			b.WriteString("\n")
		}
		if reactions := m.reactions[msg.id]; len(reactions) > 0 {
			b.WriteString(reactionStyle.Render("          " + formatReactions(reactions)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// formatReactions renders one line of emoji counts; the user's own reactions
// are bracketed the way the original highlights them.
func formatReactions(reactions []ReactionResponse) string {
	parts := make([]string, 0, len(reactions))
	for _, r := range reactions {
		entry := fmt.Sprintf("%s %d", r.Emoji, r.Count)
		if r.HasReacted {
			entry = "[" + entry + "]"
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, "  ")
}

func (m *chatModel) renderSidebar() string {
	lines := make([]string, 0, 24)

	if m.activeServer != "" {
		lines = append(lines, sidebarTitleStyle.Render("Channels"), "")
		for _, c := range m.channels[m.activeServer] {
			marker := "#"
			if c.Type == "voice" {
				marker = "))"
			}
			name := trimLine(c.Name, sidebarWidth-6)
			if c.ID == m.activeChannel {
				lines = append(lines, activeInputStyle.Render(fmt.Sprintf("%s %s", marker, name)))
				continue
			}
			if m.voiceState != nil && c.ID == m.voiceState.Channel {
				lines = append(lines, speakingStyle.Render(fmt.Sprintf("%s %s", marker, name)))
				continue
			}
			line := fmt.Sprintf("%s %s", marker, name)
			if n := m.unreads[c.ID]; n > 0 {
				line += " " + unreadBadgeStyle.Render(fmt.Sprintf("(%d)", n))
			}
			lines = append(lines, line)
		}
		lines = append(lines, "")
	}

	lines = append(lines, sidebarTitleStyle.Render("Friends"), "")
	if len(m.friends) == 0 {
		lines = append(lines, labelStyle.Render("(none)"))
	} else {
		for _, f := range m.friends {
			dot := sidebarOfflineStyle.Render("o")
			if m.presence[f.UserID] {
				dot = sidebarOnlineStyle.Render("*")
			}
			lines = append(lines, fmt.Sprintf("%s %s", dot, trimLine(f.DisplayName, sidebarWidth-6)))
		}
	}

	if voice := m.renderVoicePanel(); voice != "" {
		lines = append(lines, "", voice)
	}

	content := strings.Join(lines, "\n")
	return sidebarBoxStyle.Width(sidebarWidth).Render(content)
}

func (m chatModel) View() string {
	var b strings.Builder

	header := fmt.Sprintf(
		"  %s  %s  %s  %s",
		appNameStyle.Render("~ shyro"),
		headerStyle.Render(m.auth.DisplayName),
		labelStyle.Render(shortID(m.auth.UserID)),
		labelStyle.Render(m.activeChannelLabel()),
	)
	connStatus := m.renderStatus()
	gap := maxInt(1, m.width-lipgloss.Width(header)-lipgloss.Width(connStatus)-2)
	b.WriteString(header + strings.Repeat(" ", gap) + connStatus)
	b.WriteString("\n")

	b.WriteString(separator(m.width))
	b.WriteString("\n")

	chatContent := m.viewport.View()
	if m.sidebarVisible {
		chatContent = lipgloss.JoinHorizontal(lipgloss.Top, m.viewport.View(), m.renderSidebar())
	}
	b.WriteString(chatContent)
	b.WriteString("\n")

	b.WriteString(separator(m.width))
	b.WriteString("\n")

	inputLabel := activeInputStyle.Render("  > ")
	b.WriteString(inputLabel + m.input.View())
	b.WriteString("\n")

	status := m.statusLine()
	if m.errMsg != "" {
		b.WriteString(errorStyle.Render("  x " + m.errMsg))
	} else if status != "" {
		b.WriteString(status)
	} else {
		b.WriteString(helpStyle.Render("  enter: send - /help in chat - ctrl+u: sidebar - ctrl+t: mute - ctrl+g: deafen - ctrl+q: quit"))
	}

	return b.String()
}

func (m *chatModel) renderStatus() string {
	if !m.connected {
		return disconnectedStyle.Render("offline")
	}
	var rendered string
	switch m.status {
	case "idle":
		rendered = statusIdleStyle.Render("idle")
	case "dnd":
		rendered = statusDndStyle.Render("dnd")
	case "offline":
		rendered = labelStyle.Render("invisible")
	default:
		rendered = connectedStyle.Render("online")
	}
	if m.customStatus != "" {
		rendered = labelStyle.Render(trimLine(m.customStatus, 24)+" ") + rendered
	}
	return rendered
}

func (m *chatModel) statusLine() string {
	parts := make([]string, 0, 3)
	if voice := m.voiceStatusLine(); voice != "" {
		parts = append(parts, voice)
	}
	if names := m.typingNames(); names != "" {
		parts = append(parts, labelStyle.Render(names+" typing..."))
	}
	if len(parts) == 0 {
		return ""
	}
	return "  " + strings.Join(parts, "  ")
}

func (m *chatModel) typingNames() string {
	users := m.typing[m.activeChannel]
	if len(users) == 0 {
		return ""
	}
	names := make([]string, 0, len(users))
	for _, user := range users {
		names = append(names, user.name)
	}
	if len(names) > 3 {
		return "several people"
	}
	return strings.Join(names, ", ")
}

func (m *chatModel) activeChannelLabel() string {
	if m.activeChannel == "" {
		return "no channel"
	}
	if c, ok := m.channelByID[m.activeChannel]; ok && c.Name != "" {
		return "#" + c.Name
	}
	return "#" + shortID(m.activeChannel)
}

func formatTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("15:04")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clampMin(v, minimum int) int {
	if v < minimum {
		return minimum
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func trimLine(line string, max int) string {
	if max <= 0 || len(line) <= max {
		return line
	}
	if max <= 3 {
		return line[:max]
	}
	return line[:max-3] + "..."
}

func formatMessageLines(ts, sender, body string, width int, isSystem bool) []string {
	prefix := fmt.Sprintf("  [%s] ", ts)
	if !isSystem {
		prefix = fmt.Sprintf("  [%s] %s: ", ts, sender)
	}
	contPrefix := strings.Repeat(" ", len(prefix))
	available := width - len(prefix)
	if available < 10 {
		available = 10
	}

	var out []string
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		wrapped := wrapText(line, available)
		for j, part := range wrapped {
			if i == 0 && j == 0 {
				out = append(out, prefix+part)
				continue
			}
			out = append(out, contPrefix+part)
		}
		if len(wrapped) == 0 {
			if i == 0 {
				out = append(out, prefix)
			} else {
				out = append(out, contPrefix)
			}
		}
	}
	return out
}

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}
	if text == "" {
		return []string{""}
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		if len(current)+1+len(word) <= width {
			current = current + " " + word
			continue
		}
		lines = append(lines, current)
		current = word
	}
	lines = append(lines, current)
	return lines
}
