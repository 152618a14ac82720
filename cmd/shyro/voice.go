package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/shyro-chat/shyro/internal/ipc"
)

type voiceConnectedMsg struct {
	client *voiceIPC
	ch     chan ipc.Message
}

type voiceEventMsg ipc.Message

type voiceRetryMsg struct{}

func (m chatModel) connectVoice() tea.Cmd {
	addr := m.voiceIPCAddr
	return func() tea.Msg {
		client := newVoiceIPC(addr)
		ch := make(chan ipc.Message, 32)
		go client.readLoop(ch)
		return voiceConnectedMsg{client: client, ch: ch}
	}
}

func waitForVoiceEvent(ch <-chan ipc.Message) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return voiceEventMsg(ipc.Message{Event: ipc.EventError, Error: "voice daemon disconnected"})
		}
		return voiceEventMsg(msg)
	}
}

func (m chatModel) updateVoice(msg tea.Msg) (chatModel, tea.Cmd) {
	switch msg := msg.(type) {
	case voiceConnectedMsg:
		m.voice = msg.client
		m.voiceCh = msg.ch
		return m, waitForVoiceEvent(m.voiceCh)

	case voiceEventMsg:
		return m.handleVoiceEvent(ipc.Message(msg))

	case voiceRetryMsg:
		return m, m.connectVoice()
	}
	return m, nil
}

func (m chatModel) handleVoiceEvent(ev ipc.Message) (chatModel, tea.Cmd) {
	switch ev.Event {
	case ipc.EventReady:
		m.voiceReady = true
		return m, waitForVoiceEvent(m.voiceCh)

	case ipc.EventVoiceState:
		if ev.State != nil {
			m.voiceState = ev.State
		}
		return m, waitForVoiceEvent(m.voiceCh)

	case ipc.EventUserSpeaking, ipc.EventInfo, ipc.EventPong:
		// speaking flags ride along on the next voice_state broadcast
		return m, waitForVoiceEvent(m.voiceCh)

	case ipc.EventError:
		err := fmt.Errorf("%s", ev.Error)
		m.voiceReady = false
		m.voiceState = nil
		if daemonUnreachable(err) && !m.voiceRetried {
			m.voiceRetried = true
			if startErr := m.startVoiceDaemon(); startErr != nil {
				m.errMsg = fmt.Sprintf("voice daemon: %v", startErr)
				return m, nil
			}
			return m, tea.Tick(time.Second, func(time.Time) tea.Msg {
				return voiceRetryMsg{}
			})
		}
		m.errMsg = fmt.Sprintf("voice: %v", err)
		return m, nil
	}
	return m, waitForVoiceEvent(m.voiceCh)
}

func (m *chatModel) sendVoiceCommand(msg ipc.Message) tea.Cmd {
	if m.voice == nil {
		m.errMsg = "voice daemon not connected"
		return nil
	}
	client := m.voice
	return func() tea.Msg {
		_ = client.send(msg)
		return nil
	}
}

func (m *chatModel) handleVoiceCommand(parts []string) tea.Cmd {
	if len(parts) < 2 {
		m.appendSystemMessage("usage: /voice join [channel] | leave | mute | unmute | deafen | undeafen | share | stopshare")
		return nil
	}
	switch strings.ToLower(parts[1]) {
	case "join":
		channelID := ""
		if len(parts) >= 3 {
			needle := strings.ToLower(strings.Join(parts[2:], " "))
			ch, ok := m.resolveChannel(needle, "voice")
			if !ok {
				m.appendSystemMessage("unknown voice channel")
				return nil
			}
			channelID = ch.ID
		} else if ch, ok := m.firstVoiceChannel(); ok {
			channelID = ch.ID
		} else {
			m.appendSystemMessage("no voice channel on this server")
			return nil
		}
		return m.sendVoiceCommand(ipc.Message{Cmd: ipc.CommandVoiceJoin, Room: channelID})
	case "leave":
		return m.sendVoiceCommand(ipc.Message{Cmd: ipc.CommandVoiceLeave})
	case "mute":
		return m.sendVoiceCommand(ipc.Message{Cmd: ipc.CommandMute})
	case "unmute":
		return m.sendVoiceCommand(ipc.Message{Cmd: ipc.CommandUnmute})
	case "deafen":
		return m.sendVoiceCommand(ipc.Message{Cmd: ipc.CommandDeafen})
	case "undeafen":
		return m.sendVoiceCommand(ipc.Message{Cmd: ipc.CommandUndeafen})
	case "share":
		return m.sendVoiceCommand(ipc.Message{Cmd: ipc.CommandScreenStart})
	case "stopshare":
		return m.sendVoiceCommand(ipc.Message{Cmd: ipc.CommandScreenStop})
	default:
		m.appendSystemMessage("usage: /voice join [channel] | leave | mute | unmute | deafen | undeafen | share | stopshare")
	}
	return nil
}

func (m *chatModel) firstVoiceChannel() (ChannelResponse, bool) {
	for _, c := range m.channels[m.activeServer] {
		if c.Type == "voice" {
			return c, true
		}
	}
	return ChannelResponse{}, false
}

func (m *chatModel) toggleMute() tea.Cmd {
	if m.voiceState == nil || m.voiceState.Phase != "joined" {
		return nil
	}
	cmd := ipc.CommandMute
	if m.voiceState.Muted {
		cmd = ipc.CommandUnmute
	}
	return m.sendVoiceCommand(ipc.Message{Cmd: cmd})
}

func (m *chatModel) toggleDeafen() tea.Cmd {
	if m.voiceState == nil || m.voiceState.Phase != "joined" {
		return nil
	}
	cmd := ipc.CommandDeafen
	if m.voiceState.Deafened {
		cmd = ipc.CommandUndeafen
	}
	return m.sendVoiceCommand(ipc.Message{Cmd: cmd})
}

func (m *chatModel) renderVoicePanel() string {
	if m.voiceState == nil || m.voiceState.Phase == "idle" {
		return ""
	}
	st := m.voiceState
	lines := make([]string, 0, len(st.Peers)+4)
	lines = append(lines, sidebarTitleStyle.Render("Voice"), "")

	channelName := shortID(st.Channel)
	if c, ok := m.channelByID[st.Channel]; ok && c.Name != "" {
		channelName = c.Name
	}
	lines = append(lines, fmt.Sprintf(")) %s (%s)", trimLine(channelName, sidebarWidth-14), st.Phase))

	self := m.auth.DisplayName
	if self == "" {
		self = "me"
	}
	lines = append(lines, m.renderVoiceUser(self, st.Speaking, st.Muted, st.Sharing))
	for _, peer := range st.Peers {
		name := peer.DisplayName
		if name == "" {
			name = shortID(peer.UserID)
		}
		sharing := st.ScreenSharer != "" && st.ScreenSharer == peer.ConnectionID
		lines = append(lines, m.renderVoiceUser(name, peer.Speaking, peer.Muted, sharing))
	}

	if st.LatencyMs > 0 && st.Quality != "" {
		lines = append(lines, qualityStyle(st.Quality).Render(fmt.Sprintf("%dms %s", st.LatencyMs, st.Quality)))
	}
	return strings.Join(lines, "\n")
}

func (m *chatModel) renderVoiceUser(name string, speaking, muted, sharing bool) string {
	display := trimLine(name, sidebarWidth-8)
	suffix := ""
	if muted {
		suffix += " [m]"
	}
	if sharing {
		suffix += " [s]"
	}
	switch {
	case speaking:
		return speakingStyle.Render("  > " + display + suffix)
	case muted:
		return voiceMutedStyle.Render("    " + display + suffix)
	default:
		return "    " + display + suffix
	}
}

func (m *chatModel) voiceStatusLine() string {
	if m.voiceState == nil || m.voiceState.Phase == "idle" {
		return ""
	}
	st := m.voiceState
	channelName := shortID(st.Channel)
	if c, ok := m.channelByID[st.Channel]; ok && c.Name != "" {
		channelName = c.Name
	}
	parts := []string{connectedStyle.Render(fmt.Sprintf("voice: %s", channelName))}
	if st.Phase != "joined" {
		parts = []string{labelStyle.Render(fmt.Sprintf("voice: %s (%s)", channelName, st.Phase))}
	}
	if st.Muted {
		parts = append(parts, voiceMutedStyle.Render("muted"))
	}
	if st.Deafened {
		parts = append(parts, voiceMutedStyle.Render("deafened"))
	}
	if st.Sharing {
		parts = append(parts, speakingStyle.Render("sharing"))
	}
	if st.Quality != "" {
		parts = append(parts, qualityStyle(st.Quality).Render(st.Quality))
	}
	return strings.Join(parts, " ")
}
