package main

import (
	"net/http"
	"strings"
	"testing"

	"github.com/shyro-chat/shyro/internal/ipc"
)

func TestChatModelVoiceEventReadyAndState(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	m.voiceCh = make(chan ipc.Message, 1)

	m, cmd := m.handleVoiceEvent(ipc.Message{Event: ipc.EventReady})
	if !m.voiceReady || cmd == nil {
		t.Fatalf("expected ready state")
	}

	state := &ipc.VoiceState{Phase: "joined", Channel: "v-1", Muted: true, LatencyMs: 42, Quality: "excellent"}
	m, _ = m.handleVoiceEvent(ipc.Message{Event: ipc.EventVoiceState, State: state})
	if m.voiceState == nil || m.voiceState.Channel != "v-1" {
		t.Fatalf("expected voice state stored")
	}
}

func TestChatModelVoiceEventErrorClearsState(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	m.voiceReady = true
	m.voiceState = &ipc.VoiceState{Phase: "joined"}
	m.voiceRetried = true

	m, _ = m.handleVoiceEvent(ipc.Message{Event: ipc.EventError, Error: "voice daemon disconnected"})
	if m.voiceReady || m.voiceState != nil {
		t.Fatalf("expected voice state cleared")
	}
	if m.errMsg == "" {
		t.Fatalf("expected error surfaced")
	}
}

func TestChatModelVoiceCommandUsage(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	_ = m.handleVoiceCommand([]string{"/voice"})
	if !strings.Contains(lastSystemMessage(m), "usage") {
		t.Fatalf("expected usage, got %s", lastSystemMessage(m))
	}

	_ = m.handleVoiceCommand([]string{"/voice", "join"})
	if !strings.Contains(lastSystemMessage(m), "no voice channel") {
		t.Fatalf("expected missing channel message, got %s", lastSystemMessage(m))
	}

	m.activeServer = "s-1"
	m.channels["s-1"] = []ChannelResponse{{ID: "v-1", Name: "Lounge", Type: "voice"}}
	_ = m.handleVoiceCommand([]string{"/voice", "join", "nope"})
	if !strings.Contains(lastSystemMessage(m), "unknown voice channel") {
		t.Fatalf("expected unknown channel, got %s", lastSystemMessage(m))
	}

	// join without a client surfaces an error instead of panicking
	if cmd := m.handleVoiceCommand([]string{"/voice", "join"}); cmd != nil {
		t.Fatalf("expected nil command without daemon connection")
	}
	if m.errMsg != "voice daemon not connected" {
		t.Fatalf("unexpected error: %s", m.errMsg)
	}
}

func TestChatModelMuteDeafenTogglesRequireJoin(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	if cmd := m.toggleMute(); cmd != nil {
		t.Fatalf("mute toggle must be a no-op when idle")
	}
	if cmd := m.toggleDeafen(); cmd != nil {
		t.Fatalf("deafen toggle must be a no-op when idle")
	}

	m.voiceState = &ipc.VoiceState{Phase: "joined"}
	m.voice = newVoiceIPC("unused")
	if cmd := m.toggleMute(); cmd == nil {
		t.Fatalf("expected mute command while joined")
	}
}

func TestChatModelVoicePanelRendering(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	if m.renderVoicePanel() != "" {
		t.Fatalf("expected empty panel when idle")
	}

	m.channelByID["v-1"] = ChannelResponse{ID: "v-1", Name: "Lounge", Type: "voice"}
	m.voiceState = &ipc.VoiceState{
		Phase:        "joined",
		Channel:      "v-1",
		Speaking:     true,
		LatencyMs:    42,
		Quality:      "excellent",
		ScreenSharer: "s-2",
		Peers: []ipc.VoicePeer{
			{ConnectionID: "s-2", UserID: "u-2", DisplayName: "Bob", Speaking: true},
			{ConnectionID: "s-3", UserID: "u-3", DisplayName: "Carol", Muted: true},
		},
	}
	out := m.renderVoicePanel()
	for _, want := range []string{"Lounge", "Alice", "Bob", "Carol", "42ms", "[m]", "[s]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("panel missing %q:\n%s", want, out)
		}
	}
}

func TestChatModelVoiceStatusLine(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	if m.voiceStatusLine() != "" {
		t.Fatalf("expected empty status when idle")
	}

	m.channelByID["v-1"] = ChannelResponse{ID: "v-1", Name: "Lounge"}
	m.voiceState = &ipc.VoiceState{Phase: "joined", Channel: "v-1", Muted: true, Deafened: true, Sharing: true, Quality: "poor"}
	out := m.voiceStatusLine()
	for _, want := range []string{"Lounge", "muted", "deafened", "sharing", "poor"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status missing %q: %s", want, out)
		}
	}
}

func TestChatModelUpdateVoiceConnected(t *testing.T) {
	m := newChatForTest(t, &APIClient{serverURL: "http://server", httpClient: http.DefaultClient})
	ch := make(chan ipc.Message, 1)
	client := newVoiceIPC("unused")
	m, cmd := m.updateVoice(voiceConnectedMsg{client: client, ch: ch})
	if m.voice != client || m.voiceCh == nil || cmd == nil {
		t.Fatalf("expected voice client wired")
	}
}
