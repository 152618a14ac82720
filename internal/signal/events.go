package signal

import "encoding/json"

// Event names exchanged with the backend's voice relay.
const (
	EventJoinVoice       = "join_voice"
	EventLeaveVoice      = "leave_voice"
	EventVoiceUsers      = "voice_users"
	EventVoiceUserJoined = "voice_user_joined"
	EventVoiceUserLeft   = "voice_user_left"
	EventUserLeftVoice   = "user_left_voice"
	EventVoiceSignal     = "voice_signal"
	EventVoiceState      = "voice_state_update"
	EventVoicePing       = "voice_ping"
	EventVoicePong       = "voice_pong"
	EventStopScreenShare = "stop_screen_share"
)

// Participant identifies a remote member of a voice room. SocketID is
// ephemeral and tied to the remote's current signaling connection; UserID is
// the stable identity.
type Participant struct {
	SocketID    string `json:"socketId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

type JoinVoice struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

type LeaveVoice struct {
	ChannelID string `json:"channelId"`
}

// SignalPayload relays a WebRTC handshake blob between two participants.
// Outbound messages carry To; the relay rewrites them with From plus the
// sender's identity fields before delivery.
type SignalPayload struct {
	To          string          `json:"to,omitempty"`
	From        string          `json:"from,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Avatar      string          `json:"avatar,omitempty"`
	Signal      json.RawMessage `json:"signal"`
}

// StateUpdate broadcasts mute/deafen state so peers can render indicators
// without inferring them from audio silence.
type StateUpdate struct {
	ChannelID  string `json:"channelId"`
	From       string `json:"from,omitempty"`
	IsMuted    bool   `json:"isMuted"`
	IsDeafened bool   `json:"isDeafened"`
}

// Pong echoes a voice_ping back to its sender. The outbound ping is a bare
// unix-millisecond number; the relay wraps it in {sentAt} on the way back.
type Pong struct {
	SentAt int64 `json:"sentAt"`
}

type StopScreenShare struct {
	ChannelID string `json:"channelId"`
}
