package ipc

import "encoding/json"

const (
	CommandVoiceJoin   = "voice_join"
	CommandVoiceLeave  = "voice_leave"
	CommandMute        = "mute"
	CommandUnmute      = "unmute"
	CommandDeafen      = "deafen"
	CommandUndeafen    = "undeafen"
	CommandScreenStart = "screen_start"
	CommandScreenStop  = "screen_stop"
	CommandSettings    = "settings"
	CommandIdentify    = "identify"
	CommandPing        = "ping"

	EventReady        = "ready"
	EventVoiceState   = "voice_state"
	EventUserSpeaking = "user_speaking"
	EventInfo         = "info"
	EventError        = "error"
	EventPong         = "pong"
)

// VoicePeer mirrors one remote participant of the active voice room.
type VoicePeer struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	Avatar       string `json:"avatar,omitempty"`
	Speaking     bool   `json:"speaking,omitempty"`
	Muted        bool   `json:"muted,omitempty"`
}

// VoiceState is the daemon's snapshot of the local voice session, pushed to
// every connected UI whenever it changes.
type VoiceState struct {
	Channel      string      `json:"channel,omitempty"`
	Phase        string      `json:"phase"`
	Muted        bool        `json:"muted,omitempty"`
	Deafened     bool        `json:"deafened,omitempty"`
	Speaking     bool        `json:"speaking,omitempty"`
	LatencyMs    int64       `json:"latency_ms,omitempty"`
	Quality      string      `json:"quality,omitempty"`
	Sharing      bool        `json:"sharing,omitempty"`
	ScreenSharer string      `json:"screen_sharer,omitempty"`
	Peers        []VoicePeer `json:"peers,omitempty"`
}

// Settings carries the user's audio preferences from the UI to the daemon.
type Settings struct {
	InputDevice      string `json:"input_device,omitempty"`
	OutputDevice     string `json:"output_device,omitempty"`
	InputVolume      int    `json:"input_volume"`
	OutputVolume     int    `json:"output_volume"`
	EchoCancellation bool   `json:"echo_cancellation"`
	NoiseSuppression bool   `json:"noise_suppression"`
}

type Message struct {
	Cmd      string      `json:"cmd,omitempty"`
	Event    string      `json:"event,omitempty"`
	Room     string      `json:"room,omitempty"`
	User     string      `json:"user,omitempty"`
	Active   bool        `json:"active,omitempty"`
	Error    string      `json:"error,omitempty"`
	State    *VoiceState `json:"state,omitempty"`
	Settings *Settings   `json:"settings,omitempty"`
}

func NewDecoder(r interface{ Read([]byte) (int, error) }) *json.Decoder {
	return json.NewDecoder(r)
}

func NewEncoder(w interface{ Write([]byte) (int, error) }) *json.Encoder {
	return json.NewEncoder(w)
}
