package voice

import "errors"

// Phase is the lifecycle of the whole voice session. Transitions form the
// cycle Idle -> Joining -> Joined -> Leaving -> Idle; a failed join falls
// straight back to Idle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseJoining
	PhaseJoined
	PhaseLeaving
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseJoining:
		return "joining"
	case PhaseJoined:
		return "joined"
	case PhaseLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

var (
	// ErrNotJoined is returned by operations that need an active room.
	ErrNotJoined = errors.New("not in a voice channel")
	// ErrJoinCanceled is returned when a join is superseded or torn down
	// before local media came up.
	ErrJoinCanceled = errors.New("join canceled")
	// ErrSignalingUnavailable aborts a join when the signaling channel is
	// down at the moment the room-join intent must be sent.
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	// ErrClosed is returned once the session loop has exited.
	ErrClosed = errors.New("voice session closed")
)

// Peer is one remote participant as seen in a State snapshot.
type Peer struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	Avatar       string
	Speaking     bool
	Muted        bool
	Deafened     bool
}

// State is an immutable snapshot of the session, safe to hand across
// goroutines. ScreenSharer holds the connection id of the remote participant
// whose video track is live, empty when nobody (or only we) share.
type State struct {
	Phase        Phase
	Channel      string
	Muted        bool
	Deafened     bool
	Speaking     bool
	Sharing      bool
	ScreenSharer string
	LatencyMs    int64
	Quality      Quality
	Peers        []Peer
}
