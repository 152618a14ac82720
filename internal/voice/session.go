package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/shyro-chat/shyro/internal/media"
	"github.com/shyro-chat/shyro/internal/signal"
	"github.com/shyro-chat/shyro/internal/vad"
)

const (
	frameSize           = 960
	maxPacketBytes      = 4000
	frameDuration       = 20 * time.Millisecond
	defaultPingInterval = 5 * time.Second
)

// Signaler is the slice of the signaling client the session consumes.
type Signaler interface {
	Emit(event string, payload any) error
	On(event string, h signal.Handler) int64
	Off(event string, id int64)
}

// Links manages the WebRTC connections of the active room, one per remote
// connection id. *Pool is the production implementation.
type Links interface {
	Offer(ctx context.Context, id string) (json.RawMessage, error)
	Renegotiate(ctx context.Context, id string) (json.RawMessage, error)
	HandleSignal(ctx context.Context, id string, raw json.RawMessage) (json.RawMessage, error)
	AddVideo(id string, track pionwebrtc.TrackLocal) error
	RemoveVideo(id string) error
	WriteAudio(data []byte, duration time.Duration) error
	Close(id string)
	CloseAll()
}

// Microphone delivers raw capture frames until closed.
type Microphone interface {
	Frames() <-chan []int16
	Close() error
}

type MicSource func(ctx context.Context, c media.MicConstraints) (Microphone, error)

type Encoder interface {
	Encode(pcm []int16, buf []byte) (int, error)
}

type EncoderFactory func() (Encoder, error)

// ScreenCapture is one live display capture. OnEnded fires when the user
// stops the share from outside the app.
type ScreenCapture interface {
	Track() pionwebrtc.TrackLocal
	OnEnded(func())
	Close() error
}

type ScreenSource func() (ScreenCapture, error)

// AudioSink renders one remote voice stream and runs its speaking detector.
type AudioSink interface {
	WriteOpus(payload []byte) error
	Close()
}

type SinkFactory func(onSpeaking func(active bool)) (AudioSink, error)

// Renderer is the shared playback device, used for deafen and output volume.
type Renderer interface {
	SetMuted(muted bool)
	SetVolume(percent int)
}

// Identity is who we are in the room; the relay attaches it to our outbound
// signal payloads.
type Identity struct {
	UserID      string
	DisplayName string
	Avatar      string
}

// Settings are the user's audio preferences. Device and processing changes
// reacquire the microphone in place; volumes apply immediately. None of them
// ever triggers renegotiation.
type Settings struct {
	InputDevice      string
	OutputDevice     string
	InputVolume      int
	OutputVolume     int
	EchoCancellation bool
	NoiseSuppression bool
}

type Config struct {
	Log          zerolog.Logger
	Signal       Signaler
	Links        Links
	Self         Identity
	Mic          MicSource
	NewEncoder   EncoderFactory
	Screen       ScreenSource
	NewSink      SinkFactory
	Renderer     Renderer
	Settings     Settings
	PingInterval time.Duration
}

type peerState struct {
	info     signal.Participant
	speaking bool
	muted    bool
	deafened bool
	// signals feeds the peer's apply worker; descriptions must be applied
	// in arrival order or a stale SDP ends up installed last.
	signals chan json.RawMessage
}

// Session owns all voice state. Every mutation runs on the single loop
// goroutine inside Run; public methods hand closures to that loop and wait
// for a reply where they return errors. Consumers observe the session only
// through immutable State snapshots.
type Session struct {
	log          zerolog.Logger
	sig          Signaler
	links        Links
	self         Identity
	micSource    MicSource
	newEncoder   EncoderFactory
	screenSource ScreenSource
	newSink      SinkFactory
	renderer     Renderer
	pingEvery    time.Duration

	loopc  chan func()
	done   chan struct{}
	runCtx context.Context

	// loop-owned state
	phase        Phase
	channel      string
	seq          uint64
	joinReply    chan<- error
	muted        bool
	deafened     bool
	speaking     bool
	sharing      bool
	screen       ScreenCapture
	screenSharer string
	latencyMs    int64
	quality      Quality
	peers        map[string]*peerState
	pending      []signal.Participant
	mic          Microphone
	micStop      chan struct{}
	settings     Settings

	gate struct {
		mu     sync.Mutex
		muted  bool
		volume int
	}

	sinks struct {
		mu sync.Mutex
		m  map[string]AudioSink
	}

	subs struct {
		mu   sync.Mutex
		next int64
		m    map[int64]chan State
	}

	snap struct {
		mu sync.Mutex
		s  State
	}
}

func New(cfg Config) *Session {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Settings.InputVolume == 0 {
		cfg.Settings.InputVolume = 100
	}
	if cfg.Settings.OutputVolume == 0 {
		cfg.Settings.OutputVolume = 100
	}
	s := &Session{
		log:          cfg.Log,
		sig:          cfg.Signal,
		links:        cfg.Links,
		self:         cfg.Self,
		micSource:    cfg.Mic,
		newEncoder:   cfg.NewEncoder,
		screenSource: cfg.Screen,
		newSink:      cfg.NewSink,
		renderer:     cfg.Renderer,
		pingEvery:    cfg.PingInterval,
		loopc:        make(chan func(), 64),
		done:         make(chan struct{}),
		peers:        make(map[string]*peerState),
		settings:     cfg.Settings,
	}
	s.sinks.m = make(map[string]AudioSink)
	s.subs.m = make(map[int64]chan State)
	s.gate.volume = cfg.Settings.InputVolume
	return s
}

// Run drives the session until ctx is canceled. It registers the signaling
// handlers, serializes every event onto one goroutine, and tears the whole
// session down on exit.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx

	type registration struct {
		event string
		id    int64
	}
	regs := []registration{}
	on := func(event string, h signal.Handler) {
		regs = append(regs, registration{event, s.sig.On(event, h)})
	}
	on(signal.EventVoiceUsers, s.onVoiceUsers)
	on(signal.EventVoiceUserJoined, s.onVoiceUserJoined)
	on(signal.EventVoiceUserLeft, s.onVoiceUserLeft)
	on(signal.EventUserLeftVoice, s.onVoiceUserLeft)
	on(signal.EventVoiceSignal, s.onVoiceSignal)
	on(signal.EventVoiceState, s.onVoiceStateUpdate)
	on(signal.EventVoicePong, s.onVoicePong)
	on(signal.EventStopScreenShare, s.onStopScreenShare)

	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	s.publish()

	for {
		select {
		case <-ctx.Done():
			s.leaveNow()
			for _, r := range regs {
				s.sig.Off(r.event, r.id)
			}
			close(s.done)
			return nil
		case f := <-s.loopc:
			f()
		case <-ticker.C:
			s.sendPing()
		}
	}
}

func (s *Session) post(f func()) {
	select {
	case s.loopc <- f:
	case <-s.done:
	}
}

func (s *Session) do(ctx context.Context, f func() error) error {
	reply := make(chan error, 1)
	select {
	case s.loopc <- func() { reply <- f() }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join enters a voice channel. Joining the current channel is a no-op;
// joining a different one leaves it first. The call returns once local media
// is up and the room-join intent has been sent.
func (s *Session) Join(ctx context.Context, channelID string) error {
	if channelID == "" {
		return fmt.Errorf("channel id is required")
	}
	reply := make(chan error, 1)
	select {
	case s.loopc <- func() { s.startJoin(channelID, reply) }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) startJoin(channelID string, reply chan<- error) {
	switch s.phase {
	case PhaseJoined:
		if s.channel == channelID {
			reply <- nil
			return
		}
		s.leaveNow()
	case PhaseJoining:
		if s.channel == channelID {
			reply <- nil
			return
		}
		s.cancelJoin()
	case PhaseLeaving:
		reply <- fmt.Errorf("session is shutting down")
		return
	}

	s.seq++
	seq := s.seq
	s.phase = PhaseJoining
	s.channel = channelID
	s.joinReply = reply
	s.publish()

	constraints := s.micConstraints()
	go func() {
		mic, err := s.micSource(s.runCtx, constraints)
		var enc Encoder
		if err == nil && s.newEncoder != nil {
			enc, err = s.newEncoder()
			if err != nil && mic != nil {
				_ = mic.Close()
			}
		}
		s.post(func() { s.finishJoin(seq, mic, enc, err) })
	}()
}

func (s *Session) finishJoin(seq uint64, mic Microphone, enc Encoder, err error) {
	reply := s.joinReply
	s.joinReply = nil
	if s.seq != seq || s.phase != PhaseJoining {
		if mic != nil {
			_ = mic.Close()
		}
		if reply != nil {
			reply <- ErrJoinCanceled
		}
		return
	}
	if err != nil {
		s.phase = PhaseIdle
		s.channel = ""
		s.publish()
		reply <- err
		return
	}
	if emitErr := s.sig.Emit(signal.EventJoinVoice, signal.JoinVoice{ChannelID: s.channel, UserID: s.self.UserID}); emitErr != nil {
		_ = mic.Close()
		s.phase = PhaseIdle
		s.channel = ""
		s.publish()
		reply <- fmt.Errorf("%w: %v", ErrSignalingUnavailable, emitErr)
		return
	}

	s.mic = mic
	s.micStop = make(chan struct{})
	go s.pumpMic(mic, enc, s.micStop)

	if s.muted || s.deafened {
		s.emitStateUpdate()
	}

	s.phase = PhaseJoined
	s.log.Info().Str("channel", s.channel).Msg("joined voice")
	s.publish()
	s.sendPing()
	reply <- nil

	if len(s.pending) > 0 {
		buffered := s.pending
		s.pending = nil
		s.handleDiscovery(buffered)
	}
}

func (s *Session) cancelJoin() {
	if s.joinReply != nil {
		s.joinReply <- ErrJoinCanceled
		s.joinReply = nil
	}
	s.seq++
	s.phase = PhaseIdle
	s.channel = ""
	s.pending = nil
}

// Leave exits the current channel, tearing down every peer connection, the
// microphone, the screen share, and all remote sinks before returning.
func (s *Session) Leave(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.leaveNow()
		return nil
	})
}

// leaveNow is the one synchronous teardown path, shared by Leave, channel
// switches, and Run exit.
func (s *Session) leaveNow() {
	if s.phase == PhaseIdle {
		return
	}
	if s.phase == PhaseJoining {
		s.cancelJoin()
		s.publish()
		return
	}
	channel := s.channel
	s.phase = PhaseLeaving
	s.publish()

	s.stopMic()
	if s.sharing {
		s.sharing = false
		if s.screen != nil {
			_ = s.screen.Close()
			s.screen = nil
		}
	}
	s.closeAllSinks()
	s.links.CloseAll()
	for _, peer := range s.peers {
		if peer.signals != nil {
			close(peer.signals)
		}
	}
	s.peers = make(map[string]*peerState)
	s.pending = nil
	s.screenSharer = ""
	s.speaking = false
	s.latencyMs = 0
	s.quality = QualityUnknown

	if err := s.sig.Emit(signal.EventLeaveVoice, signal.LeaveVoice{ChannelID: channel}); err != nil {
		s.log.Debug().Err(err).Msg("leave intent not sent")
	}

	s.seq++
	s.phase = PhaseIdle
	s.channel = ""
	s.log.Info().Str("channel", channel).Msg("left voice")
	s.publish()
}

// SetMuted disables or re-enables outgoing audio without touching capture;
// the speaking detector keeps running so the UI can still meter the mic.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	return s.do(ctx, func() error {
		if s.muted == muted {
			return nil
		}
		s.muted = muted
		s.syncGate()
		if s.phase == PhaseJoined {
			s.emitStateUpdate()
		}
		s.publish()
		return nil
	})
}

// SetDeafened silences all remote playback. Deafening also reports us as
// muted upstream even when the microphone gate itself is open.
func (s *Session) SetDeafened(ctx context.Context, deafened bool) error {
	return s.do(ctx, func() error {
		if s.deafened == deafened {
			return nil
		}
		s.deafened = deafened
		if s.renderer != nil {
			s.renderer.SetMuted(deafened)
			if !deafened {
				s.renderer.SetVolume(s.settings.OutputVolume)
			}
		}
		if s.phase == PhaseJoined {
			s.emitStateUpdate()
		}
		s.publish()
		return nil
	})
}

// StartScreenShare acquires a display capture and renegotiates it onto every
// existing peer connection. Starting while already sharing is a no-op; a
// refused capture leaves the session untouched.
func (s *Session) StartScreenShare(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.loopc <- func() { s.startScreen(reply) }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) startScreen(reply chan<- error) {
	if s.phase != PhaseJoined {
		reply <- ErrNotJoined
		return
	}
	if s.sharing {
		reply <- nil
		return
	}
	if s.screenSource == nil {
		reply <- media.ErrScreenUnavailable
		return
	}
	seq := s.seq
	go func() {
		capture, err := s.screenSource()
		s.post(func() { s.finishScreen(seq, capture, err, reply) })
	}()
}

func (s *Session) finishScreen(seq uint64, capture ScreenCapture, err error, reply chan<- error) {
	if err != nil {
		reply <- err
		return
	}
	if s.seq != seq || s.phase != PhaseJoined || s.sharing {
		_ = capture.Close()
		reply <- nil
		return
	}
	s.screen = capture
	s.sharing = true
	capture.OnEnded(func() {
		s.post(s.screenEnded)
	})

	track := capture.Track()
	ids := s.peerIDs()
	go func() {
		for _, id := range ids {
			if addErr := s.links.AddVideo(id, track); addErr != nil {
				continue
			}
			s.renegotiateWith(id)
		}
	}()
	s.publish()
	reply <- nil
}

// StopScreenShare stops the capture, removes the track from every peer, and
// tells the room the share ended.
func (s *Session) StopScreenShare(ctx context.Context) error {
	return s.do(ctx, func() error {
		if !s.sharing {
			return nil
		}
		s.stopScreenNow()
		return nil
	})
}

func (s *Session) stopScreenNow() {
	capture := s.screen
	s.screen = nil
	s.sharing = false
	if capture != nil {
		_ = capture.Close()
	}
	channel := s.channel
	ids := s.peerIDs()
	go func() {
		for _, id := range ids {
			if err := s.links.RemoveVideo(id); err != nil {
				continue
			}
			s.renegotiateWith(id)
		}
	}()
	if err := s.sig.Emit(signal.EventStopScreenShare, signal.StopScreenShare{ChannelID: channel}); err != nil {
		s.log.Debug().Err(err).Msg("stop share notice not sent")
	}
	s.publish()
}

func (s *Session) screenEnded() {
	if !s.sharing {
		return
	}
	s.log.Info().Msg("screen share ended by capture source")
	s.stopScreenNow()
}

// ApplySettings swaps devices and volumes in place. No peer connection is
// renegotiated; a device or processing change reacquires the microphone,
// which keeps feeding the same outbound track.
func (s *Session) ApplySettings(ctx context.Context, settings Settings) error {
	return s.do(ctx, func() error {
		if settings.InputVolume <= 0 {
			settings.InputVolume = 100
		}
		if settings.OutputVolume <= 0 {
			settings.OutputVolume = 100
		}
		reacquire := s.phase == PhaseJoined &&
			(settings.InputDevice != s.settings.InputDevice ||
				settings.EchoCancellation != s.settings.EchoCancellation ||
				settings.NoiseSuppression != s.settings.NoiseSuppression)
		s.settings = settings
		s.syncGate()
		if s.renderer != nil && !s.deafened {
			s.renderer.SetVolume(settings.OutputVolume)
		}
		if reacquire {
			s.reacquireMic()
		}
		s.publish()
		return nil
	})
}

func (s *Session) reacquireMic() {
	s.stopMic()
	seq := s.seq
	constraints := s.micConstraints()
	go func() {
		mic, err := s.micSource(s.runCtx, constraints)
		var enc Encoder
		if err == nil && s.newEncoder != nil {
			enc, err = s.newEncoder()
			if err != nil && mic != nil {
				_ = mic.Close()
			}
		}
		s.post(func() {
			if s.seq != seq || s.phase != PhaseJoined {
				if mic != nil {
					_ = mic.Close()
				}
				return
			}
			if err != nil {
				s.log.Error().Err(err).Msg("microphone reacquire failed")
				return
			}
			s.mic = mic
			s.micStop = make(chan struct{})
			go s.pumpMic(mic, enc, s.micStop)
		})
	}()
}

// SetIdentity replaces who we present as in signaling. Meant to be called
// before the first join; an active room keeps the identity it joined with.
func (s *Session) SetIdentity(ctx context.Context, id Identity) error {
	return s.do(ctx, func() error {
		s.self = id
		return nil
	})
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() State {
	s.snap.mu.Lock()
	defer s.snap.mu.Unlock()
	return s.snap.s
}

// Subscribe returns a channel of state snapshots and a cancel func. Slow
// subscribers skip intermediate states but always end up with the latest.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	s.subs.mu.Lock()
	s.subs.next++
	id := s.subs.next
	s.subs.m[id] = ch
	s.subs.mu.Unlock()
	return ch, func() {
		s.subs.mu.Lock()
		delete(s.subs.m, id)
		s.subs.mu.Unlock()
	}
}

// ---- signaling handlers: decode off the read loop, mutate on ours ----

func (s *Session) onVoiceUsers(data json.RawMessage) {
	var users []signal.Participant
	if err := json.Unmarshal(data, &users); err != nil {
		s.log.Debug().Err(err).Msg("bad voice_users payload")
		return
	}
	s.post(func() { s.handleDiscovery(users) })
}

func (s *Session) onVoiceUserJoined(data json.RawMessage) {
	var user signal.Participant
	if err := json.Unmarshal(data, &user); err != nil {
		s.log.Debug().Err(err).Msg("bad voice_user_joined payload")
		return
	}
	s.post(func() { s.handleDiscovery([]signal.Participant{user}) })
}

func (s *Session) onVoiceUserLeft(data json.RawMessage) {
	var user signal.Participant
	if err := json.Unmarshal(data, &user); err != nil {
		return
	}
	if user.SocketID == "" {
		return
	}
	s.post(func() { s.teardownPeer(user.SocketID) })
}

func (s *Session) onVoiceSignal(data json.RawMessage) {
	var payload signal.SignalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Debug().Err(err).Msg("bad voice_signal payload")
		return
	}
	if payload.From == "" || len(payload.Signal) == 0 {
		return
	}
	s.post(func() { s.handleSignalPayload(payload) })
}

func (s *Session) onVoiceStateUpdate(data json.RawMessage) {
	var update signal.StateUpdate
	if err := json.Unmarshal(data, &update); err != nil || update.From == "" {
		return
	}
	s.post(func() {
		peer, ok := s.peers[update.From]
		if !ok {
			return
		}
		peer.muted = update.IsMuted
		peer.deafened = update.IsDeafened
		s.publish()
	})
}

func (s *Session) onVoicePong(data json.RawMessage) {
	var pong signal.Pong
	if err := json.Unmarshal(data, &pong); err != nil || pong.SentAt == 0 {
		return
	}
	s.post(func() {
		if s.phase != PhaseJoined {
			return
		}
		latency := time.Now().UnixMilli() - pong.SentAt
		if latency < 0 {
			latency = 0
		}
		s.latencyMs = latency
		s.quality = QualityFor(latency)
		s.publish()
	})
}

func (s *Session) onStopScreenShare(data json.RawMessage) {
	var notice struct {
		From string `json:"from"`
	}
	_ = json.Unmarshal(data, &notice)
	s.post(func() {
		if s.screenSharer == "" {
			return
		}
		if notice.From != "" && notice.From != s.screenSharer {
			return
		}
		s.screenSharer = ""
		s.publish()
	})
}

// ---- loop-side reducers ----

// handleDiscovery creates one peer entry per previously unknown connection
// id and initiates negotiation toward it. Known ids only refresh identity
// fields, so duplicate discovery never spawns a second connection. While the
// join is still in flight the event is buffered and replayed once local
// media is up.
func (s *Session) handleDiscovery(users []signal.Participant) {
	if s.phase == PhaseJoining {
		s.pending = append(s.pending, users...)
		return
	}
	if s.phase != PhaseJoined {
		return
	}
	changed := false
	for _, user := range users {
		if user.SocketID == "" || user.UserID == s.self.UserID {
			continue
		}
		if existing, ok := s.peers[user.SocketID]; ok {
			existing.info = user
			changed = true
			continue
		}
		if !s.addPeer(user) {
			continue
		}
		changed = true
		s.negotiateTo(user.SocketID)
	}
	if changed {
		s.publish()
	}
}

func (s *Session) addPeer(user signal.Participant) bool {
	id := user.SocketID
	sink, err := s.newSink(func(active bool) {
		s.post(func() { s.setRemoteSpeaking(id, active) })
	})
	if err != nil {
		s.log.Error().Err(err).Str("peer", id).Msg("audio sink unavailable")
		return false
	}
	s.sinks.mu.Lock()
	s.sinks.m[id] = sink
	s.sinks.mu.Unlock()
	s.peers[id] = &peerState{info: user}
	return true
}

// negotiateTo runs the initiator side toward a freshly discovered peer. When
// we are sharing a screen the video track goes into the very first offer.
func (s *Session) negotiateTo(id string) {
	var track pionwebrtc.TrackLocal
	if s.sharing && s.screen != nil {
		track = s.screen.Track()
	}
	go func() {
		if track != nil {
			_ = s.links.AddVideo(id, track)
		}
		offer, err := s.links.Offer(s.runCtx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("peer", id).Msg("offer failed")
			s.post(func() { s.teardownPeer(id) })
			return
		}
		s.emitSignal(id, offer)
	}()
}

func (s *Session) handleSignalPayload(payload signal.SignalPayload) {
	if s.phase != PhaseJoined {
		return
	}
	from := payload.From
	peer, ok := s.peers[from]
	if !ok {
		// learned about this peer purely from its signal, so we answer
		if !s.addPeer(signal.Participant{
			SocketID:    from,
			UserID:      payload.UserID,
			DisplayName: payload.DisplayName,
			Avatar:      payload.Avatar,
		}) {
			return
		}
		peer = s.peers[from]
		s.publish()
	}
	if peer.signals == nil {
		peer.signals = make(chan json.RawMessage, 16)
		go s.applySignals(from, peer.signals)
	}
	select {
	case peer.signals <- payload.Signal:
	default:
		// never block the loop; a queue this deep means the peer is gone
		s.log.Warn().Str("peer", from).Msg("signal queue full, dropping")
	}
}

// applySignals applies one peer's relayed descriptions strictly in arrival
// order. Descriptions for different peers may still be applied concurrently.
func (s *Session) applySignals(id string, queue <-chan json.RawMessage) {
	for raw := range queue {
		answer, err := s.links.HandleSignal(s.runCtx, id, raw)
		if err != nil {
			s.log.Warn().Err(err).Str("peer", id).Msg("negotiation failed")
			s.post(func() { s.teardownPeer(id) })
			return
		}
		if answer != nil {
			s.emitSignal(id, answer)
		}
	}
}

// teardownPeer releases everything tied to one connection id: the peer
// connection, the playback sink with its analysis loop, the roster entry,
// and any screen share attributed to it.
func (s *Session) teardownPeer(id string) {
	peer, ok := s.peers[id]
	if !ok {
		return
	}
	if peer.signals != nil {
		close(peer.signals)
	}
	delete(s.peers, id)
	s.links.Close(id)
	s.sinks.mu.Lock()
	sink := s.sinks.m[id]
	delete(s.sinks.m, id)
	s.sinks.mu.Unlock()
	if sink != nil {
		sink.Close()
	}
	if s.screenSharer == id {
		s.screenSharer = ""
	}
	s.publish()
}

func (s *Session) setRemoteSpeaking(id string, active bool) {
	peer, ok := s.peers[id]
	if !ok || peer.speaking == active {
		return
	}
	peer.speaking = active
	s.publish()
}

func (s *Session) setLocalSpeaking(active bool) {
	if s.speaking == active {
		return
	}
	s.speaking = active
	s.publish()
}

func (s *Session) renegotiateWith(id string) {
	offer, err := s.links.Renegotiate(s.runCtx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("peer", id).Msg("renegotiation failed")
		s.post(func() { s.teardownPeer(id) })
		return
	}
	s.emitSignal(id, offer)
}

// ---- pool callbacks, invoked from pion goroutines ----

// HandlePeerState treats a failed or closed connection as that peer leaving.
func (s *Session) HandlePeerState(id string, state pionwebrtc.PeerConnectionState) {
	switch state {
	case pionwebrtc.PeerConnectionStateFailed, pionwebrtc.PeerConnectionStateClosed:
		s.post(func() { s.teardownPeer(id) })
	}
}

// HandleRemoteAudio feeds one opus packet into the peer's sink. This is the
// hot path and deliberately bypasses the loop goroutine.
func (s *Session) HandleRemoteAudio(id string, payload []byte) {
	s.sinks.mu.Lock()
	sink := s.sinks.m[id]
	s.sinks.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.WriteOpus(payload); err != nil {
		s.log.Debug().Err(err).Str("peer", id).Msg("remote audio dropped")
	}
}

// HandleRemoteVideo records who is screen sharing. Video only ever arrives
// on the existing audio connection, so the id is already in the roster.
func (s *Session) HandleRemoteVideo(id string) {
	s.post(func() {
		if _, ok := s.peers[id]; !ok {
			return
		}
		if s.screenSharer == id {
			return
		}
		s.screenSharer = id
		s.publish()
	})
}

// ---- microphone pipeline ----

// pumpMic chops capture input into fixed frames, meters each frame for the
// speaking indicator, and encodes and fans out the ones that may leave the
// machine. Muting gates transmission only; metering continues.
func (s *Session) pumpMic(mic Microphone, enc Encoder, stop chan struct{}) {
	det := vad.New(vad.LocalThreshold, func(active bool) {
		s.post(func() { s.setLocalSpeaking(active) })
	})
	defer det.Close()

	buf := make([]int16, 0, frameSize*4)
	packet := make([]byte, maxPacketBytes)
	for {
		select {
		case <-stop:
			return
		case samples, ok := <-mic.Frames():
			if !ok {
				return
			}
			if len(samples) == 0 {
				continue
			}
			buf = append(buf, samples...)
			for len(buf) >= frameSize {
				frame := buf[:frameSize]
				buf = buf[frameSize:]

				muted, volume := s.gateState()
				if volume != 100 {
					media.ScaleFrame(frame, volume)
				}
				det.Process(frame)
				if muted || enc == nil {
					continue
				}
				n, err := enc.Encode(frame, packet)
				if err != nil {
					s.log.Debug().Err(err).Msg("opus encode failed")
					continue
				}
				if err := s.links.WriteAudio(packet[:n], frameDuration); err != nil {
					s.log.Debug().Err(err).Msg("audio write failed")
				}
			}
		}
	}
}

func (s *Session) stopMic() {
	if s.micStop != nil {
		close(s.micStop)
		s.micStop = nil
	}
	if s.mic != nil {
		_ = s.mic.Close()
		s.mic = nil
	}
}

func (s *Session) syncGate() {
	s.gate.mu.Lock()
	s.gate.muted = s.muted
	s.gate.volume = s.settings.InputVolume
	s.gate.mu.Unlock()
}

func (s *Session) gateState() (muted bool, volume int) {
	s.gate.mu.Lock()
	defer s.gate.mu.Unlock()
	return s.gate.muted, s.gate.volume
}

// ---- outbound helpers ----

func (s *Session) micConstraints() media.MicConstraints {
	return media.MicConstraints{
		DeviceID:         s.settings.InputDevice,
		EchoCancellation: s.settings.EchoCancellation,
		NoiseSuppression: s.settings.NoiseSuppression,
	}
}

func (s *Session) emitSignal(to string, raw json.RawMessage) {
	err := s.sig.Emit(signal.EventVoiceSignal, signal.SignalPayload{To: to, Signal: raw})
	if err != nil {
		s.log.Debug().Err(err).Str("peer", to).Msg("signal not sent")
	}
}

func (s *Session) emitStateUpdate() {
	update := signal.StateUpdate{
		ChannelID:  s.channel,
		IsMuted:    s.muted || s.deafened,
		IsDeafened: s.deafened,
	}
	if err := s.sig.Emit(signal.EventVoiceState, update); err != nil {
		s.log.Debug().Err(err).Msg("state update not sent")
	}
}

func (s *Session) sendPing() {
	if s.phase != PhaseJoined {
		return
	}
	// the ping payload is the bare timestamp, not an object
	if err := s.sig.Emit(signal.EventVoicePing, time.Now().UnixMilli()); err != nil {
		s.log.Debug().Err(err).Msg("ping not sent")
	}
}

func (s *Session) peerIDs() []string {
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) closeAllSinks() {
	s.sinks.mu.Lock()
	sinks := s.sinks.m
	s.sinks.m = make(map[string]AudioSink)
	s.sinks.mu.Unlock()
	for _, sink := range sinks {
		sink.Close()
	}
}

// publish rebuilds the snapshot from loop-owned state and fans it out.
func (s *Session) publish() {
	st := State{
		Phase:        s.phase,
		Channel:      s.channel,
		Muted:        s.muted,
		Deafened:     s.deafened,
		Speaking:     s.speaking,
		Sharing:      s.sharing,
		ScreenSharer: s.screenSharer,
		LatencyMs:    s.latencyMs,
		Quality:      s.quality,
	}
	for id, peer := range s.peers {
		st.Peers = append(st.Peers, Peer{
			ConnectionID: id,
			UserID:       peer.info.UserID,
			DisplayName:  peer.info.DisplayName,
			Avatar:       peer.info.Avatar,
			Speaking:     peer.speaking,
			Muted:        peer.muted,
			Deafened:     peer.deafened,
		})
	}

	s.snap.mu.Lock()
	s.snap.s = st
	s.snap.mu.Unlock()

	s.subs.mu.Lock()
	defer s.subs.mu.Unlock()
	for _, ch := range s.subs.m {
		select {
		case ch <- st:
		default:
			// drop the oldest buffered state, keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
