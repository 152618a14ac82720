package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/shyro-chat/shyro/internal/config"
	"github.com/shyro-chat/shyro/internal/ipc"
	"github.com/shyro-chat/shyro/internal/media"
	"github.com/shyro-chat/shyro/internal/signal"
	"github.com/shyro-chat/shyro/internal/voice"
)

func identityFromFlags(userID, displayName, avatar string) voice.Identity {
	if displayName == "" {
		displayName = userID
	}
	return voice.Identity{UserID: userID, DisplayName: displayName, Avatar: avatar}
}

type voiceDaemon struct {
	cfg   *config.Config
	log   zerolog.Logger
	token string
	self  voice.Identity

	bridge *signalBridge
	sts    *voiceStats

	mu       sync.Mutex
	sess     *voice.Session
	ipc      *ipcServer
	playback *media.Playback
}

func newVoiceDaemon(cfg *config.Config, log zerolog.Logger, token string, self voice.Identity) *voiceDaemon {
	return &voiceDaemon{
		cfg:    cfg,
		log:    log,
		token:  token,
		self:   self,
		bridge: newSignalBridge(),
	}
}

func (d *voiceDaemon) Run(ctx context.Context, ipcAddr string) error {
	d.sts = newVoiceStats(d.log)
	go d.sts.LogLoop(ctx)
	go logProcessStats(ctx, d.log)

	d.startPlayback(ctx)

	pool, err := voice.NewPool(d.cfg.STUNServers, voice.Callbacks{
		State: func(id string, state pionwebrtc.PeerConnectionState) {
			d.log.Debug().Str("peer", id).Str("state", state.String()).Msg("peer connection")
			if sess := d.session(); sess != nil {
				sess.HandlePeerState(id, state)
			}
		},
		AudioPayload: func(id string, payload []byte) {
			if sess := d.session(); sess != nil {
				sess.HandleRemoteAudio(id, payload)
			}
		},
		VideoTrack: func(id string) {
			if sess := d.session(); sess != nil {
				sess.HandleRemoteVideo(id)
			}
		},
	})
	if err != nil {
		return err
	}

	sess := voice.New(voice.Config{
		Log:    d.log.With().Str("component", "voice").Logger(),
		Signal: d.bridge,
		Links:  meteredLinks{Pool: pool, sts: d.sts},
		Self:   d.self,
		Mic: func(ctx context.Context, c media.MicConstraints) (voice.Microphone, error) {
			return media.AcquireMicrophone(ctx, c)
		},
		NewEncoder: func() (voice.Encoder, error) {
			return media.NewOpusEncoder()
		},
		Screen: func() (voice.ScreenCapture, error) {
			return media.AcquireScreen()
		},
		NewSink:  d.newSink,
		Renderer: d.renderer(),
		Settings: voice.Settings{
			InputDevice:      d.cfg.Audio.InputDevice,
			OutputDevice:     d.cfg.Audio.OutputDevice,
			InputVolume:      d.cfg.Audio.InputVolume,
			OutputVolume:     d.cfg.Audio.OutputVolume,
			EchoCancellation: d.cfg.Audio.EchoCancellation,
			NoiseSuppression: d.cfg.Audio.NoiseSuppression,
		},
	})
	d.mu.Lock()
	d.sess = sess
	d.mu.Unlock()

	sessErr := make(chan error, 1)
	go func() {
		sessErr <- sess.Run(ctx)
	}()

	go d.runSignalLoop(ctx)
	go d.broadcastLoop(ctx)

	server := newIPCServer(ipcAddr, d.log, d.handleIPCCommand)
	d.mu.Lock()
	d.ipc = server
	d.mu.Unlock()
	ipcErr := make(chan error, 1)
	go func() {
		ipcErr <- server.Run(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = server.Close()
			d.closePlayback()
			pool.CloseAll()
			return nil
		case err := <-ipcErr:
			if err != nil {
				return fmt.Errorf("ipc server failed: %w", err)
			}
			return nil
		case err := <-sessErr:
			if err != nil {
				return fmt.Errorf("voice session failed: %w", err)
			}
			return nil
		}
	}
}

func (d *voiceDaemon) session() *voice.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess
}

func (d *voiceDaemon) newSink(onSpeaking func(active bool)) (voice.AudioSink, error) {
	dec, err := media.NewOpusDecoder()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	playback := d.playback
	d.mu.Unlock()
	var out media.Output
	if playback != nil {
		out = playback
	}
	return media.NewRemoteSink(dec, out, onSpeaking), nil
}

func (d *voiceDaemon) renderer() voice.Renderer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playback == nil {
		return nil
	}
	return d.playback
}

func (d *voiceDaemon) startPlayback(ctx context.Context) {
	playback, err := media.StartPlayback(ctx, d.cfg.Audio.OutputVolume)
	if err != nil {
		d.log.Warn().Err(err).Msg("audio playback unavailable")
		return
	}
	d.mu.Lock()
	d.playback = playback
	d.mu.Unlock()
}

func (d *voiceDaemon) closePlayback() {
	d.mu.Lock()
	playback := d.playback
	d.playback = nil
	d.mu.Unlock()
	if playback != nil {
		_ = playback.Close()
	}
}

// runSignalLoop keeps one signaling connection alive, reattaching the
// session's subscriptions after every reconnect. A dropped connection also
// drops us out of voice: the mesh cannot survive without its relay.
func (d *voiceDaemon) runSignalLoop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		client, err := signal.Dial(ctx, d.cfg.ServerURL, d.token)
		if err != nil {
			attempt++
			delay := wsBackoff(attempt)
			d.log.Warn().Err(err).Dur("retry_in", delay).Msg("signaling connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		d.log.Info().Msg("signaling connected")
		d.bridge.attach(client)

		runErr := client.Run(ctx)
		d.bridge.detach()
		client.Close()
		if ctx.Err() != nil {
			return
		}
		d.log.Warn().Err(runErr).Msg("signaling disconnected")

		if sess := d.session(); sess != nil {
			leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = sess.Leave(leaveCtx)
			cancel()
		}

		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(wsBackoff(attempt)):
		}
	}
}

func wsBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		attempt = 5
	}
	return time.Duration(1<<attempt) * time.Second
}

// broadcastLoop mirrors every state change to all connected UIs and surfaces
// speaking transitions as dedicated events.
func (d *voiceDaemon) broadcastLoop(ctx context.Context) {
	sess := d.session()
	states, cancel := sess.Subscribe()
	defer cancel()

	var prev voice.State
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			server := d.ipcServer()
			if server == nil {
				prev = st
				continue
			}
			server.Broadcast(ipc.Message{Event: ipc.EventVoiceState, State: stateToIPC(st)})
			for _, msg := range speakingTransitions(prev, st, d.self.UserID) {
				server.Broadcast(msg)
			}
			prev = st
		}
	}
}

func (d *voiceDaemon) ipcServer() *ipcServer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ipc
}

func speakingTransitions(prev, next voice.State, selfID string) []ipc.Message {
	var out []ipc.Message
	if prev.Speaking != next.Speaking {
		out = append(out, ipc.Message{Event: ipc.EventUserSpeaking, User: selfID, Active: next.Speaking})
	}
	was := make(map[string]bool, len(prev.Peers))
	for _, p := range prev.Peers {
		was[p.ConnectionID] = p.Speaking
	}
	for _, p := range next.Peers {
		if was[p.ConnectionID] != p.Speaking {
			out = append(out, ipc.Message{Event: ipc.EventUserSpeaking, User: p.UserID, Active: p.Speaking})
		}
	}
	return out
}

func stateToIPC(st voice.State) *ipc.VoiceState {
	out := &ipc.VoiceState{
		Channel:      st.Channel,
		Phase:        st.Phase.String(),
		Muted:        st.Muted,
		Deafened:     st.Deafened,
		Speaking:     st.Speaking,
		LatencyMs:    st.LatencyMs,
		Quality:      string(st.Quality),
		Sharing:      st.Sharing,
		ScreenSharer: st.ScreenSharer,
	}
	for _, p := range st.Peers {
		out.Peers = append(out.Peers, ipc.VoicePeer{
			ConnectionID: p.ConnectionID,
			UserID:       p.UserID,
			DisplayName:  p.DisplayName,
			Avatar:       p.Avatar,
			Speaking:     p.Speaking,
			Muted:        p.Muted,
		})
	}
	return out
}

func (d *voiceDaemon) handleIPCCommand(ctx context.Context, msg ipc.Message) (ipc.Message, error) {
	sess := d.session()
	if sess == nil {
		return ipc.Message{}, errors.New("voice session not ready")
	}
	switch msg.Cmd {
	case ipc.CommandVoiceJoin:
		room := strings.TrimSpace(msg.Room)
		if room == "" {
			return ipc.Message{}, errors.New("room is required")
		}
		if err := sess.Join(ctx, room); err != nil {
			return ipc.Message{}, joinError(err)
		}
		return ipc.Message{Event: ipc.EventVoiceState, State: stateToIPC(sess.Snapshot())}, nil
	case ipc.CommandVoiceLeave:
		if err := sess.Leave(ctx); err != nil {
			return ipc.Message{}, err
		}
		return ipc.Message{Event: ipc.EventVoiceState, State: stateToIPC(sess.Snapshot())}, nil
	case ipc.CommandMute:
		return ipc.Message{}, sess.SetMuted(ctx, true)
	case ipc.CommandUnmute:
		return ipc.Message{}, sess.SetMuted(ctx, false)
	case ipc.CommandDeafen:
		return ipc.Message{}, sess.SetDeafened(ctx, true)
	case ipc.CommandUndeafen:
		return ipc.Message{}, sess.SetDeafened(ctx, false)
	case ipc.CommandScreenStart:
		if err := sess.StartScreenShare(ctx); err != nil {
			return ipc.Message{}, shareError(err)
		}
		return ipc.Message{}, nil
	case ipc.CommandScreenStop:
		return ipc.Message{}, sess.StopScreenShare(ctx)
	case ipc.CommandSettings:
		if msg.Settings == nil {
			return ipc.Message{}, errors.New("settings payload is required")
		}
		return ipc.Message{}, sess.ApplySettings(ctx, voice.Settings{
			InputDevice:      msg.Settings.InputDevice,
			OutputDevice:     msg.Settings.OutputDevice,
			InputVolume:      msg.Settings.InputVolume,
			OutputVolume:     msg.Settings.OutputVolume,
			EchoCancellation: msg.Settings.EchoCancellation,
			NoiseSuppression: msg.Settings.NoiseSuppression,
		})
	case ipc.CommandIdentify:
		user := strings.TrimSpace(msg.User)
		if user == "" {
			return ipc.Message{}, errors.New("user is required")
		}
		d.mu.Lock()
		d.self.UserID = user
		self := d.self
		d.mu.Unlock()
		return ipc.Message{}, sess.SetIdentity(ctx, self)
	case ipc.CommandPing:
		return ipc.Message{Event: ipc.EventPong}, nil
	default:
		return ipc.Message{}, fmt.Errorf("unknown command %q", msg.Cmd)
	}
}

func joinError(err error) error {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return errors.New("microphone access was denied")
	case errors.Is(err, media.ErrDeviceUnavailable):
		return errors.New("no usable microphone was found")
	case errors.Is(err, voice.ErrSignalingUnavailable):
		return errors.New("not connected to the server")
	default:
		return err
	}
}

func shareError(err error) error {
	if errors.Is(err, media.ErrScreenUnavailable) {
		return errors.New("screen capture is unavailable")
	}
	return err
}

// meteredLinks counts outbound voice traffic on its way to the peer pool.
type meteredLinks struct {
	*voice.Pool
	sts *voiceStats
}

func (m meteredLinks) WriteAudio(data []byte, duration time.Duration) error {
	err := m.Pool.WriteAudio(data, duration)
	if err == nil {
		m.sts.RecordSent(len(data))
	}
	return err
}
