package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const defaultGatherTimeout = 5 * time.Second

// Callbacks are invoked by the pool from pion goroutines; the receiver must
// do its own synchronization.
type Callbacks struct {
	// State reports peer connection state transitions.
	State func(id string, state pionwebrtc.PeerConnectionState)
	// AudioPayload delivers one opus packet from the remote's voice track.
	AudioPayload func(id string, payload []byte)
	// VideoTrack fires when a remote video track arrives, which in this
	// mesh always means the peer started sharing their screen.
	VideoTrack func(id string)
}

// Pool owns one peer connection per remote connection id. Handshakes are
// non-trickle: every description is returned only after ICE gathering
// finished (or timed out), so each negotiation is exactly one offer and one
// answer on the wire.
type Pool struct {
	api           *pionwebrtc.API
	config        pionwebrtc.Configuration
	gatherTimeout time.Duration
	cb            Callbacks

	mu    sync.Mutex
	links map[string]*link
}

type link struct {
	id    string
	pc    *pionwebrtc.PeerConnection
	audio *pionwebrtc.TrackLocalStaticSample
	video *pionwebrtc.RTPSender
}

func NewPool(stunServers []string, cb Callbacks) (*Pool, error) {
	m := &pionwebrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	urls := normalizeICEURLs(stunServers)
	config := pionwebrtc.Configuration{}
	if len(urls) > 0 {
		config.ICEServers = []pionwebrtc.ICEServer{{URLs: urls}}
	}
	return &Pool{
		api:           pionwebrtc.NewAPI(pionwebrtc.WithMediaEngine(m)),
		config:        config,
		gatherTimeout: defaultGatherTimeout,
		cb:            cb,
		links:         make(map[string]*link),
	}, nil
}

// normalizeICEURLs prepends the stun scheme to bare host:port entries so that
// configured servers may be given either way.
func normalizeICEURLs(servers []string) []string {
	urls := make([]string, 0, len(servers))
	for _, server := range servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if strings.HasPrefix(server, "stun:") || strings.HasPrefix(server, "stuns:") || strings.HasPrefix(server, "turn:") || strings.HasPrefix(server, "turns:") {
			urls = append(urls, server)
			continue
		}
		urls = append(urls, "stun:"+server)
	}
	return urls
}

// Offer starts (or restarts) negotiation toward a peer and returns the full
// local description once gathering is done.
func (p *Pool) Offer(ctx context.Context, id string) (json.RawMessage, error) {
	l, err := p.ensureLink(id)
	if err != nil {
		return nil, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return p.finishLocalDescription(ctx, l, offer)
}

// Renegotiate issues a fresh offer on an existing link after its local
// tracks changed. Unlike Offer it refuses to create the link.
func (p *Pool) Renegotiate(ctx context.Context, id string) (json.RawMessage, error) {
	p.mu.Lock()
	l, ok := p.links[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no peer connection for %q", id)
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return p.finishLocalDescription(ctx, l, offer)
}

// HandleSignal applies a relayed description. An inbound offer creates the
// link on demand and returns the answer to send back; an inbound answer
// completes a negotiation we initiated and returns nil.
func (p *Pool) HandleSignal(ctx context.Context, id string, raw json.RawMessage) (json.RawMessage, error) {
	var desc pionwebrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	switch desc.Type {
	case pionwebrtc.SDPTypeOffer:
		l, err := p.ensureLink(id)
		if err != nil {
			return nil, err
		}
		if err := l.pc.SetRemoteDescription(desc); err != nil {
			return nil, fmt.Errorf("set remote offer: %w", err)
		}
		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return nil, fmt.Errorf("create answer: %w", err)
		}
		return p.finishLocalDescription(ctx, l, answer)
	case pionwebrtc.SDPTypeAnswer:
		p.mu.Lock()
		l, ok := p.links[id]
		p.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("answer from unknown peer %q", id)
		}
		if err := l.pc.SetRemoteDescription(desc); err != nil {
			return nil, fmt.Errorf("set remote answer: %w", err)
		}
		return nil, nil
	default:
		// trickle candidates are never sent in this mesh
		return nil, nil
	}
}

func (p *Pool) finishLocalDescription(ctx context.Context, l *link, desc pionwebrtc.SessionDescription) (json.RawMessage, error) {
	gathered := pionwebrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(p.gatherTimeout):
		// send whatever candidates made it in time
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	local := l.pc.LocalDescription()
	if local == nil {
		return nil, fmt.Errorf("no local description after gathering")
	}
	out, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return out, nil
}

// AddVideo attaches a screen track to one peer. The caller follows up with
// Renegotiate.
func (p *Pool) AddVideo(id string, track pionwebrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[id]
	if !ok {
		return fmt.Errorf("no peer connection for %q", id)
	}
	if l.video != nil {
		return nil
	}
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	l.video = sender
	return nil
}

// RemoveVideo detaches the screen track from one peer.
func (p *Pool) RemoveVideo(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[id]
	if !ok || l.video == nil {
		return nil
	}
	sender := l.video
	l.video = nil
	if err := l.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove video track: %w", err)
	}
	return nil
}

// WriteAudio fans one encoded frame out to every connected peer.
func (p *Pool) WriteAudio(data []byte, duration time.Duration) error {
	p.mu.Lock()
	links := make([]*link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.mu.Unlock()
	var lastErr error
	for _, l := range links {
		if err := l.audio.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.links[id]
	return ok
}

func (p *Pool) Close(id string) {
	p.mu.Lock()
	l, ok := p.links[id]
	if ok {
		delete(p.links, id)
	}
	p.mu.Unlock()
	if ok {
		_ = l.pc.Close()
	}
}

func (p *Pool) CloseAll() {
	p.mu.Lock()
	links := p.links
	p.links = make(map[string]*link)
	p.mu.Unlock()
	for _, l := range links {
		_ = l.pc.Close()
	}
}

func (p *Pool) ensureLink(id string) (*link, error) {
	if id == "" {
		return nil, fmt.Errorf("connection id is required")
	}
	p.mu.Lock()
	if l, ok := p.links[id]; ok {
		p.mu.Unlock()
		return l, nil
	}
	p.mu.Unlock()

	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	audio, err := pionwebrtc.NewTrackLocalStaticSample(pionwebrtc.RTPCodecCapability{MimeType: pionwebrtc.MimeTypeOpus}, "audio", "shyro")
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("new audio track: %w", err)
	}
	if _, err := pc.AddTrack(audio); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		if p.cb.State != nil {
			p.cb.State(id, state)
		}
	})
	pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		if track.Kind() == pionwebrtc.RTPCodecTypeVideo {
			if p.cb.VideoTrack != nil {
				p.cb.VideoTrack(id)
			}
			go p.drainVideo(track)
			return
		}
		go p.readAudio(id, track)
	})

	l := &link{id: id, pc: pc, audio: audio}
	p.mu.Lock()
	p.links[id] = l
	p.mu.Unlock()
	return l, nil
}

func (p *Pool) readAudio(id string, track *pionwebrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if p.cb.AudioPayload != nil {
			p.cb.AudioPayload(id, pkt.Payload)
		}
	}
}

// drainVideo keeps the receiver's buffers from backing up; the daemon has no
// surface to render remote video on, it only tracks who is sharing.
func (p *Pool) drainVideo(track *pionwebrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
