//go:build linux && cgo

package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

const maxPlaybackBufferSeconds = 2

// Playback renders remote audio on one output device. Volume and the deafen
// mute are applied at write time, so settings changes take effect without
// touching any peer connection.
type Playback struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu        sync.Mutex
	buf       []int16
	maxBuf    int
	volume    int
	muted     bool
	closeOnce sync.Once
}

func StartPlayback(ctx context.Context, outputVolume int) (*Playback, error) {
	malgoCtx, err := malgoInitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classifyCaptureError(fmt.Errorf("init audio context: %w", err))
	}

	deviceConfig := malgoDefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = SampleRate

	player := &Playback{
		ctx:    malgoCtx,
		maxBuf: SampleRate * maxPlaybackBufferSeconds,
		volume: outputVolume,
	}

	callback := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			player.fillOutput(output)
		},
	}

	device, err := malgoInitDevice(malgoCtx.Context, deviceConfig, callback)
	if err != nil {
		_ = malgoContextUninit(malgoCtx)
		return nil, classifyCaptureError(fmt.Errorf("init playback device: %w", err))
	}
	if err := malgoDeviceStart(device); err != nil {
		malgoDeviceUninit(device)
		_ = malgoContextUninit(malgoCtx)
		return nil, classifyCaptureError(fmt.Errorf("start playback: %w", err))
	}

	player.device = device
	go func() {
		<-ctx.Done()
		_ = player.Close()
	}()

	return player, nil
}

// Write queues samples for rendering. Writes while muted are discarded.
func (p *Playback) Write(samples []int16) {
	if p == nil || len(samples) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.muted {
		return
	}
	if p.volume != 100 {
		scaled := make([]int16, len(samples))
		copy(scaled, samples)
		ScaleFrame(scaled, p.volume)
		samples = scaled
	}
	if p.maxBuf <= 0 {
		p.maxBuf = SampleRate * maxPlaybackBufferSeconds
	}
	if len(p.buf)+len(samples) > p.maxBuf {
		drop := len(p.buf) + len(samples) - p.maxBuf
		if drop >= len(p.buf) {
			p.buf = p.buf[:0]
		} else {
			p.buf = p.buf[drop:]
		}
	}
	p.buf = append(p.buf, samples...)
}

// SetVolume updates the output volume percentage for subsequent writes.
func (p *Playback) SetVolume(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = percent
}

// SetMuted silences all rendered remote audio (deafen). Buffered samples are
// dropped so un-muting does not replay stale audio.
func (p *Playback) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
	if muted {
		p.buf = p.buf[:0]
	}
}

func (p *Playback) fillOutput(output []byte) {
	if p == nil || len(output) == 0 {
		return
	}
	sampleCount := len(output) / 2
	p.mu.Lock()
	available := len(p.buf)
	use := sampleCount
	if available < use {
		use = available
	}
	for i := 0; i < use; i++ {
		binary.LittleEndian.PutUint16(output[i*2:], uint16(p.buf[i]))
	}
	if use < sampleCount {
		for i := use; i < sampleCount; i++ {
			binary.LittleEndian.PutUint16(output[i*2:], 0)
		}
	}
	if use > 0 {
		copy(p.buf, p.buf[use:])
		p.buf = p.buf[:available-use]
	}
	p.mu.Unlock()
}

func (p *Playback) Close() error {
	if p == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		if p.device != nil {
			malgoDeviceUninit(p.device)
			p.device = nil
		}
		if p.ctx != nil {
			_ = malgoContextUninit(p.ctx)
			p.ctx = nil
		}
	})
	return nil
}
