//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type Microphone struct{}

func AcquireMicrophone(context.Context, MicConstraints) (*Microphone, error) {
	return nil, fmt.Errorf("%w: audio capture is supported on linux only", ErrDeviceUnavailable)
}

func (m *Microphone) Frames() <-chan []int16 { return nil }

func (m *Microphone) Close() error { return nil }

type Playback struct{}

func StartPlayback(context.Context, int) (*Playback, error) {
	return nil, fmt.Errorf("%w: audio playback is supported on linux only", ErrDeviceUnavailable)
}

func (p *Playback) Write([]int16) {}

func (p *Playback) SetVolume(int) {}

func (p *Playback) SetMuted(bool) {}

func (p *Playback) Close() error { return nil }

func NewOpusEncoder() (Encoder, error) {
	return nil, fmt.Errorf("%w: opus encoding is supported on linux only", ErrDeviceUnavailable)
}

func NewOpusDecoder() (Decoder, error) {
	return nil, fmt.Errorf("%w: opus decoding is supported on linux only", ErrDeviceUnavailable)
}

type Screen struct{}

func AcquireScreen() (*Screen, error) {
	return nil, fmt.Errorf("%w: screen capture is supported on linux only", ErrScreenUnavailable)
}

func (s *Screen) Track() webrtc.TrackLocal { return nil }

func (s *Screen) OnEnded(func()) {}

func (s *Screen) Close() error { return nil }
