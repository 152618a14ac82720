//go:build linux && cgo

package media

import (
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Screen owns one display capture stream. The video track is handed to every
// peer connection; an OS-level stop of the capture fires the OnEnded hook.
type Screen struct {
	track mediadevices.Track

	closeOnce sync.Once
}

// AcquireScreen captures the primary display as a VP8 video track. A refusal
// or missing driver is reported as ErrScreenUnavailable.
func AcquireScreen() (*Screen, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("%w: vp8 params: %v", ErrScreenUnavailable, err)
	}
	vpxParams.BitRate = 1_000_000

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
	)

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(30)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScreenUnavailable, err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
		return nil, fmt.Errorf("%w: no video track", ErrScreenUnavailable)
	}

	return &Screen{track: tracks[0]}, nil
}

// Track exposes the capture as a local WebRTC track.
func (s *Screen) Track() webrtc.TrackLocal {
	return s.track
}

// OnEnded registers a callback fired when the user stops sharing via the OS
// capture UI.
func (s *Screen) OnEnded(f func()) {
	s.track.OnEnded(func(error) {
		f()
	})
}

func (s *Screen) Close() error {
	s.closeOnce.Do(func() {
		_ = s.track.Close()
	})
	return nil
}
