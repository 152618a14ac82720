//go:build linux && cgo

package media

import (
	"fmt"

	"github.com/hraban/opus"
)

// NewOpusEncoder returns an opus encoder tuned for voice at the session
// sample rate.
func NewOpusEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("new opus encoder: %w", err)
	}
	return enc, nil
}

// NewOpusDecoder returns an opus decoder matching the session sample rate.
func NewOpusDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("new opus decoder: %w", err)
	}
	return dec, nil
}
