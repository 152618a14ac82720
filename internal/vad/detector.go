// Package vad derives boolean speaking activity from the short-time energy
// of PCM audio frames.
package vad

import "sync"

// Speaking thresholds on the 0-255 energy scale. Both are empirically tuned;
// the local microphone uses a slightly higher bar than remote streams.
const (
	LocalThreshold  = 18
	RemoteThreshold = 16
)

// HoldFrames is how many consecutive below-threshold frames end an active
// stretch. At 20ms frames this holds the indicator for 200ms, long enough to
// ride out the gaps between words without flickering.
const HoldFrames = 10

// Detector observes exactly one stream. It is driven by the stream's frame
// clock: callers feed every PCM frame to Process and the detector reports
// threshold crossings through onChange. Deactivation is debounced by a hold
// window of HoldFrames quiet frames. Detectors are never shared across
// streams; Close cancels the loop permanently.
type Detector struct {
	threshold int
	onChange  func(active bool)

	mu       sync.Mutex
	speaking bool
	quiet    int
	closed   bool
}

func New(threshold int, onChange func(active bool)) *Detector {
	return &Detector{threshold: threshold, onChange: onChange}
}

// Process updates the speaking state from one frame and returns the current
// state. Frames fed after Close are ignored.
func (d *Detector) Process(frame []int16) bool {
	level := Level(frame)

	d.mu.Lock()
	if d.closed {
		speaking := d.speaking
		d.mu.Unlock()
		return speaking
	}
	active := level > d.threshold
	if active {
		d.quiet = 0
	} else if d.speaking {
		d.quiet++
		if d.quiet < HoldFrames {
			active = true
		}
	}
	changed := active != d.speaking
	d.speaking = active
	onChange := d.onChange
	d.mu.Unlock()

	if changed && onChange != nil {
		onChange(active)
	}
	return active
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Close stops the detector. If the stream was active, a final inactive
// transition is reported so consumers never render a dangling indicator.
func (d *Detector) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	wasSpeaking := d.speaking
	d.speaking = false
	onChange := d.onChange
	d.mu.Unlock()

	if wasSpeaking && onChange != nil {
		onChange(false)
	}
}

// Level computes the mean absolute amplitude of a frame, scaled down to the
// 0-255 range the thresholds are tuned against.
func Level(frame []int16) int {
	if len(frame) == 0 {
		return 0
	}
	var sum int64
	for _, sample := range frame {
		if sample < 0 {
			sum -= int64(sample)
		} else {
			sum += int64(sample)
		}
	}
	return int(sum / int64(len(frame)) >> 7)
}
