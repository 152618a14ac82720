package media

const (
	SampleRate = 48000
	Channels   = 1
)

// MicConstraints mirrors the user's capture preferences. An empty DeviceID
// selects the system default. EchoCancellation and NoiseSuppression are
// advisory; backends without an audio processing module ignore them.
type MicConstraints struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
}

func (c MicConstraints) sampleRate() int {
	if c.SampleRate > 0 {
		return c.SampleRate
	}
	return SampleRate
}

// ScaleFrame applies a volume percentage to PCM samples in place, clipping
// at the int16 range. 100 leaves the frame untouched.
func ScaleFrame(frame []int16, percent int) {
	if percent == 100 {
		return
	}
	if percent < 0 {
		percent = 0
	}
	for i, sample := range frame {
		scaled := int32(sample) * int32(percent) / 100
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		frame[i] = int16(scaled)
	}
}
