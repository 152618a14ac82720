package media

import (
	"sync"

	"github.com/shyro-chat/shyro/internal/vad"
)

const maxRemoteFrameSize = 960 * 6

// Encoder turns PCM samples into an encoded payload.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// Decoder turns an encoded audio payload into PCM samples.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// Output renders PCM samples.
type Output interface {
	Write(samples []int16)
}

// RemoteSink renders one remote participant's voice stream: it decodes opus
// payloads, forwards PCM to the shared output, and runs this stream's
// speaking detector. One sink per remote stream; Close releases the detector
// and makes further writes no-ops.
type RemoteSink struct {
	dec Decoder
	out Output
	det *vad.Detector

	mu     sync.Mutex
	pcm    []int16
	closed bool
}

func NewRemoteSink(dec Decoder, out Output, onSpeaking func(active bool)) *RemoteSink {
	return &RemoteSink{
		dec: dec,
		out: out,
		det: vad.New(vad.RemoteThreshold, onSpeaking),
		pcm: make([]int16, maxRemoteFrameSize),
	}
}

func (s *RemoteSink) WriteOpus(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	n, err := s.dec.Decode(payload, s.pcm)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if n <= 0 {
		s.mu.Unlock()
		return nil
	}
	frame := s.pcm[:n]
	out := s.out
	det := s.det
	s.mu.Unlock()

	if out != nil {
		out.Write(frame)
	}
	det.Process(frame)
	return nil
}

func (s *RemoteSink) Speaking() bool {
	return s.det.Speaking()
}

func (s *RemoteSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.det.Close()
}
