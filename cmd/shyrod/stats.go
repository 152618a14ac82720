package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const statsInterval = 10 * time.Second

// voiceStats accumulates outbound media counters and periodically logs the
// effective bitrate. Counters reset every interval.
type voiceStats struct {
	log      zerolog.Logger
	interval time.Duration

	bytes  atomic.Int64
	frames atomic.Int64
}

func newVoiceStats(log zerolog.Logger) *voiceStats {
	return &voiceStats{log: log, interval: statsInterval}
}

func (s *voiceStats) RecordSent(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.bytes.Add(int64(n))
	s.frames.Add(1)
}

// flush drains the counters and reports the bitrate over the elapsed
// window in kbit/s.
func (s *voiceStats) flush() (kbps float64, frames int64) {
	bytes := s.bytes.Swap(0)
	frames = s.frames.Swap(0)
	kbps = float64(bytes*8) / s.interval.Seconds() / 1000.0
	return kbps, frames
}

func (s *voiceStats) LogLoop(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kbps, frames := s.flush()
			if frames == 0 {
				continue
			}
			s.log.Debug().Float64("kbps", kbps).Int64("frames", frames).Msg("voice stats")
		}
	}
}
