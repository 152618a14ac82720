package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const procStatsInterval = 10 * time.Second

// logProcessStats samples the daemon's own CPU and RSS so sustained audio
// load shows up in the debug log.
func logProcessStats(ctx context.Context, log zerolog.Logger) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Debug().Err(err).Msg("process stats unavailable")
		return
	}
	ticker := time.NewTicker(procStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entry := log.Debug()
			if percent, err := self.CPUPercent(); err == nil {
				entry = entry.Float64("cpu_percent", percent)
			}
			if mem, err := self.MemoryInfo(); err == nil && mem != nil {
				entry = entry.Uint64("rss_bytes", mem.RSS)
			}
			entry.Msg("daemon stats")
		}
	}
}
