// Package monitoring samples process and host resource usage for the
// operations log.
package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMonitor periodically logs CPU, memory and goroutine counts.
type SystemMonitor struct {
	logger   zerolog.Logger
	interval time.Duration
}

func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemMonitor{
		logger:   logger.With().Str("component", "system_monitor").Logger(),
		interval: interval,
	}
}

// Run samples until ctx is cancelled. Intended to be launched as a
// goroutine by the app coordinator.
func (m *SystemMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *SystemMonitor) sample() {
	event := m.logger.Info().Int("goroutines", runtime.NumGoroutine())

	// cpu.Percent(0, false) reports usage since the previous call.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		event = event.Float64("cpu_percent", percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		event = event.Float64("memory_percent", vm.UsedPercent)
		event = event.Uint64("memory_used_mb", vm.Used/(1024*1024))
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	event.Uint64("heap_alloc_mb", ms.HeapAlloc/(1024*1024)).Msg("system sample")
}
