package engine

import (
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/errdefs"
)

// resourceMonitor watches the process's own heap footprint and applies
// backpressure before dispatching more work. Backpressure shrinks the
// chunk size and fragment concurrency (and lets in-flight fragments
// drain) for a bounded number of attempts before giving up with a
// SystemResourceError.
type resourceMonitor struct {
	budget   uint64 // heap bytes, 0 disables the monitor
	attempts int
	heap     func() uint64
	pause    func(time.Duration)
}

func newResourceMonitor(cfg config.Settings) *resourceMonitor {
	return &resourceMonitor{
		budget:   cfg.MemoryBudget,
		attempts: cfg.BackpressureAttempts,
		heap:     liveHeap,
		pause:    time.Sleep,
	}
}

func liveHeap() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

func (m *resourceMonitor) overBudget() bool {
	return m.budget > 0 && m.heap() > m.budget
}

// relieve tries to get back under budget: force a collection, shrink the
// next chunks, wait for in-flight work to drain. Returns the reduced
// chunk size, or an error once the attempt budget is spent.
func (m *resourceMonitor) relieve(chunkSize int64) (int64, error) {
	for attempt := 1; attempt <= m.attempts; attempt++ {
		log.Warn().Str("op", "engine/monitor").Msgf("Resource pressure detected, backpressure attempt %d/%d", attempt, m.attempts)
		if chunkSize > config.MinChunkSize {
			chunkSize /= 2
			if chunkSize < config.MinChunkSize {
				chunkSize = config.MinChunkSize
			}
		}
		runtime.GC()
		m.pause(time.Duration(attempt) * 100 * time.Millisecond)
		if !m.overBudget() {
			return chunkSize, nil
		}
	}
	return chunkSize, errdefs.New(errdefs.KindSystemResource, "engine/monitor", errdefs.ErrBackpressureFailed)
}
