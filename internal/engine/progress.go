package engine

import (
	"sync"
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/session"
)

// speedTracker keeps a moving window of completed-chunk throughput
// samples. It feeds both the session's progress record and the adaptive
// chunk sizing.
type speedTracker struct {
	mu      sync.Mutex
	samples []speedSample
	window  int
}

type speedSample struct {
	bytes   int64
	elapsed time.Duration
}

func newSpeedTracker() *speedTracker {
	return &speedTracker{window: 16}
}

func (t *speedTracker) record(bytes int64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, speedSample{bytes: bytes, elapsed: elapsed})
	if len(t.samples) > t.window {
		t.samples = t.samples[len(t.samples)-t.window:]
	}
}

// bytesPerSec returns the moving-average throughput, 0 when no samples.
func (t *speedTracker) bytesPerSec() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var bytes int64
	var elapsed time.Duration
	for _, s := range t.samples {
		bytes += s.bytes
		elapsed += s.elapsed
	}
	if elapsed == 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}

// adaptiveChunkSize targets roughly two seconds of transfer per chunk at
// the measured speed: faster links get bigger chunks, unstable slow links
// smaller ones. Defaults to the configured size until samples exist.
func (t *speedTracker) adaptiveChunkSize(configured int64) int64 {
	speed := t.bytesPerSec()
	if speed == 0 {
		return configured
	}
	size := int64(speed * 2)
	if size < config.MinChunkSize {
		return config.MinChunkSize
	}
	if size > config.MaxChunkSize {
		return config.MaxChunkSize
	}
	return size
}

// progressFor derives the session progress snapshot from the coverage
// record and the measured speed.
func progressFor(downloaded, total int64, speed float64) session.Progress {
	p := session.Progress{
		DownloadedBytes: downloaded,
		TotalBytes:      total,
		SpeedBPS:        speed,
	}
	if speed > 0 && total > downloaded {
		p.ETASeconds = float64(total-downloaded) / speed
	}
	return p
}
