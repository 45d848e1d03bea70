package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/errdefs"
	"github.com/kestrel-dl/kestrel/internal/session"
)

func quietMonitor(budget uint64, attempts int, heap func() uint64) *resourceMonitor {
	return &resourceMonitor{budget: budget, attempts: attempts, heap: heap, pause: func(time.Duration) {}}
}

func TestMonitorDisabledWithoutBudget(t *testing.T) {
	m := quietMonitor(0, 3, func() uint64 {
		t.Fatal("heap read with monitor disabled")
		return 0
	})
	if m.overBudget() {
		t.Fatal("overBudget with zero budget")
	}
}

func TestRelieveShrinksChunksUntilRecovery(t *testing.T) {
	reads := 0
	m := quietMonitor(100, 3, func() uint64 {
		reads++
		if reads < 2 {
			return 200
		}
		return 50
	})
	size, err := m.relieve(4 * config.MinChunkSize)
	if err != nil {
		t.Fatalf("relieve: %v", err)
	}
	// halved on each of the two attempts it took to get under budget
	if size != config.MinChunkSize {
		t.Errorf("chunk size = %d, want %d", size, config.MinChunkSize)
	}
	if reads != 2 {
		t.Errorf("heap reads = %d, want 2", reads)
	}
}

func TestRelieveFloorsAtMinChunkSize(t *testing.T) {
	m := quietMonitor(100, 1, func() uint64 { return 0 })
	size, err := m.relieve(config.MinChunkSize)
	if err != nil {
		t.Fatalf("relieve: %v", err)
	}
	if size != config.MinChunkSize {
		t.Errorf("chunk size = %d, want floor %d", size, config.MinChunkSize)
	}
}

func TestRelieveExhaustionEscalates(t *testing.T) {
	reads := 0
	m := quietMonitor(100, 2, func() uint64 {
		reads++
		return 200
	})
	_, err := m.relieve(config.MinChunkSize)
	if !errors.Is(err, errdefs.ErrBackpressureFailed) {
		t.Fatalf("err = %v, want ErrBackpressureFailed", err)
	}
	if errdefs.KindOf(err) != errdefs.KindSystemResource {
		t.Errorf("kind = %s, want %s", errdefs.KindOf(err), errdefs.KindSystemResource)
	}
	if reads != 2 {
		t.Errorf("heap reads = %d, want 2", reads)
	}
}

func TestBackpressureReducesFragmentConcurrency(t *testing.T) {
	content := randomContent(4 * mib)
	ts := newTestServer(t, content)
	ts.delay = 20 * time.Millisecond

	eng := testEngine(t, func(cfg *config.Settings) {
		cfg.ConcurrentFragments = 4
		cfg.ChunkSize = config.MinChunkSize
	})
	// One over-budget reading before the first dispatch, under budget
	// afterwards: fragment concurrency drops from 4 to 2 up front and
	// must stay there for the rest of the session.
	var reads int32
	eng.monitor.budget = 1
	eng.monitor.attempts = 3
	eng.monitor.pause = func(time.Duration) {}
	eng.monitor.heap = func() uint64 {
		if atomic.AddInt32(&reads, 1) == 1 {
			return 2
		}
		return 0
	}

	outPath := filepath.Join(t.TempDir(), "out.bin")
	results, err := eng.Download(context.Background(), []string{ts.URL + "/file.bin"}, config.DownloadOptions{OutputPath: outPath})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("session error: %v", results[0].Err)
	}
	if peak := atomic.LoadInt32(&ts.peak); peak > 2 {
		t.Errorf("%d fragments in flight after backpressure, want at most 2", peak)
	}
	sess, err := eng.Store().Get(results[0].SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", sess.Status)
	}
}

func TestBackpressureExhaustionFailsSession(t *testing.T) {
	content := randomContent(mib)
	ts := newTestServer(t, content)

	eng := testEngine(t, nil)
	eng.monitor.budget = 1
	eng.monitor.attempts = 2
	eng.monitor.pause = func(time.Duration) {}
	eng.monitor.heap = func() uint64 { return 2 } // never recovers

	results, _ := eng.Download(context.Background(), []string{ts.URL + "/f.bin"}, config.DownloadOptions{OutputPath: filepath.Join(t.TempDir(), "out.bin")})
	if results[0].Err == nil {
		t.Fatal("expected failure after backpressure exhaustion")
	}
	if !errors.Is(results[0].Err, errdefs.ErrBackpressureFailed) {
		t.Fatalf("err = %v, want ErrBackpressureFailed", results[0].Err)
	}
	if errdefs.KindOf(results[0].Err) != errdefs.KindSystemResource {
		t.Errorf("kind = %s, want %s", errdefs.KindOf(results[0].Err), errdefs.KindSystemResource)
	}
	sess, err := eng.Store().Get(results[0].SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != session.StatusFailed {
		t.Errorf("status = %s, want failed", sess.Status)
	}
}
