package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/errdefs"
	"github.com/kestrel-dl/kestrel/internal/hooks"
	"github.com/kestrel-dl/kestrel/internal/session"
	"github.com/kestrel-dl/kestrel/internal/sources"
	"github.com/kestrel-dl/kestrel/internal/sources/httpsrc"
	"github.com/kestrel-dl/kestrel/internal/utils"
)

const mib = 1024 * 1024

// testServer serves content with range support. failByte, when >= 0,
// makes the first failCount requests covering that byte return 500.
// A nonzero delay holds each GET open and records peak concurrency.
type testServer struct {
	*httptest.Server
	content   []byte
	delay     time.Duration
	inflight  int32
	peak      int32
	mu        sync.Mutex
	failByte  int64
	failsLeft int
	gets      []session.Range // every served GET range
}

func newTestServer(t *testing.T, content []byte) *testServer {
	t.Helper()
	ts := &testServer{content: content, failByte: -1}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(ts.content)))
		w.Header().Set("ETag", `"test-etag"`)
		return
	}
	rng := r.Header.Get("Range")
	if rng == "" {
		w.Write(ts.content)
		return
	}
	var start, end int64
	fmt.Sscanf(strings.TrimPrefix(rng, "bytes="), "%d-%d", &start, &end)

	ts.mu.Lock()
	if ts.failByte >= 0 && ts.failsLeft > 0 && start <= ts.failByte && ts.failByte <= end {
		ts.failsLeft--
		ts.mu.Unlock()
		http.Error(w, "flaky", http.StatusInternalServerError)
		return
	}
	ts.gets = append(ts.gets, session.Range{Start: start, End: end + 1})
	ts.mu.Unlock()

	if ts.delay > 0 {
		cur := atomic.AddInt32(&ts.inflight, 1)
		defer atomic.AddInt32(&ts.inflight, -1)
		for {
			peak := atomic.LoadInt32(&ts.peak)
			if cur <= peak || atomic.CompareAndSwapInt32(&ts.peak, peak, cur) {
				break
			}
		}
		time.Sleep(ts.delay)
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(ts.content)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(ts.content[start : end+1])
}

func (ts *testServer) servedRanges() []session.Range {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]session.Range, len(ts.gets))
	copy(out, ts.gets)
	return out
}

func testEngine(t *testing.T, mutate func(*config.Settings)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.SessionDir = filepath.Join(t.TempDir(), "sessions")
	cfg.RetryAttempts = 4
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := session.NewStore(cfg.SessionDir)
	if err != nil {
		t.Fatal(err)
	}
	reg := sources.NewRegistry()
	httpsrc.New(utils.NewKestrelHTTPClient(utils.HTTPClientConfig{VerifySSL: true})).Register(reg)
	eng, err := New(cfg, store, reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func randomContent(n int) []byte {
	content := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(content)
	return content
}

func TestDownloadTenMiBWithFlakyChunk(t *testing.T) {
	content := randomContent(10 * mib)
	ts := newTestServer(t, content)
	// chunk 3's byte span fails its first 2 attempts, succeeds on the 3rd
	ts.failByte = 3*mib + 512
	ts.failsLeft = 2

	outPath := filepath.Join(t.TempDir(), "out.bin")
	eng := testEngine(t, nil)
	results, err := eng.Download(context.Background(), []string{ts.URL + "/file.bin"}, config.DownloadOptions{OutputPath: outPath})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("session error: %v", results[0].Err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10*mib {
		t.Fatalf("output size = %d, want %d", len(got), 10*mib)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("output differs from source content")
	}

	sess, err := eng.Store().Get(results[0].SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", sess.Status)
	}
	if sess.ErrorInfo != nil {
		t.Errorf("error_info not empty: %+v", sess.ErrorInfo)
	}
	if sess.Progress.DownloadedBytes != 10485760 {
		t.Errorf("downloaded_bytes = %d, want 10485760", sess.Progress.DownloadedBytes)
	}
	wantDigest := sha256.Sum256(content)
	if len(sess.Files) != 1 || sess.Files[0].Digest != hex.EncodeToString(wantDigest[:]) {
		t.Errorf("file record wrong: %+v", sess.Files)
	}
}

func TestResumeFetchesOnlyGaps(t *testing.T) {
	content := randomContent(5 * mib)
	ts := newTestServer(t, content)
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	eng := testEngine(t, nil)

	// Simulate a session persisted at 40% and a process restart: the
	// output file holds the first 2MiB, the record covers [0, 2MiB).
	covered := int64(2 * mib)
	partial := make([]byte, len(content))
	copy(partial[:covered], content[:covered])
	if err := os.WriteFile(outPath, partial, 0644); err != nil {
		t.Fatal(err)
	}
	sess, err := eng.Store().Create(ts.URL+"/file.bin", config.DownloadOptions{OutputPath: outPath})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Store().Update(sess.ID, func(s *session.Session) error {
		s.Status = session.StatusActive
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Store().Update(sess.ID, func(s *session.Session) error {
		s.Status = session.StatusPaused
		s.AddRange(0, covered)
		s.Metadata["total_bytes"] = int64(len(content))
		s.Metadata["etag"] = `"test-etag"`
		s.Metadata["output_path"] = outPath
		s.Progress = session.Progress{DownloadedBytes: covered, TotalBytes: int64(len(content))}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ok, err := eng.Resume(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !ok {
		t.Fatal("Resume returned false")
	}

	// Only the uncovered 60% may be fetched.
	var fetched int64
	for _, r := range ts.servedRanges() {
		if r.Start < covered {
			t.Errorf("verified range re-fetched: %+v", r)
		}
		fetched += r.Len()
	}
	if fetched != int64(len(content))-covered {
		t.Errorf("fetched %d bytes, want %d", fetched, int64(len(content))-covered)
	}

	got, _ := os.ReadFile(outPath)
	if !bytes.Equal(got, content) {
		t.Fatal("resumed file differs from a fresh download")
	}
	final, _ := eng.Store().Get(sess.ID)
	if final.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
	if final.ErrorInfo != nil {
		t.Error("error_info not cleared on resume")
	}
}

func TestResumeRejectsUpstreamDrift(t *testing.T) {
	content := randomContent(mib)
	ts := newTestServer(t, content)
	eng := testEngine(t, nil)

	sess, _ := eng.Store().Create(ts.URL+"/file.bin", config.DownloadOptions{})
	_ = eng.Store().Update(sess.ID, func(s *session.Session) error { s.Status = session.StatusActive; return nil })
	_ = eng.Store().Update(sess.ID, func(s *session.Session) error {
		s.Status = session.StatusPaused
		s.Metadata["total_bytes"] = int64(999) // size changed upstream since
		return nil
	})

	ok, err := eng.Resume(context.Background(), sess.ID)
	if ok || err == nil {
		t.Fatal("expected resume to fail on size drift")
	}
	if errdefs.KindOf(err) != errdefs.KindResource {
		t.Errorf("kind = %v, want resource", errdefs.KindOf(err))
	}
	got, _ := eng.Store().Get(sess.ID)
	if got.Status != session.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestResumeMissingOrTerminal(t *testing.T) {
	eng := testEngine(t, nil)
	ok, err := eng.Resume(context.Background(), "no-such-session")
	if ok || err != nil {
		t.Errorf("Resume(missing) = %v, %v; want false, nil", ok, err)
	}

	sess, _ := eng.Store().Create("https://example.com/x", config.DownloadOptions{})
	_ = eng.Store().Update(sess.ID, func(s *session.Session) error { s.Status = session.StatusActive; return nil })
	_ = eng.Store().Update(sess.ID, func(s *session.Session) error { s.Status = session.StatusCompleted; return nil })
	ok, err = eng.Resume(context.Background(), sess.ID)
	if ok || err != nil {
		t.Errorf("Resume(completed) = %v, %v; want false, nil", ok, err)
	}
}

func TestRepeatedDownloadServesRangesFromCache(t *testing.T) {
	// Under 256KiB the file is always carved as one chunk, so a repeat
	// download produces the same span and must hit the range cache.
	content := randomContent(200 * 1024)
	ts := newTestServer(t, content)
	eng := testEngine(t, nil)
	dir := t.TempDir()

	results, err := eng.Download(context.Background(), []string{ts.URL + "/file.bin"}, config.DownloadOptions{OutputPath: filepath.Join(dir, "a.bin")})
	if err != nil || results[0].Err != nil {
		t.Fatalf("first download: %v / %v", err, results[0].Err)
	}
	fetchedOnce := len(ts.servedRanges())
	if fetchedOnce == 0 {
		t.Fatal("first download fetched nothing from upstream")
	}

	second := filepath.Join(dir, "b.bin")
	results, err = eng.Download(context.Background(), []string{ts.URL + "/file.bin"}, config.DownloadOptions{OutputPath: second})
	if err != nil || results[0].Err != nil {
		t.Fatalf("second download: %v / %v", err, results[0].Err)
	}
	if n := len(ts.servedRanges()); n != fetchedOnce {
		t.Errorf("second download fetched %d ranges from upstream, want 0", n-fetchedOnce)
	}
	got, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("cache-served file differs from source content")
	}
}

func TestResumeHonorsSessionBound(t *testing.T) {
	content := randomContent(1 * mib)
	ts := newTestServer(t, content)
	ts.delay = 30 * time.Millisecond

	eng := testEngine(t, func(cfg *config.Settings) {
		cfg.ConcurrentDownloads = 1
		cfg.ConcurrentFragments = 1
	})

	// Two paused sessions, resumed at the same time, must still fetch one
	// at a time under a session bound of one.
	dir := t.TempDir()
	var ids []string
	for i := 0; i < 2; i++ {
		// Distinct URLs keep the range cache out of the picture.
		outPath := filepath.Join(dir, fmt.Sprintf("out-%d.bin", i))
		if err := os.WriteFile(outPath, make([]byte, len(content)), 0644); err != nil {
			t.Fatal(err)
		}
		sess, err := eng.Store().Create(ts.URL+fmt.Sprintf("/file-%d.bin", i), config.DownloadOptions{OutputPath: outPath})
		if err != nil {
			t.Fatal(err)
		}
		if err := eng.Store().Update(sess.ID, func(s *session.Session) error {
			s.Status = session.StatusActive
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		if err := eng.Store().Update(sess.ID, func(s *session.Session) error {
			s.Status = session.StatusPaused
			s.Metadata["total_bytes"] = int64(len(content))
			s.Metadata["etag"] = `"test-etag"`
			s.Metadata["output_path"] = outPath
			s.Progress = session.Progress{TotalBytes: int64(len(content))}
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, sess.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := eng.Resume(context.Background(), id)
			if err != nil || !ok {
				t.Errorf("Resume(%s) = %v, %v", id, ok, err)
			}
		}(id)
	}
	wg.Wait()

	if peak := atomic.LoadInt32(&ts.peak); peak > 1 {
		t.Errorf("%d sessions fetched concurrently, want at most 1", peak)
	}
	for _, id := range ids {
		sess, err := eng.Store().Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if sess.Status != session.StatusCompleted {
			t.Errorf("session %s status = %s, want completed", id, sess.Status)
		}
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	good := newTestServer(t, randomContent(mib))
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(bad.Close)

	dir := t.TempDir()
	eng := testEngine(t, func(cfg *config.Settings) { cfg.ContinueOnError = true; cfg.ConcurrentDownloads = 3 })
	urls := []string{
		good.URL + "/a.bin",
		bad.URL + "/gone.bin",
		good.URL + "/b.bin",
	}
	results, err := eng.Download(context.Background(), urls, config.DownloadOptions{OutputPath: filepath.Join(dir, "out.bin")})
	if err != nil {
		t.Fatalf("continue-on-error batch returned batch error: %v", err)
	}
	var okCount, failCount int
	for i, r := range results {
		if r.Err == nil {
			okCount++
			if len(r.Files) == 0 {
				t.Errorf("result %d completed without files", i)
			}
		} else {
			failCount++
			if errdefs.KindOf(r.Err) != errdefs.KindResource {
				t.Errorf("failure kind = %v, want resource", errdefs.KindOf(r.Err))
			}
		}
	}
	if okCount != 2 || failCount != 1 {
		t.Errorf("ok=%d fail=%d, want 2/1", okCount, failCount)
	}
}

func TestFailFastBatchError(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(bad.Close)

	eng := testEngine(t, func(cfg *config.Settings) { cfg.ContinueOnError = false })
	_, err := eng.Download(context.Background(), []string{bad.URL + "/gone"}, config.DownloadOptions{OutputPath: filepath.Join(t.TempDir(), "x")})
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected *BatchError, got %v", err)
	}
	if len(batchErr.Failures) != 1 {
		t.Errorf("failures = %d, want 1", len(batchErr.Failures))
	}
}

// countingHooks records post-chunk and post-download invocations.
type countingHooks struct {
	hooks.NoopHooks
	chunks    atomic.Int64
	downloads atomic.Int64
	fail      bool
}

func (h *countingHooks) PostChunk(ctx context.Context, c hooks.ChunkDescriptor, digest string) error {
	h.chunks.Add(1)
	if h.fail {
		return errors.New("hook always fails")
	}
	return nil
}

func (h *countingHooks) PostDownload(ctx context.Context, url, path string) error {
	h.downloads.Add(1)
	return nil
}

func TestHookIsolationEndToEnd(t *testing.T) {
	content := randomContent(2 * mib)
	ts := newTestServer(t, content)
	eng := testEngine(t, nil)

	failing := &countingHooks{fail: true}
	healthy := &countingHooks{}
	eng.RegisterHooks("failing", failing)
	eng.RegisterHooks("healthy", healthy)

	outPath := filepath.Join(t.TempDir(), "out.bin")
	results, err := eng.Download(context.Background(), []string{ts.URL + "/f.bin"}, config.DownloadOptions{OutputPath: outPath})
	if err != nil || results[0].Err != nil {
		t.Fatalf("download failed under failing hook: %v / %v", err, results[0].Err)
	}
	sess, _ := eng.Store().Get(results[0].SessionID)
	if sess.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed despite failing hook", sess.Status)
	}
	if healthy.chunks.Load() == 0 || healthy.chunks.Load() != failing.chunks.Load() {
		t.Errorf("second hook set starved: healthy=%d failing=%d", healthy.chunks.Load(), failing.chunks.Load())
	}
	if healthy.downloads.Load() != 1 {
		t.Errorf("post_download count = %d, want 1", healthy.downloads.Load())
	}
}

type vetoHooks struct {
	hooks.NoopHooks
}

func (vetoHooks) PreDownload(context.Context, string, map[string]any) error {
	return errors.New("blocked by policy")
}

func TestPreDownloadVetoFailsSession(t *testing.T) {
	content := randomContent(mib)
	ts := newTestServer(t, content)
	eng := testEngine(t, nil)
	eng.RegisterHooks("policy", vetoHooks{})

	results, _ := eng.Download(context.Background(), []string{ts.URL + "/f.bin"}, config.DownloadOptions{OutputPath: filepath.Join(t.TempDir(), "x")})
	if results[0].Err == nil {
		t.Fatal("vetoed session reported success")
	}
	if got := len(ts.servedRanges()); got != 0 {
		t.Errorf("vetoed session still fetched %d ranges", got)
	}
	sess, _ := eng.Store().Get(results[0].SessionID)
	if sess.Status != session.StatusFailed {
		t.Errorf("status = %s, want failed", sess.Status)
	}
}

// monotonicHooks asserts the persisted counter never decreases while the
// session is active.
type monotonicHooks struct {
	hooks.NoopHooks
	eng  *Engine
	last atomic.Int64
	bad  atomic.Bool
}

func (h *monotonicHooks) PostChunk(ctx context.Context, c hooks.ChunkDescriptor, digest string) error {
	sess, err := h.eng.Store().Get(c.SessionID)
	if err != nil {
		return nil
	}
	for {
		prev := h.last.Load()
		cur := sess.Progress.DownloadedBytes
		if cur < prev {
			h.bad.Store(true)
			return nil
		}
		if h.last.CompareAndSwap(prev, cur) {
			return nil
		}
	}
}

func TestMonotonicProgress(t *testing.T) {
	content := randomContent(4 * mib)
	ts := newTestServer(t, content)
	// transient failures trigger retry rollbacks that must never reach
	// the persisted counter
	ts.failByte = mib + 7
	ts.failsLeft = 2

	// One fragment keeps chunk completions (and thus hook reads) ordered.
	eng := testEngine(t, func(cfg *config.Settings) { cfg.ConcurrentFragments = 1 })
	mon := &monotonicHooks{eng: eng}
	eng.RegisterHooks("monotonic", mon)

	results, err := eng.Download(context.Background(), []string{ts.URL + "/f.bin"}, config.DownloadOptions{OutputPath: filepath.Join(t.TempDir(), "out.bin")})
	if err != nil || results[0].Err != nil {
		t.Fatalf("download: %v / %v", err, results[0].Err)
	}
	if mon.bad.Load() {
		t.Error("downloaded_bytes decreased while session was active")
	}
}

func TestRetryExhaustionFailsSession(t *testing.T) {
	content := randomContent(mib)
	ts := newTestServer(t, content)
	ts.failByte = 0
	ts.failsLeft = 1 << 30 // never recovers

	retries := 2
	eng := testEngine(t, func(cfg *config.Settings) { cfg.RetryAttempts = retries })
	results, _ := eng.Download(context.Background(), []string{ts.URL + "/f.bin"}, config.DownloadOptions{OutputPath: filepath.Join(t.TempDir(), "out.bin")})
	if results[0].Err == nil {
		t.Fatal("expected failure after retry exhaustion")
	}
	sess, _ := eng.Store().Get(results[0].SessionID)
	if sess.Status != session.StatusFailed {
		t.Fatalf("status = %s, want failed", sess.Status)
	}
	if sess.ErrorInfo == nil {
		t.Fatal("error_info missing")
	}
	if sess.ErrorInfo.RetryCount != retries {
		t.Errorf("retry_count = %d, want %d", sess.ErrorInfo.RetryCount, retries)
	}
	// Partial file stays for resume by default.
	if _, err := os.Stat(sess.Metadata["output_path"].(string)); err != nil {
		t.Errorf("partial file removed on failure: %v", err)
	}
}

func TestCancelKeepsPartialByDefault(t *testing.T) {
	eng := testEngine(t, nil)
	// A pending session that never started can still be cancelled.
	sess, _ := eng.Store().Create("https://example.com/x", config.DownloadOptions{})
	if !eng.Cancel(sess.ID) {
		t.Fatal("Cancel returned false for pending session")
	}
	got, _ := eng.Store().Get(sess.ID)
	if got.Status != session.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	// Cancelling a terminal session is a no-op.
	if eng.Cancel(sess.ID) {
		t.Error("Cancel of terminal session reported success")
	}
}

func TestPauseMidDownloadLeavesResumable(t *testing.T) {
	content := randomContent(4 * mib)
	gate := make(chan struct{})
	var firstGet sync.Once
	started := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			return
		}
		firstGet.Do(func() { started <- "go" })
		<-gate // hold every GET until the pause has been requested
		http.Error(w, "flaky", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(gate) })

	eng := testEngine(t, nil)
	done := make(chan []Result, 1)
	go func() {
		results, _ := eng.Download(context.Background(), []string{srv.URL + "/f.bin"}, config.DownloadOptions{OutputPath: filepath.Join(t.TempDir(), "out.bin")})
		done <- results
	}()

	<-started
	sessions, err := eng.Store().List(session.StatusActive)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected one active session, got %d (%v)", len(sessions), err)
	}
	if !eng.Pause(sessions[0].ID) {
		t.Fatal("Pause returned false for running session")
	}
	results := <-done

	sess, _ := eng.Store().Get(sessions[0].ID)
	if sess.Status != session.StatusPaused {
		t.Fatalf("status = %s, want paused", sess.Status)
	}
	if sess.ErrorInfo != nil {
		t.Error("paused session carries error_info")
	}
	if results[0].Err == nil {
		t.Error("paused run should report its interruption to the batch caller")
	}
}
