package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/errdefs"
	"github.com/kestrel-dl/kestrel/internal/sources"
	"github.com/kestrel-dl/kestrel/internal/sources/httpsrc"
	"github.com/kestrel-dl/kestrel/internal/utils"
)

type writeAtBuffer struct {
	buf []byte
}

func (w *writeAtBuffer) WriteAt(p []byte, off int64) (int, error) {
	need := off + int64(len(p))
	if int64(len(w.buf)) < need {
		grown := make([]byte, need)
		copy(grown, w.buf)
		w.buf = grown
	}
	copy(w.buf[off:], p)
	return len(p), nil
}

// rangeServer serves content honoring Range headers, optionally failing
// the first failures requests for a given range start.
func rangeServer(t *testing.T, content []byte, failures map[int64]int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var requests atomic.Int64
	remaining := make(map[int64]*atomic.Int64)
	for start, n := range failures {
		c := &atomic.Int64{}
		c.Store(int64(n))
		remaining[start] = c
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			return
		}
		requests.Add(1)
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(content)
			return
		}
		var start, end int64
		if _, err := fmt.Sscanf(strings.TrimPrefix(rng, "bytes="), "%d-%d", &start, &end); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if c, ok := remaining[start]; ok && c.Add(-1) >= 0 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func testSource(t *testing.T, srv *httptest.Server) (*httpsrc.HTTPSource, *sources.Resolution) {
	t.Helper()
	src := httpsrc.New(utils.NewKestrelHTTPClient(utils.HTTPClientConfig{VerifySSL: true}))
	res, err := src.Resolve(context.Background(), srv.URL+"/file.bin", config.DownloadOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return src, res
}

func fastFetcher(maxRetries int) *Fetcher {
	f := NewFetcher(maxRetries, 0)
	f.BaseDelay = time.Millisecond
	return f
}

func TestFetchChunkSuccess(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 1024)
	srv, _ := rangeServer(t, content, nil)
	src, res := testSource(t, srv)

	var out writeAtBuffer
	var progressed atomic.Int64
	chunk := Chunk{ID: 0, Start: 1024, End: 4096}
	result, err := fastFetcher(3).FetchChunk(context.Background(), src, res, chunk, &out, func(d int64) { progressed.Add(d) })
	if err != nil {
		t.Fatalf("FetchChunk: %v", err)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if !bytes.Equal(out.buf[1024:4096], content[1024:4096]) {
		t.Error("chunk bytes landed wrong")
	}
	wantDigest := sha256.Sum256(content[1024:4096])
	if result.Digest != hex.EncodeToString(wantDigest[:]) {
		t.Error("digest mismatch")
	}
	if progressed.Load() != 3072 {
		t.Errorf("progress total = %d, want 3072", progressed.Load())
	}
}

func TestFetchChunkRetriesTransient(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 8192)
	// first two attempts at offset 0 fail with 500
	srv, requests := rangeServer(t, content, map[int64]int{0: 2})
	src, res := testSource(t, srv)

	var out writeAtBuffer
	result, err := fastFetcher(3).FetchChunk(context.Background(), src, res, Chunk{Start: 0, End: 8192}, &out, nil)
	if err != nil {
		t.Fatalf("FetchChunk after transient failures: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if requests.Load() != 3 {
		t.Errorf("server saw %d requests, want 3", requests.Load())
	}
}

func TestFetchChunkRetryBound(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 1024)
	srv, requests := rangeServer(t, content, map[int64]int{0: 100})
	src, res := testSource(t, srv)

	maxRetries := 2
	var out writeAtBuffer
	_, err := fastFetcher(maxRetries).FetchChunk(context.Background(), src, res, Chunk{Start: 0, End: 1024}, &out, nil)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if got := requests.Load(); got != int64(maxRetries+1) {
		t.Errorf("attempts = %d, want %d", got, maxRetries+1)
	}
	if errdefs.KindOf(err) != errdefs.KindNetwork {
		t.Errorf("kind = %v, want network", errdefs.KindOf(err))
	}
}

func TestFetchChunkPermanentNoRetry(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "1024")
			return
		}
		requests.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	src, res := testSource(t, srv)

	var out writeAtBuffer
	_, err := fastFetcher(5).FetchChunk(context.Background(), src, res, Chunk{Start: 0, End: 1024}, &out, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if errdefs.KindOf(err) != errdefs.KindResource {
		t.Errorf("kind = %v, want resource", errdefs.KindOf(err))
	}
	if requests.Load() != 1 {
		t.Errorf("404 retried: %d requests", requests.Load())
	}
}

func TestFetchChunkShortReadIsIntegrity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "2048")
			return
		}
		w.Header().Set("Content-Range", "bytes 0-2047/2048")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(bytes.Repeat([]byte("x"), 100)) // far short of the range
	}))
	t.Cleanup(srv.Close)
	src, res := testSource(t, srv)

	f := fastFetcher(0) // single attempt, surface the classification
	var out writeAtBuffer
	var net int64
	_, err := f.FetchChunk(context.Background(), src, res, Chunk{Start: 0, End: 2048}, &out, func(d int64) { net += d })
	if err == nil {
		t.Fatal("expected short read error")
	}
	if net != 0 {
		t.Errorf("progress not rolled back after failed attempt: %d", net)
	}
}

func TestFetchChunkDigestMismatch(t *testing.T) {
	content := bytes.Repeat([]byte("y"), 1024)
	srv, _ := rangeServer(t, content, nil)
	src, res := testSource(t, srv)

	var out writeAtBuffer
	chunk := Chunk{Start: 0, End: 1024, ExpectedDigest: strings.Repeat("0", 64)}
	_, err := fastFetcher(0).FetchChunk(context.Background(), src, res, chunk, &out, nil)
	if err == nil {
		t.Fatal("expected digest mismatch")
	}
	if errdefs.KindOf(err) != errdefs.KindIntegrity {
		t.Errorf("kind = %v, want integrity", errdefs.KindOf(err))
	}
}

func TestFetchChunkCancellation(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 1024)
	srv, _ := rangeServer(t, content, map[int64]int{0: 100})
	src, res := testSource(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out writeAtBuffer
	_, err := fastFetcher(5).FetchChunk(ctx, src, res, Chunk{Start: 0, End: 1024}, &out, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestFetchSequentialUnknownSize(t *testing.T) {
	content := bytes.Repeat([]byte("seq"), 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return // no Content-Length, no Accept-Ranges
		}
		w.Write(content)
	}))
	t.Cleanup(srv.Close)
	src, res := testSource(t, srv)
	if res.RangeSupported || res.Size != -1 {
		t.Fatalf("expected unknown-size resolution, got %+v", res)
	}

	var out bytes.Buffer
	total, digest, err := fastFetcher(2).FetchSequential(context.Background(), src, res, &out, func() error { out.Reset(); return nil }, nil)
	if err != nil {
		t.Fatalf("FetchSequential: %v", err)
	}
	if total != int64(len(content)) || !bytes.Equal(out.Bytes(), content) {
		t.Errorf("sequential fetch wrote %d bytes", total)
	}
	want := sha256.Sum256(content)
	if digest != hex.EncodeToString(want[:]) {
		t.Error("sequential digest mismatch")
	}
}

func TestJitterStaysWithinTwentyPercent(t *testing.T) {
	delay := 500 * time.Millisecond
	bound := delay / 5
	for i := 0; i < 1000; i++ {
		j := jitter(delay)
		if j < -bound || j > bound {
			t.Fatalf("jitter %v outside [-%v, %v]", j, bound, bound)
		}
	}
}
