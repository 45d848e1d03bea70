package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrel-dl/kestrel/internal/cache"
	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/errdefs"
	"github.com/kestrel-dl/kestrel/internal/fetch"
	"github.com/kestrel-dl/kestrel/internal/hooks"
	"github.com/kestrel-dl/kestrel/internal/postproc"
	"github.com/kestrel-dl/kestrel/internal/session"
	"github.com/kestrel-dl/kestrel/internal/sources"
	"github.com/kestrel-dl/kestrel/internal/utils"
)

// Engine turns URLs plus options into completed files: it resolves the
// target, plans and dispatches chunk fetches, persists progress, invokes
// hooks, and hands completed files to the post-processing collaborator.
type Engine struct {
	settings  config.Settings
	store     *session.Store
	cache     *cache.Cache
	hooks     *hooks.Registry
	sources   *sources.Registry
	processor postproc.Processor
	monitor   *resourceMonitor
	speed     *speedTracker

	// OnProgress, when set, receives display updates. The session record's
	// own progress is persisted independently of this callback.
	OnProgress func(sessionID string, downloaded, total int64)
	// OnSession, when set, is called once per created session before it runs.
	OnSession func(sessionID, url string)

	sessionSem chan struct{}
	globalSem  chan struct{}

	mu     sync.Mutex
	active map[string]*activeHandle
}

type activeHandle struct {
	cancel context.CancelFunc
	paused atomic.Bool
}

// Request pairs a URL with its per-download options for batch runs where
// entries differ in output path or selection.
type Request struct {
	URL     string
	Options config.DownloadOptions
}

// Result is the per-URL outcome of a batch download.
type Result struct {
	URL       string
	SessionID string
	Files     []string
	Err       error
}

// BatchError aggregates per-URL failures without hiding sibling successes.
type BatchError struct {
	Failures []Result
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.URL, f.Err))
	}
	return fmt.Sprintf("%d download(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// New builds an engine from an immutable settings value. The settings are
// validated up front so misconfiguration surfaces before any network
// activity.
func New(settings config.Settings, store *session.Store, srcRegistry *sources.Registry, processor postproc.Processor) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if processor == nil {
		processor = postproc.Noop{}
	}
	return &Engine{
		settings:   settings,
		store:      store,
		cache:      cache.New(settings.CacheEntries, settings.CacheBytes),
		hooks:      hooks.NewRegistry(),
		sources:    srcRegistry,
		processor:  processor,
		monitor:    newResourceMonitor(settings),
		speed:      newSpeedTracker(),
		sessionSem: make(chan struct{}, settings.ConcurrentDownloads),
		globalSem:  make(chan struct{}, config.GlobalFragmentCeiling),
		active:     make(map[string]*activeHandle),
	}, nil
}

// RegisterHooks adds a named hook set observing download lifecycle events.
func (e *Engine) RegisterHooks(name string, hs hooks.HookSet) {
	e.hooks.Register(name, hs)
}

// Store exposes the session store for callers that list or clean sessions.
func (e *Engine) Store() *session.Store { return e.store }

// Speed reports the moving-average throughput across all sessions.
func (e *Engine) Speed() float64 { return e.speed.bytesPerSec() }

// Download fans out to one session per URL with bounded concurrency. One
// URL's failure never cancels its siblings unless ContinueOnError is off,
// in which case the remaining sessions are cancelled cooperatively and a
// composite error enumerates the failures.
func (e *Engine) Download(ctx context.Context, urls []string, opts config.DownloadOptions) ([]Result, error) {
	reqs := make([]Request, len(urls))
	for i, u := range urls {
		reqs[i] = Request{URL: u, Options: opts}
	}
	return e.DownloadRequests(ctx, reqs)
}

// DownloadRequests is Download with per-entry options, used by batch runs.
func (e *Engine) DownloadRequests(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, errdefs.Newf(errdefs.KindConfiguration, "engine/download", "no URLs given")
	}
	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()

	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			select {
			case e.sessionSem <- struct{}{}:
				defer func() { <-e.sessionSem }()
			case <-batchCtx.Done():
				results[i] = Result{URL: req.URL, Err: batchCtx.Err()}
				return
			}
			sess, err := e.store.Create(req.URL, req.Options)
			if err != nil {
				results[i] = Result{URL: req.URL, Err: err}
				if !e.settings.ContinueOnError {
					cancelBatch()
				}
				return
			}
			if e.OnSession != nil {
				e.OnSession(sess.ID, req.URL)
			}
			files, err := e.runSession(batchCtx, sess.ID, false)
			results[i] = Result{URL: req.URL, SessionID: sess.ID, Files: files, Err: err}
			if err != nil && !e.settings.ContinueOnError {
				cancelBatch()
			}
		}(i, req)
	}
	wg.Wait()

	var failures []Result
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, r)
		}
	}
	if len(failures) > 0 && !e.settings.ContinueOnError {
		return results, &BatchError{Failures: failures}
	}
	return results, nil
}

// Resume reactivates a paused or failed session and fetches only the byte
// ranges not already verified. Returns false when the session does not
// exist or is already terminal.
func (e *Engine) Resume(ctx context.Context, sessionID string) (bool, error) {
	sess, err := e.store.Get(sessionID)
	if err != nil {
		if session.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if sess.Status != session.StatusPaused && sess.Status != session.StatusFailed {
		return false, nil
	}
	// Resumes count against the same session-level bound as fresh
	// downloads, so a resume --all cannot exceed ConcurrentDownloads.
	select {
	case e.sessionSem <- struct{}{}:
		defer func() { <-e.sessionSem }()
	case <-ctx.Done():
		return false, ctx.Err()
	}
	_, err = e.runSession(ctx, sessionID, true)
	return err == nil, err
}

// Cancel transitions the session to cancelled. For an in-flight session
// the cancellation is cooperative: workers observe it between retries and
// before each new chunk dispatch. Partial output stays on disk unless
// configured otherwise.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	handle, running := e.active[sessionID]
	e.mu.Unlock()
	if running {
		handle.paused.Store(false)
		handle.cancel()
		return true
	}
	// Not in flight: cancel the durable record directly.
	err := e.store.Update(sessionID, func(s *session.Session) error {
		if s.Status.Terminal() {
			return errdefs.New(errdefs.KindConfiguration, "engine/cancel", errdefs.ErrAlreadyTerminal)
		}
		s.Status = session.StatusCancelled
		return nil
	})
	return err == nil
}

// PauseAll pauses every in-flight session, leaving each resumable. Used on
// interrupt so a Ctrl-C never turns resumable work into a terminal state.
func (e *Engine) PauseAll() int {
	e.mu.Lock()
	handles := make([]*activeHandle, 0, len(e.active))
	for _, h := range e.active {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	for _, h := range handles {
		h.paused.Store(true)
		h.cancel()
	}
	return len(handles)
}

// Pause stops an in-flight session cooperatively, leaving it resumable.
func (e *Engine) Pause(sessionID string) bool {
	e.mu.Lock()
	handle, running := e.active[sessionID]
	e.mu.Unlock()
	if !running {
		return false
	}
	handle.paused.Store(true)
	handle.cancel()
	return true
}

// runSession drives one session from (re)activation to a terminal or
// resumable state.
func (e *Engine) runSession(ctx context.Context, sessionID string, resuming bool) ([]string, error) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := &activeHandle{cancel: cancel}
	e.mu.Lock()
	if _, exists := e.active[sessionID]; exists {
		e.mu.Unlock()
		return nil, errdefs.Newf(errdefs.KindConfiguration, "engine/session", "session %s is already running", sessionID)
	}
	e.active[sessionID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, sessionID)
		e.mu.Unlock()
	}()

	sess, err := e.store.Get(sessionID)
	if err != nil {
		return nil, err
	}

	res, err := e.resolve(sessCtx, sess.URL, sess.Options)
	if err != nil {
		e.failSession(sessionID, err)
		return nil, err
	}
	if resuming {
		if err := validateAgainstSession(sess, res); err != nil {
			e.failSession(sessionID, err)
			return nil, err
		}
	}

	meta := map[string]any{
		"filename":     res.Filename,
		"size":         res.Size,
		"content_type": res.ContentType,
		"format":       res.Format,
		"quality":      res.Quality,
	}
	if err := e.hooks.PreDownload(sessCtx, sess.URL, meta); err != nil {
		e.failSession(sessionID, err)
		return nil, err
	}

	outputPath := e.outputPath(sess, res, resuming)
	if err := e.activate(sessionID, res, outputPath); err != nil {
		return nil, err
	}
	log.Info().Str("op", "engine/session").Msgf("Session %s active: %s -> %s (%d bytes)", sessionID, sess.URL, outputPath, res.Size)

	src, err := e.sources.For(res.URL)
	if err != nil {
		e.failSession(sessionID, err)
		return nil, err
	}

	var runErr error
	if res.Size > 0 && res.RangeSupported {
		runErr = e.downloadChunked(sessCtx, sessionID, src, res, outputPath)
	} else {
		runErr = e.downloadSequential(sessCtx, sessionID, src, res, outputPath)
	}
	if runErr != nil {
		return nil, e.settle(sessionID, handle, outputPath, runErr)
	}

	files, err := e.complete(sessCtx, sessionID, res, outputPath)
	if err != nil {
		e.failSession(sessionID, err)
		return nil, err
	}
	return files, nil
}

// activate flips the session into active, freezing resolution metadata and
// clearing any previous failure record.
func (e *Engine) activate(sessionID string, res *sources.Resolution, outputPath string) error {
	return e.store.Update(sessionID, func(s *session.Session) error {
		s.Status = session.StatusActive
		s.ErrorInfo = nil
		if s.Metadata == nil {
			s.Metadata = make(map[string]any)
		}
		s.Metadata["total_bytes"] = res.Size
		s.Metadata["etag"] = res.ETag
		s.Metadata["filename"] = res.Filename
		s.Metadata["content_type"] = res.ContentType
		s.Metadata["output_path"] = outputPath
		s.Progress.TotalBytes = res.Size
		return nil
	})
}

// outputPath picks the destination: the options' explicit path, then the
// resolved filename. A resume reuses the recorded path; a fresh session
// renews on collision instead of clobbering.
func (e *Engine) outputPath(sess *session.Session, res *sources.Resolution, resuming bool) string {
	if resuming {
		if stored, ok := sess.Metadata["output_path"].(string); ok && stored != "" {
			return stored
		}
	}
	path := sess.Options.OutputPath
	if path == "" {
		path = res.Filename
	}
	if path == "" {
		path = "download"
	}
	if !resuming {
		if _, err := os.Stat(path); err == nil {
			path = utils.RenewOutputPath(path)
		}
	}
	return path
}

// downloadChunked drives the bounded fragment pool over dynamically carved
// chunks, writing each verified chunk at its final offset. No merge pass:
// the output is pre-allocated and chunks land in place.
func (e *Engine) downloadChunked(ctx context.Context, sessionID string, src sources.Source, res *sources.Resolution, outputPath string) error {
	sess, err := e.store.Get(sessionID)
	if err != nil {
		return err
	}
	total := res.Size
	gaps := sess.Gaps(total)
	if len(gaps) == 0 {
		return nil
	}
	if resumed := sess.CoveredBytes(); resumed > 0 {
		log.Info().Str("op", "engine/chunked").Msgf("Session %s resumes with %d of %d bytes already verified", sessionID, resumed, total)
	}

	out, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errdefs.New(errdefs.KindFileSystem, "engine/chunked", err)
	}
	defer out.Close()
	if err := out.Truncate(total); err != nil {
		return errdefs.New(errdefs.KindFileSystem, "engine/chunked", err)
	}

	plan := newPlanner(gaps)
	fetcher := fetch.NewFetcher(e.settings.RetryAttempts, e.settings.RateLimit)

	// displayed tracks in-flight bytes for the progress callback only; the
	// persisted counter advances on verified chunks and stays monotonic.
	displayed := atomic.Int64{}
	displayed.Store(sess.CoveredBytes())
	progressDelta := func(d int64) {
		v := displayed.Add(d)
		if e.OnProgress != nil {
			e.OnProgress(sessionID, v, total)
		}
	}

	chunkCtx, stop := context.WithCancel(ctx)
	defer stop()

	var firstErr error
	var errOnce sync.Once
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			stop()
		})
	}

	// fragSem bounds fragments in flight for this session. Backpressure
	// steals permits from it, halving effective concurrency each time the
	// heap climbs over budget; stolen permits are never returned.
	fragSem := make(chan struct{}, e.settings.ConcurrentFragments)

	chunkCh := make(chan fetch.Chunk)
	go func() {
		defer close(chunkCh)
		chunkSize := e.speed.adaptiveChunkSize(e.settings.ChunkSize)
		avail := e.settings.ConcurrentFragments
		for {
			if chunkCtx.Err() != nil {
				return
			}
			if e.monitor.overBudget() {
				reduced, err := e.monitor.relieve(chunkSize)
				if err != nil {
					fail(err)
					return
				}
				chunkSize = reduced
				for steal := avail / 2; steal > 0 && avail > 1; steal-- {
					select {
					case fragSem <- struct{}{}:
						avail--
					case <-chunkCtx.Done():
						return
					}
				}
			} else {
				chunkSize = e.speed.adaptiveChunkSize(e.settings.ChunkSize)
			}
			chunk, ok := plan.next(chunkSize)
			if !ok {
				return
			}
			select {
			case chunkCh <- chunk:
			case <-chunkCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for range e.settings.ConcurrentFragments {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range chunkCh {
				if payload, ok := e.cachedRange(res, chunk); ok {
					log.Debug().Str("op", "engine/chunked").Msgf("Range cache hit for bytes %d-%d of %s", chunk.Start, chunk.End, res.URL)
					if _, err := out.WriteAt(payload.data, chunk.Start); err != nil {
						fail(errdefs.New(errdefs.KindFileSystem, "engine/chunked", err))
						return
					}
					progressDelta(chunk.Len())
					if err := e.recordChunk(sessionID, chunk, total); err != nil {
						fail(err)
						return
					}
					e.hooks.PostChunk(chunkCtx, hooks.ChunkDescriptor{
						SessionID: sessionID,
						URL:       res.URL,
						Start:     chunk.Start,
						End:       chunk.End,
					}, payload.digest)
					continue
				}
				select {
				case fragSem <- struct{}{}:
				case <-chunkCtx.Done():
					return
				}
				select {
				case e.globalSem <- struct{}{}:
				case <-chunkCtx.Done():
					<-fragSem
					return
				}
				dst, capture := e.captureRange(out, res, chunk)
				start := time.Now()
				result, err := fetcher.FetchChunk(chunkCtx, src, res, chunk, dst, progressDelta)
				<-e.globalSem
				<-fragSem
				if err != nil {
					fail(err)
					return
				}
				e.speed.record(chunk.Len(), time.Since(start))
				if capture != nil {
					e.cache.Set(rangeKey(res, chunk), rangePayload{data: capture.buf, digest: result.Digest}, chunk.Len(), e.settings.CacheTTL)
				}
				if err := e.recordChunk(sessionID, chunk, total); err != nil {
					fail(err)
					return
				}
				e.hooks.PostChunk(chunkCtx, hooks.ChunkDescriptor{
					SessionID: sessionID,
					URL:       res.URL,
					Start:     chunk.Start,
					End:       chunk.End,
					Attempt:   result.Attempts,
				}, result.Digest)
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := out.Sync(); err != nil {
		return errdefs.New(errdefs.KindFileSystem, "engine/chunked", err)
	}
	return nil
}

// rangePayload is the cached form of a verified chunk: its bytes plus the
// digest they hashed to. Reuse is keyed on URL, ETag and exact byte span,
// so a stale or differently carved chunk can never match.
type rangePayload struct {
	data   []byte
	digest string
}

func rangeKey(res *sources.Resolution, chunk fetch.Chunk) string {
	return cache.Key(res.URL, fmt.Sprintf("%s|%d-%d", res.ETag, chunk.Start, chunk.End))
}

// cachedRange looks up a previously verified byte range. Sources without
// an entity tag never hit: there is no validator to tie the bytes to.
func (e *Engine) cachedRange(res *sources.Resolution, chunk fetch.Chunk) (rangePayload, bool) {
	if res.ETag == "" {
		return rangePayload{}, false
	}
	v, ok := e.cache.Get(rangeKey(res, chunk))
	if !ok {
		return rangePayload{}, false
	}
	payload, ok := v.(rangePayload)
	if !ok || int64(len(payload.data)) != chunk.Len() {
		return rangePayload{}, false
	}
	return payload, true
}

// rangeCapture tees chunk writes into a buffer for the range cache while
// passing them through to the output file.
type rangeCapture struct {
	dst  io.WriterAt
	base int64
	buf  []byte
}

func (c *rangeCapture) WriteAt(p []byte, off int64) (int, error) {
	n, err := c.dst.WriteAt(p, off)
	if n > 0 {
		copy(c.buf[off-c.base:], p[:n])
	}
	return n, err
}

// captureRange wraps out so the fetched bytes can be cached afterwards.
// Returns out unwrapped when the range is not cacheable.
func (e *Engine) captureRange(out io.WriterAt, res *sources.Resolution, chunk fetch.Chunk) (io.WriterAt, *rangeCapture) {
	if res.ETag == "" {
		return out, nil
	}
	c := &rangeCapture{dst: out, base: chunk.Start, buf: make([]byte, chunk.Len())}
	return c, c
}

// recordChunk folds a verified chunk into the durable coverage record and
// recomputes derived progress. The store serializes this per session, so
// two chunks completing together cannot tear the record.
func (e *Engine) recordChunk(sessionID string, chunk fetch.Chunk, total int64) error {
	return e.store.Update(sessionID, func(s *session.Session) error {
		s.AddRange(chunk.Start, chunk.End)
		s.Progress = progressFor(s.CoveredBytes(), total, e.speed.bytesPerSec())
		return nil
	})
}

// downloadSequential streams sources that report no usable size: no
// parallel splitting, a part file in the temp dir, rename on success.
func (e *Engine) downloadSequential(ctx context.Context, sessionID string, src sources.Source, res *sources.Resolution, outputPath string) error {
	tempDir := filepath.Join(filepath.Dir(outputPath), utils.TempDirName)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return errdefs.New(errdefs.KindFileSystem, "engine/sequential", err)
	}
	partPath := filepath.Join(tempDir, filepath.Base(outputPath)+".part")
	out, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errdefs.New(errdefs.KindFileSystem, "engine/sequential", err)
	}
	defer out.Close()

	fetcher := fetch.NewFetcher(e.settings.RetryAttempts, e.settings.RateLimit)
	var streamed atomic.Int64
	progressDelta := func(d int64) {
		v := streamed.Add(d)
		if e.OnProgress != nil {
			e.OnProgress(sessionID, v, -1)
		}
	}
	truncate := func() error {
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return out.Truncate(0)
	}
	total, digest, err := fetcher.FetchSequential(ctx, src, res, out, truncate, progressDelta)
	if err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return errdefs.New(errdefs.KindFileSystem, "engine/sequential", err)
	}
	if err := out.Close(); err != nil {
		return errdefs.New(errdefs.KindFileSystem, "engine/sequential", err)
	}
	if err := os.Rename(partPath, outputPath); err != nil {
		return errdefs.New(errdefs.KindFileSystem, "engine/sequential", err)
	}
	return e.store.Update(sessionID, func(s *session.Session) error {
		s.AddRange(0, total)
		s.Metadata["total_bytes"] = total
		s.Metadata["stream_digest"] = digest
		s.Progress = progressFor(total, total, e.speed.bytesPerSec())
		return nil
	})
}

// complete verifies whole-file integrity, records artifacts, flips the
// session to completed, and runs post-download hooks plus the best-effort
// enhancement collaborator.
func (e *Engine) complete(ctx context.Context, sessionID string, res *sources.Resolution, outputPath string) ([]string, error) {
	sess, err := e.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	digest, size, err := fileDigest(outputPath)
	if err != nil {
		return nil, errdefs.New(errdefs.KindFileSystem, "engine/complete", err)
	}
	if want := sess.Options.Digest; want != "" && !strings.EqualFold(want, digest) {
		return nil, errdefs.Newf(errdefs.KindIntegrity, "engine/complete", "whole-file digest mismatch for %s", outputPath)
	}

	files := []session.FileInfo{{
		Path:   outputPath,
		Size:   size,
		Type:   res.ContentType,
		Digest: digest,
	}}
	if err := e.store.Update(sessionID, func(s *session.Session) error {
		s.Status = session.StatusCompleted
		s.Files = files
		s.Progress = progressFor(size, size, s.Progress.SpeedBPS)
		return nil
	}); err != nil {
		return nil, err
	}
	log.Info().Str("op", "engine/session").Msgf("Session %s completed: %s (%s)", sessionID, outputPath, utils.FormatBytes(uint64(size)))

	e.hooks.PostDownload(ctx, sess.URL, outputPath)

	paths := []string{outputPath}
	// Enhancement is best-effort: the download already succeeded, so a
	// processor failure is reported without touching the session status.
	processed, err := e.processor.Process(ctx, outputPath, sess.Options)
	if err != nil {
		log.Warn().Str("op", "engine/postproc").Err(err).Msgf("Post-processing failed for %s", outputPath)
	} else if processed != "" && processed != outputPath {
		paths = append(paths, processed)
		if pSize, pDigest, ok := statWithDigest(processed); ok {
			_ = e.store.Update(sessionID, func(s *session.Session) error {
				s.Files = append(s.Files, session.FileInfo{Path: processed, Size: pSize, Type: "processed", Digest: pDigest})
				return nil
			})
		}
	}
	return paths, nil
}

// settle maps a run error to the session's resting state: paused on a
// pause request, cancelled on cancel, failed otherwise.
func (e *Engine) settle(sessionID string, handle *activeHandle, outputPath string, runErr error) error {
	cancelled := errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)
	switch {
	case cancelled && handle.paused.Load():
		err := e.store.Update(sessionID, func(s *session.Session) error {
			s.Status = session.StatusPaused
			return nil
		})
		if err != nil {
			return err
		}
		log.Info().Str("op", "engine/session").Msgf("Session %s paused", sessionID)
		return runErr
	case cancelled:
		err := e.store.Update(sessionID, func(s *session.Session) error {
			s.Status = session.StatusCancelled
			return nil
		})
		if err != nil {
			return err
		}
		if e.settings.DeleteOnCancel {
			os.Remove(outputPath)
		}
		log.Info().Str("op", "engine/session").Msgf("Session %s cancelled", sessionID)
		return runErr
	default:
		e.failSession(sessionID, runErr)
		if e.settings.DeleteFailedPartial {
			os.Remove(outputPath)
		}
		return runErr
	}
}

// failSession persists the failure record. Verified ranges stay in place
// so a later resume only refetches the gaps.
func (e *Engine) failSession(sessionID string, cause error) {
	retries := 0
	if errors.Is(cause, errdefs.ErrRetriesExhausted) {
		retries = e.settings.RetryAttempts
	}
	err := e.store.Update(sessionID, func(s *session.Session) error {
		s.Status = session.StatusFailed
		s.ErrorInfo = &session.ErrorInfo{
			Kind:       errdefs.KindOf(cause).String(),
			Message:    cause.Error(),
			RetryCount: retries,
			At:         time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		log.Error().Str("op", "engine/session").Err(err).Msgf("Could not persist failure for session %s", sessionID)
	}
	log.Error().Str("op", "engine/session").Err(cause).Msgf("Session %s failed", sessionID)
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func statWithDigest(path string) (int64, string, bool) {
	digest, size, err := fileDigest(path)
	if err != nil {
		return 0, "", false
	}
	return size, digest, true
}
