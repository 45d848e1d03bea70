package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/kestrel-dl/kestrel/internal/errdefs"
	"github.com/kestrel-dl/kestrel/internal/sources"
	"github.com/kestrel-dl/kestrel/internal/utils"
)

// Chunk is one byte range [Start, End) in flight. The buffer it reads into
// lives only for the duration of a fetch attempt; bytes go straight to the
// output writer at their final offset.
type Chunk struct {
	ID             int
	Start          int64
	End            int64
	ExpectedDigest string // hex sha256, optional
}

func (c Chunk) Len() int64 { return c.End - c.Start }

// Result reports a verified chunk.
type Result struct {
	Chunk    Chunk
	Digest   string
	Attempts int
}

// Fetcher performs ranged fetches with retry, backoff+jitter, rate
// limiting and digest verification. It is safe for concurrent use.
type Fetcher struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Limiter    *rate.Limiter // nil disables throttling
}

func NewFetcher(maxRetries int, rateLimit int64) *Fetcher {
	f := &Fetcher{
		MaxRetries: maxRetries,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
	if rateLimit > 0 {
		f.Limiter = rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit))
	}
	return f
}

// FetchChunk downloads one chunk into w at its final offset. Transient
// failures (network, short read, digest mismatch) are retried up to
// MaxRetries with exponential backoff and jitter; permanent failures
// escalate immediately. Attempts never exceed MaxRetries+1.
func (f *Fetcher) FetchChunk(ctx context.Context, src sources.Source, res *sources.Resolution, chunk Chunk, w io.WriterAt, progress func(delta int64)) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().Str("op", "fetch/chunk").Msgf("Retrying chunk %d (attempt %d/%d)", chunk.ID, attempt+1, f.MaxRetries+1)
			if err := f.backoff(ctx, attempt); err != nil {
				return Result{}, err
			}
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		written, digest, err := f.attempt(ctx, src, res, chunk, w, progress)
		if err == nil {
			return Result{Chunk: chunk, Digest: digest, Attempts: attempt + 1}, nil
		}
		// A failed attempt's partial bytes will be overwritten on retry;
		// roll the progress counter back so it stays truthful.
		if written > 0 && progress != nil {
			progress(-written)
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !errdefs.IsRetryable(err) {
			return Result{}, err
		}
		lastErr = err
	}
	return Result{}, errdefs.New(errdefs.KindNetwork, "fetch/chunk",
		fmt.Errorf("%w: chunk %d failed after %d attempts: %v", errdefs.ErrRetriesExhausted, chunk.ID, f.MaxRetries+1, lastErr))
}

func (f *Fetcher) attempt(ctx context.Context, src sources.Source, res *sources.Resolution, chunk Chunk, w io.WriterAt, progress func(int64)) (int64, string, error) {
	body, err := src.OpenRange(ctx, res, chunk.Start, chunk.End)
	if err != nil {
		return 0, "", err
	}
	defer body.Close()

	hasher := sha256.New()
	buffer := make([]byte, utils.DefaultBufferSize)
	var written int64
	for {
		bytesRead, readErr := body.Read(buffer)
		if bytesRead > 0 {
			if f.Limiter != nil {
				if err := f.waitQuota(ctx, bytesRead); err != nil {
					return written, "", err
				}
			}
			if written+int64(bytesRead) > chunk.Len() {
				return written, "", errdefs.Newf(errdefs.KindIntegrity, "fetch/chunk", "chunk %d: server sent more than the requested %d bytes", chunk.ID, chunk.Len())
			}
			if _, err := w.WriteAt(buffer[:bytesRead], chunk.Start+written); err != nil {
				return written, "", errdefs.New(errdefs.KindFileSystem, "fetch/chunk", err)
			}
			hasher.Write(buffer[:bytesRead])
			written += int64(bytesRead)
			if progress != nil {
				progress(int64(bytesRead))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return written, "", ctx.Err()
			}
			return written, "", errdefs.New(errdefs.KindNetwork, "fetch/chunk", readErr)
		}
	}
	if written != chunk.Len() {
		return written, "", errdefs.Newf(errdefs.KindIntegrity, "fetch/chunk", "chunk %d: short read, expected %d bytes got %d", chunk.ID, chunk.Len(), written)
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	if chunk.ExpectedDigest != "" && digest != chunk.ExpectedDigest {
		return written, "", errdefs.Newf(errdefs.KindIntegrity, "fetch/chunk", "chunk %d: digest mismatch", chunk.ID)
	}
	return written, digest, nil
}

// FetchSequential streams the whole resource for sources with no known
// size, retrying from scratch on transient failure. Returns total bytes
// and the stream digest.
func (f *Fetcher) FetchSequential(ctx context.Context, src sources.Source, res *sources.Resolution, w io.Writer, truncate func() error, progress func(int64)) (int64, string, error) {
	var lastErr error
	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().Str("op", "fetch/sequential").Msgf("Retrying sequential fetch (attempt %d/%d)", attempt+1, f.MaxRetries+1)
			if err := f.backoff(ctx, attempt); err != nil {
				return 0, "", err
			}
			if truncate != nil {
				if err := truncate(); err != nil {
					return 0, "", errdefs.New(errdefs.KindFileSystem, "fetch/sequential", err)
				}
			}
		}
		total, digest, err := f.sequentialAttempt(ctx, src, res, w, progress)
		if err == nil {
			return total, digest, nil
		}
		if total > 0 && progress != nil {
			progress(-total)
		}
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		if !errdefs.IsRetryable(err) {
			return 0, "", err
		}
		lastErr = err
	}
	return 0, "", errdefs.New(errdefs.KindNetwork, "fetch/sequential",
		fmt.Errorf("%w: sequential fetch failed after %d attempts: %v", errdefs.ErrRetriesExhausted, f.MaxRetries+1, lastErr))
}

func (f *Fetcher) sequentialAttempt(ctx context.Context, src sources.Source, res *sources.Resolution, w io.Writer, progress func(int64)) (int64, string, error) {
	body, err := src.Open(ctx, res)
	if err != nil {
		return 0, "", err
	}
	defer body.Close()
	hasher := sha256.New()
	buffer := make([]byte, utils.DefaultBufferSize)
	var total int64
	for {
		bytesRead, readErr := body.Read(buffer)
		if bytesRead > 0 {
			if f.Limiter != nil {
				if err := f.waitQuota(ctx, bytesRead); err != nil {
					return total, "", err
				}
			}
			if _, err := w.Write(buffer[:bytesRead]); err != nil {
				return total, "", errdefs.New(errdefs.KindFileSystem, "fetch/sequential", err)
			}
			hasher.Write(buffer[:bytesRead])
			total += int64(bytesRead)
			if progress != nil {
				progress(int64(bytesRead))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return total, "", ctx.Err()
			}
			return total, "", errdefs.New(errdefs.KindNetwork, "fetch/sequential", readErr)
		}
	}
	return total, hex.EncodeToString(hasher.Sum(nil)), nil
}

// waitQuota charges the rate limiter in limiter-burst-sized pieces so a
// large read buffer cannot exceed the configured burst.
func (f *Fetcher) waitQuota(ctx context.Context, n int) error {
	burst := f.Limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := f.Limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// backoff sleeps base<<attempt with +-20% jitter, capped, honoring ctx.
func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	delay := f.BaseDelay << (attempt - 1)
	if delay > f.MaxDelay {
		delay = f.MaxDelay
	}
	timer := time.NewTimer(delay + jitter(delay))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitter draws uniformly from [-delay/5, +delay/5].
func jitter(delay time.Duration) time.Duration {
	return time.Duration(rand.Int63n(2*int64(delay)/5+1) - int64(delay)/5)
}
