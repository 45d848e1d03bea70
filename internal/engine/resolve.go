package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/kestrel-dl/kestrel/internal/cache"
	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/errdefs"
	"github.com/kestrel-dl/kestrel/internal/session"
	"github.com/kestrel-dl/kestrel/internal/sources"
)

// resolve runs the preliminary metadata request through the cache and
// applies the explicit quality-downgrade ladder. Each downgrade step is a
// fresh resolution round-trip; nothing is inferred from the failed one.
func (e *Engine) resolve(ctx context.Context, rawURL string, opts config.DownloadOptions) (*sources.Resolution, error) {
	key := cache.Key(rawURL, opts.Format+"|"+opts.Quality)
	if cached, ok := e.cache.Get(key); ok {
		if res, ok := cached.(*sources.Resolution); ok {
			log.Debug().Str("op", "engine/resolve").Msgf("Resolution cache hit for %s", rawURL)
			return res, nil
		}
	}
	src, err := e.sources.For(rawURL)
	if err != nil {
		return nil, err
	}
	res, err := src.Resolve(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	res, err = e.applyQualityLadder(ctx, src, rawURL, opts, res)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, res, 0, e.settings.CacheTTL)
	return res, nil
}

// applyQualityLadder checks the requested quality against what the source
// reports as available. When the request cannot be served and a ladder is
// configured, each lower rung is re-resolved explicitly until one is
// available; with no ladder the session fails rather than silently
// downgrading.
func (e *Engine) applyQualityLadder(ctx context.Context, src sources.Source, rawURL string, opts config.DownloadOptions, res *sources.Resolution) (*sources.Resolution, error) {
	available := availableQualities(res)
	if opts.Quality == "" || available == nil || slices.Contains(available, opts.Quality) {
		return res, nil
	}
	ladder := e.settings.QualityLadder
	start := slices.Index(ladder, opts.Quality)
	if start < 0 {
		return nil, errdefs.New(errdefs.KindResource, "engine/resolve",
			fmt.Errorf("%w: quality %q not offered for %s and no downgrade ladder applies", errdefs.ErrFormatUnavailable, opts.Quality, rawURL))
	}
	for _, candidate := range ladder[start+1:] {
		downgraded := opts
		downgraded.Quality = candidate
		next, err := src.Resolve(ctx, rawURL, downgraded)
		if err != nil {
			return nil, err
		}
		if avail := availableQualities(next); avail == nil || slices.Contains(avail, candidate) {
			log.Info().Str("op", "engine/resolve").Msgf("Quality %q unavailable for %s, downgraded to %q", opts.Quality, rawURL, candidate)
			next.Quality = candidate
			return next, nil
		}
	}
	return nil, errdefs.New(errdefs.KindResource, "engine/resolve",
		fmt.Errorf("%w: no rung of the quality ladder is available for %s", errdefs.ErrFormatUnavailable, rawURL))
}

// availableQualities returns nil when the source does not enumerate
// qualities (plain files), in which case any request passes through.
func availableQualities(res *sources.Resolution) []string {
	raw, ok := res.Metadata["availableQualities"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// validateAgainstSession re-checks a fresh resolution against what the
// session originally recorded. Upstream drift (size or entity change,
// format withdrawn) fails the resume explicitly instead of silently
// re-resolving over a half-written file.
func validateAgainstSession(sess *session.Session, res *sources.Resolution) error {
	if total, ok := metadataInt64(sess.Metadata, "total_bytes"); ok && res.Size > 0 && total != res.Size {
		return errdefs.New(errdefs.KindResource, "engine/resume",
			fmt.Errorf("%w: size changed upstream (%d -> %d)", errdefs.ErrFormatUnavailable, total, res.Size))
	}
	if etag, ok := sess.Metadata["etag"].(string); ok && etag != "" && res.ETag != "" && etag != res.ETag {
		return errdefs.New(errdefs.KindResource, "engine/resume",
			fmt.Errorf("%w: entity changed upstream (etag %q -> %q)", errdefs.ErrFormatUnavailable, etag, res.ETag))
	}
	if sess.Options.Quality != "" && res.Quality != "" && res.Quality != sess.Options.Quality {
		return errdefs.New(errdefs.KindResource, "engine/resume",
			fmt.Errorf("%w: quality %q no longer resolvable", errdefs.ErrFormatUnavailable, sess.Options.Quality))
	}
	return nil
}

// metadataInt64 reads a numeric metadata field that may have round-tripped
// through JSON as float64.
func metadataInt64(meta map[string]any, key string) (int64, bool) {
	switch v := meta[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
