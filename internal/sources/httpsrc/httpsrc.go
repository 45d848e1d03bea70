package httpsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/errdefs"
	"github.com/kestrel-dl/kestrel/internal/sources"
	"github.com/kestrel-dl/kestrel/internal/utils"
)

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// HTTPSource serves http(s) URLs with ranged GETs.
type HTTPSource struct {
	client utils.HTTPDoer
}

func New(client utils.HTTPDoer) *HTTPSource {
	return &HTTPSource{client: client}
}

// Register wires the source under both schemes it handles.
func (s *HTTPSource) Register(r *sources.Registry) {
	r.Register("http", s)
	r.Register("https", s)
}

func (s *HTTPSource) Resolve(ctx context.Context, rawURL string, opts config.DownloadOptions) (*sources.Resolution, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errdefs.New(errdefs.KindConfiguration, "httpsrc/resolve", fmt.Errorf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errdefs.Newf(errdefs.KindConfiguration, "httpsrc/resolve", "unsupported scheme: %s", parsed.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %v", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errdefs.New(errdefs.KindNetwork, "httpsrc/resolve", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode, "httpsrc/resolve"); err != nil {
		return nil, err
	}

	res := &sources.Resolution{
		URL:         resp.Request.URL.String(),
		Size:        -1,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
		Format:      opts.Format,
		Quality:     opts.Quality,
		Metadata:    make(map[string]any),
	}
	res.Filename = filenameFromHeaders(resp)
	if res.Filename == "" {
		res.Filename = filenameFromURL(resp.Request.URL)
	}
	if resp.Header.Get("Accept-Ranges") == "bytes" {
		res.RangeSupported = true
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		size, err := strconv.ParseInt(cl, 10, 64)
		if err == nil && size > 0 {
			res.Size = size
		}
	}
	if res.Size < 0 {
		// Cannot split an unknown length, fall back to sequential.
		res.RangeSupported = false
	}
	log.Debug().Str("op", "httpsrc/resolve").Msgf("Resolved %s: size=%d ranges=%v", rawURL, res.Size, res.RangeSupported)
	return res, nil
}

func (s *HTTPSource) OpenRange(ctx context.Context, res *sources.Resolution, start, end int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %v", err)
	}
	// Range headers are inclusive on both ends.
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	req.Header.Set("Connection", "keep-alive")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errdefs.New(errdefs.KindNetwork, "httpsrc/range", err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		code := resp.StatusCode
		resp.Body.Close()
		if code == http.StatusRequestedRangeNotSatisfiable {
			return nil, errdefs.New(errdefs.KindResource, "httpsrc/range", fmt.Errorf("%w: status %d", errdefs.ErrRangeNotSupported, code))
		}
		if err := classifyStatus(code, "httpsrc/range"); err != nil {
			return nil, err
		}
		return nil, errdefs.Newf(errdefs.KindNetwork, "httpsrc/range", "unexpected status code: %d", code)
	}
	if resp.Header.Get("Content-Range") == "" {
		resp.Body.Close()
		return nil, errdefs.New(errdefs.KindNetwork, "httpsrc/range", errors.New("missing Content-Range header"))
	}
	return resp.Body, nil
}

func (s *HTTPSource) Open(ctx context.Context, res *sources.Resolution) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %v", err)
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errdefs.New(errdefs.KindNetwork, "httpsrc/open", err)
	}
	if resp.StatusCode != http.StatusOK {
		code := resp.StatusCode
		resp.Body.Close()
		if err := classifyStatus(code, "httpsrc/open"); err != nil {
			return nil, err
		}
		return nil, errdefs.Newf(errdefs.KindNetwork, "httpsrc/open", "unexpected status code: %d", code)
	}
	return resp.Body, nil
}

// classifyStatus maps HTTP failure statuses onto the error taxonomy:
// 4xx means the resource is gone or forbidden (no retry), 5xx is the
// server's problem (retryable).
func classifyStatus(code int, op string) error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return errdefs.Newf(errdefs.KindResource, op, "resource not found (%d)", code)
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return errdefs.Newf(errdefs.KindResource, op, "access denied (%d)", code)
	case code >= 500:
		return errdefs.Newf(errdefs.KindNetwork, op, "server error (%d)", code)
	default:
		return errdefs.Newf(errdefs.KindResource, op, "request rejected (%d)", code)
	}
}

func filenameFromHeaders(resp *http.Response) string {
	contentDisposition := resp.Header.Get("Content-Disposition")
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return filenameRegex.ReplaceAllString(fn, "_")
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		return filenameRegex.ReplaceAllString(unescaped, "_")
	}
	return ""
}

func filenameFromURL(u *url.URL) string {
	parts := strings.Split(u.Path, "/")
	name := parts[len(parts)-1]
	if name == "" {
		return "download"
	}
	return name
}
