package sources

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/errdefs"
)

// Resolution is the outcome of the preliminary metadata request: everything
// the orchestrator needs to plan chunking before any byte fetch.
type Resolution struct {
	URL            string // final URL after redirects
	Filename       string
	Size           int64 // -1 when unknown (sequential fallback)
	RangeSupported bool
	ContentType    string
	ETag           string
	Format         string
	Quality        string
	Metadata       map[string]any
}

// Source resolves and serves byte ranges for one URL scheme family.
type Source interface {
	// Resolve performs the metadata round-trip (HEAD-equivalent) and
	// applies format/quality selection.
	Resolve(ctx context.Context, rawURL string, opts config.DownloadOptions) (*Resolution, error)
	// OpenRange streams exactly [start, end) of the resolved resource.
	OpenRange(ctx context.Context, res *Resolution, start, end int64) (io.ReadCloser, error)
	// Open streams the whole resource for sources with unknown size.
	Open(ctx context.Context, res *Resolution) (io.ReadCloser, error)
}

// Registry maps URL schemes to their source implementations.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

func (r *Registry) Register(scheme string, s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[scheme] = s
}

// For picks the source handling rawURL's scheme.
func (r *Registry) For(rawURL string) (Source, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errdefs.New(errdefs.KindConfiguration, "sources", fmt.Errorf("invalid URL %q: %v", rawURL, err))
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[parsed.Scheme]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindConfiguration, "sources", "unsupported scheme: %s", parsed.Scheme)
	}
	return s, nil
}
