package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ChunkDescriptor is the plain-data view of a verified chunk handed to
// hook implementations. Hooks never see orchestrator internals.
type ChunkDescriptor struct {
	SessionID string
	URL       string
	Start     int64
	End       int64
	Attempt   int
}

// HookSet is the capability set a plugin implements. Embed NoopHooks to
// satisfy the interface and override only the events of interest.
type HookSet interface {
	// PreDownload runs once per session before any byte fetch. An error
	// vetoes the session start.
	PreDownload(ctx context.Context, url string, metadata map[string]any) error
	// PostChunk runs after each chunk is verified and written. Errors are
	// logged and swallowed.
	PostChunk(ctx context.Context, chunk ChunkDescriptor, digest string) error
	// PostDownload runs once per completed file. Errors are logged and
	// swallowed.
	PostDownload(ctx context.Context, url string, filePath string) error
}

// NoopHooks is the default no-op base.
type NoopHooks struct{}

func (NoopHooks) PreDownload(context.Context, string, map[string]any) error { return nil }
func (NoopHooks) PostChunk(context.Context, ChunkDescriptor, string) error  { return nil }
func (NoopHooks) PostDownload(context.Context, string, string) error        { return nil }

type namedSet struct {
	name string
	set  HookSet
}

// Registry holds named hook sets and invokes them in registration order.
// One set's failure (or panic) never stops the others from running.
type Registry struct {
	mu   sync.RWMutex
	sets []namedSet
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds or replaces the hook set under name, keeping first-come
// invocation order for replacements.
func (r *Registry) Register(name string, hs HookSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sets {
		if existing.name == name {
			r.sets[i].set = hs
			return
		}
	}
	r.sets = append(r.sets, namedSet{name: name, set: hs})
}

// Unregister removes the named hook set if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sets {
		if existing.name == name {
			r.sets = append(r.sets[:i], r.sets[i+1:]...)
			return
		}
	}
}

func (r *Registry) snapshot() []namedSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]namedSet, len(r.sets))
	copy(out, r.sets)
	return out
}

// PreDownload runs every set; the first error vetoes the session start.
// All sets still get their callback before the veto is reported, so one
// misbehaving plugin cannot hide the event from the others.
func (r *Registry) PreDownload(ctx context.Context, url string, metadata map[string]any) error {
	var veto error
	for _, ns := range r.snapshot() {
		err := r.invoke(ns.name, "pre_download", func() error {
			return ns.set.PreDownload(ctx, url, metadata)
		})
		if err != nil && veto == nil {
			veto = fmt.Errorf("hook %q vetoed download: %w", ns.name, err)
		}
	}
	return veto
}

// PostChunk notifies every set; failures are logged and swallowed.
func (r *Registry) PostChunk(ctx context.Context, chunk ChunkDescriptor, digest string) {
	for _, ns := range r.snapshot() {
		if err := r.invoke(ns.name, "post_chunk", func() error {
			return ns.set.PostChunk(ctx, chunk, digest)
		}); err != nil {
			log.Warn().Str("op", "hooks").Str("hook", ns.name).Err(err).Msg("post_chunk hook failed")
		}
	}
}

// PostDownload notifies every set; failures are logged and swallowed.
func (r *Registry) PostDownload(ctx context.Context, url string, filePath string) {
	for _, ns := range r.snapshot() {
		if err := r.invoke(ns.name, "post_download", func() error {
			return ns.set.PostDownload(ctx, url, filePath)
		}); err != nil {
			log.Warn().Str("op", "hooks").Str("hook", ns.name).Err(err).Msg("post_download hook failed")
		}
	}
}

// invoke shields the caller from a panicking hook set.
func (r *Registry) invoke(name, event string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook %q panicked during %s: %v", name, event, rec)
		}
	}()
	return fn()
}
