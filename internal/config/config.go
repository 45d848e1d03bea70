package config

import (
	"fmt"
	"time"

	"github.com/kestrel-dl/kestrel/internal/errdefs"
)

const (
	DefaultChunkSize           = 1024 * 1024 // 1MiB, adapted at runtime from measured speed
	MinChunkSize               = 256 * 1024
	MaxChunkSize               = 8 * 1024 * 1024
	DefaultConcurrentDownloads = 2
	DefaultConcurrentFragments = 4
	DefaultRetryAttempts       = 5
	DefaultConnectTimeout      = 30 * time.Second
	DefaultReadTimeout         = 3 * time.Minute
	DefaultKeepAliveTimeout    = 90 * time.Second
	DefaultCacheEntries        = 256
	DefaultCacheBytes          = 64 * 1024 * 1024
	DefaultCacheTTL            = 15 * time.Minute
	// GlobalFragmentCeiling bounds total in-flight range requests across all
	// sessions regardless of the per-session settings.
	GlobalFragmentCeiling = 64
)

// Settings is the orchestrator-wide configuration, built once by the caller
// and treated as immutable afterwards. Nothing in the core reads ambient
// global state.
type Settings struct {
	SessionDir           string            `yaml:"sessionDir"`
	ConcurrentDownloads  int               `yaml:"concurrentDownloads"`
	ConcurrentFragments  int               `yaml:"concurrentFragments"`
	ChunkSize            int64             `yaml:"chunkSize"`
	RetryAttempts        int               `yaml:"retryAttempts"`
	ConnectTimeout       time.Duration     `yaml:"connectTimeout"`
	ReadTimeout          time.Duration     `yaml:"readTimeout"`
	KeepAliveTimeout     time.Duration     `yaml:"keepAliveTimeout"`
	RateLimit            int64             `yaml:"rateLimit"` // bytes/sec per session, 0 disables
	VerifySSL            bool              `yaml:"verifySSL"`
	ContinueOnError      bool              `yaml:"continueOnError"`
	DeleteOnCancel       bool              `yaml:"deleteOnCancel"`
	DeleteFailedPartial  bool              `yaml:"deleteFailedPartial"`
	QualityLadder        []string          `yaml:"qualityLadder"` // explicit downgrade chain, empty disables downgrade
	UserAgent            string            `yaml:"userAgent"`
	ProxyURL             string            `yaml:"proxyURL"`
	ProxyUsername        string            `yaml:"proxyUsername"`
	ProxyPassword        string            `yaml:"proxyPassword"`
	Headers              map[string]string `yaml:"headers"`
	ProcessorPath        string            `yaml:"processorPath"` // ffmpeg binary, empty disables post-processing
	CacheEntries         int               `yaml:"cacheEntries"`
	CacheBytes           int64             `yaml:"cacheBytes"`
	CacheTTL             time.Duration     `yaml:"cacheTTL"`
	MemoryBudget         uint64            `yaml:"memoryBudget"` // heap bytes before backpressure kicks in, 0 disables
	BackpressureAttempts int               `yaml:"backpressureAttempts"`
}

// Default returns the baseline settings the CLI starts from before applying
// flags and config file overrides.
func Default() Settings {
	return Settings{
		SessionDir:           "",
		ConcurrentDownloads:  DefaultConcurrentDownloads,
		ConcurrentFragments:  DefaultConcurrentFragments,
		ChunkSize:            DefaultChunkSize,
		RetryAttempts:        DefaultRetryAttempts,
		ConnectTimeout:       DefaultConnectTimeout,
		ReadTimeout:          DefaultReadTimeout,
		KeepAliveTimeout:     DefaultKeepAliveTimeout,
		VerifySSL:            true,
		ContinueOnError:      true,
		CacheEntries:         DefaultCacheEntries,
		CacheBytes:           DefaultCacheBytes,
		CacheTTL:             DefaultCacheTTL,
		BackpressureAttempts: 3,
	}
}

// Validate rejects impossible settings before any network activity happens.
func (s Settings) Validate() error {
	if s.ConcurrentDownloads < 1 {
		return errdefs.Newf(errdefs.KindConfiguration, "config", "concurrentDownloads must be >= 1, got %d", s.ConcurrentDownloads)
	}
	if s.ConcurrentFragments < 1 {
		return errdefs.Newf(errdefs.KindConfiguration, "config", "concurrentFragments must be >= 1, got %d", s.ConcurrentFragments)
	}
	if s.ChunkSize < MinChunkSize || s.ChunkSize > MaxChunkSize {
		return errdefs.Newf(errdefs.KindConfiguration, "config", "chunkSize must be between %d and %d, got %d", MinChunkSize, MaxChunkSize, s.ChunkSize)
	}
	if s.RetryAttempts < 0 {
		return errdefs.Newf(errdefs.KindConfiguration, "config", "retryAttempts must be >= 0, got %d", s.RetryAttempts)
	}
	if s.ConnectTimeout <= 0 || s.ReadTimeout <= 0 {
		return errdefs.Newf(errdefs.KindConfiguration, "config", "timeouts must be positive")
	}
	if s.RateLimit < 0 {
		return errdefs.Newf(errdefs.KindConfiguration, "config", "rateLimit must be >= 0, got %d", s.RateLimit)
	}
	if s.BackpressureAttempts < 1 {
		return errdefs.Newf(errdefs.KindConfiguration, "config", "backpressureAttempts must be >= 1, got %d", s.BackpressureAttempts)
	}
	return nil
}

// DownloadOptions is the per-request snapshot frozen into a session at
// creation. Unknown keys travel in Extra untouched so collaborators can
// carry their own options through the core.
type DownloadOptions struct {
	Format     string         `json:"format,omitempty" yaml:"format"`
	Quality    string         `json:"quality,omitempty" yaml:"quality"`
	AudioOnly  bool           `json:"audio_only,omitempty" yaml:"audioOnly"`
	OutputPath string         `json:"output_path,omitempty" yaml:"outputPath"`
	Digest     string         `json:"digest,omitempty" yaml:"digest"` // expected whole-file hex digest, optional
	Extra      map[string]any `json:"extra,omitempty" yaml:"extra"`
}

func (o DownloadOptions) String() string {
	return fmt.Sprintf("format=%q quality=%q audioOnly=%v output=%q", o.Format, o.Quality, o.AudioOnly, o.OutputPath)
}
