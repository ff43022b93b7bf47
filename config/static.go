package config

import (
	"time"

	"github.com/emberhttpd/ember/api"
)

// StaticConfig configures the static-file subsystem (spec.md §4.6,
// supplemented per SPEC_FULL.md §C with ExtraHeaders, grounded on
// original_source's uvhttp_static_config_t.custom_headers).
type StaticConfig struct {
	Root                  string            `mapstructure:"root" json:"root" validate:"required"`
	IndexFile             string            `mapstructure:"indexFile" json:"indexFile"`
	DirectoryListing      bool              `mapstructure:"directoryListing" json:"directoryListing"`
	ETagEnabled           bool              `mapstructure:"etagEnabled" json:"etagEnabled"`
	LastModifiedEnabled   bool              `mapstructure:"lastModifiedEnabled" json:"lastModifiedEnabled"`
	CacheControl          string            `mapstructure:"cacheControl" json:"cacheControl"`
	ExtraHeaders          map[string]string `mapstructure:"extraHeaders" json:"extraHeaders,omitempty"`

	CacheByteCap   int64         `mapstructure:"cacheByteCap" json:"cacheByteCap" validate:"min=0"`
	CacheEntryCap  int           `mapstructure:"cacheEntryCap" json:"cacheEntryCap" validate:"min=0"`
	CacheTTL       time.Duration `mapstructure:"cacheTTL" json:"cacheTTL"`

	MaxConcurrentReads  int           `mapstructure:"maxConcurrentReads" json:"maxConcurrentReads" validate:"min=1"`
	MaxFileSize         int64         `mapstructure:"maxFileSize" json:"maxFileSize" validate:"min=1"`
	SyncReadThreshold   int64         `mapstructure:"syncReadThreshold" json:"syncReadThreshold" validate:"min=0"`
	StreamingThreshold  int64         `mapstructure:"streamingThreshold" json:"streamingThreshold" validate:"min=0"`
	StreamChunkSize     int           `mapstructure:"streamChunkSize" json:"streamChunkSize" validate:"min=1"`
	StreamChunkTimeout  time.Duration `mapstructure:"streamChunkTimeout" json:"streamChunkTimeout"`
	StreamRetryCount    int           `mapstructure:"streamRetryCount" json:"streamRetryCount" validate:"min=0"`
}

// DefaultStaticConfig matches spec.md §4.5/§4.6's documented defaults:
// 100MiB max file size, 1MiB streaming threshold, 64KiB chunks, 30s
// chunk watchdog, 4KiB sync-read cutoff.
func DefaultStaticConfig(root string) *StaticConfig {
	return &StaticConfig{
		Root:                root,
		IndexFile:           "index.html",
		ETagEnabled:         true,
		LastModifiedEnabled: true,
		CacheControl:        "public, max-age=3600",
		CacheByteCap:        64 << 20,
		CacheEntryCap:       4096,
		CacheTTL:            5 * time.Minute,
		MaxConcurrentReads:  64,
		MaxFileSize:         100 << 20,
		SyncReadThreshold:   4 << 10,
		StreamingThreshold:  1 << 20,
		StreamChunkSize:     64 << 10,
		StreamChunkTimeout:  30 * time.Second,
		StreamRetryCount:    3,
	}
}

// Validate checks the static file configuration.
func (c *StaticConfig) Validate() error {
	if c.Root == "" {
		return api.New(api.CodeInvalidConfig, "static: root is required")
	}
	if c.IndexFile == "" {
		return api.New(api.CodeInvalidConfig, "static: indexFile must not be empty")
	}
	if c.StreamingThreshold != 0 && c.SyncReadThreshold != 0 && c.SyncReadThreshold > c.StreamingThreshold {
		return api.New(api.CodeInvalidConfig, "static: syncReadThreshold exceeds streamingThreshold")
	}
	return nil
}
