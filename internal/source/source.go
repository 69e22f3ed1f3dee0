// Package source provides the byte sources ("content pipes") that demuxer
// cores read from: local files, progressive HTTP downloads and HLS media
// playlists collapsed into a single byte stream.
package source

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/demuxd/internal/config"
	"github.com/jmylchreest/demuxd/internal/version"
	"github.com/jmylchreest/demuxd/pkg/httpclient"
)

var (
	// ErrNotReady is returned when the requested range has not been downloaded yet.
	ErrNotReady = errors.New("source: data not yet available")
	// ErrNotSeekable is returned for offsets outside the retained window of a
	// source that cannot restart at an arbitrary offset.
	ErrNotSeekable = errors.New("source: offset outside retained window")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("source: closed")
)

// Resizer is implemented by sources that retain a bounded window of the
// stream. Sessions size the window to their cache ceiling.
type Resizer interface {
	// SetCacheSize resizes the retained window and returns how many bytes
	// can be buffered ahead of the reader.
	SetCacheSize(bytes int64) int64
}

// Unknown is the size reported while the total length is not known.
const Unknown int64 = -1

// Levels is a snapshot of the source fill state, in absolute byte offsets.
type Levels struct {
	// First is the lowest offset still retained.
	First int64
	// Produced is one past the last downloaded byte.
	Produced int64
	// Consumed is one past the furthest byte handed to a reader.
	Consumed int64
	// End is the total size, or Unknown.
	End int64
}

// Source is a random-access byte source that may still be filling.
type Source interface {
	io.ReaderAt

	// Available returns the number of contiguous bytes readable at off
	// without blocking.
	Available(off int64) int64
	// Size returns the total size or Unknown.
	Size() int64
	// Levels returns the current fill levels.
	Levels() Levels
	// Ready returns a channel that is closed the next time new data arrives
	// or the download finishes. Callers must re-fetch it after each wakeup.
	Ready() <-chan struct{}
	// Done reports whether no further data will arrive.
	Done() bool

	// Remote reports whether data arrives over the network.
	Remote() bool
	// Prefetchable reports whether a not-ready range will eventually become
	// available without caller action.
	Prefetchable() bool
	// Seekable reports whether arbitrary offsets can be read.
	Seekable() bool

	URI() string
	// ContentType returns the declared MIME type, if any.
	ContentType() string
	Close() error
}

// Config configures the remote sources.
type Config struct {
	HTTP            httpclient.Config
	WindowSize      int
	ReadChunk       int
	HLSPollInterval time.Duration
	Logger          *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	http := httpclient.DefaultConfig()
	http.UserAgent = version.UserAgent()
	return Config{
		HTTP:            http,
		WindowSize:      16 * 1024 * 1024,
		ReadChunk:       64 * 1024,
		HLSPollInterval: 2 * time.Second,
		Logger:          slog.Default(),
	}
}

// ConfigFromApp maps the application configuration onto a source Config.
func ConfigFromApp(cfg config.SourceConfig, logger *slog.Logger) Config {
	c := DefaultConfig()
	c.HTTP.Timeout = cfg.Timeout
	c.HTTP.RetryAttempts = cfg.RetryAttempts
	c.HTTP.RetryDelay = cfg.RetryDelay
	c.HTTP.CircuitThreshold = cfg.CircuitBreakerThreshold
	c.HTTP.CircuitTimeout = cfg.CircuitBreakerTimeout
	if cfg.UserAgent != "" {
		c.HTTP.UserAgent = cfg.UserAgent
	}
	c.HTTP.Logger = logger
	c.WindowSize = int(cfg.WindowSize.Bytes())
	c.ReadChunk = int(cfg.ReadChunk.Bytes())
	c.HLSPollInterval = cfg.HLSPollInterval
	c.Logger = logger
	return c
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.ReadChunk <= 0 || c.ReadChunk > c.WindowSize {
		c.ReadChunk = min(d.ReadChunk, c.WindowSize)
	}
	if c.HLSPollInterval <= 0 {
		c.HLSPollInterval = d.HLSPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTP.Logger == nil {
		c.HTTP.Logger = c.Logger
	}
}
