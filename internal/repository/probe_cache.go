package repository

import (
	"context"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jmylchreest/demuxd/internal/models"
	"github.com/jmylchreest/demuxd/internal/observability"
	"github.com/jmylchreest/demuxd/internal/parser"
)

// memoTTL bounds how long a core choice is served from memory.
const memoTTL = 10 * time.Minute

// ProbeCache adapts the probe and bookmark repositories to the parser's
// cache interface. Core lookups are memoized in memory.
type ProbeCache struct {
	probes    TrackProbeRepository
	bookmarks BookmarkRepository
	ttl       time.Duration
	memo      *gocache.Cache
	logger    *slog.Logger
	now       func() time.Time
}

var _ parser.ProbeCache = (*ProbeCache)(nil)

// NewProbeCache creates a ProbeCache. Probes older than ttl are ignored; a
// zero ttl trusts them forever.
func NewProbeCache(probes TrackProbeRepository, bookmarks BookmarkRepository, ttl time.Duration, logger *slog.Logger) *ProbeCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeCache{
		probes:    probes,
		bookmarks: bookmarks,
		ttl:       ttl,
		memo:      gocache.New(memoTTLFor(ttl), 2*memoTTL),
		logger:    observability.WithComponent(logger, "probe_cache"),
		now:       time.Now,
	}
}

type memoEntry struct {
	core     string
	probedAt time.Time
}

func (e memoEntry) stale(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(e.probedAt) > ttl
}

func memoTTLFor(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < memoTTL {
		return ttl
	}
	return memoTTL
}

// LookupCore returns the core that last opened uri.
func (c *ProbeCache) LookupCore(ctx context.Context, uri string) (string, bool) {
	if v, ok := c.memo.Get(uri); ok {
		if e := v.(memoEntry); !e.stale(c.ttl, c.now()) {
			c.touch(ctx, uri)
			return e.core, true
		}
		c.memo.Delete(uri)
	}

	probe, err := c.probes.GetByURI(ctx, uri)
	if err != nil {
		c.logger.Warn("probe lookup failed", slog.String("uri", uri), slog.String("error", err.Error()))
		return "", false
	}
	if probe == nil || probe.Stale(c.ttl, c.now()) {
		return "", false
	}
	c.memo.SetDefault(uri, memoEntry{core: probe.Core, probedAt: probe.ProbedAt})
	c.touch(ctx, uri)
	return probe.Core, true
}

func (c *ProbeCache) touch(ctx context.Context, uri string) {
	if err := c.probes.Touch(ctx, uri); err != nil {
		c.logger.Debug("touching probe failed", slog.String("error", err.Error()))
	}
}

func (c *ProbeCache) StoreProbe(ctx context.Context, rec parser.ProbeRecord) error {
	probe := &models.TrackProbe{
		URI:        rec.URI,
		Core:       rec.Core,
		Streams:    rec.Streams,
		Bitrate:    rec.Bitrate,
		DurationMs: rec.Duration.Milliseconds(),
		ProbedAt:   c.now().UTC(),
	}
	probe.SetCodecs(rec.Codecs)
	if err := c.probes.Upsert(ctx, probe); err != nil {
		c.memo.Delete(rec.URI)
		return err
	}
	c.memo.SetDefault(rec.URI, memoEntry{core: rec.Core, probedAt: probe.ProbedAt})
	return nil
}

// Forget drops uri from the cache, for example after its core failed to
// open it.
func (c *ProbeCache) Forget(ctx context.Context, uri string) error {
	c.memo.Delete(uri)
	return c.probes.DeleteByURI(ctx, uri)
}

func (c *ProbeCache) StoreBookmark(ctx context.Context, uri string, pos time.Duration) error {
	return c.bookmarks.Upsert(ctx, &models.Bookmark{URI: uri, PositionMs: pos.Milliseconds()})
}

// Bookmark returns the stored position for uri.
func (c *ProbeCache) Bookmark(ctx context.Context, uri string) (time.Duration, bool, error) {
	b, err := c.bookmarks.GetByURI(ctx, uri)
	if err != nil || b == nil {
		return 0, false, err
	}
	return b.Position(), true, nil
}
