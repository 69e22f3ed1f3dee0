package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/demuxd/internal/parser"
)

func newTestProbeCache(t *testing.T, ttl time.Duration) (*ProbeCache, TrackProbeRepository) {
	t.Helper()
	db := setupTestDB(t)
	probes := NewTrackProbeRepository(db)
	return NewProbeCache(probes, NewBookmarkRepository(db), ttl, nil), probes
}

func TestProbeCache_StoreAndLookup(t *testing.T) {
	cache, probes := newTestProbeCache(t, time.Hour)
	ctx := context.Background()

	_, ok := cache.LookupCore(ctx, "file:///a.aac")
	assert.False(t, ok)

	require.NoError(t, cache.StoreProbe(ctx, parser.ProbeRecord{
		URI:      "file:///a.aac",
		Core:     "adts",
		Streams:  1,
		Codecs:   []string{"aac"},
		Bitrate:  96000,
		Duration: 3 * time.Minute,
	}))

	core, ok := cache.LookupCore(ctx, "file:///a.aac")
	require.True(t, ok)
	assert.Equal(t, "adts", core)

	stored, err := probes.GetByURI(ctx, "file:///a.aac")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.HitCount)
	assert.Equal(t, 3*time.Minute, stored.Duration())
}

func TestProbeCache_StaleProbeIgnored(t *testing.T) {
	cache, _ := newTestProbeCache(t, time.Hour)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	cache.now = func() time.Time { return past }
	require.NoError(t, cache.StoreProbe(ctx, parser.ProbeRecord{URI: "a", Core: "adts"}))

	cache.now = time.Now
	_, ok := cache.LookupCore(ctx, "a")
	assert.False(t, ok)
}

func TestProbeCache_Bookmark(t *testing.T) {
	cache, _ := newTestProbeCache(t, 0)
	ctx := context.Background()

	_, ok, err := cache.Bookmark(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.StoreBookmark(ctx, "a", 90*time.Second))
	pos, ok, err := cache.Bookmark(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, pos)
}

func TestProbeCache_MemoServesRepeatLookups(t *testing.T) {
	cache, probes := newTestProbeCache(t, 0)
	ctx := context.Background()

	require.NoError(t, cache.StoreProbe(ctx, parser.ProbeRecord{URI: "a", Core: "ts"}))
	require.NoError(t, probes.DeleteByURI(ctx, "a"))

	core, ok := cache.LookupCore(ctx, "a")
	require.True(t, ok, "memoized choice survives the row")
	assert.Equal(t, "ts", core)

	require.NoError(t, cache.Forget(ctx, "a"))
	_, ok = cache.LookupCore(ctx, "a")
	assert.False(t, ok)
}
