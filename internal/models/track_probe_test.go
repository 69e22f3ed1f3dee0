package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackProbe_Validate(t *testing.T) {
	tests := []struct {
		name  string
		probe TrackProbe
		err   error
	}{
		{"valid", TrackProbe{URI: "file:///a.mp3", Core: "mpeg-audio"}, nil},
		{"missing uri", TrackProbe{Core: "mpeg-audio"}, ErrURIRequired},
		{"missing core", TrackProbe{URI: "file:///a.mp3"}, ErrCoreRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.probe.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestTrackProbe_BeforeCreate(t *testing.T) {
	p := &TrackProbe{URI: "file:///a.mp3", Core: "mpeg-audio"}
	require.NoError(t, p.BeforeCreate(nil))
	assert.False(t, p.ID.IsZero())
	assert.False(t, p.ProbedAt.IsZero())

	assert.ErrorIs(t, (&TrackProbe{}).BeforeCreate(nil), ErrURIRequired)
}

func TestTrackProbe_Codecs(t *testing.T) {
	p := &TrackProbe{}
	assert.Nil(t, p.CodecList())

	p.SetCodecs([]string{"h264", "aac"})
	assert.Equal(t, "h264,aac", p.Codecs)
	assert.Equal(t, []string{"h264", "aac"}, p.CodecList())
}

func TestTrackProbe_Stale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &TrackProbe{ProbedAt: now.Add(-2 * time.Hour), DurationMs: 1500}

	assert.False(t, p.Stale(0, now))
	assert.False(t, p.Stale(3*time.Hour, now))
	assert.True(t, p.Stale(time.Hour, now))
	assert.Equal(t, 1500*time.Millisecond, p.Duration())
}

func TestBookmark_Validate(t *testing.T) {
	assert.NoError(t, (&Bookmark{URI: "file:///a.mp3", PositionMs: 10}).Validate())
	assert.ErrorIs(t, (&Bookmark{PositionMs: 10}).Validate(), ErrURIRequired)
	assert.ErrorIs(t, (&Bookmark{URI: "x", PositionMs: -1}).Validate(), ErrNegativePosition)

	b := &Bookmark{URI: "x", PositionMs: 2500}
	assert.Equal(t, 2500*time.Millisecond, b.Position())
}
