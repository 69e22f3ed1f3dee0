package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/demuxd/internal/config"
	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/source"
)

func bufferingConfig() config.BufferingConfig {
	return config.Default().Buffering
}

func TestEstimateBitrate(t *testing.T) {
	tests := []struct {
		name    string
		bitrate int64
		streams []demux.StreamInfo
		want    int64
	}{
		{name: "known", bitrate: 256_000, want: 256_000},
		{
			name: "stream bitrates",
			streams: []demux.StreamInfo{
				{Type: demux.MediaAudio, Bitrate: 128_000},
				{Type: demux.MediaAudio, Bitrate: 64_000},
			},
			want: 192_000,
		},
		{
			name: "video dimensions",
			streams: []demux.StreamInfo{
				{Type: demux.MediaVideo, Width: 640, Height: 360, FrameDuration: 40 * time.Millisecond},
			},
			want: 576_000,
		},
		{
			name: "video without frame rate",
			streams: []demux.StreamInfo{
				{Type: demux.MediaVideo, Width: 100, Height: 100},
			},
			want: 25_000,
		},
		{name: "fallback", streams: []demux.StreamInfo{{Type: demux.MediaAudio}}, want: 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, estimateBitrate(tt.bitrate, tt.streams, 128_000))
		})
	}
}

func TestComputeWatermarks(t *testing.T) {
	cfg := bufferingConfig()

	w := computeWatermarks(cfg, 512_000, 32<<20)
	assert.Equal(t, Watermarks{High: 640_000, Low: 128_000, Start: 320_000}, w)

	capped := computeWatermarks(cfg, 512_000, 200_000)
	assert.Equal(t, Watermarks{High: 200_000, Low: 128_000, Start: 200_000}, capped)

	assert.Equal(t, Watermarks{High: 100, Low: 100, Start: 100}, w.clamp(100))
	assert.Equal(t, w, w.clamp(source.Unknown))
}

func levels(produced, consumed, end int64) source.Levels {
	return source.Levels{Produced: produced, Consumed: consumed, End: end}
}

func TestCalculator_BufferingSequence(t *testing.T) {
	cfg := bufferingConfig()
	marks := computeWatermarks(cfg, 512_000, 32<<20)
	calc := newCalculator(cfg, marks, source.Unknown)

	steps := []struct {
		name       string
		sample     sample
		paused     bool
		transition bool
		percent    int
	}{
		{
			name:    "initial fill below start",
			sample:  sample{levels: levels(100_000, 0, source.Unknown), starved: true},
			paused:  true,
			percent: 15,
		},
		{
			name:       "start watermark reached",
			sample:     sample{levels: levels(320_000, 0, source.Unknown), starved: true},
			transition: true,
			percent:    50,
		},
		{
			name:    "above low watermark",
			sample:  sample{levels: levels(400_000, 200_000, 10_000_000), starved: true},
			percent: 4,
		},
		{
			name:       "drained below low while starved",
			sample:     sample{levels: levels(400_000, 350_000, 10_000_000), starved: true},
			paused:     true,
			transition: true,
			percent:    4,
		},
		{
			name:    "refilling",
			sample:  sample{levels: levels(500_000, 360_000, 10_000_000), starved: true},
			paused:  true,
			percent: 5,
		},
		{
			name:       "start watermark reached again",
			sample:     sample{levels: levels(700_000, 360_000, 10_000_000), starved: true},
			transition: true,
			percent:    7,
		},
	}
	for _, st := range steps {
		d := calc.tick(st.sample)
		assert.Equal(t, st.paused, d.paused, st.name)
		assert.Equal(t, st.transition, d.transition, st.name)
		assert.Equal(t, st.percent, d.percent, st.name)
	}
}

func TestCalculator_NotStarvedKeepsPlaying(t *testing.T) {
	cfg := bufferingConfig()
	calc := newCalculator(cfg, Watermarks{High: 1000, Low: 200, Start: 500}, source.Unknown)

	d := calc.tick(sample{levels: levels(600, 0, source.Unknown)})
	require.False(t, d.paused)

	d = calc.tick(sample{levels: levels(600, 500, source.Unknown), fed: true})
	assert.False(t, d.paused, "downstream still has data")
}

func TestCalculator_EndOfFileRelaxesThresholds(t *testing.T) {
	cfg := bufferingConfig()
	base := Watermarks{High: 640_000, Low: 128_000, Start: 320_000}
	calc := newCalculator(cfg, base, source.Unknown)

	calc.tick(sample{levels: levels(400_000, 0, 10_000_000)})

	d := calc.tick(sample{levels: levels(9_950_000, 9_890_000, 10_000_000), starved: true})
	assert.False(t, d.paused, "avail above the relaxed low mark")
	assert.Equal(t, Watermarks{High: 50_000, Low: 50_000, Start: 50_000}, calc.watermarks())

	d = calc.tick(sample{levels: levels(10_000_000, 9_990_000, 10_000_000), starved: true})
	assert.False(t, d.paused, "download complete never pauses")
	assert.Equal(t, 100, d.percent)
}

func TestCalculator_RelaxationRestoredAfterSeek(t *testing.T) {
	cfg := bufferingConfig()
	base := Watermarks{High: 640_000, Low: 128_000, Start: 320_000}
	calc := newCalculator(cfg, base, source.Unknown)
	calc.tick(sample{levels: levels(400_000, 0, 10_000_000)})

	calc.tick(sample{levels: levels(9_950_000, 9_900_000, 10_000_000)})
	require.True(t, calc.relaxed)

	calc.tick(sample{levels: levels(1_000_000, 500_000, 10_000_000)})
	assert.False(t, calc.relaxed)
	assert.Equal(t, base, calc.watermarks())
}

func TestCalculator_StuckSourceForcesResume(t *testing.T) {
	cfg := bufferingConfig()
	cfg.StuckTicks = 3
	calc := newCalculator(cfg, Watermarks{High: 1000, Low: 200, Start: 500}, source.Unknown)

	calc.tick(sample{levels: levels(600, 0, source.Unknown)})
	d := calc.tick(sample{levels: levels(650, 550, source.Unknown), starved: true})
	require.True(t, d.paused)

	for range 2 {
		d = calc.tick(sample{levels: levels(650, 550, source.Unknown), starved: true})
		require.True(t, d.paused)
	}
	d = calc.tick(sample{levels: levels(650, 550, source.Unknown), starved: true})
	assert.False(t, d.paused)
	assert.True(t, d.transition)
	assert.True(t, d.forced)
	assert.Equal(t, 100, d.percent)
}

func TestCalculator_InitialWaitTimesOut(t *testing.T) {
	cfg := bufferingConfig()
	cfg.InitialWaitTicks = 2
	calc := newCalculator(cfg, Watermarks{High: 1000, Low: 200, Start: 500}, source.Unknown)

	d := calc.tick(sample{levels: levels(10, 0, source.Unknown)})
	require.True(t, d.paused)
	d = calc.tick(sample{levels: levels(20, 0, source.Unknown)})
	assert.False(t, d.paused)
	assert.True(t, d.transition)
}

func TestCalculator_Override(t *testing.T) {
	calc := newCalculator(bufferingConfig(), Watermarks{High: 1000, Low: 200, Start: 500}, source.Unknown)
	w := Watermarks{High: 50, Low: 10, Start: 20}
	calc.override(w)
	assert.Equal(t, w, calc.watermarks())

	d := calc.tick(sample{levels: levels(30, 0, source.Unknown)})
	assert.False(t, d.paused)
}
