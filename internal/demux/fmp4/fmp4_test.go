package fmp4

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/source"
	"github.com/jmylchreest/demuxd/internal/testutil"
)

func fixture(t *testing.T) []byte {
	t.Helper()
	data, err := testutil.NewMediaGeneratorWithSeed(21).FMP4Stream(testutil.DefaultAVOptions())
	require.NoError(t, err)
	return data
}

func openCore(t *testing.T, cfg demux.CoreConfig, src source.Source) *Core {
	t.Helper()
	core := New(cfg)
	require.NoError(t, core.Open(context.Background(), src))
	t.Cleanup(func() { core.Close() })
	return core
}

func drain(t *testing.T, core demux.Core, stream int) ([]demux.WorkUnit, [][]byte) {
	t.Helper()
	var units []demux.WorkUnit
	var payloads [][]byte
	buf := &demux.Buffer{Data: make([]byte, videoBufferSize)}
	for {
		wu, err := core.NextWorkUnit(stream, buf)
		if demux.IsEndOfStream(err) {
			return units, payloads
		}
		require.NoError(t, err)
		units = append(units, wu)
		payloads = append(payloads, append([]byte(nil), buf.Data[:wu.Size]...))
	}
}

func TestSniff(t *testing.T) {
	data := fixture(t)
	assert.True(t, Sniff(data[:64]))
	assert.True(t, Sniff([]byte{0, 0, 0, 16, 's', 't', 'y', 'p', 'm', 's', 'd', 'h', 0, 0, 0, 0}))
	assert.False(t, Sniff([]byte{0x47, 0x40, 0x00, 0x10, 0, 0, 0, 0}))
	assert.False(t, Sniff([]byte("ID3")))
}

func TestCore_Open(t *testing.T) {
	core := openCore(t, demux.CoreConfig{}, testutil.NewMemorySource(fixture(t)))

	require.Equal(t, 2, core.StreamCount())
	infos := core.StreamInfo()
	assert.Equal(t, "h264", infos[0].Codec)
	assert.Equal(t, 1920, infos[0].Width)
	assert.Equal(t, 1080, infos[0].Height)
	assert.Equal(t, "aac", infos[1].Codec)
	assert.Equal(t, 48000, infos[1].SampleRate)
	assert.Equal(t, 2, infos[1].Channels)
	assert.Equal(t, 2*time.Second, infos[0].Duration)

	assert.Len(t, core.index, 2)
	assert.Equal(t, time.Second, core.index[1].time)

	meta, err := core.Attribute(demux.AttrMetadata)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.(map[string]string)["major_brand"])
	container, _ := core.Attribute(demux.AttrContainer)
	assert.Equal(t, "fmp4", container)
	assert.Zero(t, core.MaxOffsets())
}

func TestCore_ReadStreams(t *testing.T) {
	core := openCore(t, demux.CoreConfig{}, testutil.NewMemorySource(fixture(t)))

	video, payloads := drain(t, core, 0)
	require.Len(t, video, 50)
	for i, wu := range video {
		assert.Equal(t, time.Duration(i)*40*time.Millisecond, wu.PTS, "frame %d", i)
		assert.Equal(t, 40*time.Millisecond, wu.Duration)
		assert.Equal(t, i%25 == 0, wu.Keyframe(), "frame %d", i)
		if wu.Keyframe() {
			assert.True(t, bytes.HasPrefix(payloads[i], append([]byte{0, 0, 0, 1}, testutil.H264SPS...)))
		} else {
			assert.True(t, bytes.HasPrefix(payloads[i], []byte{0, 0, 0, 1, 0x41}))
		}
	}

	audio, _ := drain(t, core, 1)
	require.Len(t, audio, 93)
	assert.Equal(t, time.Duration(0), audio[0].PTS)
	assert.Equal(t, 1024*time.Second/48000, audio[1].PTS)
	assert.Equal(t, audio[92].PTS, core.Position())
}

func TestCore_SetPosition(t *testing.T) {
	core := openCore(t, demux.CoreConfig{}, testutil.NewMemorySource(fixture(t)))

	tests := []struct {
		name string
		req  time.Duration
		want time.Duration
	}{
		{"inside second fragment", 1500 * time.Millisecond, time.Second},
		{"fragment boundary", time.Second, time.Second},
		{"inside first fragment", 500 * time.Millisecond, 0},
		{"beyond duration", time.Hour, time.Second},
		{"negative", -time.Second, 0},
	}
	buf := &demux.Buffer{Data: make([]byte, videoBufferSize)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := tt.req
			require.NoError(t, core.SetPosition(&pos))
			assert.Equal(t, tt.want, pos)
			wu, err := core.NextWorkUnit(0, buf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, wu.PTS)
			assert.True(t, wu.Keyframe())
		})
	}
}

func TestCore_Streaming(t *testing.T) {
	data := fixture(t)
	src := testutil.NewStreamingSource(source.Unknown)

	// init segment plus the first half of the first fragment
	moof := bytes.Index(data, []byte("moof")) - 4
	require.Positive(t, moof)
	src.Append(data[:moof+200])
	core := openCore(t, demux.CoreConfig{}, src)

	buf := &demux.Buffer{Data: make([]byte, videoBufferSize)}
	_, err := core.NextWorkUnit(0, buf)
	assert.ErrorIs(t, err, demux.ErrSourceNotReady)

	pos := time.Second
	assert.ErrorIs(t, core.SetPosition(&pos), demux.ErrNotSupported)

	src.Append(data[moof+200:])
	src.Finish(nil)
	video, _ := drain(t, core, 0)
	assert.Len(t, video, 50)
}

func TestCore_PendingLimit(t *testing.T) {
	core := openCore(t, demux.CoreConfig{MaxPendingBytes: 1}, testutil.NewMemorySource(fixture(t)))

	buf := &demux.Buffer{Data: make([]byte, videoBufferSize)}
	for range 25 {
		_, err := core.NextWorkUnit(0, buf)
		require.NoError(t, err)
	}
	_, err := core.NextWorkUnit(0, buf)
	assert.ErrorIs(t, err, demux.ErrOutOfMemory)

	_, err = core.NextWorkUnit(1, buf)
	assert.NoError(t, err)
}

func TestCore_NotFragmented(t *testing.T) {
	data := []byte{
		0, 0, 0, 16, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0, 0, 2, 0,
		0, 0, 0, 12, 'm', 'd', 'a', 't', 1, 2, 3, 4,
	}
	core := New(demux.CoreConfig{})
	err := core.Open(context.Background(), testutil.NewMemorySource(data))
	assert.ErrorIs(t, err, demux.ErrUnsupportedFormat)
}

func TestCore_Garbage(t *testing.T) {
	core := New(demux.CoreConfig{})
	err := core.Open(context.Background(), testutil.NewMemorySource([]byte("definitely not an mp4 file")))
	assert.ErrorIs(t, err, demux.ErrCorruptStream)
}
