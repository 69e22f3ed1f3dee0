package testutil

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/demuxd/internal/source"
)

func TestMediaGeneratorWithSeed(t *testing.T) {
	a := NewMediaGeneratorWithSeed(42)
	b := NewMediaGeneratorWithSeed(42)
	assert.Equal(t, a.Payload(64), b.Payload(64))
	assert.NotContains(t, string(a.Payload(4096)), "\xff")
}

func TestADTSFrame(t *testing.T) {
	g := NewMediaGeneratorWithSeed(1)
	f := g.ADTSFrame(44100, 2, 100)
	require.Len(t, f, 107)
	assert.Equal(t, byte(0xFF), f[0])
	assert.Equal(t, byte(0xF1), f[1])
	length := int(f[3]&0x03)<<11 | int(f[4])<<3 | int(f[5]>>5)
	assert.Equal(t, 107, length)
	assert.Equal(t, byte(4), (f[2]>>2)&0x0F)
}

func TestMP3Frame(t *testing.T) {
	g := NewMediaGeneratorWithSeed(1)
	assert.Equal(t, 384, MP3FrameLen(128, 48000))
	f := g.MP3Frame(128, 48000, false)
	require.Len(t, f, 384)
	assert.Equal(t, []byte{0xFF, 0xFB, 0x94, 0x00}, f[:4])
	assert.Len(t, g.MP3Stream(3, 128, 48000, true), 3*384)
}

func TestID3Tag(t *testing.T) {
	tag := ID3Tag(map[string]string{"TIT2": "Song", "TPE1": "Band"})
	require.True(t, len(tag) > 10)
	assert.Equal(t, "ID3", string(tag[:3]))
	size := int(tag[6])<<21 | int(tag[7])<<14 | int(tag[8])<<7 | int(tag[9])
	assert.Equal(t, len(tag)-10, size)
	// frames are sorted by id
	assert.Equal(t, "TIT2", string(tag[10:14]))
}

func TestTSStream(t *testing.T) {
	g := NewMediaGeneratorWithSeed(7)
	data, err := g.TSStream(DefaultAVOptions())
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Zero(t, len(data)%188)
	assert.Equal(t, byte(0x47), data[0])
}

func TestFMP4Stream(t *testing.T) {
	g := NewMediaGeneratorWithSeed(7)
	opts := DefaultAVOptions()
	opts.Duration = time.Second
	data, err := g.FMP4Stream(opts)
	require.NoError(t, err)
	assert.Equal(t, "ftyp", string(data[4:8]))
	assert.Contains(t, string(data), "moof")
	assert.Contains(t, string(data), "mdat")
}

func TestMemorySource_Streaming(t *testing.T) {
	src := NewStreamingSource(source.Unknown)
	assert.True(t, src.Remote())
	assert.False(t, src.Seekable())

	buf := make([]byte, 4)
	_, err := src.ReadAt(buf, 0)
	assert.ErrorIs(t, err, source.ErrNotReady)

	ready := src.Ready()
	src.Append([]byte("abcdef"))
	select {
	case <-ready:
	default:
		t.Fatal("ready channel not closed by Append")
	}

	n, err := src.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(buf[:n]))
	assert.Equal(t, int64(4), src.Available(2))

	_, err = src.ReadAt(buf, 4)
	assert.ErrorIs(t, err, source.ErrNotReady)

	src.Finish(nil)
	assert.Equal(t, int64(6), src.Size())
	n, err = src.ReadAt(buf, 4)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(6), src.Levels().Consumed)
}

func TestMemorySource_Close(t *testing.T) {
	src := NewMemorySource([]byte("data"))
	require.NoError(t, src.Close())
	_, err := src.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, source.ErrClosed)
	require.NoError(t, src.Close())
}
