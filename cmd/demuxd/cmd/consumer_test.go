package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/parser"
	"github.com/jmylchreest/demuxd/internal/storage"
)

func testStreams() []demux.StreamInfo {
	return []demux.StreamInfo{
		{Index: 0, Type: demux.MediaAudio, Codec: "aac", SampleRate: 48000, Channels: 2},
		{Index: 1, Type: demux.MediaVideo, Codec: "h264", Width: 1920, Height: 1080},
	}
}

func payload(stream int, pts time.Duration, data string, key bool) parser.Delivery {
	unit := demux.WorkUnit{Stream: stream, PTS: pts, Size: len(data)}
	if key {
		unit.Flags = demux.FlagKeyframe
	}
	return parser.Delivery{Stream: stream, Kind: parser.DeliveryPayload, Unit: unit, Payload: []byte(data)}
}

func eos(stream int) parser.Delivery {
	return parser.Delivery{Stream: stream, Kind: parser.DeliveryEndOfStream}
}

func TestConsumer_TalliesAndReleases(t *testing.T) {
	c := newConsumer(16, nil)
	var released int
	require.NoError(t, c.prepare(testStreams(), func(parser.Delivery) { released++ }))

	c.Transfer(payload(0, 10*time.Millisecond, "abc", true))
	c.Transfer(payload(0, 30*time.Millisecond, "de", false))
	c.Transfer(payload(1, 0, "frame", true))
	c.Transfer(eos(0))
	c.Transfer(eos(1))

	require.NoError(t, c.run(context.Background()))
	assert.True(t, c.allEnded())
	assert.Equal(t, 3, released, "end of stream carries no buffer")

	tallies := c.tallies()
	require.Len(t, tallies, 2)
	assert.Equal(t, uint64(2), tallies[0].Units)
	assert.Equal(t, uint64(5), tallies[0].Bytes)
	assert.Equal(t, uint64(1), tallies[0].Keyframes)
	assert.Equal(t, 10*time.Millisecond, tallies[0].FirstPTS)
	assert.Equal(t, 30*time.Millisecond, tallies[0].LastPTS)
	assert.Equal(t, "audio", tallies[0].Type)
	assert.True(t, tallies[1].Ended)
}

func TestConsumer_RunStopsOnContext(t *testing.T) {
	c := newConsumer(4, nil)
	require.NoError(t, c.prepare(testStreams(), func(parser.Delivery) {}))
	c.Transfer(eos(0))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, c.run(ctx))
	assert.False(t, c.allEnded())
}

func TestConsumer_UnknownStreamIsReleased(t *testing.T) {
	c := newConsumer(4, nil)
	var released int
	require.NoError(t, c.prepare(testStreams(), func(parser.Delivery) { released++ }))

	done, err := c.handle(payload(7, 0, "x", false))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, released)
}

func TestConsumer_Drain(t *testing.T) {
	c := newConsumer(4, nil)
	var released int
	require.NoError(t, c.prepare(testStreams(), func(parser.Delivery) { released++ }))
	c.Transfer(payload(0, 0, "a", false))
	c.Transfer(payload(1, 0, "b", false))
	c.Transfer(eos(0))

	c.drain()
	assert.Equal(t, 2, released)
	assert.Zero(t, c.tallies()[0].Units, "drained units are not counted")
}

func TestConsumer_Dump(t *testing.T) {
	dir := t.TempDir()
	dump, err := storage.NewSandbox(dir)
	require.NoError(t, err)
	c := newConsumer(8, dump)
	require.NoError(t, c.prepare(testStreams(), func(parser.Delivery) {}))

	c.Transfer(payload(0, 0, "one", true))
	c.Transfer(payload(0, time.Millisecond, "two", false))
	c.Transfer(eos(0))
	c.Transfer(eos(1))
	require.NoError(t, c.run(context.Background()))
	c.close()

	got, err := os.ReadFile(filepath.Join(dir, "stream-0.aac"))
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(got))

	_, err = os.Stat(filepath.Join(dir, "stream-1.h264"))
	assert.NoError(t, err)
}

func TestPrintSessionInfo(t *testing.T) {
	var buf bytes.Buffer
	info := parser.SessionInfo{
		URI:         "file:///music/track.m4a",
		Core:        "mp4",
		ProbeMethod: "extension",
		Streams:     testStreams(),
		Duration:    3*time.Minute + 5*time.Second,
		Bitrate:     256000,
	}
	require.NoError(t, printSessionInfo(&buf, info))

	out := buf.String()
	assert.Contains(t, out, "file:///music/track.m4a")
	assert.Contains(t, out, "mp4 (extension)")
	assert.Contains(t, out, "3:05.000")
	assert.Contains(t, out, "48000 Hz, 2 ch")
	assert.Contains(t, out, "1920x1080")
}
