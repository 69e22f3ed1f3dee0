// Package mp3 provides the demuxer plugin for MPEG-1/2 audio elementary
// streams, including ID3v2 tagged files.
package mp3

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg1audio"

	"github.com/jmylchreest/demuxd/internal/codec"
	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/demux/framed"
)

const (
	headerSize   = 4
	maxFrameSize = 2881
)

// Format parses MPEG audio frame headers.
type Format struct{}

func (Format) Name() string      { return "mp3" }
func (Format) HeaderSize() int   { return headerSize }
func (Format) MaxFrameSize() int { return maxFrameSize }

func (Format) ParseHeader(b []byte) (framed.Frame, error) {
	if len(b) < headerSize {
		return framed.Frame{}, fmt.Errorf("mp3: short header")
	}
	var h mpeg1audio.FrameHeader
	if err := h.Unmarshal(b[:headerSize]); err != nil {
		return framed.Frame{}, fmt.Errorf("mp3: %w", err)
	}
	length := h.FrameLen()
	if length <= headerSize {
		return framed.Frame{}, fmt.Errorf("mp3: invalid frame length %d", length)
	}
	channels := 2
	if h.ChannelMode == mpeg1audio.ChannelModeMono {
		channels = 1
	}
	return framed.Frame{
		Length:     length,
		Samples:    h.SampleCount(),
		SampleRate: h.SampleRate,
		Channels:   channels,
		Bitrate:    h.Bitrate,
	}, nil
}

func (Format) StreamInfo(_ []byte, f framed.Frame) demux.StreamInfo {
	return demux.StreamInfo{
		Type:       demux.MediaAudio,
		Codec:      codec.MP3,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
}

// Sniff accepts an ID3v2 tag or two consecutive MPEG audio frames.
func Sniff(head []byte) bool {
	if len(head) >= 3 && string(head[:3]) == "ID3" {
		return true
	}
	var fmtr Format
	f, err := fmtr.ParseHeader(head)
	if err != nil {
		return false
	}
	if f.Length+headerSize > len(head) {
		return f.Length == len(head)
	}
	_, err = fmtr.ParseHeader(head[f.Length:])
	return err == nil
}

// Plugin returns the registry entry for MPEG audio.
func Plugin() demux.Plugin {
	return demux.Plugin{
		Name:         "mp3",
		ContentTypes: []string{"audio/mpeg", "audio/mp3", "audio/x-mpeg", "audio/mpeg3"},
		Extensions:   []string{".mp3", ".mp2", ".mpga"},
		Sniff:        Sniff,
		New: func(cfg demux.CoreConfig) demux.Core {
			return framed.New(Format{}, cfg)
		},
	}
}
