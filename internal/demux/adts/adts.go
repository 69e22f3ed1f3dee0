// Package adts provides the demuxer plugin for raw AAC streams in ADTS
// framing.
package adts

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/jmylchreest/demuxd/internal/codec"
	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/demux/framed"
)

const (
	headerSize   = 7
	maxFrameSize = 1<<13 - 1
)

var errNoSync = errors.New("adts: no syncword")

var sampleRates = [16]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

// Format parses ADTS headers.
type Format struct{}

func (Format) Name() string      { return "adts" }
func (Format) HeaderSize() int   { return headerSize }
func (Format) MaxFrameSize() int { return maxFrameSize }

// ParseHeader decodes the fixed and variable ADTS header fields.
func (Format) ParseHeader(b []byte) (framed.Frame, error) {
	if len(b) < headerSize {
		return framed.Frame{}, fmt.Errorf("adts: short header")
	}
	if b[0] != 0xFF || b[1]&0xF6 != 0xF0 {
		return framed.Frame{}, errNoSync
	}
	sr := sampleRates[(b[2]>>2)&0x0F]
	if sr == 0 {
		return framed.Frame{}, fmt.Errorf("adts: invalid sampling frequency index")
	}
	channels := int((b[2]&0x01)<<2 | b[3]>>6)
	length := int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5)
	hdrLen := headerSize
	if b[1]&0x01 == 0 {
		hdrLen += 2 // crc
	}
	if length <= hdrLen {
		return framed.Frame{}, fmt.Errorf("adts: invalid frame length %d", length)
	}
	blocks := int(b[6]&0x03) + 1
	return framed.Frame{
		Length:     length,
		Samples:    blocks * 1024,
		SampleRate: sr,
		Channels:   channels,
	}, nil
}

// StreamInfo builds the AudioSpecificConfig from the first header.
func (Format) StreamInfo(header []byte, f framed.Frame) demux.StreamInfo {
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectType((header[2]>>6)&0x03 + 1),
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
	}
	private, err := conf.Marshal()
	if err != nil {
		private = nil
	}
	return demux.StreamInfo{
		Type:         demux.MediaAudio,
		Codec:        codec.AAC,
		SampleRate:   f.SampleRate,
		Channels:     f.Channels,
		CodecPrivate: private,
	}
}

// Sniff reports whether head starts with two consecutive ADTS frames, or one
// frame that fills head exactly.
func Sniff(head []byte) bool {
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

// Plugin returns the registry entry for ADTS.
func Plugin() demux.Plugin {
	return demux.Plugin{
		Name:         "adts",
		ContentTypes: []string{"audio/aac", "audio/aacp", "audio/x-aac", "audio/vnd.dlna.adts"},
		Extensions:   []string{".aac", ".adts"},
		Sniff:        Sniff,
		New: func(cfg demux.CoreConfig) demux.Core {
			return framed.New(Format{}, cfg)
		},
	}
}
