// Package testutil provides test utilities including media fixture
// generation and an in-memory byte source.
package testutil

import (
	"bytes"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// H.264 parameter sets for a 1920x1080 baseline stream.
var (
	H264SPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	H264PPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

var adtsRates = map[int]byte{
	96000: 0, 88200: 1, 64000: 2, 48000: 3, 44100: 4, 32000: 5,
	24000: 6, 22050: 7, 16000: 8, 12000: 9, 11025: 10, 8000: 11,
}

var mp3Bitrates = map[int]byte{
	32: 1, 40: 2, 48: 3, 56: 4, 64: 5, 80: 6, 96: 7, 112: 8,
	128: 9, 160: 10, 192: 11, 224: 12, 256: 13, 320: 14,
}

var mp3Rates = map[int]byte{44100: 0, 48000: 1, 32000: 2}

// MediaGenerator produces deterministic media fixtures.
type MediaGenerator struct {
	rng *rand.Rand
}

// NewMediaGenerator creates a generator with a time-based seed.
func NewMediaGenerator() *MediaGenerator {
	return NewMediaGeneratorWithSeed(time.Now().UnixNano())
}

// NewMediaGeneratorWithSeed creates a generator with a fixed seed for
// reproducible fixtures.
func NewMediaGeneratorWithSeed(seed int64) *MediaGenerator {
	return &MediaGenerator{rng: rand.New(rand.NewSource(seed))}
}

// Payload returns n pseudo-random bytes that never contain 0xFF, so they
// cannot be mistaken for a frame sync word.
func (g *MediaGenerator) Payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(g.rng.Intn(0xFF))
	}
	return p
}

// ADTSFrame returns one AAC-LC frame in ADTS framing without CRC.
func (g *MediaGenerator) ADTSFrame(sampleRate, channels, payloadLen int) []byte {
	idx, ok := adtsRates[sampleRate]
	if !ok {
		panic(fmt.Sprintf("testutil: unsupported adts sample rate %d", sampleRate))
	}
	length := 7 + payloadLen
	hdr := []byte{
		0xFF,
		0xF1,
		1<<6 | idx<<2 | byte(channels>>2)&0x01,
		byte(channels&0x03)<<6 | byte(length>>11)&0x03,
		byte(length >> 3),
		byte(length&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(hdr, g.Payload(payloadLen)...)
}

// ADTSStream concatenates count ADTS frames.
func (g *MediaGenerator) ADTSStream(count, sampleRate, channels, payloadLen int) []byte {
	var buf bytes.Buffer
	for range count {
		buf.Write(g.ADTSFrame(sampleRate, channels, payloadLen))
	}
	return buf.Bytes()
}

// MP3FrameLen is the size of an unpadded MPEG-1 Layer III frame.
func MP3FrameLen(kbps, sampleRate int) int {
	return 144 * kbps * 1000 / sampleRate
}

// MP3Frame returns one MPEG-1 Layer III frame.
func (g *MediaGenerator) MP3Frame(kbps, sampleRate int, mono bool) []byte {
	bi, ok := mp3Bitrates[kbps]
	if !ok {
		panic(fmt.Sprintf("testutil: unsupported mp3 bitrate %d", kbps))
	}
	ri, ok := mp3Rates[sampleRate]
	if !ok {
		panic(fmt.Sprintf("testutil: unsupported mp3 sample rate %d", sampleRate))
	}
	mode := byte(0)
	if mono {
		mode = 3
	}
	hdr := []byte{0xFF, 0xFB, bi<<4 | ri<<2, mode << 6}
	return append(hdr, g.Payload(MP3FrameLen(kbps, sampleRate)-len(hdr))...)
}

// MP3Stream concatenates count MP3 frames.
func (g *MediaGenerator) MP3Stream(count, kbps, sampleRate int, mono bool) []byte {
	var buf bytes.Buffer
	for range count {
		buf.Write(g.MP3Frame(kbps, sampleRate, mono))
	}
	return buf.Bytes()
}

// ID3Tag builds an ID3v2.4 tag with UTF-8 text frames, e.g. {"TIT2": "x"}.
func ID3Tag(frames map[string]string) []byte {
	ids := make([]string, 0, len(frames))
	for id := range frames {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var body bytes.Buffer
	for _, id := range ids {
		text := append([]byte{0x03}, frames[id]...)
		body.WriteString(id)
		body.Write(syncsafe(len(text)))
		body.Write([]byte{0, 0})
		body.Write(text)
	}

	tag := []byte{'I', 'D', '3', 4, 0, 0}
	tag = append(tag, syncsafe(body.Len())...)
	return append(tag, body.Bytes()...)
}

func syncsafe(n int) []byte {
	return []byte{byte(n>>21) & 0x7F, byte(n>>14) & 0x7F, byte(n>>7) & 0x7F, byte(n) & 0x7F}
}

// AVOptions shapes the audio/video fixtures.
type AVOptions struct {
	Duration time.Duration
	FPS      int
	// GOP is the keyframe interval in frames.
	GOP   int
	Video bool
	Audio bool
	// StartPTS is the first timestamp in 90kHz ticks.
	StartPTS int64
}

// DefaultAVOptions is two seconds of 25fps video with AAC audio.
func DefaultAVOptions() AVOptions {
	return AVOptions{
		Duration: 2 * time.Second,
		FPS:      25,
		GOP:      25,
		Video:    true,
		Audio:    true,
		StartPTS: 90000,
	}
}

const aacSampleRate = 48000

// AACConfig is the AudioSpecificConfig used by the A/V fixtures.
func AACConfig() mpeg4audio.AudioSpecificConfig {
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   aacSampleRate,
		ChannelCount: 2,
	}
}

func (o AVOptions) frameCount() int {
	return int(o.Duration * time.Duration(o.FPS) / time.Second)
}

func (o AVOptions) audioCount() int {
	return int(o.Duration * aacSampleRate / 1024 / time.Second)
}

// videoAU returns access unit i, an IDR with parameter sets on GOP
// boundaries and a non-IDR slice otherwise.
func (g *MediaGenerator) videoAU(i, gop int, params bool) [][]byte {
	if i%gop == 0 {
		idr := append([]byte{0x65, 0x88, 0x84}, g.Payload(1500)...)
		if params {
			return [][]byte{H264SPS, H264PPS, idr}
		}
		return [][]byte{idr}
	}
	return [][]byte{append([]byte{0x41, 0x9a}, g.Payload(400)...)}
}

// TSStream muxes an MPEG-TS fixture. Video is on PID 256 and audio on
// PID 257.
func (g *MediaGenerator) TSStream(opts AVOptions) ([]byte, error) {
	var buf bytes.Buffer
	var tracks []*mpegts.Track
	var video, audio *mpegts.Track
	if opts.Video {
		video = &mpegts.Track{PID: 256, Codec: &mpegts.CodecH264{}}
		tracks = append(tracks, video)
	}
	if opts.Audio {
		audio = &mpegts.Track{PID: 257, Codec: &mpegts.CodecMPEG4Audio{Config: AACConfig()}}
		tracks = append(tracks, audio)
	}
	w := &mpegts.Writer{W: &buf, Tracks: tracks}
	if err := w.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts writer: %w", err)
	}

	frameTicks := int64(90000 / opts.FPS)
	audioTicks := int64(1024 * 90000 / aacSampleRate)
	vi, ai := 0, 0
	vn, an := 0, 0
	if opts.Video {
		vn = opts.frameCount()
	}
	if opts.Audio {
		an = opts.audioCount()
	}
	for vi < vn || ai < an {
		vpts := opts.StartPTS + int64(vi)*frameTicks
		apts := opts.StartPTS + int64(ai)*audioTicks
		if vi < vn && (ai >= an || vpts <= apts) {
			if err := w.WriteH264(video, vpts, vpts, g.videoAU(vi, opts.GOP, true)); err != nil {
				return nil, fmt.Errorf("writing video: %w", err)
			}
			vi++
			continue
		}
		if err := w.WriteMPEG4Audio(audio, apts, [][]byte{g.Payload(200)}); err != nil {
			return nil, fmt.Errorf("writing audio: %w", err)
		}
		ai++
	}
	return buf.Bytes(), nil
}

// FMP4Stream builds a fragmented MP4 fixture with one fragment per GOP.
// Video is track 1 (90kHz), audio is track 2 (48kHz).
func (g *MediaGenerator) FMP4Stream(opts AVOptions) ([]byte, error) {
	init := fmp4.Init{}
	if opts.Video {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        1,
			TimeScale: 90000,
			Codec:     &mp4.CodecH264{SPS: H264SPS, PPS: H264PPS},
		})
	}
	if opts.Audio {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        2,
			TimeScale: aacSampleRate,
			Codec:     &mp4.CodecMPEG4Audio{Config: AACConfig()},
		})
	}

	var out bytes.Buffer
	var ibuf seekablebuffer.Buffer
	if err := init.Marshal(&ibuf); err != nil {
		return nil, fmt.Errorf("marshaling init: %w", err)
	}
	out.Write(ibuf.Bytes())

	frames := opts.frameCount()
	audioPerFragment := opts.GOP * aacSampleRate / opts.FPS / 1024
	audioTotal := opts.audioCount()
	frameTicks := uint32(90000 / opts.FPS)

	var seq uint32
	vi, ai := 0, 0
	for (opts.Video && vi < frames) || (opts.Audio && ai < audioTotal) {
		part := fmp4.Part{SequenceNumber: seq}
		if opts.Video && vi < frames {
			pt := &fmp4.PartTrack{ID: 1, BaseTime: uint64(vi) * uint64(frameTicks)}
			for n := 0; n < opts.GOP && vi < frames; n++ {
				payload, err := h264.AVCC(g.videoAU(vi, opts.GOP, false)).Marshal()
				if err != nil {
					return nil, fmt.Errorf("marshaling avcc: %w", err)
				}
				pt.Samples = append(pt.Samples, &fmp4.Sample{
					Duration:        frameTicks,
					IsNonSyncSample: vi%opts.GOP != 0,
					Payload:         payload,
				})
				vi++
			}
			part.Tracks = append(part.Tracks, pt)
		}
		if opts.Audio && ai < audioTotal {
			pt := &fmp4.PartTrack{ID: 2, BaseTime: uint64(ai) * 1024}
			limit := ai + max(audioPerFragment, 1)
			if !opts.Video || vi >= frames {
				limit = max(limit, audioTotal)
			}
			for ; ai < audioTotal && ai < limit; ai++ {
				pt.Samples = append(pt.Samples, &fmp4.Sample{
					Duration: 1024,
					Payload:  g.Payload(200),
				})
			}
			part.Tracks = append(part.Tracks, pt)
		}

		var pbuf seekablebuffer.Buffer
		if err := part.Marshal(&pbuf); err != nil {
			return nil, fmt.Errorf("marshaling part: %w", err)
		}
		out.Write(pbuf.Bytes())
		seq++
	}
	return out.Bytes(), nil
}
