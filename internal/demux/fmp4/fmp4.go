// Package fmp4 provides the demuxer plugin for fragmented MP4 (CMAF) files
// and segment streams.
package fmp4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/demuxd/internal/codec"
	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/observability"
	"github.com/jmylchreest/demuxd/internal/source"
)

const (
	maxInitSize     = 8 * 1024 * 1024
	videoBufferSize = 512 * 1024
	audioBufferSize = 16 * 1024
)

type unit struct {
	pts, dts time.Duration
	dur      time.Duration
	data     []byte
	key      bool
}

type stream struct {
	info      demux.StreamInfo
	id        int
	timeScale uint32
	// params are prepended to keyframes when samples are length prefixed.
	params [][]byte
	nalu   bool
	queue  []unit
}

func (s *stream) video() bool { return s.info.Type == demux.MediaVideo }

// fragment is one entry of the seek index.
type fragment struct {
	offset int64
	time   time.Duration
}

// Core reads an init segment followed by moof/mdat fragments.
type Core struct {
	cfg    demux.CoreConfig
	logger *slog.Logger

	src     source.Source
	streams []*stream
	byID    map[int]*stream
	ref     *stream

	brand     string
	dataStart int64
	cursor    int64
	index     []fragment
	duration  time.Duration
	bitrate   int
	rate      int32
	position  time.Duration
	pending   int
	eof       bool

	drm demux.DRMSession
}

var _ demux.Core = (*Core)(nil)

// New creates a fragmented MP4 core.
func New(cfg demux.CoreConfig) *Core {
	cfg.Normalize()
	return &Core{
		cfg:    cfg,
		logger: observability.WithComponent(cfg.Logger, "fmp4_core"),
		rate:   1000,
		byID:   map[int]*stream{},
	}
}

func scale(t int64, timeScale uint32) time.Duration {
	if timeScale == 0 {
		return 0
	}
	ts := int64(timeScale)
	return time.Duration(t/ts)*time.Second + time.Duration(t%ts)*time.Second/time.Duration(ts)
}

// readBox reads the box header at off, waiting for data.
func (c *Core) readBox(ctx context.Context, off int64) (boxHeader, error) {
	hdr := make([]byte, 16)
	n, err := demux.ReadAtWait(ctx, c.src, hdr, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return boxHeader{}, err
	}
	if n < 8 {
		return boxHeader{}, io.EOF
	}
	return parseBoxHeader(hdr[:n])
}

func (c *Core) Open(ctx context.Context, src source.Source) error {
	c.src = src

	var moovStart, moovEnd int64
	for off := int64(0); moovEnd == 0; {
		h, err := c.readBox(ctx, off)
		if err != nil {
			return fmt.Errorf("%w: looking for moov: %v", demux.ErrCorruptStream, err)
		}
		if h.size == 0 || off+h.size > maxInitSize {
			return fmt.Errorf("%w: no init segment", demux.ErrCorruptStream)
		}
		switch h.typ {
		case "ftyp":
			body := make([]byte, h.size-int64(h.hdrLen))
			if _, err := demux.ReadAtWait(ctx, src, body, off+int64(h.hdrLen)); err == nil {
				c.brand = majorBrand(body)
			}
		case "moov":
			moovStart, moovEnd = off, off+h.size
		case "moof":
			return fmt.Errorf("%w: fragment before moov", demux.ErrCorruptStream)
		case "mdat":
			return fmt.Errorf("%w: mp4 is not fragmented", demux.ErrUnsupportedFormat)
		}
		off += h.size
	}

	initData := make([]byte, moovEnd)
	if _, err := demux.ReadAtWait(ctx, src, initData, 0); err != nil {
		return fmt.Errorf("reading init segment: %w", err)
	}
	moov, _ := parseBoxHeader(initData[moovStart:])
	if !hasChild(initData[moovStart+int64(moov.hdrLen):], "mvex") {
		return fmt.Errorf("%w: mp4 is not fragmented", demux.ErrUnsupportedFormat)
	}

	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(initData)); err != nil {
		return fmt.Errorf("%w: parsing moov: %v", demux.ErrCorruptStream, err)
	}
	for _, t := range init.Tracks {
		s := newStream(t, len(c.streams))
		if s == nil {
			c.logger.Debug("skipping unsupported track",
				slog.Int("track_id", t.ID),
				slog.String("codec", fmt.Sprintf("%T", t.Codec)))
			continue
		}
		c.streams = append(c.streams, s)
		c.byID[t.ID] = s
		if c.ref == nil || (s.video() && !c.ref.video()) {
			c.ref = s
		}
	}
	if len(c.streams) == 0 {
		return fmt.Errorf("%w: no supported tracks", demux.ErrCorruptStream)
	}

	c.dataStart = moovEnd
	c.cursor = moovEnd
	if !src.Remote() && src.Size() > 0 {
		c.buildIndex(ctx)
	}
	for _, s := range c.streams {
		s.info.Duration = c.duration
	}

	c.logger.Debug("fragmented mp4 opened",
		slog.String("brand", c.brand),
		slog.Int("streams", len(c.streams)),
		slog.Int("fragments", len(c.index)),
		slog.Duration("duration", c.duration))
	return nil
}

func newStream(t *fmp4.InitTrack, index int) *stream {
	s := &stream{id: t.ID, timeScale: t.TimeScale, info: demux.StreamInfo{Index: index}}
	switch tc := t.Codec.(type) {
	case *mp4.CodecH264:
		s.info.Type, s.info.Codec = demux.MediaVideo, codec.H264
		var sps h264.SPS
		if err := sps.Unmarshal(tc.SPS); err == nil {
			s.info.Width, s.info.Height = sps.Width(), sps.Height()
		}
		s.params = [][]byte{tc.SPS, tc.PPS}
		s.nalu = true
	case *mp4.CodecH265:
		s.info.Type, s.info.Codec = demux.MediaVideo, codec.H265
		var sps h265.SPS
		if err := sps.Unmarshal(tc.SPS); err == nil {
			s.info.Width, s.info.Height = sps.Width(), sps.Height()
		}
		s.params = [][]byte{tc.VPS, tc.SPS, tc.PPS}
		s.nalu = true
	case *mp4.CodecAV1:
		s.info.Type, s.info.Codec = demux.MediaVideo, codec.AV1
		s.info.CodecPrivate = tc.SequenceHeader
	case *mp4.CodecVP9:
		s.info.Type, s.info.Codec = demux.MediaVideo, codec.VP9
	case *mp4.CodecMPEG4Audio:
		s.info.Type, s.info.Codec = demux.MediaAudio, codec.AAC
		s.info.SampleRate, s.info.Channels = tc.Config.SampleRate, tc.Config.ChannelCount
		if private, err := tc.Config.Marshal(); err == nil {
			s.info.CodecPrivate = private
		}
		s.info.FrameDuration = scale(1024, uint32(max(tc.Config.SampleRate, 1)))
	case *mp4.CodecOpus:
		s.info.Type, s.info.Codec = demux.MediaAudio, codec.Opus
		s.info.SampleRate, s.info.Channels = 48000, tc.ChannelCount
		s.info.FrameDuration = 20 * time.Millisecond
	case *mp4.CodecAC3:
		s.info.Type, s.info.Codec = demux.MediaAudio, codec.AC3
		s.info.SampleRate, s.info.Channels = tc.SampleRate, tc.ChannelCount
	case *mp4.CodecEAC3:
		s.info.Type, s.info.Codec = demux.MediaAudio, codec.EAC3
		s.info.SampleRate, s.info.Channels = tc.SampleRate, tc.ChannelCount
	case *mp4.CodecMPEG1Audio:
		s.info.Type, s.info.Codec = demux.MediaAudio, codec.MP3
		s.info.SampleRate, s.info.Channels = tc.SampleRate, tc.ChannelCount
	default:
		return nil
	}
	return s
}

// buildIndex walks the top-level boxes of a local file, recording each
// fragment's start time on the reference track.
func (c *Core) buildIndex(ctx context.Context) {
	size := c.src.Size()
	last := int64(-1)
	for off := c.dataStart; off+8 <= size; {
		h, err := c.readBox(ctx, off)
		if err != nil {
			break
		}
		bsize := h.size
		if bsize == 0 {
			bsize = size - off
		}
		if h.typ == "moof" {
			moof := make([]byte, bsize-int64(h.hdrLen))
			if _, err := demux.ReadAtWait(ctx, c.src, moof, off+int64(h.hdrLen)); err != nil {
				break
			}
			if base, ok := fragmentTime(moof, uint32(c.ref.id)); ok {
				c.index = append(c.index, fragment{offset: off, time: scale(int64(base), c.ref.timeScale)})
				last = off
			}
		}
		off += bsize
	}
	if last < 0 {
		return
	}

	// The end of the last fragment on the reference track is the duration.
	data, err := c.fragmentAt(ctx, last)
	if err != nil {
		return
	}
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return
	}
	for _, part := range parts {
		for _, pt := range part.Tracks {
			if pt.ID != c.ref.id {
				continue
			}
			end := int64(pt.BaseTime)
			for _, s := range pt.Samples {
				end += int64(s.Duration)
			}
			c.duration = max(c.duration, scale(end, c.ref.timeScale))
		}
	}
	if c.duration > 0 {
		c.bitrate = int(float64(size-c.dataStart) * 8 / c.duration.Seconds())
	}
}

// fragmentAt reads the moof at off and the mdat that follows it, waiting
// for data.
func (c *Core) fragmentAt(ctx context.Context, off int64) ([]byte, error) {
	moof, err := c.readBox(ctx, off)
	if err != nil {
		return nil, err
	}
	mdat, err := c.readBox(ctx, off+moof.size)
	if err != nil {
		return nil, err
	}
	if mdat.typ != "mdat" {
		return nil, fmt.Errorf("%w: moof not followed by mdat", demux.ErrCorruptStream)
	}
	data := make([]byte, moof.size+mdat.size)
	if _, err := demux.ReadAtWait(ctx, c.src, data, off); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Core) Close() error {
	for _, s := range c.streams {
		s.queue = nil
	}
	c.pending = 0
	return nil
}

func (c *Core) StreamCount() int { return len(c.streams) }

func (c *Core) StreamInfo() []demux.StreamInfo {
	out := make([]demux.StreamInfo, len(c.streams))
	for i, s := range c.streams {
		out[i] = s.info
	}
	return out
}

func (c *Core) SetRate(rate int32) error {
	if rate <= 0 {
		return fmt.Errorf("rate %d: %w", rate, demux.ErrNotSupported)
	}
	c.rate = rate
	return nil
}

func (c *Core) Rate() int32 { return c.rate }

// SetPosition jumps to the last fragment starting at or before pos. The
// position reached is the fragment start.
func (c *Core) SetPosition(pos *time.Duration) error {
	p := max(*pos, 0)
	if c.duration > 0 && p > c.duration {
		p = c.duration
	}

	off := c.dataStart
	reached := time.Duration(0)
	switch {
	case p == 0 || (len(c.index) > 0 && p < c.index[0].time):
		if !c.src.Seekable() && c.src.Levels().First > c.dataStart {
			return fmt.Errorf("rewinding: %w", demux.ErrNotSupported)
		}
		if len(c.index) > 0 {
			off, reached = c.index[0].offset, c.index[0].time
		}
	case len(c.index) == 0:
		return fmt.Errorf("seeking without fragment index: %w", demux.ErrNotSupported)
	default:
		i := sort.Search(len(c.index), func(i int) bool { return c.index[i].time > p }) - 1
		off, reached = c.index[i].offset, c.index[i].time
	}

	for _, s := range c.streams {
		s.queue = nil
	}
	c.pending = 0
	c.eof = false
	c.cursor = off
	c.position = reached
	*pos = reached
	c.logger.Debug("position set",
		slog.Duration("requested", p),
		slog.Duration("reached", reached),
		slog.Int64("offset", off))
	return nil
}

func (c *Core) Position() time.Duration { return c.position }

// peekBox reads the box header at off without blocking.
func (c *Core) peekBox(off int64) (boxHeader, error) {
	hdr := make([]byte, 16)
	n, err := c.src.ReadAt(hdr, off)
	if errors.Is(err, source.ErrNotReady) && c.src.Available(off) >= 8 {
		n, err = c.src.ReadAt(hdr[:8], off)
	}
	switch {
	case errors.Is(err, source.ErrNotReady):
		return boxHeader{}, demux.ErrSourceNotReady
	case errors.Is(err, io.EOF):
		if n < 8 {
			return boxHeader{}, demux.ErrEndOfStream
		}
	case err != nil:
		return boxHeader{}, err
	}
	h, err := parseBoxHeader(hdr[:n])
	if errors.Is(err, errShortBox) {
		return boxHeader{}, demux.ErrSourceNotReady
	}
	return h, err
}

// fill parses the next fragment at the cursor into the stream queues.
func (c *Core) fill() error {
	if c.eof {
		return demux.ErrEndOfStream
	}
	if c.pending >= c.cfg.MaxPendingBytes {
		return demux.ErrOutOfMemory
	}
	for {
		h, err := c.peekBox(c.cursor)
		if err != nil {
			if errors.Is(err, demux.ErrEndOfStream) {
				c.eof = true
			}
			return err
		}
		if h.size == 0 {
			c.eof = true
			return demux.ErrEndOfStream
		}
		if h.typ != "moof" {
			// styp, sidx, emsg, free and repeated init boxes
			c.cursor += h.size
			continue
		}

		mdat, err := c.peekBox(c.cursor + h.size)
		if err != nil {
			if errors.Is(err, demux.ErrEndOfStream) {
				c.logger.Debug("truncated fragment", slog.Int64("offset", c.cursor))
				c.eof = true
			}
			return err
		}
		if mdat.typ != "mdat" {
			c.cursor += h.size
			continue
		}
		total := h.size + mdat.size
		if c.src.Available(c.cursor) < total {
			if c.src.Done() {
				c.eof = true
				return demux.ErrEndOfStream
			}
			return demux.ErrSourceNotReady
		}
		data := make([]byte, total)
		if _, err := c.src.ReadAt(data, c.cursor); err != nil {
			if errors.Is(err, source.ErrNotReady) {
				return demux.ErrSourceNotReady
			}
			return fmt.Errorf("reading fragment: %w", err)
		}
		if err := c.parseFragment(data); err != nil {
			c.cursor += total
			return err
		}
		c.cursor += total
		return nil
	}
}

func (c *Core) parseFragment(data []byte) error {
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return fmt.Errorf("%w: parsing fragment: %v", demux.ErrCorruptStream, err)
	}
	for _, part := range parts {
		for _, pt := range part.Tracks {
			s := c.byID[pt.ID]
			if s == nil {
				continue
			}
			dts := int64(pt.BaseTime)
			for i, sample := range pt.Samples {
				key := !sample.IsNonSyncSample || (s.video() && i == 0)
				payload := sample.Payload
				if s.nalu {
					payload = lengthPrefixedToAnnexB(payload, s.params, key)
				}
				u := unit{
					pts:  scale(dts+int64(sample.PTSOffset), s.timeScale),
					dts:  scale(dts, s.timeScale),
					dur:  scale(int64(sample.Duration), s.timeScale),
					data: payload,
					key:  key,
				}
				if s.video() && s.info.FrameDuration == 0 {
					s.info.FrameDuration = u.dur
				}
				s.queue = append(s.queue, u)
				c.pending += len(payload)
				dts += int64(sample.Duration)
			}
		}
	}
	return nil
}

func (c *Core) NextWorkUnit(stream int, buf *demux.Buffer) (demux.WorkUnit, error) {
	if stream < 0 || stream >= len(c.streams) {
		return demux.WorkUnit{}, fmt.Errorf("fmp4: invalid stream %d", stream)
	}
	s := c.streams[stream]
	for len(s.queue) == 0 {
		if err := c.fill(); err != nil {
			return demux.WorkUnit{}, err
		}
	}

	u := s.queue[0]
	if len(buf.Data) < len(u.data) {
		return demux.WorkUnit{}, &demux.BufferTooSmallError{Required: len(u.data)}
	}
	n := copy(buf.Data, u.data)
	s.queue[0] = unit{}
	s.queue = s.queue[1:]
	c.pending -= n

	wu := demux.WorkUnit{
		Stream:   stream,
		PTS:      u.pts,
		DTS:      u.dts,
		Duration: u.dur,
		Size:     n,
	}
	if u.key {
		wu.Flags |= demux.FlagKeyframe
	}
	if u.pts > c.position {
		c.position = u.pts
	}
	return wu, nil
}

// MaxOffsets is zero: Annex B conversion rewrites video payloads, so
// samples are always copied.
func (c *Core) MaxOffsets() int { return 0 }

func (c *Core) NextOffsets(int, *demux.OffsetSegment) error {
	return fmt.Errorf("offset mode: %w", demux.ErrNotSupported)
}

func (c *Core) ReleaseOffsetSegment(seg *demux.OffsetSegment, _ int) {
	if seg != nil {
		seg.Owner = nil
	}
}

func (c *Core) ResetLowPowerMode() error { return nil }

func (c *Core) BufferRequirements(stream int, retry bool) (demux.BufferSpec, bool) {
	if stream < 0 || stream >= len(c.streams) {
		return demux.BufferSpec{}, false
	}
	s := c.streams[stream]
	spec := demux.BufferSpec{Size: audioBufferSize, Count: 16}
	if s.video() {
		spec = demux.BufferSpec{Size: videoBufferSize, Count: 4}
	}
	if len(s.queue) > 0 {
		spec.Size = max(spec.Size, len(s.queue[0].data))
	}
	if retry {
		spec.Size *= 2
	}
	return spec, true
}

func (c *Core) Attribute(kind demux.AttributeKind) (any, error) {
	switch kind {
	case demux.AttrBitrate:
		return c.bitrate, nil
	case demux.AttrDuration:
		return c.duration, nil
	case demux.AttrBufferedBytes:
		return int64(c.pending), nil
	case demux.AttrDRMContext:
		return c.drm, nil
	case demux.AttrMetadata:
		if c.brand == "" {
			return map[string]string(nil), nil
		}
		return map[string]string{"major_brand": c.brand}, nil
	case demux.AttrContainer:
		return "fmp4", nil
	default:
		return nil, fmt.Errorf("attribute %s: %w", kind, demux.ErrNotSupported)
	}
}

func (c *Core) SetAttribute(kind demux.AttributeKind, value any) error {
	if kind != demux.AttrDRMContext {
		return fmt.Errorf("attribute %s: %w", kind, demux.ErrNotSupported)
	}
	if value == nil {
		c.drm = nil
		return nil
	}
	sess, ok := value.(demux.DRMSession)
	if !ok {
		return fmt.Errorf("attribute %s: unexpected %T", kind, value)
	}
	c.drm = sess
	return nil
}

// Sniff accepts files or segments starting with an ftyp, styp or moof box.
func Sniff(head []byte) bool {
	h, err := parseBoxHeader(head)
	if err != nil {
		return false
	}
	switch h.typ {
	case "ftyp", "styp", "moof":
		return true
	}
	return false
}

// Plugin returns the registry entry for fragmented MP4.
func Plugin() demux.Plugin {
	return demux.Plugin{
		Name:         "fmp4",
		ContentTypes: []string{"video/mp4", "audio/mp4", "application/mp4", "video/iso.segment"},
		Extensions:   []string{".mp4", ".m4s", ".m4a", ".m4v", ".cmfv", ".cmfa"},
		Sniff:        Sniff,
		New: func(cfg demux.CoreConfig) demux.Core {
			return New(cfg)
		},
	}
}
