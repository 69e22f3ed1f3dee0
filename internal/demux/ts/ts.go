// Package ts provides the demuxer plugin for MPEG transport streams.
package ts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg1audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/demuxd/internal/codec"
	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/observability"
	"github.com/jmylchreest/demuxd/internal/source"
)

const (
	headScan = 512 * 1024
	tailScan = 256 * 1024

	videoBufferSize = 512 * 1024
	audioBufferSize = 16 * 1024

	clockRate = 90000
	wrap      = int64(1) << 33
)

// clock converts 33-bit PES timestamps into a monotonic timeline relative
// to the first timestamp seen.
type clock struct {
	base, last int64
	ok         bool
}

func (c *clock) rel(ts int64) int64 {
	if !c.ok {
		c.base, c.last, c.ok = ts, ts, true
		return 0
	}
	for ts-c.last > wrap/2 {
		ts -= wrap
	}
	for c.last-ts > wrap/2 {
		ts += wrap
	}
	c.last = ts
	return ts - c.base
}

func ticks(t int64) time.Duration {
	return time.Duration(t * 100000 / 9)
}

type unit struct {
	pts, dts int64
	data     []byte
	key      bool
}

type stream struct {
	info demux.StreamInfo
	pid  uint16
	// frameSamples is the number of PCM samples per audio frame.
	frameSamples int
	queue        []unit
}

func (s *stream) video() bool { return s.info.Type == demux.MediaVideo }

func (s *stream) audioTicks() int64 {
	if s.info.SampleRate <= 0 || s.frameSamples <= 0 {
		return 0
	}
	return int64(s.frameSamples) * clockRate / int64(s.info.SampleRate)
}

// Core demuxes a transport stream with the mediacommon reader. Raw packet
// scans for scrambling and duration use astits directly.
type Core struct {
	cfg    demux.CoreConfig
	logger *slog.Logger

	src    source.Source
	ctx    context.Context
	cancel context.CancelFunc

	rd      *demux.Reader
	reader  *mpegts.Reader
	streams []*stream
	byPID   map[uint16]*stream

	clock     clock
	pending   int
	dataStart int64
	duration  time.Duration
	bitrate   int
	rate      int32
	position  time.Duration
	eof       bool
	awaitKey  bool
	hasVideo  bool

	scrambled    bool
	drm          demux.DRMSession
	drmCommitted bool
	decodeErrors int
}

var _ demux.Core = (*Core)(nil)

// New creates a transport stream core.
func New(cfg demux.CoreConfig) *Core {
	cfg.Normalize()
	return &Core{
		cfg:    cfg,
		logger: observability.WithComponent(cfg.Logger, "ts_core"),
		rate:   1000,
		byPID:  map[uint16]*stream{},
	}
}

func (c *Core) Open(ctx context.Context, src source.Source) error {
	c.src = src
	c.ctx, c.cancel = context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	head, err := demux.ReadHead(ctx, src, headScan)
	if err != nil {
		return fmt.Errorf("reading head: %w", err)
	}
	start := syncOffset(head)
	if start < 0 {
		return fmt.Errorf("%w: no transport stream sync", demux.ErrCorruptStream)
	}
	c.dataStart = int64(start)

	res := scan(ctx, head)
	c.scrambled = res.Scrambled()
	if c.scrambled {
		c.logger.Info("scrambled transport stream",
			slog.Int("scrambled_packets", res.scrambled),
			slog.Int("packets", res.packets))
		if err := c.commitDRM(); err != nil {
			return err
		}
	}

	if err := c.startReader(c.dataStart, true); err != nil {
		return fmt.Errorf("%w: %v", demux.ErrCorruptStream, err)
	}
	if len(c.streams) == 0 {
		return fmt.Errorf("%w: no supported elementary streams", demux.ErrCorruptStream)
	}

	if err := c.probe(); err != nil {
		return err
	}
	c.estimateDuration(ctx, res)

	for _, s := range c.streams {
		s.info.Duration = c.duration
		c.logger.Debug("stream found",
			slog.Int("index", s.info.Index),
			slog.Uint64("pid", uint64(s.pid)),
			slog.String("type", s.info.Type.String()),
			slog.String("codec", s.info.Codec),
			slog.Int("width", s.info.Width),
			slog.Int("height", s.info.Height),
			slog.Int("sample_rate", s.info.SampleRate))
	}
	c.logger.Debug("transport stream opened",
		slog.Int("streams", len(c.streams)),
		slog.Duration("duration", c.duration),
		slog.Int("bitrate", c.bitrate))
	return nil
}

// startReader creates a mediacommon reader at off and binds callbacks for
// every known PID. On the first start the stream table is built.
func (c *Core) startReader(off int64, first bool) error {
	c.rd = demux.NewReader(c.ctx, c.src, off)
	r := &mpegts.Reader{R: c.rd}
	if err := r.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts reader: %w", err)
	}
	r.OnDecodeError(func(err error) {
		c.decodeErrors++
		c.logger.Debug("decode error", slog.String("error", err.Error()))
	})

	for _, t := range r.Tracks() {
		s := c.byPID[t.PID]
		if s == nil {
			if !first {
				continue
			}
			s = newStream(t, len(c.streams))
			if s == nil {
				c.logger.Debug("skipping unsupported track",
					slog.Uint64("pid", uint64(t.PID)),
					slog.String("codec", fmt.Sprintf("%T", t.Codec)))
				continue
			}
			c.streams = append(c.streams, s)
			c.byPID[t.PID] = s
			c.hasVideo = c.hasVideo || s.video()
		}
		c.bind(r, t, s)
	}
	c.reader = r
	return nil
}

func newStream(t *mpegts.Track, index int) *stream {
	s := &stream{pid: t.PID, info: demux.StreamInfo{Index: index}}
	switch tc := t.Codec.(type) {
	case *mpegts.CodecH264:
		s.info.Type, s.info.Codec = demux.MediaVideo, codec.H264
	case *mpegts.CodecH265:
		s.info.Type, s.info.Codec = demux.MediaVideo, codec.H265
	case *mpegts.CodecMPEG4Audio:
		s.info.Type, s.info.Codec = demux.MediaAudio, codec.AAC
		s.info.SampleRate = tc.Config.SampleRate
		s.info.Channels = tc.Config.ChannelCount
		if private, err := tc.Config.Marshal(); err == nil {
			s.info.CodecPrivate = private
		}
		s.frameSamples = 1024
	case *mpegts.CodecAC3:
		s.info.Type, s.info.Codec = demux.MediaAudio, codec.AC3
		s.info.SampleRate, s.info.Channels = tc.SampleRate, tc.ChannelCount
		s.frameSamples = 1536
	case *mpegts.CodecEAC3:
		s.info.Type, s.info.Codec = demux.MediaAudio, codec.EAC3
		s.info.SampleRate, s.info.Channels = tc.SampleRate, tc.ChannelCount
		s.frameSamples = 1536
	case *mpegts.CodecMPEG1Audio:
		s.info.Type, s.info.Codec = demux.MediaAudio, codec.MP3
		s.frameSamples = 1152
	case *mpegts.CodecOpus:
		s.info.Type, s.info.Codec = demux.MediaAudio, codec.Opus
		s.info.SampleRate, s.info.Channels = 48000, tc.ChannelCount
		s.frameSamples = 960
	default:
		return nil
	}
	return s
}

func (c *Core) bind(r *mpegts.Reader, t *mpegts.Track, s *stream) {
	switch t.Codec.(type) {
	case *mpegts.CodecH264:
		r.OnDataH264(t, func(pts, dts int64, au [][]byte) error {
			return c.onH264(s, pts, dts, au)
		})
	case *mpegts.CodecH265:
		r.OnDataH265(t, func(pts, dts int64, au [][]byte) error {
			return c.onH265(s, pts, dts, au)
		})
	case *mpegts.CodecMPEG4Audio:
		r.OnDataMPEG4Audio(t, func(pts int64, aus [][]byte) error {
			c.onAudio(s, pts, aus)
			return nil
		})
	case *mpegts.CodecAC3:
		r.OnDataAC3(t, func(pts int64, frame []byte) error {
			c.onAudio(s, pts, [][]byte{frame})
			return nil
		})
	case *mpegts.CodecEAC3:
		r.OnDataEAC3(t, func(pts int64, frame []byte) error {
			c.onAudio(s, pts, [][]byte{frame})
			return nil
		})
	case *mpegts.CodecMPEG1Audio:
		r.OnDataMPEG1Audio(t, func(pts int64, frames [][]byte) error {
			c.onMPEG1Audio(s, pts, frames)
			return nil
		})
	case *mpegts.CodecOpus:
		r.OnDataOpus(t, func(pts int64, packets [][]byte) error {
			c.onAudio(s, pts, packets)
			return nil
		})
	}
}

func (c *Core) push(s *stream, u unit) {
	if c.awaitKey {
		if !s.video() || !u.key {
			return
		}
		c.awaitKey = false
	}
	s.queue = append(s.queue, u)
	c.pending += len(u.data)
}

func (c *Core) onH264(s *stream, pts, dts int64, au [][]byte) error {
	if len(au) == 0 {
		return nil
	}
	if s.info.Width == 0 {
		for _, nalu := range au {
			if len(nalu) == 0 || h264.NALUType(nalu[0]&0x1F) != h264.NALUTypeSPS {
				continue
			}
			var sps h264.SPS
			if err := sps.Unmarshal(nalu); err == nil {
				s.info.Width, s.info.Height = sps.Width(), sps.Height()
			}
		}
	}
	data, err := h264.AnnexB(au).Marshal()
	if err != nil {
		return nil
	}
	c.push(s, unit{pts: c.clock.rel(pts), dts: c.clock.rel(dts), data: data, key: h264.IsRandomAccess(au)})
	return nil
}

func (c *Core) onH265(s *stream, pts, dts int64, au [][]byte) error {
	if len(au) == 0 {
		return nil
	}
	if s.info.Width == 0 {
		for _, nalu := range au {
			// nal_unit_type 33 is SPS_NUT
			if len(nalu) == 0 || (nalu[0]>>1)&0x3F != 33 {
				continue
			}
			var sps h265.SPS
			if err := sps.Unmarshal(nalu); err == nil {
				s.info.Width, s.info.Height = sps.Width(), sps.Height()
			}
		}
	}
	data, err := h264.AnnexB(au).Marshal()
	if err != nil {
		return nil
	}
	c.push(s, unit{pts: c.clock.rel(pts), dts: c.clock.rel(dts), data: data, key: h265.IsRandomAccess(au)})
	return nil
}

func (c *Core) onAudio(s *stream, pts int64, frames [][]byte) {
	step := s.audioTicks()
	for i, f := range frames {
		if len(f) == 0 {
			continue
		}
		t := c.clock.rel(pts + int64(i)*step)
		c.push(s, unit{pts: t, dts: t, data: f, key: true})
	}
}

func (c *Core) onMPEG1Audio(s *stream, pts int64, frames [][]byte) {
	if s.info.SampleRate == 0 && len(frames) > 0 {
		var h mpeg1audio.FrameHeader
		if err := h.Unmarshal(frames[0]); err == nil {
			s.info.SampleRate = h.SampleRate
			s.info.Bitrate = h.Bitrate
			s.frameSamples = h.SampleCount()
			s.info.Channels = 2
			if h.ChannelMode == mpeg1audio.ChannelModeMono {
				s.info.Channels = 1
			}
		}
	}
	c.onAudio(s, pts, frames)
}

// probe reads ahead until every stream has queued data, so StreamInfo can
// report dimensions and frame durations.
func (c *Core) probe() error {
	limit := c.dataStart + headScan
	for c.rd.Offset() < limit {
		complete := true
		for _, s := range c.streams {
			want := 1
			if s.video() {
				want = 2
			}
			if len(s.queue) < want {
				complete = false
				break
			}
		}
		if complete {
			break
		}
		if err := c.reader.Read(); err != nil {
			if isEOF(err) {
				c.eof = true
				break
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("%w: %v", demux.ErrCorruptStream, err)
		}
	}

	for _, s := range c.streams {
		switch {
		case s.video():
			var step int64
			for i := 1; i < len(s.queue); i++ {
				d := s.queue[i].pts - s.queue[i-1].pts
				if d < 0 {
					d = -d
				}
				if d > 0 && (step == 0 || d < step) {
					step = d
				}
			}
			s.info.FrameDuration = ticks(step)
		default:
			s.info.FrameDuration = ticks(s.audioTicks())
		}
	}
	return nil
}

// estimateDuration uses the PTS range of the first stream. Local sources are
// measured head to tail; remote sources extrapolate from the probed span.
func (c *Core) estimateDuration(ctx context.Context, head scanResult) {
	size := c.src.Size()
	if size <= 0 {
		return
	}
	ref := c.streams[0].pid

	if !c.src.Remote() && c.src.Seekable() {
		first, ok := head.firstPTS[ref]
		if !ok {
			return
		}
		off := max(size-tailScan, c.dataStart)
		tail := make([]byte, size-off)
		n, err := demux.ReadAtWait(ctx, c.src, tail, off)
		if err != nil && !errors.Is(err, io.EOF) {
			c.logger.Debug("tail scan failed", slog.String("error", err.Error()))
			return
		}
		last, ok := scan(ctx, tail[:n]).lastPTS[ref]
		if !ok {
			return
		}
		span := last - first
		if span < 0 {
			span += wrap
		}
		c.duration = ticks(span)
	} else {
		var lo, hi int64
		seen := false
		for _, s := range c.streams {
			for _, u := range s.queue {
				if !seen || u.pts < lo {
					lo = u.pts
				}
				if !seen || u.pts > hi {
					hi = u.pts
				}
				seen = true
			}
		}
		consumed := c.rd.Offset() - c.dataStart
		if !seen || hi <= lo || consumed <= 0 {
			return
		}
		c.bitrate = int(consumed * 8 * clockRate / (hi - lo))
		if c.bitrate > 0 {
			c.duration = time.Duration((size - c.dataStart) * 8 * int64(time.Second) / int64(c.bitrate))
		}
		return
	}

	if c.duration > 0 {
		c.bitrate = int(float64(size-c.dataStart) * 8 / c.duration.Seconds())
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, astits.ErrNoMorePackets)
}

func (c *Core) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
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

// SetPosition restarts the reader at a byte offset proportional to the
// requested time, then drops data until the next video keyframe.
func (c *Core) SetPosition(pos *time.Duration) error {
	p := max(*pos, 0)
	if c.duration > 0 && p > c.duration {
		p = c.duration
	}

	off := c.dataStart
	switch {
	case p == 0:
		if !c.src.Seekable() && c.src.Levels().First > c.dataStart {
			return fmt.Errorf("rewinding: %w", demux.ErrNotSupported)
		}
	case !c.src.Seekable():
		return fmt.Errorf("seeking: %w", demux.ErrNotSupported)
	case c.duration <= 0 || c.src.Size() <= 0:
		return fmt.Errorf("seeking without duration: %w", demux.ErrNotSupported)
	default:
		span := c.src.Size() - c.dataStart
		off += int64(float64(span) * float64(p) / float64(c.duration))
		off -= (off - c.dataStart) % packetSize
	}

	for _, s := range c.streams {
		s.queue = nil
	}
	c.pending = 0
	c.eof = false
	if err := c.startReader(off, false); err != nil {
		if !isEOF(err) {
			return fmt.Errorf("seeking to %s: %w", p, err)
		}
		c.eof = true
	}
	c.awaitKey = p > 0 && c.hasVideo
	c.position = p
	*pos = p
	c.logger.Debug("position set", slog.Duration("position", p), slog.Int64("offset", off))
	return nil
}

func (c *Core) Position() time.Duration { return c.position }

// fill runs the reader for one step. Queues are only extended, so callers
// loop until their stream has data or an error is returned.
func (c *Core) fill() error {
	if c.scrambled && !c.drmCommitted {
		return fmt.Errorf("%w: scrambled transport stream", demux.ErrDRM)
	}
	if c.eof {
		return demux.ErrEndOfStream
	}
	if c.pending >= c.cfg.MaxPendingBytes {
		return demux.ErrOutOfMemory
	}
	if !c.src.Done() && c.src.Available(c.rd.Offset()) < int64(c.cfg.Readahead) {
		return demux.ErrSourceNotReady
	}
	if err := c.reader.Read(); err != nil {
		if isEOF(err) {
			c.eof = true
			return nil
		}
		if errors.Is(err, source.ErrClosed) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", demux.ErrCorruptStream, err)
	}
	return nil
}

func (c *Core) NextWorkUnit(stream int, buf *demux.Buffer) (demux.WorkUnit, error) {
	if stream < 0 || stream >= len(c.streams) {
		return demux.WorkUnit{}, fmt.Errorf("ts: invalid stream %d", stream)
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
		PTS:      ticks(u.pts),
		DTS:      ticks(u.dts),
		Duration: s.info.FrameDuration,
		Size:     n,
	}
	if u.key {
		wu.Flags |= demux.FlagKeyframe
	}
	if wu.PTS > c.position {
		c.position = wu.PTS
	}
	observability.Trace(context.Background(), c.logger, "work unit",
		slog.Int("stream", stream),
		slog.Duration("pts", wu.PTS),
		slog.Int("size", n))
	return wu, nil
}

// MaxOffsets is zero: transport stream payloads span packets and cannot be
// described as single byte ranges.
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

func (c *Core) commitDRM() error {
	if c.drm == nil || c.drmCommitted {
		return nil
	}
	if err := c.drm.Commit(); err != nil {
		return fmt.Errorf("%w: committing session: %v", demux.ErrDRM, err)
	}
	c.drmCommitted = true
	return nil
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
		return map[string]string{
			"scrambled":     strconv.FormatBool(c.scrambled),
			"decode_errors": strconv.Itoa(c.decodeErrors),
		}, nil
	case demux.AttrContainer:
		return "mpegts", nil
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
	if c.scrambled {
		return c.commitDRM()
	}
	return nil
}

// Sniff checks for sync bytes at three consecutive packet boundaries.
func Sniff(head []byte) bool {
	if len(head) < packetSize || head[0] != 0x47 {
		return false
	}
	return syncOffset(head) == 0
}

// Plugin returns the registry entry for MPEG-TS.
func Plugin() demux.Plugin {
	return demux.Plugin{
		Name:         "mpegts",
		ContentTypes: []string{"video/mp2t", "video/mpeg2-ts", "audio/mp2t"},
		Extensions:   []string{".ts", ".mpegts", ".trp"},
		Sniff:        Sniff,
		New: func(cfg demux.CoreConfig) demux.Core {
			return New(cfg)
		},
	}
}
