// Package framed implements a demuxer Core for elementary audio streams made
// of self-describing frames (ADTS AAC, MPEG audio). Frames are located by
// walking headers, so byte ranges can be handed out in low-power mode
// without copying payloads.
package framed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/observability"
	"github.com/jmylchreest/demuxd/internal/source"
)

// Frame describes one parsed frame header.
type Frame struct {
	Length     int
	Samples    int
	SampleRate int
	Channels   int
	Bitrate    int // signalled bitrate, 0 when the header carries none
}

// Duration is the playback time covered by the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples) * time.Second / time.Duration(f.SampleRate)
}

// Format parses the frame headers of one elementary stream format.
type Format interface {
	Name() string
	HeaderSize() int
	MaxFrameSize() int
	ParseHeader(b []byte) (Frame, error)
	// StreamInfo describes the stream given the first frame.
	StreamInfo(header []byte, f Frame) demux.StreamInfo
}

const (
	// DefaultMaxOffsets is the number of frames described per offset segment.
	DefaultMaxOffsets = 64

	resyncWindow = 64 * 1024
	probeFrames  = 16
	bufferCount  = 8
)

// Core walks frames of a single-stream elementary file.
type Core struct {
	format     Format
	logger     *slog.Logger
	maxOffsets int

	src       source.Source
	info      demux.StreamInfo
	dataStart int64
	bitrate   int
	rate      int32

	cursor      int64
	pts         time.Duration
	resync      bool
	metadata    map[string]string
	metaPending bool

	// committed is the position after the last frame delivered downstream.
	committed    int64
	committedPTS time.Duration

	hdr     []byte
	scratch []byte
}

var _ demux.Core = (*Core)(nil)

// New creates a Core for format.
func New(format Format, cfg demux.CoreConfig) *Core {
	cfg.Normalize()
	return &Core{
		format:     format,
		logger:     observability.WithComponent(cfg.Logger, format.Name()+"_core"),
		maxOffsets: DefaultMaxOffsets,
		rate:       1000,
		hdr:        make([]byte, max(format.HeaderSize(), id3HeaderSize)),
	}
}

func (c *Core) Open(ctx context.Context, src source.Source) error {
	c.src = src

	head, err := demux.ReadHead(ctx, src, id3HeaderSize)
	if err != nil {
		return fmt.Errorf("reading head: %w", err)
	}
	if n := id3TagSize(head); n > 0 {
		tag := make([]byte, n)
		k, err := demux.ReadAtWait(ctx, src, tag, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading id3 tag: %w", err)
		}
		c.metadata = parseID3(tag[:k])
		c.metaPending = c.metadata != nil
		c.dataStart = int64(n)
	}

	window := make([]byte, resyncWindow)
	if size := src.Size(); size >= 0 && size-c.dataStart < int64(len(window)) {
		window = window[:max(size-c.dataStart, 0)]
	}
	k, err := demux.ReadAtWait(ctx, src, window, c.dataStart)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading frames: %w", err)
	}
	window = window[:k]

	start := 0
	for {
		i, ok := c.findSync(window[start:], true)
		if !ok {
			return fmt.Errorf("%w: no %s frame found", demux.ErrCorruptStream, c.format.Name())
		}
		start += i
		sz := id3TagSize(window[start:])
		if sz == 0 {
			break
		}
		if meta := parseID3(window[start:min(start+sz, len(window))]); meta != nil {
			c.metadata = meta
			c.metaPending = true
		}
		start = min(start+sz, len(window))
	}
	c.dataStart += int64(start)

	first, _ := c.format.ParseHeader(window[start:])
	var bits int64
	var dur time.Duration
	pos := start
	for i := 0; i < probeFrames && pos+c.format.HeaderSize() <= len(window); i++ {
		f, err := c.format.ParseHeader(window[pos:])
		if err != nil {
			break
		}
		bits += int64(f.Length) * 8
		dur += f.Duration()
		pos += f.Length
	}
	switch {
	case first.Bitrate > 0:
		c.bitrate = first.Bitrate
	case dur > 0:
		c.bitrate = int(bits * int64(time.Second) / int64(dur))
	}

	hs := c.format.HeaderSize()
	c.info = c.format.StreamInfo(window[start:start+hs], first)
	c.info.Index = 0
	c.info.Bitrate = c.bitrate
	c.info.FrameDuration = first.Duration()
	c.info.Duration = c.estimatedDuration()

	c.cursor = c.dataStart
	c.committed = c.dataStart

	c.logger.Debug("stream opened",
		slog.String("codec", c.info.Codec),
		slog.Int("sample_rate", c.info.SampleRate),
		slog.Int("channels", c.info.Channels),
		slog.Int("bitrate", c.bitrate),
		slog.Int64("data_start", c.dataStart),
		slog.Duration("duration", c.info.Duration))
	return nil
}

func (c *Core) Close() error {
	c.src = nil
	return nil
}

func (c *Core) StreamCount() int { return 1 }

func (c *Core) StreamInfo() []demux.StreamInfo {
	info := c.info
	info.Duration = c.estimatedDuration()
	return []demux.StreamInfo{info}
}

func (c *Core) estimatedDuration() time.Duration {
	if c.src == nil || c.bitrate <= 0 {
		return 0
	}
	size := c.src.Size()
	if size <= c.dataStart {
		return 0
	}
	return time.Duration((size-c.dataStart)*8*1000/int64(c.bitrate)) * time.Millisecond
}

func (c *Core) SetRate(rate int32) error {
	if rate <= 0 {
		return fmt.Errorf("rate %d: %w", rate, demux.ErrNotSupported)
	}
	c.rate = rate
	return nil
}

func (c *Core) Rate() int32 { return c.rate }

// SetPosition seeks by estimating the byte offset from the average bitrate
// and resynchronising on the next frame header.
func (c *Core) SetPosition(pos *time.Duration) error {
	p := max(*pos, 0)
	if d := c.estimatedDuration(); d > 0 && p > d {
		p = d
	}

	if p == 0 {
		c.cursor = c.dataStart
		c.pts = 0
		c.resync = false
	} else {
		if !c.src.Seekable() {
			return fmt.Errorf("seeking: %w", demux.ErrNotSupported)
		}
		if c.bitrate <= 0 {
			return fmt.Errorf("seeking without bitrate: %w", demux.ErrNotSupported)
		}
		off := c.dataStart + int64(p/time.Millisecond)*int64(c.bitrate)/8000
		if size := c.src.Size(); size >= 0 && off > size {
			off = size
		}
		c.cursor = off
		c.pts = p
		c.resync = true
	}

	c.committed = c.cursor
	c.committedPTS = c.pts
	*pos = p
	return nil
}

// Position is the timestamp of the next frame to be delivered.
func (c *Core) Position() time.Duration { return c.committedPTS }

// peek reads len(p) bytes at off without blocking. A short read is only
// returned together with io.EOF.
func (c *Core) peek(p []byte, off int64) (int, error) {
	n, err := c.src.ReadAt(p, off)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, source.ErrNotReady):
		return 0, demux.ErrSourceNotReady
	case errors.Is(err, io.EOF):
		return n, io.EOF
	default:
		return n, fmt.Errorf("reading at %d: %w", off, err)
	}
}

// findSync returns the first offset in buf where a frame header parses and,
// when it fits in buf, the following frame header parses as well.
func (c *Core) findSync(buf []byte, atEOF bool) (int, bool) {
	hs := c.format.HeaderSize()
	for i := 0; i+hs <= len(buf); i++ {
		if id3TagSize(buf[i:]) > 0 {
			return i, true
		}
		f, err := c.format.ParseHeader(buf[i:])
		if err != nil {
			continue
		}
		next := i + f.Length
		switch {
		case next+hs <= len(buf):
			if _, err := c.format.ParseHeader(buf[next:]); err != nil && id3TagSize(buf[next:]) == 0 {
				continue
			}
		case next > len(buf) && atEOF:
			continue
		}
		return i, true
	}
	return 0, false
}

func (c *Core) doResync() error {
	if c.scratch == nil {
		c.scratch = make([]byte, resyncWindow)
	}
	buf := c.scratch
	if size := c.src.Size(); size >= 0 && size-c.cursor < int64(len(buf)) {
		buf = buf[:max(size-c.cursor, 0)]
	}
	n, err := c.peek(buf, c.cursor)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	atEOF := errors.Is(err, io.EOF) || (c.src.Size() >= 0 && c.cursor+int64(n) >= c.src.Size())
	buf = buf[:n]

	i, ok := c.findSync(buf, atEOF)
	if !ok {
		if atEOF {
			c.cursor += int64(n)
			c.resync = false
			return demux.ErrEndOfStream
		}
		c.cursor += int64(max(n-c.format.HeaderSize(), 1))
		return fmt.Errorf("%w: lost sync", demux.ErrCorruptStream)
	}
	if i > 0 {
		c.logger.Debug("resynchronised", slog.Int64("offset", c.cursor+int64(i)), slog.Int("skipped", i))
	}
	c.cursor += int64(i)
	c.resync = false
	return nil
}

// nextFrame parses the frame at the cursor without consuming it. ID3 tags
// found between frames are consumed and their metadata published.
func (c *Core) nextFrame() (Frame, error) {
	for {
		if c.resync {
			if err := c.doResync(); err != nil {
				return Frame{}, err
			}
		}

		hdr := c.hdr
		n, err := c.peek(hdr, c.cursor)
		if err != nil && !errors.Is(err, io.EOF) {
			return Frame{}, err
		}
		hdr = hdr[:n]
		if n < c.format.HeaderSize() {
			return Frame{}, demux.ErrEndOfStream
		}

		if sz := id3TagSize(hdr); sz > 0 {
			tag := make([]byte, sz)
			k, err := c.peek(tag, c.cursor)
			if err != nil && !errors.Is(err, io.EOF) {
				return Frame{}, err
			}
			if k < sz {
				return Frame{}, demux.ErrEndOfStream
			}
			if meta := parseID3(tag); meta != nil {
				c.metadata = meta
				c.metaPending = true
			}
			c.cursor += int64(sz)
			continue
		}

		f, err := c.format.ParseHeader(hdr)
		if err != nil {
			c.resync = true
			return Frame{}, fmt.Errorf("%w: offset %d: %v", demux.ErrCorruptStream, c.cursor, err)
		}
		return f, nil
	}
}

func (c *Core) advance(f Frame) {
	c.cursor += int64(f.Length)
	c.pts += f.Duration()
}

func (c *Core) NextWorkUnit(stream int, buf *demux.Buffer) (demux.WorkUnit, error) {
	if stream != 0 {
		return demux.WorkUnit{}, fmt.Errorf("framed: invalid stream %d", stream)
	}
	f, err := c.nextFrame()
	if err != nil {
		return demux.WorkUnit{}, err
	}
	if len(buf.Data) < f.Length {
		return demux.WorkUnit{}, &demux.BufferTooSmallError{Required: f.Length}
	}

	n, err := c.peek(buf.Data[:f.Length], c.cursor)
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.logger.Debug("truncated final frame", slog.Int("have", n), slog.Int("want", f.Length))
			return demux.WorkUnit{}, demux.ErrEndOfStream
		}
		return demux.WorkUnit{}, err
	}

	unit := demux.WorkUnit{
		Stream:   0,
		PTS:      c.pts,
		DTS:      c.pts,
		Duration: f.Duration(),
		Size:     f.Length,
		Flags:    demux.FlagKeyframe,
	}
	if c.metaPending {
		unit.Flags |= demux.FlagNewMetadata
		unit.Metadata = maps.Clone(c.metadata)
		c.metaPending = false
	}

	c.advance(f)
	c.committed = c.cursor
	c.committedPTS = c.pts
	return unit, nil
}

func (c *Core) MaxOffsets() int { return c.maxOffsets }

// SetMaxOffsets overrides the per-segment capacity.
func (c *Core) SetMaxOffsets(n int) {
	if n > 0 {
		c.maxOffsets = n
	}
}

func (c *Core) NextOffsets(stream int, seg *demux.OffsetSegment) error {
	if stream != 0 {
		return fmt.Errorf("framed: invalid stream %d", stream)
	}
	seg.Owner = c
	seg.Stream = stream
	if len(seg.Entries) == 0 {
		seg.Base = c.cursor
	}

	for !seg.Full() {
		f, err := c.nextFrame()
		if err == nil && c.src.Available(c.cursor) < int64(f.Length) {
			if c.src.Done() {
				err = demux.ErrEndOfStream
			} else {
				err = demux.ErrSourceNotReady
			}
		}
		if err != nil {
			if len(seg.Entries) > 0 {
				return nil
			}
			return err
		}

		entry := demux.OffsetEntry{
			Offset:   c.cursor,
			Length:   f.Length,
			Flags:    demux.FlagKeyframe,
			PTS:      c.pts,
			Duration: f.Duration(),
		}
		if c.metaPending {
			entry.Flags |= demux.FlagNewMetadata
			c.metaPending = false
		}
		seg.Entries = append(seg.Entries, entry)
		c.advance(f)
	}
	return nil
}

// ReleaseOffsetSegment commits the delivered part of seg.
func (c *Core) ReleaseOffsetSegment(seg *demux.OffsetSegment, stream int) {
	if seg == nil {
		return
	}
	delivered := seg.Entries
	if !seg.Consumed {
		delivered = seg.Entries[:min(seg.Delivered, len(seg.Entries))]
	}
	if len(delivered) > 0 {
		last := delivered[len(delivered)-1]
		if end := last.Offset + int64(last.Length); end > c.committed {
			c.committed = end
			c.committedPTS = last.PTS + last.Duration
		}
	}
	seg.Owner = nil
}

// ResetLowPowerMode rewinds to just after the last delivered frame,
// discarding parse progress made by offset prefetching.
func (c *Core) ResetLowPowerMode() error {
	c.cursor = c.committed
	c.pts = c.committedPTS
	c.resync = false
	return nil
}

func (c *Core) BufferRequirements(stream int, retry bool) (demux.BufferSpec, bool) {
	if stream != 0 {
		return demux.BufferSpec{}, false
	}
	size := c.format.MaxFrameSize()
	if retry {
		size *= 2
	}
	return demux.BufferSpec{Size: size, Count: bufferCount}, true
}

func (c *Core) Attribute(kind demux.AttributeKind) (any, error) {
	switch kind {
	case demux.AttrBitrate:
		return c.bitrate, nil
	case demux.AttrDuration:
		return c.estimatedDuration(), nil
	case demux.AttrBufferedBytes:
		return int64(0), nil
	case demux.AttrMetadata:
		return maps.Clone(c.metadata), nil
	case demux.AttrContainer:
		return c.format.Name(), nil
	default:
		return nil, fmt.Errorf("attribute %s: %w", kind, demux.ErrNotSupported)
	}
}

func (c *Core) SetAttribute(kind demux.AttributeKind, _ any) error {
	return fmt.Errorf("attribute %s: %w", kind, demux.ErrNotSupported)
}
