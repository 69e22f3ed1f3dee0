// Package demux defines the capability interface implemented by every
// container parser ("Core") and the registry used to select one for a track.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/demuxd/internal/source"
)

var (
	// ErrSourceNotReady means the byte source has not downloaded the data
	// needed yet. The call should be retried once the source signals.
	ErrSourceNotReady = errors.New("demux: source not ready")
	// ErrEndOfStream is returned once a stream has no more work units.
	ErrEndOfStream = errors.New("demux: end of stream")
	// ErrOutOfMemory is returned when the core cannot buffer more data until
	// downstream consumers release buffers.
	ErrOutOfMemory = errors.New("demux: out of memory")
	// ErrUnsupportedFormat is returned when no core recognises the content.
	ErrUnsupportedFormat = errors.New("demux: unsupported format")
	// ErrCorruptStream is returned for unparseable container data.
	ErrCorruptStream = errors.New("demux: corrupt stream")
	// ErrDRM is returned for protected content without a usable DRM context.
	ErrDRM = errors.New("demux: drm failure")
	// ErrNotSupported is returned for operations a core does not implement.
	ErrNotSupported = errors.New("demux: operation not supported")
)

// BufferTooSmallError reports that the caller's buffer cannot hold the next
// work unit. The unit stays pending and is returned on the next call.
type BufferTooSmallError struct {
	Required int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("demux: buffer too small, %d bytes required", e.Required)
}

// IsEndOfStream reports whether err marks the end of a stream.
func IsEndOfStream(err error) bool {
	return errors.Is(err, ErrEndOfStream) || errors.Is(err, io.EOF)
}

// MediaType classifies a stream.
type MediaType int

const (
	MediaUnknown MediaType = iota
	MediaAudio
	MediaVideo
	MediaData
)

func (t MediaType) String() string {
	switch t {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaData:
		return "data"
	default:
		return "unknown"
	}
}

// StreamInfo describes one elementary stream of a track.
type StreamInfo struct {
	Index         int
	Type          MediaType
	Codec         string
	Bitrate       int // bits per second, 0 when unknown
	SampleRate    int
	Channels      int
	Width         int
	Height        int
	AspectNum     int
	AspectDen     int
	FrameDuration time.Duration
	CodecPrivate  []byte
	Duration      time.Duration
}

// Buffer is a caller-owned destination for work unit payloads.
type Buffer struct {
	Data []byte
}

// WorkUnit flags.
const (
	FlagKeyframe uint32 = 1 << iota
	FlagMarker
	FlagNewMetadata
	FlagDiscontinuity
)

// WorkUnit is one parsed, timestamped chunk of stream data. The payload is
// written to the caller's Buffer; Size is the number of bytes used.
type WorkUnit struct {
	Stream   int
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Size     int
	Flags    uint32
	Metadata map[string]string
}

// Keyframe reports whether the unit starts a random access point.
func (w WorkUnit) Keyframe() bool { return w.Flags&FlagKeyframe != 0 }

// OffsetEntry describes one work unit by its byte range in the source.
type OffsetEntry struct {
	Offset   int64
	Length   int
	Flags    uint32
	PTS      time.Duration
	Duration time.Duration
}

// OffsetSegment is a batch of offset entries for one stream. A segment is
// filled by a Core, consumed once and handed back via ReleaseOffsetSegment.
type OffsetSegment struct {
	Stream   int
	Base     int64
	Entries  []OffsetEntry
	MaxCount int
	// Delivered counts entries already handed downstream.
	Delivered  int
	Consumed   bool
	Generation uint64
	Owner      Core
}

// Reset clears the segment for reuse with the given capacity.
func (s *OffsetSegment) Reset(stream, maxCount int) {
	s.Stream = stream
	s.Base = 0
	s.MaxCount = maxCount
	s.Delivered = 0
	s.Consumed = false
	s.Owner = nil
	if cap(s.Entries) < maxCount {
		s.Entries = make([]OffsetEntry, 0, maxCount)
	}
	s.Entries = s.Entries[:0]
}

// Full reports whether no more entries fit.
func (s *OffsetSegment) Full() bool { return len(s.Entries) >= s.MaxCount }

// BufferSpec is a core's preferred downstream buffer layout for a stream.
type BufferSpec struct {
	Size  int
	Count int
}

// AttributeKind names a core attribute.
type AttributeKind int

const (
	AttrBitrate AttributeKind = iota
	AttrDuration
	AttrBufferedBytes
	AttrDRMContext
	AttrMetadata
	AttrContainer
)

func (k AttributeKind) String() string {
	switch k {
	case AttrBitrate:
		return "bitrate"
	case AttrDuration:
		return "duration"
	case AttrBufferedBytes:
		return "buffered_bytes"
	case AttrDRMContext:
		return "drm_context"
	case AttrMetadata:
		return "metadata"
	case AttrContainer:
		return "container"
	default:
		return fmt.Sprintf("attribute(%d)", int(k))
	}
}

// Core is the capability set every container parser implements. Calls for
// different streams may be interleaved but never run concurrently.
type Core interface {
	// Open reads enough of src to discover the streams.
	Open(ctx context.Context, src source.Source) error
	Close() error

	StreamCount() int
	StreamInfo() []StreamInfo

	// SetRate sets the playback rate in per-mille (1000 is normal speed).
	SetRate(rate int32) error
	Rate() int32

	// SetPosition seeks. The requested position is clamped to the track
	// duration and updated to the position actually reached.
	SetPosition(pos *time.Duration) error
	Position() time.Duration

	// NextWorkUnit writes the next unit of stream into buf.
	NextWorkUnit(stream int, buf *Buffer) (WorkUnit, error)

	// MaxOffsets is the per-segment capacity for low-power mode, or 0 when
	// the core cannot describe work units by byte range.
	MaxOffsets() int
	// NextOffsets appends entries to seg. It returns nil when at least one
	// entry was added, otherwise ErrSourceNotReady or an end-of-stream error.
	NextOffsets(stream int, seg *OffsetSegment) error
	ReleaseOffsetSegment(seg *OffsetSegment, stream int)
	// ResetLowPowerMode discards parse state built up by offset prefetching
	// and rewinds to the first unconsumed position.
	ResetLowPowerMode() error

	// BufferRequirements returns the preferred buffer layout. retry is set
	// after a BufferTooSmallError.
	BufferRequirements(stream int, retry bool) (BufferSpec, bool)

	Attribute(kind AttributeKind) (any, error)
	SetAttribute(kind AttributeKind, value any) error
}

// DRMSession is the handle a core receives through AttrDRMContext. Commit is
// called once protected content is actually encountered.
type DRMSession interface {
	Commit() error
}

// CoreConfig is passed to plugin constructors.
type CoreConfig struct {
	Logger *slog.Logger
	// MaxPendingBytes caps data a core may queue internally before
	// returning ErrOutOfMemory.
	MaxPendingBytes int
	// Readahead is the number of bytes a core wants available before it
	// parses ahead on a remote source.
	Readahead int
}

// DefaultCoreConfig returns the defaults used when a field is left zero.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Logger:          slog.Default(),
		MaxPendingBytes: 8 * 1024 * 1024,
		Readahead:       256 * 1024,
	}
}

// Normalize fills zero fields with defaults.
func (c *CoreConfig) Normalize() {
	d := DefaultCoreConfig()
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.MaxPendingBytes <= 0 {
		c.MaxPendingBytes = d.MaxPendingBytes
	}
	if c.Readahead <= 0 {
		c.Readahead = d.Readahead
	}
}
