package parser

import (
	"time"

	"github.com/jmylchreest/demuxd/internal/demux"
)

// EventKind identifies an emitted event.
type EventKind int

const (
	EventStreamEnd EventKind = iota + 1
	EventMarker
	EventMetadata
	EventVideoStreamInit
	EventBufferingPercent
	EventPlaybackState
	EventBlockError
	EventTrackListError
)

func (k EventKind) String() string {
	switch k {
	case EventStreamEnd:
		return "stream_end"
	case EventMarker:
		return "marker"
	case EventMetadata:
		return "metadata"
	case EventVideoStreamInit:
		return "video_stream_init"
	case EventBufferingPercent:
		return "buffering_percent"
	case EventPlaybackState:
		return "playback_state"
	case EventBlockError:
		return "block_error"
	case EventTrackListError:
		return "track_list_error"
	default:
		return "unknown"
	}
}

// ErrorDomain is the origin of a block error.
type ErrorDomain int

const (
	DomainGeneric ErrorDomain = iota
	DomainDRM
	DomainSource
)

func (d ErrorDomain) String() string {
	switch d {
	case DomainDRM:
		return "drm"
	case DomainSource:
		return "source"
	default:
		return "generic"
	}
}

// Event is a notification for the application. Fields are set according
// to Kind.
type Event struct {
	Kind    EventKind
	Session string
	Stream  int

	// EventBufferingPercent and EventPlaybackState
	Percent int
	Paused  bool

	// EventVideoStreamInit
	Width     int
	Height    int
	AspectNum int
	AspectDen int

	// EventMarker and EventMetadata
	PTS      time.Duration
	Metadata map[string]string

	// EventBlockError and EventTrackListError
	Err    error
	Domain ErrorDomain
	URI    string
}

// EventHandler receives events. It may be called from any goroutine, but
// never concurrently.
type EventHandler func(Event)

// DeliveryKind is the buffer type of a Delivery.
type DeliveryKind int

const (
	DeliveryPayload DeliveryKind = iota
	DeliveryEndOfStream
)

// Delivery is one buffer handed downstream. Payload deliveries must be
// returned with Coordinator.Release once consumed.
type Delivery struct {
	Session string
	Stream  int
	Kind    DeliveryKind
	Unit    demux.WorkUnit
	Payload []byte

	buf *outBuffer
}

// Sink receives deliveries from the delivery loop. Transfer must not block
// for long and must not call DoWork.
type Sink interface {
	Transfer(d Delivery)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Delivery)

func (f SinkFunc) Transfer(d Delivery) { f(d) }
