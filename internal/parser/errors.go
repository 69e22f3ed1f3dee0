package parser

import (
	"errors"
	"fmt"

	"github.com/jmylchreest/demuxd/internal/demux"
)

var (
	// ErrShutdown is returned once the worker has exited.
	ErrShutdown = errors.New("parser: coordinator shut down")
	// ErrNoSession is returned by operations that need an open track.
	ErrNoSession = errors.New("parser: no active track session")
	// ErrInvalidWatermarks rejects thresholds outside 0 < low <= start <= high.
	ErrInvalidWatermarks = errors.New("parser: watermarks must satisfy 0 < low <= start <= high")
	// ErrBufferingInactive is returned when the live track has no buffering monitor.
	ErrBufferingInactive = errors.New("parser: buffering is not active for this track")
	// errStaleSession means the session was torn down while a call was in flight.
	errStaleSession = errors.New("parser: session closed")
)

// OpenErrorKind classifies why a track could not be opened.
type OpenErrorKind int

const (
	OpenUnsupportedFormat OpenErrorKind = iota + 1
	OpenCorruptStream
	OpenOutOfMemory
	OpenSourceUnavailable
)

func (k OpenErrorKind) String() string {
	switch k {
	case OpenUnsupportedFormat:
		return "unsupported format"
	case OpenCorruptStream:
		return "corrupt stream"
	case OpenOutOfMemory:
		return "out of memory"
	case OpenSourceUnavailable:
		return "source unavailable"
	default:
		return "unknown"
	}
}

// OpenError is returned by Coordinator.Open.
type OpenError struct {
	Kind OpenErrorKind
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("opening track: %s: %v", e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func openError(kind OpenErrorKind, err error) *OpenError {
	return &OpenError{Kind: kind, Err: err}
}

// classifyOpenError maps a core open failure onto an OpenErrorKind.
func classifyOpenError(err error) *OpenError {
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe
	}
	switch {
	case errors.Is(err, demux.ErrUnsupportedFormat):
		return openError(OpenUnsupportedFormat, err)
	case errors.Is(err, demux.ErrOutOfMemory):
		return openError(OpenOutOfMemory, err)
	default:
		return openError(OpenCorruptStream, err)
	}
}
