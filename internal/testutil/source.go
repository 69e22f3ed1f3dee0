package testutil

import (
	"io"
	"sync"

	"github.com/jmylchreest/demuxd/internal/source"
)

// MemorySource is a source.Source backed by a byte slice that tests can
// grow, finish and reconfigure while a consumer is reading.
type MemorySource struct {
	mu       sync.Mutex
	data     []byte
	size     int64
	done     bool
	err      error
	closed   bool
	consumed int64
	ready    chan struct{}

	remote       bool
	prefetchable bool
	seekable     bool
	uri          string
	contentType  string
}

var _ source.Source = (*MemorySource)(nil)

// NewMemorySource returns a complete, local, seekable source.
func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{
		data:     data,
		size:     int64(len(data)),
		done:     true,
		seekable: true,
		ready:    make(chan struct{}),
		uri:      "memory://fixture",
	}
}

// NewStreamingSource returns an empty remote source that fills through
// Append. size may be source.Unknown.
func NewStreamingSource(size int64) *MemorySource {
	return &MemorySource{
		size:         size,
		remote:       true,
		prefetchable: true,
		seekable:     size != source.Unknown,
		ready:        make(chan struct{}),
		uri:          "http://fixture.invalid/stream",
	}
}

// SetContentType sets the declared content type.
func (s *MemorySource) SetContentType(ct string) *MemorySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contentType = ct
	return s
}

// SetURI sets the reported URI.
func (s *MemorySource) SetURI(uri string) *MemorySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uri = uri
	return s
}

// SetSeekable overrides the seekable flag.
func (s *MemorySource) SetSeekable(v bool) *MemorySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seekable = v
	return s
}

// SetPrefetchable overrides the prefetchable flag.
func (s *MemorySource) SetPrefetchable(v bool) *MemorySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefetchable = v
	return s
}

func (s *MemorySource) broadcastLocked() {
	close(s.ready)
	s.ready = make(chan struct{})
}

// Append adds downloaded bytes and wakes waiting readers.
func (s *MemorySource) Append(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	s.broadcastLocked()
}

// Finish marks the download complete, optionally with an error.
func (s *MemorySource) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.err = err
	if err == nil && s.size == source.Unknown {
		s.size = int64(len(s.data))
	}
	s.broadcastLocked()
}

func (s *MemorySource) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, source.ErrClosed
	}
	if s.size != source.Unknown && off >= s.size {
		return 0, io.EOF
	}
	end := int64(len(s.data))
	if off+int64(len(p)) > end {
		if !s.done {
			return 0, source.ErrNotReady
		}
		if off >= end {
			if s.err != nil {
				return 0, s.err
			}
			return 0, io.EOF
		}
	}
	n := copy(p, s.data[off:])
	s.consumed = max(s.consumed, off+int64(n))
	if n < len(p) {
		if s.err != nil {
			return n, s.err
		}
		return n, io.EOF
	}
	return n, nil
}

func (s *MemorySource) Available(off int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < 0 || off >= int64(len(s.data)) {
		return 0
	}
	return int64(len(s.data)) - off
}

func (s *MemorySource) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *MemorySource) Levels() source.Levels {
	s.mu.Lock()
	defer s.mu.Unlock()
	return source.Levels{
		Produced: int64(len(s.data)),
		Consumed: s.consumed,
		End:      s.size,
	}
}

func (s *MemorySource) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *MemorySource) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *MemorySource) Remote() bool { return s.remote }

func (s *MemorySource) Prefetchable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefetchable
}

func (s *MemorySource) Seekable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seekable
}

func (s *MemorySource) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

func (s *MemorySource) ContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentType
}

func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.done = true
	s.broadcastLocked()
	return nil
}
