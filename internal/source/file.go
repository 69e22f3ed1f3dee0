package source

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// closedChan is returned by sources that are always ready.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// FileSource reads a local file. All data is available immediately.
type FileSource struct {
	path     string
	f        *os.File
	size     int64
	consumed atomic.Int64
	once     sync.Once
}

// OpenFile opens a local file source.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("opening file: %s is a directory", path)
	}
	return &FileSource{path: path, f: f, size: info.Size()}, nil
}

// ReadAt implements io.ReaderAt.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(p, off)
	if n > 0 {
		end := off + int64(n)
		for {
			cur := s.consumed.Load()
			if end <= cur || s.consumed.CompareAndSwap(cur, end) {
				break
			}
		}
	}
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return n, err
}

func (s *FileSource) Available(off int64) int64 {
	if off < 0 || off >= s.size {
		return 0
	}
	return s.size - off
}

func (s *FileSource) Size() int64 { return s.size }

func (s *FileSource) Levels() Levels {
	return Levels{First: 0, Produced: s.size, Consumed: s.consumed.Load(), End: s.size}
}

func (s *FileSource) Ready() <-chan struct{} { return closedChan }
func (s *FileSource) Done() bool             { return true }
func (s *FileSource) Remote() bool           { return false }
func (s *FileSource) Prefetchable() bool     { return false }
func (s *FileSource) Seekable() bool         { return true }
func (s *FileSource) URI() string            { return s.path }
func (s *FileSource) ContentType() string    { return "" }

// Close closes the underlying file. It is safe to call more than once.
func (s *FileSource) Close() error {
	var err error
	s.once.Do(func() { err = s.f.Close() })
	return err
}
