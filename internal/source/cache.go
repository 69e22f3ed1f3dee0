package source

import (
	"context"
	"errors"
	"io"
	"sync"
)

// errInterrupted is returned by write when the producer must stop early.
var errInterrupted = errors.New("source: write interrupted")

// windowCache retains a sliding window of a byte stream that is filled by a
// single producer and read at arbitrary offsets by consumers. The producer
// blocks once the window is full until consumers advance far enough for old
// bytes to be evicted.
type windowCache struct {
	mu sync.Mutex

	buf        []byte
	start      int64 // offset of buf[0]
	consumed   int64
	size       int64
	capacity   int
	keepBehind int

	done        bool
	err         error
	closed      bool
	interrupted bool

	ready chan struct{} // closed and replaced on every state change
	space chan struct{} // producer wakeup, capacity 1
}

// minWindow is the smallest window resize accepts.
const minWindow = 64 * 1024

func newWindowCache(capacity int) *windowCache {
	return &windowCache{
		buf:        make([]byte, 0, capacity),
		size:       Unknown,
		capacity:   capacity,
		keepBehind: capacity / 4,
		ready:      make(chan struct{}),
		space:      make(chan struct{}, 1),
	}
}

// broadcastLocked wakes every goroutine waiting on the current ready channel.
func (c *windowCache) broadcastLocked() {
	close(c.ready)
	c.ready = make(chan struct{})
}

func (c *windowCache) notifySpace() {
	select {
	case c.space <- struct{}{}:
	default:
	}
}

// reset discards all data and restarts the window at off.
func (c *windowCache) reset(off int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = c.buf[:0]
	c.start = off
	c.consumed = off
	c.done = false
	c.err = nil
	c.interrupted = false
	c.broadcastLocked()
	c.notifySpace()
}

// interrupt makes the current and next write return errInterrupted until reset.
func (c *windowCache) interrupt() {
	c.mu.Lock()
	c.interrupted = true
	c.mu.Unlock()
	c.notifySpace()
}

// resize changes the window capacity. A smaller window takes effect as
// the consumer advances and old bytes are evicted. It returns the number of
// bytes that can be held ahead of the consumer.
func (c *windowCache) resize(capacity int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = int(max(capacity, minWindow))
	c.keepBehind = c.capacity / 4
	c.notifySpace()
	return int64(c.capacity - c.keepBehind)
}

func (c *windowCache) setSize(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = n
}

// evictLocked drops retained bytes that lie well behind the consumer.
func (c *windowCache) evictLocked() {
	drop := c.consumed - int64(c.keepBehind) - c.start
	if drop <= 0 {
		return
	}
	if drop > int64(len(c.buf)) {
		drop = int64(len(c.buf))
	}
	n := copy(c.buf, c.buf[drop:])
	c.buf = c.buf[:n]
	c.start += drop
}

// write appends p, blocking while the window is full.
func (c *windowCache) write(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.interrupted {
			c.mu.Unlock()
			return errInterrupted
		}
		if len(c.buf) >= c.capacity {
			c.evictLocked()
		}
		room := c.capacity - len(c.buf)
		if room <= 0 {
			c.mu.Unlock()
			select {
			case <-c.space:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		n := min(room, len(p))
		c.buf = append(c.buf, p[:n]...)
		p = p[n:]
		c.broadcastLocked()
		c.mu.Unlock()
	}
	return nil
}

// finish marks the stream complete. A nil err means a clean end of data.
func (c *windowCache) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	c.err = err
	if err == nil && c.size == Unknown {
		c.size = c.start + int64(len(c.buf))
	}
	c.broadcastLocked()
}

// readAt copies len(p) bytes at off. Partial reads are only returned at the
// end of the stream.
func (c *windowCache) readAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.size != Unknown && off >= c.size {
		return 0, io.EOF
	}
	if off < c.start {
		return 0, ErrNotSeekable
	}
	end := c.start + int64(len(c.buf))
	if off > end+int64(c.capacity) {
		return 0, ErrNotSeekable
	}
	if off+int64(len(p)) > end {
		if !c.done {
			return 0, ErrNotReady
		}
		if off >= end {
			if c.err != nil {
				return 0, c.err
			}
			return 0, io.EOF
		}
	}

	n := copy(p, c.buf[off-c.start:])
	if off+int64(n) > c.consumed {
		c.consumed = off + int64(n)
		c.notifySpace()
	}
	if n < len(p) {
		if c.err != nil {
			return n, c.err
		}
		return n, io.EOF
	}
	return n, nil
}

func (c *windowCache) available(off int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	end := c.start + int64(len(c.buf))
	if off < c.start || off >= end {
		return 0
	}
	return end - off
}

func (c *windowCache) levels() Levels {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Levels{
		First:    c.start,
		Produced: c.start + int64(len(c.buf)),
		Consumed: c.consumed,
		End:      c.size,
	}
}

func (c *windowCache) readyChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *windowCache) isDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *windowCache) totalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *windowCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.done = true
	c.broadcastLocked()
	c.notifySpace()
}
