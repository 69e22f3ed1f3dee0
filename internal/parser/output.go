package parser

import "sync"

type outBuffer struct {
	data  []byte
	owner *output
}

// output is the pool of downstream buffers for one stream. Buffers are
// owned by the consumer between Transfer and Release.
type output struct {
	mu    sync.Mutex
	free  []*outBuffer
	total int
	size  int
}

func newOutput(count, size int) *output {
	o := &output{total: count, size: size}
	for range count {
		o.free = append(o.free, &outBuffer{data: make([]byte, size), owner: o})
	}
	return o
}

func (o *output) take() *outBuffer {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.free)
	if n == 0 {
		return nil
	}
	b := o.free[n-1]
	o.free = o.free[:n-1]
	if len(b.data) < o.size {
		b.data = make([]byte, o.size)
	}
	return b
}

func (o *output) put(b *outBuffer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.free = append(o.free, b)
}

// grow raises the buffer size. Free buffers are reallocated lazily by take.
func (o *output) grow(size int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if size > o.size {
		o.size = size
	}
}

func (o *output) counts() (free, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.free), o.total
}

func (o *output) bufferSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}
