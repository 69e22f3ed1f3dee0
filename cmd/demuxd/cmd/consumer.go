package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/demuxd/internal/codec"
	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/parser"
	"github.com/jmylchreest/demuxd/internal/storage"
)

// streamTally accumulates what one stream delivered.
type streamTally struct {
	Index     int           `json:"index"`
	Type      string        `json:"type"`
	Codec     string        `json:"codec"`
	Units     uint64        `json:"units"`
	Bytes     uint64        `json:"bytes"`
	Keyframes uint64        `json:"keyframes"`
	FirstPTS  time.Duration `json:"first_pts"`
	LastPTS   time.Duration `json:"last_pts"`
	Ended     bool          `json:"ended"`

	seen bool
	out  io.WriteCloser
}

// consumer is the parser sink used by the CLI. Deliveries are queued to a
// channel and processed by run, which returns every payload buffer.
type consumer struct {
	release func(parser.Delivery)
	ch      chan parser.Delivery
	dump    *storage.Sandbox

	mu      sync.Mutex
	streams []*streamTally
	ended   int
}

// newConsumer creates a consumer whose queue holds capacity deliveries.
// Outstanding payloads are bounded by the output buffers of every stream,
// so a capacity of streams*(buffers+1) never blocks Transfer. Payloads are
// written to files in dump when it is not nil.
func newConsumer(capacity int, dump *storage.Sandbox) *consumer {
	return &consumer{
		ch:   make(chan parser.Delivery, capacity),
		dump: dump,
	}
}

// prepare sets up tallies, and dump files when requested, for the opened
// track. It must run before delivery starts.
func (c *consumer) prepare(streams []demux.StreamInfo, release func(parser.Delivery)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.release = release
	c.streams = make([]*streamTally, len(streams))
	c.ended = 0
	for i, st := range streams {
		t := &streamTally{Index: st.Index, Type: st.Type.String(), Codec: st.Codec}
		if c.dump != nil {
			f, err := c.dump.Create(fmt.Sprintf("stream-%d.%s", st.Index, codec.Extension(st.Codec)))
			if err != nil {
				c.closeLocked()
				return fmt.Errorf("creating dump file: %w", err)
			}
			t.out = f
		}
		c.streams[i] = t
	}
	return nil
}

func (c *consumer) Transfer(d parser.Delivery) { c.ch <- d }

// run processes deliveries until every stream has ended or ctx is done.
func (c *consumer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-c.ch:
			done, err := c.handle(d)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (c *consumer) handle(d parser.Delivery) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Stream < 0 || d.Stream >= len(c.streams) {
		c.releaseLocked(d)
		return false, nil
	}
	t := c.streams[d.Stream]

	if d.Kind == parser.DeliveryEndOfStream {
		if !t.Ended {
			t.Ended = true
			c.ended++
		}
		return c.ended == len(c.streams), nil
	}

	defer c.releaseLocked(d)
	if !t.seen {
		t.FirstPTS = d.Unit.PTS
		t.seen = true
	}
	t.LastPTS = d.Unit.PTS
	t.Units++
	t.Bytes += uint64(len(d.Payload))
	if d.Unit.Keyframe() {
		t.Keyframes++
	}
	if t.out != nil {
		if _, err := t.out.Write(d.Payload); err != nil {
			return false, fmt.Errorf("writing stream %d: %w", d.Stream, err)
		}
	}
	return false, nil
}

func (c *consumer) releaseLocked(d parser.Delivery) {
	if d.Kind == parser.DeliveryPayload && c.release != nil {
		c.release(d)
	}
}

// drain returns any queued buffers without tallying them.
func (c *consumer) drain() {
	for {
		select {
		case d := <-c.ch:
			c.mu.Lock()
			c.releaseLocked(d)
			c.mu.Unlock()
		default:
			return
		}
	}
}

func (c *consumer) tallies() []streamTally {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]streamTally, len(c.streams))
	for i, t := range c.streams {
		out[i] = *t
		out[i].out = nil
	}
	return out
}

func (c *consumer) allEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams) > 0 && c.ended == len(c.streams)
}

func (c *consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *consumer) closeLocked() {
	for _, t := range c.streams {
		if t != nil && t.out != nil {
			if err := t.out.Close(); err != nil {
				logger.Warn("closing dump file failed", slog.Int("stream", t.Index), slog.String("error", err.Error()))
			}
			t.out = nil
		}
	}
}
