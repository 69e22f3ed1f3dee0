package parser

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/jmylchreest/demuxd/internal/demux"
)

// offsetRing queues prefetched offset segments for one stream. Segments are
// owned by the ring between commit and take, then by the delivery loop
// until they are released back to the core and recycled.
type offsetRing struct {
	mu       sync.Mutex
	segments []*demux.OffsetSegment
	produce  int
	consume  int
	gen      uint64
	eos      bool
	spare    []*demux.OffsetSegment
	// held is the segment taken by the delivery loop and not yet recycled.
	held *demux.OffsetSegment
}

func newOffsetRing(capacity int) *offsetRing {
	return &offsetRing{segments: make([]*demux.OffsetSegment, max(capacity, 1))}
}

// alloc returns an empty segment stamped with the current generation, or
// false when the ring is at capacity.
func (r *offsetRing) alloc(stream, maxCount int) (*demux.OffsetSegment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.produce >= len(r.segments) {
		return nil, false
	}
	var seg *demux.OffsetSegment
	if n := len(r.spare); n > 0 {
		seg = r.spare[n-1]
		r.spare = r.spare[:n-1]
	} else {
		seg = &demux.OffsetSegment{}
	}
	seg.Reset(stream, maxCount)
	seg.Generation = r.gen
	return seg, true
}

// commit queues a filled segment. A segment allocated before the last
// flush is dropped.
func (r *offsetRing) commit(seg *demux.OffsetSegment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seg.Generation != r.gen || r.produce >= len(r.segments) {
		r.spare = append(r.spare, seg)
		return false
	}
	r.segments[r.produce] = seg
	r.produce++
	return true
}

// discard returns an unused segment to the spare list.
func (r *offsetRing) discard(seg *demux.OffsetSegment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg.Owner = nil
	r.spare = append(r.spare, seg)
}

// take hands the oldest ready segment to the caller.
func (r *offsetRing) take() (*demux.OffsetSegment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consume >= r.produce {
		return nil, false
	}
	seg := r.segments[r.consume]
	r.segments[r.consume] = nil
	r.held = seg
	r.consume++
	if r.consume == r.produce {
		r.consume, r.produce = 0, 0
	}
	return seg, true
}

// recycle returns a segment taken with take once it has been released. It
// reports false when the segment was already reclaimed by detach.
func (r *offsetRing) recycle(seg *demux.OffsetSegment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held != seg {
		return false
	}
	r.held = nil
	seg.Owner = nil
	r.spare = append(r.spare, seg)
	return true
}

// detach reclaims the segment held by the delivery loop, if any.
func (r *offsetRing) detach() *demux.OffsetSegment {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg := r.held
	r.held = nil
	return seg
}

// flush drops all queued segments and returns them so they can be handed
// back to the core. Segments in flight are invalidated by the generation.
func (r *offsetRing) flush() []*demux.OffsetSegment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*demux.OffsetSegment
	for i := r.consume; i < r.produce; i++ {
		out = append(out, r.segments[i])
		r.segments[i] = nil
	}
	r.consume, r.produce = 0, 0
	r.gen++
	r.eos = false
	return out
}

func (r *offsetRing) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *offsetRing) setEOS() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eos = true
}

func (r *offsetRing) isEOS() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eos
}

// ready reports the number of queued segments.
func (r *offsetRing) ready() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.produce - r.consume
}

func (r *offsetRing) full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.produce >= len(r.segments)
}

// indices returns consume, produce and capacity.
func (r *offsetRing) indices() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consume, r.produce, len(r.segments)
}

type produceOutcome int

const (
	// produceIdle: every ring is full or stopped.
	produceIdle produceOutcome = iota
	// produceDone: every ring reached end of stream, or the session closed.
	produceDone
	// produceInterrupted: a command is waiting.
	produceInterrupted
)

// produceOffsets fills offset segments round-robin across the streams of s
// until every ring is full, stopped or at end of stream. After each round
// it yields to waiting commands.
func (w *worker) produceOffsets(s *session) produceOutcome {
	if !s.lowPower.Load() || s.maxOffsets <= 0 {
		return produceDone
	}
	if s.rewind.Load() {
		// The delivery loop requests production again after rewinding.
		return produceIdle
	}
	stopped := make([]bool, len(s.streams))
	for {
		progressed := false
		for i, st := range s.streams {
			if stopped[i] || st.ring.isEOS() {
				continue
			}
			seg, ok := st.ring.alloc(i, s.maxOffsets)
			if !ok {
				stopped[i] = true
				continue
			}

			ready := s.src.Ready()
			var err error
			if cerr := s.withCore(func(core demux.Core) error {
				err = core.NextOffsets(i, seg)
				return nil
			}); cerr != nil {
				st.ring.discard(seg)
				return produceDone
			}

			switch {
			case err == nil && len(seg.Entries) > 0:
				if st.ring.commit(seg) {
					s.offsetSegments.Add(1)
					progressed = true
				}
			case errors.Is(err, demux.ErrSourceNotReady):
				st.ring.discard(seg)
				if !s.src.Prefetchable() {
					st.ring.setEOS()
					continue
				}
				if !w.waitSource(ready) {
					return produceInterrupted
				}
				progressed = true
			case err == nil || demux.IsEndOfStream(err):
				st.ring.discard(seg)
				st.ring.setEOS()
			default:
				st.ring.discard(seg)
				stopped[i] = true
				s.logger.Warn("offset production stopped",
					slog.Int("stream", i),
					slog.String("error", err.Error()))
			}
		}

		if s.allRingsEOS() {
			s.offsetsPrepared = true
			return produceDone
		}
		if w.commandWaiting() {
			return produceInterrupted
		}
		if !progressed {
			return produceIdle
		}
	}
}

// flushOffsets drops every queued segment, handing each back to the core
// undelivered.
func (s *session) flushOffsets() {
	for i, st := range s.streams {
		if st.ring == nil {
			continue
		}
		for _, seg := range st.ring.flush() {
			seg.Delivered = 0
			seg.Consumed = false
			_ = s.withCore(func(core demux.Core) error {
				core.ReleaseOffsetSegment(seg, i)
				return nil
			})
			s.offsetSegments.Add(-1)
			st.ring.discard(seg)
		}
	}
	s.offsetsPrepared = false
}

// releaseHeld hands segments still being drained by the delivery loop back
// to the core. Only called during teardown.
func (s *session) releaseHeld() {
	for i, st := range s.streams {
		if st.ring == nil {
			continue
		}
		seg := st.ring.detach()
		if seg == nil {
			continue
		}
		seg.Consumed = false
		_ = s.withCore(func(core demux.Core) error {
			core.ReleaseOffsetSegment(seg, i)
			return nil
		})
		s.offsetSegments.Add(-1)
		st.ring.discard(seg)
	}
}

func (s *session) allRingsEOS() bool {
	for _, st := range s.streams {
		if st.ring == nil || !st.ring.isEOS() {
			return false
		}
	}
	return true
}
