package parser

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

// DoWork runs one delivery pass: every stream with a free downstream
// buffer gets at most one work unit. It reports whether more work is
// pending so the caller can re-invoke promptly. A non-nil error reports
// read failures below the escalation threshold; delivery continues on the
// next pass.
//
// DoWork must be called from a single goroutine.
func (c *Coordinator) DoWork() (bool, error) {
	s := c.current()
	if s == nil || !c.running.Load() {
		return false, nil
	}
	if s.initialBuffering.Load() {
		if ev := s.lastBuffering.Load(); ev != nil {
			c.emit(*ev)
		}
		return false, nil
	}
	if c.waitRelease.Load() {
		return false, nil
	}
	c.applyReset(s)

	var errs []error
	for i, st := range s.streams {
		if st.eos.Load() {
			continue
		}
		if err := c.deliverOne(s, i, st); err != nil {
			errs = append(errs, err)
		}
		if c.waitRelease.Load() {
			break
		}
	}
	c.finishStreams(s)

	if c.waitRelease.Load() {
		return false, errors.Join(errs...)
	}
	more := false
	for _, st := range s.streams {
		if st.eos.Load() {
			continue
		}
		if free, _ := st.out.counts(); free > 0 {
			more = true
		}
	}
	return more, errors.Join(errs...)
}

// applyReset resets per-stream delivery state after a seek or a low power
// mode change made by the worker.
func (c *Coordinator) applyReset(s *session) {
	gen := s.resetGen.Load()
	if gen == s.seenGen {
		return
	}
	s.seenGen = gen
	rewind := s.rewind.Load()

	for i, st := range s.streams {
		if seg := st.seg; seg != nil && seg.Generation != st.ring.generation() {
			if rewind {
				seg.Consumed = false
				_ = s.withCore(func(core demux.Core) error {
					core.ReleaseOffsetSegment(seg, i)
					return nil
				})
			}
			if st.ring.recycle(seg) {
				s.offsetSegments.Add(-1)
			}
			st.seg = nil
		}
		st.eos.Store(false)
		st.errors = 0
		st.hasLast = false
	}
	s.failed = false

	if rewind {
		if err := s.withCore(func(core demux.Core) error { return core.ResetLowPowerMode() }); err != nil {
			s.logger.Warn("rewinding core failed", slog.String("error", err.Error()))
		}
		s.rewind.Store(false)
	}
	s.deliveryLowPower = s.lowPower.Load()
	if s.deliveryLowPower {
		c.requestOffsets(s)
	}
}

// deliverOne obtains and forwards one work unit for stream i. It returns
// only errors that should be reported upstream.
func (c *Coordinator) deliverOne(s *session, i int, st *streamState) error {
	buf := st.out.take()
	if buf == nil {
		return nil
	}

	var (
		wu  demux.WorkUnit
		err error
	)
	if s.deliveryLowPower && s.precacheOffsets {
		wu, err = c.nextFromSegment(s, i, st, buf)
	} else {
		dst := demux.Buffer{Data: buf.data}
		if cerr := s.withCore(func(core demux.Core) error {
			wu, err = core.NextWorkUnit(i, &dst)
			return nil
		}); cerr != nil {
			err = cerr
		}
	}

	var tooSmall *demux.BufferTooSmallError
	switch {
	case err == nil:
		st.errors = 0
		if c.skipForTrickPlay(st, wu) {
			st.out.put(buf)
			return nil
		}
		c.forward(s, i, st, buf, wu)
		return nil

	case errors.Is(err, demux.ErrSourceNotReady), errors.Is(err, errStaleSession):
		st.out.put(buf)
		return nil

	case demux.IsEndOfStream(err):
		st.out.put(buf)
		st.eos.Store(true)
		s.logger.Debug("stream ended", slog.Int("stream", i))
		return nil

	case errors.Is(err, demux.ErrOutOfMemory):
		st.out.put(buf)
		// Only wait when a release can actually arrive.
		if s.buffersOutstanding() && !c.waitRelease.Swap(true) {
			s.logger.Debug("core out of memory, waiting for buffer release", slog.Int("stream", i))
		}
		return nil

	case errors.As(err, &tooSmall):
		st.out.put(buf)
		size := tooSmall.Required
		_ = s.withCore(func(core demux.Core) error {
			if spec, ok := core.BufferRequirements(i, true); ok {
				size = max(size, spec.Size)
			}
			return nil
		})
		st.out.grow(size)
		s.logger.Debug("growing stream buffers", slog.Int("stream", i), slog.Int("size", size))
		return nil

	case errors.Is(err, demux.ErrDRM):
		st.out.put(buf)
		c.failSession(s, DomainDRM, err)
		return nil

	default:
		st.out.put(buf)
		st.errors++
		st.errorsTotal.Add(1)
		if st.errors >= c.opts.Parser.ErrorThreshold {
			s.logger.Error("too many consecutive errors, ending stream",
				slog.Int("stream", i),
				slog.Int("errors", st.errors),
				slog.String("error", err.Error()))
			c.emit(Event{
				Kind:    EventBlockError,
				Session: s.id.String(),
				Stream:  i,
				Err:     err,
				Domain:  DomainGeneric,
			})
			st.eos.Store(true)
			return nil
		}
		s.logger.Warn("work unit failed",
			slog.Int("stream", i),
			slog.Int("errors", st.errors),
			slog.String("error", err.Error()))
		return fmt.Errorf("stream %d: %w", i, err)
	}
}

// nextFromSegment delivers the next entry of the stream's current offset
// segment, reading the payload straight from the source.
func (c *Coordinator) nextFromSegment(s *session, i int, st *streamState, buf *outBuffer) (demux.WorkUnit, error) {
	if st.seg != nil && st.seg.Generation != st.ring.generation() {
		// Flushed by the worker; applyReset disposes of it.
		return demux.WorkUnit{}, demux.ErrSourceNotReady
	}
	if st.seg == nil {
		seg, ok := st.ring.take()
		if !ok {
			if st.ring.isEOS() {
				return demux.WorkUnit{}, demux.ErrEndOfStream
			}
			c.requestOffsets(s)
			return demux.WorkUnit{}, demux.ErrSourceNotReady
		}
		st.seg = seg
		if !st.ring.full() {
			c.requestOffsets(s)
		}
	}

	seg := st.seg
	entry := seg.Entries[seg.Delivered]
	if len(buf.data) < entry.Length {
		return demux.WorkUnit{}, &demux.BufferTooSmallError{Required: entry.Length}
	}
	n, err := s.src.ReadAt(buf.data[:entry.Length], entry.Offset)
	switch {
	case errors.Is(err, source.ErrNotReady):
		return demux.WorkUnit{}, demux.ErrSourceNotReady
	case errors.Is(err, io.EOF) && n < entry.Length:
		return demux.WorkUnit{}, demux.ErrEndOfStream
	case err != nil && !errors.Is(err, io.EOF):
		return demux.WorkUnit{}, fmt.Errorf("reading offset entry: %w", err)
	}

	wu := demux.WorkUnit{
		Stream:   i,
		PTS:      entry.PTS,
		DTS:      entry.PTS,
		Duration: entry.Duration,
		Size:     entry.Length,
		Flags:    entry.Flags,
	}
	if wu.Flags&demux.FlagNewMetadata != 0 {
		_ = s.withCore(func(core demux.Core) error {
			if v, err := core.Attribute(demux.AttrMetadata); err == nil {
				wu.Metadata, _ = v.(map[string]string)
			}
			return nil
		})
	}

	seg.Delivered++
	if seg.Delivered == len(seg.Entries) {
		seg.Consumed = true
		_ = s.withCore(func(core demux.Core) error {
			// A pending rewind restarts from the commit point, so it must
			// include this segment even if it was flushed.
			if seg.Generation == st.ring.generation() || s.rewind.Load() {
				core.ReleaseOffsetSegment(seg, i)
			}
			return nil
		})
		if st.ring.recycle(seg) {
			s.offsetSegments.Add(-1)
		}
		st.seg = nil
	}
	return wu, nil
}

// skipForTrickPlay drops video frames closer together than the
// rate-scaled frame interval during fast forward.
func (c *Coordinator) skipForTrickPlay(st *streamState, wu demux.WorkUnit) bool {
	rate := c.rate.Load()
	if st.info.Type == demux.MediaVideo && rate > 1000 && st.info.FrameDuration > 0 && st.hasLast {
		interval := st.info.FrameDuration * time.Duration(rate) / 1000
		if wu.PTS-st.lastPTS < interval {
			return true
		}
	}
	st.lastPTS = wu.PTS
	st.hasLast = true
	return false
}

// forward emits the one-shot events attached to wu and transfers the
// payload downstream.
func (c *Coordinator) forward(s *session, i int, st *streamState, buf *outBuffer, wu demux.WorkUnit) {
	sid := s.id.String()
	if st.info.Type == demux.MediaVideo && !s.videoInitSent {
		s.videoInitSent = true
		c.emit(Event{
			Kind:      EventVideoStreamInit,
			Session:   sid,
			Stream:    i,
			Width:     st.info.Width,
			Height:    st.info.Height,
			AspectNum: st.info.AspectNum,
			AspectDen: st.info.AspectDen,
		})
	}
	if wu.Flags&demux.FlagMarker != 0 {
		c.emit(Event{Kind: EventMarker, Session: sid, Stream: i, PTS: wu.PTS})
	}
	if wu.Flags&demux.FlagNewMetadata != 0 {
		meta := wu.Metadata
		if meta == nil {
			_ = s.withCore(func(core demux.Core) error {
				if v, err := core.Attribute(demux.AttrMetadata); err == nil {
					meta, _ = v.(map[string]string)
				}
				return nil
			})
		}
		c.emit(Event{Kind: EventMetadata, Session: sid, Stream: i, PTS: wu.PTS, Metadata: maps.Clone(meta)})
	}

	st.delivered.Add(1)
	st.bytes.Add(uint64(wu.Size))
	observability.Trace(context.Background(), s.logger, "work unit delivered",
		slog.Int("stream", i),
		slog.Duration("pts", wu.PTS),
		slog.Int("size", wu.Size))
	c.opts.Sink.Transfer(Delivery{
		Session: sid,
		Stream:  i,
		Kind:    DeliveryPayload,
		Unit:    wu,
		Payload: buf.data[:wu.Size],
		buf:     buf,
	})
}

// finishStreams sends end of stream for every stream once all streams of
// the session have ended.
func (c *Coordinator) finishStreams(s *session) {
	for _, st := range s.streams {
		if !st.eos.Load() {
			return
		}
	}
	sid := s.id.String()
	sent := false
	for i, st := range s.streams {
		if st.eosSent {
			continue
		}
		st.eosSent = true
		sent = true
		c.opts.Sink.Transfer(Delivery{Session: sid, Stream: i, Kind: DeliveryEndOfStream})
		c.emit(Event{Kind: EventStreamEnd, Session: sid, Stream: i})
	}
	if !sent || s.empty.Swap(true) {
		return
	}
	s.logger.Info("all streams ended")
	if s.drm != nil {
		if err := s.drm.SetPlaybackDone(); err != nil {
			s.logger.Warn("marking drm playback done failed", slog.String("error", err.Error()))
		}
	}
}

// failSession forces end of stream on every stream after a fatal error.
func (c *Coordinator) failSession(s *session, domain ErrorDomain, err error) {
	if s.failed {
		return
	}
	s.failed = true
	s.logger.Error("fatal track error", slog.String("domain", domain.String()), slog.String("error", err.Error()))
	c.emit(Event{Kind: EventBlockError, Session: s.id.String(), Stream: -1, Err: err, Domain: domain})
	for _, st := range s.streams {
		st.eos.Store(true)
	}
}

// Release returns a delivered buffer to its stream's pool and lifts an
// out-of-memory hold.
func (c *Coordinator) Release(d Delivery) {
	if d.buf == nil {
		return
	}
	d.buf.owner.put(d.buf)
	if c.waitRelease.CompareAndSwap(true, false) {
		observability.Trace(context.Background(), c.logger, "buffer released, resuming production")
	}
}

// requestOffsets asks the worker to produce offset segments without
// blocking the caller.
func (c *Coordinator) requestOffsets(s *session) {
	if !s.precacheOffsets || !s.offsetsRequested.CompareAndSwap(false, true) {
		return
	}
	cmd := newCommand(cmdCreateOffsets)
	cmd.session = s
	select {
	case c.cmds <- cmd:
	default:
		s.offsetsRequested.Store(false)
	}
}

func (s *session) buffersOutstanding() bool {
	for _, st := range s.streams {
		if free, total := st.out.counts(); free < total {
			return true
		}
	}
	return false
}
