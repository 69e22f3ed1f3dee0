package parser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/observability"
)

// worker drains the command queue. It is the only goroutine that creates,
// replaces or destroys the track session.
type worker struct {
	c      *Coordinator
	logger *slog.Logger

	// deferred holds commands received while waiting on the source during
	// offset production.
	deferred []command
	// paused is the session whose offset production was interrupted.
	paused *session
}

func (w *worker) run() {
	defer close(w.c.done)
	for {
		cmd := w.next()
		if w.execute(cmd) {
			return
		}
		// Production interrupted by a queued command stays paused until
		// that command has run.
		if !w.commandWaiting() {
			w.resume()
		}
	}
}

func (w *worker) next() command {
	if len(w.deferred) > 0 {
		cmd := w.deferred[0]
		w.deferred = w.deferred[1:]
		return cmd
	}
	return <-w.c.cmds
}

func (w *worker) commandWaiting() bool {
	return len(w.deferred) > 0 || len(w.c.cmds) > 0
}

// waitSource blocks until ready fires or a command arrives. It returns
// false when interrupted by a command.
func (w *worker) waitSource(ready <-chan struct{}) bool {
	if len(w.deferred) > 0 {
		return false
	}
	select {
	case <-ready:
		return true
	case cmd := <-w.c.cmds:
		w.deferred = append(w.deferred, cmd)
		return false
	}
}

// resume continues interrupted offset production once, provided the
// session is still resident.
func (w *worker) resume() {
	s := w.paused
	if s == nil {
		return
	}
	if s != w.c.current() {
		w.paused = nil
		return
	}
	w.produce(s)
}

func (w *worker) produce(s *session) {
	switch w.produceOffsets(s) {
	case produceInterrupted:
		w.paused = s
		observability.Trace(w.c.ctx, w.logger, "offset production interrupted",
			slog.Int64("segments", s.offsetSegments.Load()))
	default:
		if w.paused == s {
			w.paused = nil
		}
	}
}

// execute runs one command and reports whether the worker should exit.
func (w *worker) execute(cmd command) bool {
	start := time.Now()
	logger := w.logger.With(
		slog.String("command", cmd.kind.String()),
		slog.String("command_id", cmd.id.String()))
	logger.Debug("processing command")
	defer func() {
		observability.Trace(w.c.ctx, logger, "command processed", slog.Duration("duration", time.Since(start)))
	}()

	ctx := w.c.ctx
	switch cmd.kind {
	case cmdDestroyThread:
		if s := w.c.current(); s != nil {
			w.deleteSession(ctx, s)
		}
		cmd.reply(result{})
		return true

	case cmdStartParsing, cmdCreateSession:
		if s := w.c.current(); s != nil {
			w.deleteSession(ctx, s)
		}
		s, err := w.c.createSession(ctx, cmd.track)
		if err != nil {
			logger.Warn("opening track failed", slog.String("error", err.Error()))
			if cmd.ack == nil {
				w.c.emit(Event{Kind: EventTrackListError, URI: cmd.track.URI, Err: err, Domain: DomainSource})
			}
			cmd.reply(result{err: err})
			return false
		}
		w.c.install(s)
		cmd.reply(result{info: s.info()})
		if cmd.kind == cmdStartParsing && cmd.prepareOffsets && s.precacheOffsets {
			w.produce(s)
		}

	case cmdDeleteSession:
		s := w.c.current()
		if s != nil && (cmd.session == nil || cmd.session == s) {
			w.deleteSession(ctx, s)
		}
		cmd.reply(result{})

	case cmdCreateOffsets:
		if s := cmd.session; s != nil {
			s.offsetsRequested.Store(false)
			if s == w.c.current() && s.precacheOffsets {
				w.produce(s)
			}
		}
		cmd.reply(result{})

	case cmdDeleteOffsets:
		if s := cmd.session; s != nil && s == w.c.current() && s.lowPowerEligible {
			s.rewind.Store(true)
			s.flushOffsets()
			if w.paused == s {
				w.paused = nil
			}
			s.resetGen.Add(1)
		}
		cmd.reply(result{})

	case cmdToggleLowPower:
		cmd.reply(result{err: w.toggleLowPower(cmd.enabled)})

	case cmdAdjustForSeek:
		s := w.c.current()
		if s == nil || (cmd.session != nil && cmd.session != s) {
			cmd.reply(result{err: ErrNoSession})
			return false
		}
		pos, err := w.seek(s, cmd.position)
		cmd.reply(result{position: pos, err: err})
		if err == nil && s.lowPower.Load() && s.precacheOffsets {
			w.produce(s)
		}

	default:
		cmd.reply(result{err: fmt.Errorf("unknown command %d", cmd.kind)})
	}
	return false
}

func (w *worker) deleteSession(ctx context.Context, s *session) {
	w.c.uninstall(s)
	if w.paused == s {
		w.paused = nil
	}
	w.c.closeSession(ctx, s)
}

// seek repositions the core. Prefetched segments are handed back
// undelivered and the delivery loop resets its per-stream state.
func (w *worker) seek(s *session, pos time.Duration) (time.Duration, error) {
	if s.lowPowerEligible {
		s.flushOffsets()
	}
	if w.paused == s {
		w.paused = nil
	}
	s.rewind.Store(false)
	p := pos
	err := s.withCore(func(core demux.Core) error {
		return core.SetPosition(&p)
	})
	if err != nil {
		return pos, fmt.Errorf("seeking to %s: %w", pos, err)
	}
	s.resetGen.Add(1)
	s.logger.Info("position adjusted",
		slog.Duration("requested", pos),
		slog.Duration("reached", p))
	return p, nil
}

// toggleLowPower publishes the new mode. The delivery loop applies it at
// its next pass so that no unit is skipped or delivered twice.
func (w *worker) toggleLowPower(enabled bool) error {
	w.c.lowPowerWanted.Store(enabled)
	s := w.c.current()
	if s == nil {
		return nil
	}
	switch {
	case enabled && !s.lowPowerEligible:
		s.logger.Debug("low power mode not available for track")
		return nil
	case enabled == s.lowPower.Load():
		return nil
	case enabled:
		s.lowPower.Store(true)
	default:
		// Prefetching parsed ahead of delivery.
		s.rewind.Store(true)
		s.flushOffsets()
		if w.paused == s {
			w.paused = nil
		}
		s.lowPower.Store(false)
	}
	s.resetGen.Add(1)
	s.logger.Info("low power mode toggled", slog.Bool("enabled", enabled))
	return nil
}
