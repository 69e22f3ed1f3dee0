package parser

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/demuxd/internal/observability"
)

// monitor polls a remote session's cache fill level and drives the
// buffering state machine.
type monitor struct {
	c      *Coordinator
	s      *session
	logger *slog.Logger

	mu   sync.Mutex
	calc *calculator

	interval time.Duration
	startCh  chan struct{}
	stopCh   chan struct{}
	start    sync.Once
	halt     sync.Once
	wg       sync.WaitGroup
}

func (c *Coordinator) startMonitor(s *session) {
	bitrate := estimateBitrate(s.bitrate, s.info().Streams, c.opts.Buffering.DefaultBitrate)
	marks := computeWatermarks(c.opts.Buffering, bitrate, s.policy.ceiling)
	estimated := s.fileSize
	if estimated < 0 && s.duration > 0 {
		estimated = int64(s.duration.Seconds() * float64(bitrate) / 8)
	}
	marks = marks.clamp(estimated)
	if s.lookahead > 0 {
		marks = marks.clamp(s.lookahead)
	}

	m := &monitor{
		c:        c,
		s:        s,
		logger:   observability.WithSession(observability.WithComponent(c.opts.Logger, "buffering_monitor"), s.id.String()),
		calc:     newCalculator(c.opts.Buffering, marks, estimated),
		interval: c.opts.Buffering.PollInterval,
		startCh:  make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
	s.monitor = m
	s.initialBuffering.Store(true)
	m.logger.Debug("watermarks computed",
		slog.Int64("bitrate", bitrate),
		slog.Int64("high", marks.High),
		slog.Int64("low", marks.Low),
		slog.Int64("start", marks.Start),
		slog.Int64("estimated_size", estimated))

	m.wg.Add(1)
	go m.run()
	if c.running.Load() {
		m.signalStart()
	}
}

// signalStart releases the monitor to begin polling.
func (m *monitor) signalStart() {
	m.start.Do(func() { close(m.startCh) })
}

// stop signals the monitor and waits for it to exit.
func (m *monitor) stop() {
	m.halt.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *monitor) run() {
	defer m.wg.Done()

	select {
	case <-m.startCh:
	case <-m.stopCh:
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.tick()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *monitor) tick() {
	smp := m.c.sample(m.s)

	m.mu.Lock()
	prev := m.calc.percent
	first := m.calc.lastProduced < 0
	d := m.calc.tick(smp)
	marks := m.calc.watermarks()
	m.mu.Unlock()

	observability.Trace(context.Background(), m.logger, "buffering tick",
		slog.Int64("produced", smp.levels.Produced),
		slog.Int64("consumed", smp.levels.Consumed),
		slog.Int64("end", smp.levels.End),
		slog.Int64("high", marks.High),
		slog.Int64("low", marks.Low),
		slog.Int("percent", d.percent),
		slog.Bool("paused", d.paused))

	ev := Event{
		Kind:    EventBufferingPercent,
		Session: m.s.id.String(),
		Percent: d.percent,
		Paused:  d.paused,
	}
	m.s.lastBuffering.Store(&ev)
	if d.transition || first || d.percent != prev {
		m.c.emit(ev)
	}
	if !d.transition {
		return
	}

	if !d.paused {
		m.s.initialBuffering.Store(false)
	}
	m.logger.Info("buffering state changed",
		slog.Bool("paused", d.paused),
		slog.Bool("forced", d.forced),
		slog.Int("percent", d.percent))
	m.c.emit(Event{
		Kind:    EventPlaybackState,
		Session: m.s.id.String(),
		Paused:  d.paused,
		Percent: d.percent,
	})
}

func (m *monitor) watermarks() Watermarks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calc.watermarks()
}

func (m *monitor) override(w Watermarks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calc.override(w)
}

func (m *monitor) state() (percent int, initial, buffering bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calc.percent, m.calc.initial, m.calc.buffering
}
