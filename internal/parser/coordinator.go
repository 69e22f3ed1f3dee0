// Package parser implements the track parsing coordinator. It owns the
// single live track session, drives its demuxer core from a worker
// goroutine through a command queue, prefetches offset segments in low
// power mode, monitors cache fill for buffering, and delivers work units
// to per-stream downstream queues.
package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/demuxd/internal/config"
	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/drm"
	"github.com/jmylchreest/demuxd/internal/observability"
	"github.com/jmylchreest/demuxd/internal/source"
)

// ProbeRecord is the result of a successful track open.
type ProbeRecord struct {
	URI      string
	Core     string
	Streams  int
	Codecs   []string
	Bitrate  int64
	Duration time.Duration
}

// ProbeCache remembers which core handled a URI and where playback
// stopped.
type ProbeCache interface {
	LookupCore(ctx context.Context, uri string) (string, bool)
	StoreProbe(ctx context.Context, rec ProbeRecord) error
	StoreBookmark(ctx context.Context, uri string, pos time.Duration) error
}

// Options configures a Coordinator.
type Options struct {
	Parser    config.ParserConfig
	Buffering config.BufferingConfig

	Registry *demux.Registry
	// OpenSource opens the byte source for a track URI.
	OpenSource func(ctx context.Context, uri string) (source.Source, error)
	Sink       Sink
	OnEvent    EventHandler

	// DRM is optional.
	DRM *drm.Manager
	// Probes is optional.
	Probes ProbeCache
	// Memory reports available system memory for the cache ceiling. Nil
	// disables the memory cap.
	Memory func() (uint64, error)

	Logger *slog.Logger
}

// DefaultOptions returns Options populated from the default configuration.
// Registry, OpenSource and Sink must still be set.
func DefaultOptions() Options {
	cfg := config.Default()
	return Options{
		Parser:    cfg.Parser,
		Buffering: cfg.Buffering,
		Memory:    availableMemory,
		Logger:    slog.Default(),
	}
}

// Coordinator is the track parsing coordinator.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	done   chan struct{}
	worker *worker

	// mu guards the session slot. It is held only to read or swap the
	// pointer.
	mu   sync.Mutex
	sess *session

	running          atomic.Bool
	rate             atomic.Int32
	waitRelease      atomic.Bool
	lowPowerWanted   atomic.Bool
	bufferingEnabled atomic.Bool
	cacheOverride    atomic.Int64
	liveSessions     atomic.Int32

	emitMu   sync.Mutex
	shutdown sync.Once
}

// New creates a Coordinator and starts its worker.
func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, errors.New("parser: registry is required")
	}
	if opts.OpenSource == nil {
		return nil, errors.New("parser: source opener is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("parser: sink is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := DefaultOptions()
	if opts.Parser.CommandQueueSize <= 0 {
		opts.Parser = d.Parser
	}
	if opts.Buffering.PollInterval <= 0 {
		opts.Buffering = d.Buffering
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:   opts,
		logger: observability.WithComponent(opts.Logger, "parser"),
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan command, opts.Parser.CommandQueueSize),
		done:   make(chan struct{}),
	}
	c.rate.Store(opts.Parser.Rate)
	c.lowPowerWanted.Store(opts.Parser.LowPower)
	c.bufferingEnabled.Store(opts.Buffering.Enabled)
	c.worker = &worker{c: c, logger: observability.WithComponent(opts.Logger, "parser_worker")}
	go c.worker.run()
	return c, nil
}

// send enqueues cmd, blocking while the queue is full.
func (c *Coordinator) send(ctx context.Context, cmd command) error {
	select {
	case <-c.done:
		return ErrShutdown
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call enqueues cmd and waits for the worker's acknowledgement.
func (c *Coordinator) call(ctx context.Context, cmd command) (result, error) {
	cmd = cmd.withAck()
	if err := c.send(ctx, cmd); err != nil {
		return result{}, err
	}
	select {
	case r := <-cmd.ack:
		return r, r.err
	case <-c.done:
		select {
		case r := <-cmd.ack:
			return r, r.err
		default:
			return result{}, ErrShutdown
		}
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (c *Coordinator) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Coordinator) install(s *session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	c.liveSessions.Add(1)
}

func (c *Coordinator) uninstall(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	c.liveSessions.Add(-1)
}

func (c *Coordinator) emit(ev Event) {
	if c.opts.OnEvent == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.opts.OnEvent(ev)
}

// Open replaces any live session with a new one for track.
func (c *Coordinator) Open(ctx context.Context, track Track) (info SessionInfo, err error) {
	defer observability.TimedOperationWithError(ctx, c.logger, "open_track", &err)()

	if c.current() != nil {
		if _, err := c.call(ctx, newCommand(cmdDeleteSession)); err != nil {
			return SessionInfo{}, fmt.Errorf("closing previous track: %w", err)
		}
	}
	cmd := newCommand(cmdStartParsing)
	cmd.track = track
	cmd.prepareOffsets = c.opts.Parser.PrefetchOffsets
	r, err := c.call(ctx, cmd)
	if err != nil {
		return SessionInfo{}, err
	}
	return r.info, nil
}

// Close destroys the live session, waiting for the worker to finish.
func (c *Coordinator) Close(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return nil
	}
	cmd := newCommand(cmdDeleteSession)
	cmd.session = s
	_, err := c.call(ctx, cmd)
	return err
}

// Start enables delivery and releases the buffering monitor.
func (c *Coordinator) Start() {
	c.running.Store(true)
	if s := c.current(); s != nil && s.monitor != nil {
		s.monitor.signalStart()
	}
}

// Pause stops delivery. Parsing state is kept.
func (c *Coordinator) Pause() {
	c.running.Store(false)
}

// Running reports whether delivery is enabled.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Shutdown destroys the live session and stops the worker.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var err error
	c.shutdown.Do(func() {
		c.running.Store(false)
		_, err = c.call(ctx, newCommand(cmdDestroyThread))
		if errors.Is(err, ErrShutdown) {
			err = nil
		}
		if err == nil {
			select {
			case <-c.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		c.cancel()
	})
	return err
}

// Session returns a description of the live session.
func (c *Coordinator) Session() (SessionInfo, bool) {
	s := c.current()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}
