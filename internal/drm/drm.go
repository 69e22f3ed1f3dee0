// Package drm tracks the shared DRM context handed to demuxer cores. A
// context is destroyed once playback and license metering have both
// finished and no track session still references it.
package drm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jmylchreest/demuxd/internal/observability"
)

var (
	// ErrDestroyed is returned for operations on a destroyed context.
	ErrDestroyed = errors.New("drm: context destroyed")
	// ErrActive is returned by Create while another context is still alive.
	ErrActive = errors.New("drm: a context is already active")
)

// Options configures a new Context.
type Options struct {
	// Handle is the opaque license-system handle.
	Handle any
	// UpdateMetering reports playback usage to the license system.
	UpdateMetering func(ctx context.Context) error
	// Destroy releases the license-system handle.
	Destroy func() error
}

// State is a snapshot of a Context's lifecycle flags.
type State struct {
	Refs         int
	Committed    bool
	PlaybackDone bool
	MeteringDone bool
	Destroyed    bool
}

// Context is one DRM context. It implements demux.DRMSession.
type Context struct {
	id             uuid.UUID
	handle         any
	updateMetering func(context.Context) error
	destroyFn      func() error
	mgr            *Manager

	mu           sync.Mutex
	refs         int
	committed    bool
	playbackDone bool
	meteringDone bool
	destroyed    bool
}

func (c *Context) ID() uuid.UUID { return c.id }

func (c *Context) Handle() any { return c.handle }

// Commit marks the context as in use by protected content.
func (c *Context) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	if !c.committed {
		c.committed = true
		c.mgr.logger.Debug("drm context committed", slog.String("drm_id", c.id.String()))
	}
	return nil
}

// Committed reports whether a core committed the context.
func (c *Context) Committed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// SetPlaybackDone records that playback of protected content finished.
func (c *Context) SetPlaybackDone() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.playbackDone = true
	c.mu.Unlock()
	return c.mgr.maybeDestroy(c)
}

// UpdateMetering reports usage to the license system. done marks metering
// as complete.
func (c *Context) UpdateMetering(ctx context.Context, done bool) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	fn := c.updateMetering
	c.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("updating metering: %w", err)
		}
	}
	if !done {
		return nil
	}
	c.mu.Lock()
	c.meteringDone = true
	c.mu.Unlock()
	return c.mgr.maybeDestroy(c)
}

// Destroyed reports whether the context has been destroyed.
func (c *Context) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Refs:         c.refs,
		Committed:    c.committed,
		PlaybackDone: c.playbackDone,
		MeteringDone: c.meteringDone,
		Destroyed:    c.destroyed,
	}
}

// Manager owns at most one live Context.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	current *Context
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: observability.WithComponent(logger, "drm")}
}

// Create installs a new context. It fails while the previous context is
// still alive.
func (m *Manager) Create(opts Options) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return nil, ErrActive
	}
	c := &Context{
		id:             uuid.New(),
		handle:         opts.Handle,
		updateMetering: opts.UpdateMetering,
		destroyFn:      opts.Destroy,
		mgr:            m,
	}
	m.current = c
	m.logger.Info("drm context created", slog.String("drm_id", c.id.String()))
	return c, nil
}

// Current returns the live context, or nil.
func (m *Manager) Current() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Acquire takes a reference on the live context. It returns nil when there
// is none.
func (m *Manager) Acquire() *Context {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	c.refs++
	return c
}

// Release drops a reference taken with Acquire and destroys the context if
// nothing else keeps it alive.
func (m *Manager) Release(c *Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.refs > 0 {
		c.refs--
	}
	c.mu.Unlock()
	return m.maybeDestroy(c)
}

func (m *Manager) maybeDestroy(c *Context) error {
	c.mu.Lock()
	if c.destroyed || !c.playbackDone || !c.meteringDone || c.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	fn := c.destroyFn
	c.mu.Unlock()

	m.mu.Lock()
	if m.current == c {
		m.current = nil
	}
	m.mu.Unlock()

	m.logger.Info("drm context destroyed", slog.String("drm_id", c.id.String()))
	if fn != nil {
		if err := fn(); err != nil {
			return fmt.Errorf("destroying drm context: %w", err)
		}
	}
	return nil
}
