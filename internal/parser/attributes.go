package parser

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/demuxd/internal/demux"
)

// SetPosition seeks the live session and returns the position reached.
func (c *Coordinator) SetPosition(ctx context.Context, pos time.Duration) (time.Duration, error) {
	s := c.current()
	if s == nil {
		return 0, ErrNoSession
	}
	cmd := newCommand(cmdAdjustForSeek)
	cmd.session = s
	cmd.position = pos
	r, err := c.call(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return r.position, nil
}

// Position returns the core's current position.
func (c *Coordinator) Position() (time.Duration, error) {
	s := c.current()
	if s == nil {
		return 0, ErrNoSession
	}
	var pos time.Duration
	err := s.withCore(func(core demux.Core) error {
		pos = core.Position()
		return nil
	})
	return pos, err
}

// SetRate sets the playback rate in per-mille. Rates above 1000 enable
// trick-play frame skipping on video streams.
func (c *Coordinator) SetRate(rate int32) error {
	if rate == 0 {
		return fmt.Errorf("rate must not be zero")
	}
	if s := c.current(); s != nil {
		if err := s.withCore(func(core demux.Core) error { return core.SetRate(rate) }); err != nil {
			return fmt.Errorf("setting rate: %w", err)
		}
	}
	c.rate.Store(rate)
	return nil
}

func (c *Coordinator) Rate() int32 { return c.rate.Load() }

// SetLowPowerMode toggles batched offset delivery. It only takes effect
// for tracks whose streams qualify.
func (c *Coordinator) SetLowPowerMode(ctx context.Context, enabled bool) error {
	cmd := newCommand(cmdToggleLowPower)
	cmd.enabled = enabled
	_, err := c.call(ctx, cmd)
	return err
}

// LowPowerMode reports whether the live session delivers from offsets.
func (c *Coordinator) LowPowerMode() bool {
	if s := c.current(); s != nil {
		return s.lowPower.Load()
	}
	return c.lowPowerWanted.Load()
}

// SetBuffering enables or disables the buffering monitor for remote
// tracks opened afterwards. Disabling also stops the live session's
// monitor and releases any pending initial buffering.
func (c *Coordinator) SetBuffering(enabled bool) {
	c.bufferingEnabled.Store(enabled)
	s := c.current()
	if s == nil || enabled || s.monitor == nil {
		return
	}
	s.monitor.stop()
	s.initialBuffering.Store(false)
}

// SetCacheSize overrides the cache ceiling for tracks opened afterwards.
// Zero restores the configured ceilings.
func (c *Coordinator) SetCacheSize(bytes int64) {
	c.cacheOverride.Store(max(bytes, 0))
}

// SetCacheThresholds overrides the watermarks of the live session.
func (c *Coordinator) SetCacheThresholds(w Watermarks) error {
	if w.Low <= 0 || w.High < w.Low || w.Start < w.Low || w.Start > w.High {
		return ErrInvalidWatermarks
	}
	s := c.current()
	if s == nil {
		return ErrNoSession
	}
	if s.monitor == nil {
		return ErrBufferingInactive
	}
	s.monitor.override(w)
	return nil
}

// Watermarks returns the live session's current thresholds.
func (c *Coordinator) Watermarks() (Watermarks, bool) {
	s := c.current()
	if s == nil || s.monitor == nil {
		return Watermarks{}, false
	}
	return s.monitor.watermarks(), true
}

// SetTrackURI replaces the live session with a new track without waiting.
// Failures are reported as EventTrackListError.
func (c *Coordinator) SetTrackURI(ctx context.Context, track Track) error {
	cmd := newCommand(cmdCreateSession)
	cmd.track = track
	return c.send(ctx, cmd)
}
