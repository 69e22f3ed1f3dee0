package parser

import (
	"time"

	"github.com/jmylchreest/demuxd/internal/config"
	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/source"
)

// Watermarks are cache fill thresholds in bytes. Playback pauses for
// buffering below Low and resumes once Start bytes are buffered.
type Watermarks struct {
	High  int64 `json:"high"`
	Low   int64 `json:"low"`
	Start int64 `json:"start"`
}

const (
	// bitsPerPixel approximates compressed video density when a stream
	// carries no bitrate.
	bitsPerPixel = 0.1
	defaultFPS   = 25
)

// estimateBitrate returns bitrate when known, otherwise a guess from the
// video frame dimensions, otherwise fallback.
func estimateBitrate(bitrate int64, streams []demux.StreamInfo, fallback int64) int64 {
	if bitrate > 0 {
		return bitrate
	}
	var sum int64
	for _, st := range streams {
		if st.Bitrate > 0 {
			sum += int64(st.Bitrate)
			continue
		}
		if st.Type == demux.MediaVideo && st.Width > 0 && st.Height > 0 {
			fps := float64(defaultFPS)
			if st.FrameDuration > 0 {
				fps = float64(time.Second) / float64(st.FrameDuration)
			}
			sum += int64(float64(st.Width*st.Height) * fps * bitsPerPixel)
		}
	}
	if sum > 0 {
		return sum
	}
	return fallback
}

// computeWatermarks converts the configured durations into byte
// thresholds at bitrate, capped at ceiling.
func computeWatermarks(cfg config.BufferingConfig, bitrate, ceiling int64) Watermarks {
	bytesPerSec := max(bitrate/8, 1)
	at := func(d time.Duration) int64 {
		n := int64(float64(bytesPerSec) * d.Seconds())
		if ceiling > 0 {
			n = min(n, ceiling)
		}
		return max(n, 1)
	}
	return Watermarks{
		High:  at(cfg.HighWatermark),
		Low:   at(cfg.LowWatermark),
		Start: at(cfg.StartWatermark),
	}
}

func (w Watermarks) clamp(limit int64) Watermarks {
	if limit < 0 {
		return w
	}
	return Watermarks{High: min(w.High, limit), Low: min(w.Low, limit), Start: min(w.Start, limit)}
}

// sample is one observation taken by the buffering monitor.
type sample struct {
	levels       source.Levels
	coreBuffered int64
	// fed: every stream's downstream queue holds enough data.
	fed bool
	// starved: every stream's downstream queue is starved.
	starved bool
	eos     bool
}

type decision struct {
	percent    int
	paused     bool
	transition bool
	// forced marks a resume by the stuck-source fallback.
	forced bool
}

// calculator is the buffering state machine. It is not safe for
// concurrent use.
type calculator struct {
	cfg config.BufferingConfig

	base    Watermarks
	cur     Watermarks
	relaxed bool
	// estimatedSize stands in for the source size while it is unknown.
	estimatedSize int64

	buffering bool
	initial   bool
	percent   int

	lastProduced int64
	stuck        int
	waited       int
}

func newCalculator(cfg config.BufferingConfig, marks Watermarks, estimatedSize int64) *calculator {
	return &calculator{
		cfg:           cfg,
		base:          marks,
		cur:           marks,
		estimatedSize: estimatedSize,
		initial:       true,
		lastProduced:  -1,
	}
}

func (c *calculator) watermarks() Watermarks { return c.cur }

// override replaces the thresholds, keeping end-of-file relaxation.
func (c *calculator) override(w Watermarks) {
	c.base = w
	if !c.relaxed {
		c.cur = w
	}
}

func (c *calculator) tick(s sample) decision {
	end := s.levels.End
	if end < 0 {
		end = c.estimatedSize
	} else if end != c.estimatedSize {
		c.estimatedSize = end
		c.base = c.base.clamp(end)
		if !c.relaxed {
			c.cur = c.base
		}
	}

	produced := s.levels.Produced
	avail := max(produced-s.levels.Consumed, 0) + s.coreBuffered
	known := s.levels.End >= 0
	done := known && produced >= s.levels.End

	if known {
		remaining := max(s.levels.End-produced, 0)
		switch {
		case remaining <= c.cur.Low:
			c.cur = Watermarks{
				High:  remaining,
				Low:   remaining,
				Start: min(c.cur.Start, remaining),
			}
			c.relaxed = true
		case c.relaxed && remaining > c.base.Low:
			c.cur = c.base
			c.relaxed = false
		}
	}

	switch {
	case end > 0:
		c.percent = int(min(max(produced*100/end, 0), 100))
	case c.cur.High > 0:
		c.percent = int(min(avail*100/c.cur.High, 100))
	}

	progress := produced != c.lastProduced
	c.lastProduced = produced
	if progress {
		c.stuck = 0
	}

	var d decision
	switch {
	case c.initial:
		c.waited++
		if avail >= c.cur.Start || done || s.fed || c.waited >= c.cfg.InitialWaitTicks {
			c.initial = false
			c.buffering = false
			d.transition = true
		}
	case c.buffering:
		switch {
		case avail >= c.cur.Start || done || s.eos:
			c.buffering = false
			d.transition = true
		case !progress:
			c.stuck++
			if c.stuck >= c.cfg.StuckTicks {
				c.buffering = false
				c.stuck = 0
				d.transition = true
				d.forced = true
				c.percent = 100
			}
		}
	case !done && !s.eos && avail < c.cur.Low && s.starved:
		c.buffering = true
		d.transition = true
	}

	d.percent = c.percent
	d.paused = c.initial || c.buffering
	return d
}
