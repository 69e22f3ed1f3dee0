package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/drm"
	"github.com/jmylchreest/demuxd/internal/observability"
	"github.com/jmylchreest/demuxd/internal/source"
)

const (
	// maxStreams bounds the stream count a core may report.
	maxStreams = 16
	// probeHeadSize is the number of leading bytes used for content sniffing.
	probeHeadSize = 8 * 1024
)

// Track describes a media item to open.
type Track struct {
	URI string
	// ContentType is the declared MIME type, if known.
	ContentType string
}

// SessionInfo describes an open track session.
type SessionInfo struct {
	ID          string             `json:"id"`
	URI         string             `json:"uri"`
	Core        string             `json:"core"`
	ProbeMethod string             `json:"probe_method"`
	Streams     []demux.StreamInfo `json:"streams"`
	Duration    time.Duration      `json:"duration"`
	Bitrate     int64              `json:"bitrate"`
	LowPower    bool               `json:"low_power"`
	Remote      bool               `json:"remote"`
}

// streamState is the per-stream delivery state. Fields without atomics are
// owned by the delivery loop.
type streamState struct {
	info demux.StreamInfo
	out  *output
	ring *offsetRing
	// seg is the segment being drained by the delivery loop.
	seg *demux.OffsetSegment

	eos     atomic.Bool
	eosSent bool
	errors  int

	lastPTS time.Duration
	hasLast bool

	delivered   atomic.Uint64
	bytes       atomic.Uint64
	errorsTotal atomic.Uint64
}

// session is the single live Track Session. Lifecycle fields are mutated
// only by the worker.
type session struct {
	id       uuid.UUID
	track    Track
	coreType string
	method   demux.ProbeMethod
	logger   *slog.Logger

	src source.Source
	// coreMu serialises calls into the core.
	coreMu sync.Mutex
	core   demux.Core
	closed bool

	fileSize int64
	bitrate  int64
	duration time.Duration
	streams  []*streamState

	lowPowerEligible bool
	// lowPower is the requested mode; deliveryLowPower is the mode the
	// delivery loop is using, switched when it observes resetGen.
	lowPower         atomic.Bool
	deliveryLowPower bool
	rewind           atomic.Bool
	precacheOffsets  bool
	offsetsPrepared  bool
	maxOffsets       int
	offsetSegments   atomic.Int64
	offsetsRequested atomic.Bool

	drm          *drm.Context
	drmCommitted bool

	policy cachePolicy
	// lookahead is how much the source can buffer ahead of the reader,
	// or zero when it does not bound its window.
	lookahead int64
	monitor   *monitor
	// initialBuffering holds delivery until the monitor first resumes.
	initialBuffering atomic.Bool
	lastBuffering    atomic.Pointer[Event]

	// resetGen is bumped by the worker after a seek; the delivery loop
	// resets its per-stream state when it sees a new value.
	resetGen atomic.Uint64
	seenGen  uint64

	videoInitSent bool
	empty         atomic.Bool
	failed        bool
}

// withCore runs fn with exclusive access to the core.
func (s *session) withCore(fn func(demux.Core) error) error {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()
	if s.closed {
		return errStaleSession
	}
	return fn(s.core)
}

func (s *session) info() SessionInfo {
	infos := make([]demux.StreamInfo, len(s.streams))
	for i, st := range s.streams {
		infos[i] = st.info
	}
	return SessionInfo{
		ID:          s.id.String(),
		URI:         s.track.URI,
		Core:        s.coreType,
		ProbeMethod: s.method.String(),
		Streams:     infos,
		Duration:    s.duration,
		Bitrate:     s.bitrate,
		LowPower:    s.lowPower.Load(),
		Remote:      s.src.Remote(),
	}
}

// createSession opens the byte source, probes the content and opens a
// core. Every partially constructed resource is released on failure.
func (c *Coordinator) createSession(ctx context.Context, track Track) (s *session, err error) {
	logger := observability.WithComponent(c.opts.Logger, "track_session")
	defer observability.TimedOperationWithError(ctx, logger, "create_session", &err)()

	src, err := c.opts.OpenSource(ctx, track.URI)
	if err != nil {
		return nil, openError(OpenSourceUnavailable, err)
	}
	defer func() {
		if err != nil {
			src.Close()
		}
	}()

	head, err := demux.ReadHead(ctx, src, probeHeadSize)
	if err != nil {
		return nil, openError(OpenSourceUnavailable, fmt.Errorf("reading head: %w", err))
	}

	plugin, method, err := c.selectPlugin(ctx, track, src, head)
	if err != nil {
		return nil, err
	}

	core := plugin.New(demux.CoreConfig{
		Logger:          c.opts.Logger,
		MaxPendingBytes: int(c.opts.Parser.MaxPendingBytes.Bytes()),
		Readahead:       int(c.opts.Parser.Readahead.Bytes()),
	})
	if err := core.Open(ctx, src); err != nil {
		core.Close()
		return nil, classifyOpenError(err)
	}
	defer func() {
		if err != nil {
			core.Close()
		}
	}()

	n := core.StreamCount()
	if n == 0 || n > maxStreams {
		return nil, openError(OpenCorruptStream, fmt.Errorf("%w: %d streams", demux.ErrCorruptStream, n))
	}
	infos := core.StreamInfo()
	if len(infos) != n {
		return nil, openError(OpenCorruptStream, fmt.Errorf("%w: stream info mismatch", demux.ErrCorruptStream))
	}

	s = &session{
		id:              uuid.New(),
		track:           track,
		coreType:        plugin.Name,
		method:          method,
		src:             src,
		core:            core,
		fileSize:        src.Size(),
		precacheOffsets: c.opts.Parser.PrefetchOffsets,
		maxOffsets:      core.MaxOffsets(),
	}
	s.logger = observability.WithSession(logger, s.id.String())

	if v, err := core.Attribute(demux.AttrBitrate); err == nil {
		if b, ok := v.(int); ok {
			s.bitrate = int64(b)
		}
	}
	if v, err := core.Attribute(demux.AttrDuration); err == nil {
		if d, ok := v.(time.Duration); ok {
			s.duration = d
		}
	}

	s.lowPowerEligible = lowPowerEligible(s.maxOffsets, infos)
	s.lowPower.Store(s.lowPowerEligible && c.lowPowerWanted.Load())
	s.deliveryLowPower = s.lowPower.Load()

	for i, info := range infos {
		size := int(c.opts.Parser.OutputBufferSize.Bytes())
		if spec, ok := core.BufferRequirements(i, false); ok && spec.Size > 0 {
			size = spec.Size
		}
		st := &streamState{
			info: info,
			out:  newOutput(c.opts.Parser.OutputBuffers, size),
		}
		if s.lowPowerEligible {
			st.ring = newOffsetRing(c.opts.Parser.MaxOffsetSegments)
		}
		s.streams = append(s.streams, st)
	}

	if c.opts.DRM != nil {
		if dc := c.opts.DRM.Acquire(); dc != nil {
			s.drm = dc
			if err := core.SetAttribute(demux.AttrDRMContext, dc); err != nil && !errors.Is(err, demux.ErrNotSupported) {
				c.opts.DRM.Release(dc)
				return nil, openError(OpenCorruptStream, err)
			}
			s.drmCommitted = dc.Committed()
		}
	}

	s.policy = newCachePolicy(c.opts.Buffering, infos, c.cacheOverride.Load(), c.opts.Memory)
	if r, ok := src.(source.Resizer); ok {
		s.lookahead = r.SetCacheSize(s.policy.ceiling)
	}
	if src.Remote() && c.bufferingEnabled.Load() {
		c.startMonitor(s)
	}

	s.logger.Info("track session created",
		slog.String("uri", track.URI),
		slog.String("core", s.coreType),
		slog.String("probe", method.String()),
		slog.Int("streams", n),
		slog.Int64("bitrate", s.bitrate),
		slog.Duration("duration", s.duration),
		slog.Bool("low_power", s.lowPower.Load()),
		slog.Int64("cache_ceiling", s.policy.ceiling),
		slog.Int64("lookahead", s.lookahead))

	c.storeProbe(ctx, s)
	return s, nil
}

// selectPlugin resolves the core for a track, consulting the probe cache
// before the registry.
func (c *Coordinator) selectPlugin(ctx context.Context, track Track, src source.Source, head []byte) (demux.Plugin, demux.ProbeMethod, error) {
	hint := demux.ProbeHint{ContentType: track.ContentType, Path: track.URI}
	if hint.ContentType == "" {
		hint.ContentType = src.ContentType()
	}
	if hint.ContentType == "" && c.opts.Probes != nil {
		if name, ok := c.opts.Probes.LookupCore(ctx, track.URI); ok {
			if p, ok := c.opts.Registry.Lookup(name); ok && (p.Sniff == nil || p.Sniff(head)) {
				return p, demux.ProbeDeclared, nil
			}
		}
	}
	res, err := c.opts.Registry.Probe(hint, head)
	if err != nil {
		return demux.Plugin{}, 0, openError(OpenUnsupportedFormat, err)
	}
	return res.Plugin, res.Method, nil
}

func (c *Coordinator) storeProbe(ctx context.Context, s *session) {
	if c.opts.Probes == nil {
		return
	}
	codecs := make([]string, len(s.streams))
	for i, st := range s.streams {
		codecs[i] = st.info.Codec
	}
	rec := ProbeRecord{
		URI:      s.track.URI,
		Core:     s.coreType,
		Streams:  len(s.streams),
		Codecs:   codecs,
		Bitrate:  s.bitrate,
		Duration: s.duration,
	}
	if err := c.opts.Probes.StoreProbe(ctx, rec); err != nil {
		s.logger.Warn("storing probe result failed", slog.String("error", err.Error()))
	}
}

// close tears the session down: monitor, offset rings, core, source, DRM.
func (c *Coordinator) closeSession(ctx context.Context, s *session) {
	if s.monitor != nil {
		s.monitor.stop()
	}
	if s.lowPowerEligible {
		s.flushOffsets()
		s.releaseHeld()
	}

	var pos time.Duration
	s.coreMu.Lock()
	if !s.closed {
		pos = s.core.Position()
		if err := s.core.Close(); err != nil {
			s.logger.Warn("closing core failed", slog.String("error", err.Error()))
		}
		s.closed = true
	}
	s.coreMu.Unlock()

	if err := s.src.Close(); err != nil {
		s.logger.Debug("closing source failed", slog.String("error", err.Error()))
	}

	if s.drm != nil {
		if err := c.opts.DRM.Release(s.drm); err != nil {
			s.logger.Warn("releasing drm context failed", slog.String("error", err.Error()))
		}
	}

	if c.opts.Probes != nil && pos > 0 {
		if err := c.opts.Probes.StoreBookmark(ctx, s.track.URI, pos); err != nil {
			s.logger.Warn("storing bookmark failed", slog.String("error", err.Error()))
		}
	}
	s.logger.Info("track session closed", slog.Duration("position", pos))
}

// sample gathers the monitor's view of the session.
func (c *Coordinator) sample(s *session) sample {
	smp := sample{levels: s.src.Levels(), fed: true, starved: true, eos: true}
	_ = s.withCore(func(core demux.Core) error {
		v, err := core.Attribute(demux.AttrBufferedBytes)
		if err == nil {
			switch n := v.(type) {
			case int64:
				smp.coreBuffered = n
			case int:
				smp.coreBuffered = int64(n)
			}
		}
		return nil
	})
	for _, st := range s.streams {
		free, total := st.out.counts()
		frac := c.opts.Buffering.StarvedFraction
		if st.info.Bitrate > 0 && int64(st.info.Bitrate) < c.opts.Buffering.LowBitrateCutoff {
			frac = c.opts.Buffering.LowBitrateStarvedFraction
		}
		starved := total > 0 && float64(free) >= frac*float64(total)
		smp.starved = smp.starved && starved
		smp.fed = smp.fed && !starved
		smp.eos = smp.eos && st.eos.Load()
	}
	return smp
}
