package parser

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/source"
	"github.com/jmylchreest/demuxd/internal/testutil"
)

const fakeContentType = "application/x-fake"

// step is one scripted NextWorkUnit result.
type step struct {
	unit    demux.WorkUnit
	payload []byte
	err     error
}

// fakeCore is a scripted demuxer core. With scripts set, NextWorkUnit
// replays them per stream and then reports end of stream. Otherwise it
// walks frames fixed-size frames of a single stream, supporting offset
// segments the way the framed core does.
type fakeCore struct {
	infos   []demux.StreamInfo
	scripts [][]step
	next    []int
	openErr error
	bitrate int

	frames     int
	frameSize  int
	frameDur   time.Duration
	maxOffsets int
	cursor     int
	committed  int

	offsetCalls  atomic.Int32
	offsetHook   func(call int32)
	callsAtSeek  atomic.Int32
	releases     atomic.Int32
	closed       atomic.Bool
	rate         int32
	drmSession   demux.DRMSession
	rejectRewind bool
}

func (f *fakeCore) Open(context.Context, source.Source) error {
	f.next = make([]int, len(f.infos))
	f.rate = 1000
	return f.openErr
}

func (f *fakeCore) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeCore) StreamCount() int { return len(f.infos) }

func (f *fakeCore) StreamInfo() []demux.StreamInfo { return f.infos }

func (f *fakeCore) SetRate(rate int32) error {
	f.rate = rate
	return nil
}

func (f *fakeCore) Rate() int32 { return f.rate }

func (f *fakeCore) SetPosition(pos *time.Duration) error {
	f.callsAtSeek.Store(f.offsetCalls.Load())
	if f.frameDur <= 0 {
		return demux.ErrNotSupported
	}
	idx := min(max(int(*pos/f.frameDur), 0), f.frames)
	f.cursor, f.committed = idx, idx
	*pos = time.Duration(idx) * f.frameDur
	return nil
}

func (f *fakeCore) Position() time.Duration {
	return time.Duration(f.committed) * f.frameDur
}

func (f *fakeCore) NextWorkUnit(stream int, buf *demux.Buffer) (demux.WorkUnit, error) {
	if f.scripts != nil {
		if f.next[stream] >= len(f.scripts[stream]) {
			return demux.WorkUnit{}, demux.ErrEndOfStream
		}
		s := f.scripts[stream][f.next[stream]]
		if s.err == nil && len(buf.Data) < len(s.payload) {
			return demux.WorkUnit{}, &demux.BufferTooSmallError{Required: len(s.payload)}
		}
		f.next[stream]++
		if s.err != nil {
			return demux.WorkUnit{}, s.err
		}
		n := copy(buf.Data, s.payload)
		wu := s.unit
		wu.Stream = stream
		wu.Size = n
		return wu, nil
	}

	if f.cursor >= f.frames {
		return demux.WorkUnit{}, demux.ErrEndOfStream
	}
	if len(buf.Data) < f.frameSize {
		return demux.WorkUnit{}, &demux.BufferTooSmallError{Required: f.frameSize}
	}
	copy(buf.Data, bytes.Repeat([]byte{byte(f.cursor)}, f.frameSize))
	wu := demux.WorkUnit{
		Stream:   stream,
		PTS:      time.Duration(f.cursor) * f.frameDur,
		Duration: f.frameDur,
		Size:     f.frameSize,
		Flags:    demux.FlagKeyframe,
	}
	f.cursor++
	f.committed = f.cursor
	return wu, nil
}

func (f *fakeCore) MaxOffsets() int { return f.maxOffsets }

func (f *fakeCore) NextOffsets(stream int, seg *demux.OffsetSegment) error {
	call := f.offsetCalls.Add(1)
	if f.offsetHook != nil {
		f.offsetHook(call)
	}
	seg.Owner = f
	seg.Stream = stream
	for !seg.Full() && f.cursor < f.frames {
		seg.Entries = append(seg.Entries, demux.OffsetEntry{
			Offset:   int64(f.cursor * f.frameSize),
			Length:   f.frameSize,
			Flags:    demux.FlagKeyframe,
			PTS:      time.Duration(f.cursor) * f.frameDur,
			Duration: f.frameDur,
		})
		f.cursor++
	}
	if len(seg.Entries) == 0 {
		return demux.ErrEndOfStream
	}
	return nil
}

func (f *fakeCore) ReleaseOffsetSegment(seg *demux.OffsetSegment, _ int) {
	f.releases.Add(1)
	delivered := seg.Entries
	if !seg.Consumed {
		delivered = seg.Entries[:min(seg.Delivered, len(seg.Entries))]
	}
	if n := len(delivered); n > 0 {
		end := int(delivered[n-1].Offset)/f.frameSize + 1
		f.committed = max(f.committed, end)
	}
	seg.Owner = nil
}

func (f *fakeCore) ResetLowPowerMode() error {
	f.cursor = f.committed
	return nil
}

func (f *fakeCore) BufferRequirements(stream int, retry bool) (demux.BufferSpec, bool) {
	if f.frameSize > 0 {
		return demux.BufferSpec{Size: f.frameSize, Count: 4}, true
	}
	return demux.BufferSpec{}, false
}

func (f *fakeCore) Attribute(kind demux.AttributeKind) (any, error) {
	switch kind {
	case demux.AttrBitrate:
		return f.bitrate, nil
	case demux.AttrDuration:
		return time.Duration(f.frames) * f.frameDur, nil
	case demux.AttrBufferedBytes:
		return int64(0), nil
	case demux.AttrMetadata:
		return map[string]string{"title": "fixture"}, nil
	}
	return nil, demux.ErrNotSupported
}

func (f *fakeCore) SetAttribute(kind demux.AttributeKind, value any) error {
	if kind != demux.AttrDRMContext {
		return demux.ErrNotSupported
	}
	f.drmSession, _ = value.(demux.DRMSession)
	return nil
}

// frameData returns the source bytes matching a frame-mode fakeCore.
func frameData(frames, size int) []byte {
	var b bytes.Buffer
	for i := range frames {
		b.Write(bytes.Repeat([]byte{byte(i)}, size))
	}
	return b.Bytes()
}

func audioInfo() demux.StreamInfo {
	return demux.StreamInfo{Index: 0, Type: demux.MediaAudio, Codec: "aac", SampleRate: 48000, Channels: 2}
}

func videoInfo() demux.StreamInfo {
	return demux.StreamInfo{
		Index: 1, Type: demux.MediaVideo, Codec: "h264",
		Width: 1920, Height: 1080, AspectNum: 16, AspectDen: 9,
		FrameDuration: 40 * time.Millisecond,
	}
}

func unitAt(pts time.Duration, payload []byte, flags uint32) step {
	return step{unit: demux.WorkUnit{PTS: pts, DTS: pts, Flags: flags}, payload: payload}
}

// harness runs a Coordinator against a fake core and records everything
// it emits.
type harness struct {
	c    *Coordinator
	core *fakeCore
	src  *testutil.MemorySource

	// newCore and newSource replace core and src for each open when set.
	newCore   func() *fakeCore
	newSource func() *testutil.MemorySource

	mu          sync.Mutex
	events      []Event
	deliveries  []Delivery
	autoRelease bool
}

func newHarness(t *testing.T, core *fakeCore, src *testutil.MemorySource, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{core: core, src: src, autoRelease: true}

	reg := demux.NewRegistry()
	reg.MustRegister(demux.Plugin{
		Name:         "fake",
		ContentTypes: []string{fakeContentType},
		New: func(demux.CoreConfig) demux.Core {
			if h.newCore != nil {
				return h.newCore()
			}
			return h.core
		},
	})

	opts := DefaultOptions()
	opts.Memory = nil
	opts.Registry = reg
	opts.OpenSource = func(context.Context, string) (source.Source, error) {
		if h.newSource != nil {
			return h.newSource(), nil
		}
		return h.src, nil
	}
	opts.Sink = SinkFunc(h.transfer)
	opts.OnEvent = h.event
	opts.Parser.OutputBuffers = 4
	if mutate != nil {
		mutate(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return h
}

func (h *harness) open(t *testing.T) SessionInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := h.c.Open(ctx, Track{URI: "memory://fixture", ContentType: fakeContentType})
	require.NoError(t, err)
	return info
}

func (h *harness) transfer(d Delivery) {
	if d.Kind == DeliveryPayload {
		d.Payload = append([]byte(nil), d.Payload...)
	}
	h.mu.Lock()
	h.deliveries = append(h.deliveries, d)
	release := h.autoRelease
	h.mu.Unlock()
	if release {
		h.c.Release(d)
	}
}

func (h *harness) event(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *harness) eventsOf(kind EventKind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) payloads(stream int) []Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Delivery
	for _, d := range h.deliveries {
		if d.Stream == stream && d.Kind == DeliveryPayload {
			out = append(out, d)
		}
	}
	return out
}

func (h *harness) endOfStreams(stream int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, d := range h.deliveries {
		if d.Stream == stream && d.Kind == DeliveryEndOfStream {
			n++
		}
	}
	return n
}

// drain runs DoWork until every stream has received end of stream.
func (h *harness) drain(t *testing.T, streams int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := h.c.DoWork(); err != nil && !errors.Is(err, demux.ErrCorruptStream) {
			require.NoError(t, err)
		}
		done := true
		for i := range streams {
			if h.endOfStreams(i) == 0 {
				done = false
			}
		}
		if done {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("streams did not end")
}
