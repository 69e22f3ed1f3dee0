package parser

import "time"

// StreamStats describes delivery on one stream.
type StreamStats struct {
	Index        int    `json:"index"`
	Type         string `json:"type"`
	Codec        string `json:"codec"`
	Delivered    uint64 `json:"delivered"`
	Bytes        uint64 `json:"bytes"`
	Errors       uint64 `json:"errors"`
	RingDepth    int    `json:"ring_depth"`
	FreeBuffers  int    `json:"free_buffers"`
	TotalBuffers int    `json:"total_buffers"`
	BufferSize   int    `json:"buffer_size"`
	EndOfStream  bool   `json:"end_of_stream"`
}

// Stats is a point-in-time snapshot of the coordinator.
type Stats struct {
	Session          string        `json:"session,omitempty"`
	URI              string        `json:"uri,omitempty"`
	Core             string        `json:"core,omitempty"`
	Running          bool          `json:"running"`
	Rate             int32         `json:"rate"`
	Position         time.Duration `json:"position"`
	LowPower         bool          `json:"low_power"`
	InitialBuffering bool          `json:"initial_buffering"`
	Buffering        bool          `json:"buffering"`
	BufferingPercent int           `json:"buffering_percent"`
	Watermarks       *Watermarks   `json:"watermarks,omitempty"`
	CacheCeiling     int64         `json:"cache_ceiling"`
	OffsetSegments   int64         `json:"offset_segments"`
	WaitingRelease   bool          `json:"waiting_release"`
	Streams          []StreamStats `json:"streams,omitempty"`
}

func (c *Coordinator) Stats() Stats {
	st := Stats{
		Running:        c.running.Load(),
		Rate:           c.rate.Load(),
		WaitingRelease: c.waitRelease.Load(),
	}
	s := c.current()
	if s == nil {
		return st
	}
	st.Session = s.id.String()
	st.URI = s.track.URI
	st.Core = s.coreType
	st.LowPower = s.lowPower.Load()
	st.InitialBuffering = s.initialBuffering.Load()
	st.CacheCeiling = s.policy.ceiling
	st.OffsetSegments = s.offsetSegments.Load()
	st.Position, _ = c.Position()
	if s.monitor != nil {
		w := s.monitor.watermarks()
		st.Watermarks = &w
		st.BufferingPercent, _, st.Buffering = s.monitor.state()
	}
	for i, ss := range s.streams {
		free, total := ss.out.counts()
		stream := StreamStats{
			Index:        i,
			Type:         ss.info.Type.String(),
			Codec:        ss.info.Codec,
			Delivered:    ss.delivered.Load(),
			Bytes:        ss.bytes.Load(),
			Errors:       ss.errorsTotal.Load(),
			FreeBuffers:  free,
			TotalBuffers: total,
			BufferSize:   ss.out.bufferSize(),
			EndOfStream:  ss.eos.Load(),
		}
		if ss.ring != nil {
			stream.RingDepth = ss.ring.ready()
		}
		st.Streams = append(st.Streams, stream)
	}
	return st
}
