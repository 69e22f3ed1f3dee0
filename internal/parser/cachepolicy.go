package parser

import (
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jmylchreest/demuxd/internal/codec"
	"github.com/jmylchreest/demuxd/internal/config"
	"github.com/jmylchreest/demuxd/internal/demux"
)

// memoryFunc reports available system memory in bytes.
type memoryFunc func() (uint64, error)

func availableMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// cachePolicy is the cache ceiling chosen for a session.
type cachePolicy struct {
	ceiling   int64
	audioOnly bool
	// memoryCapped is set when available memory lowered the ceiling.
	memoryCapped bool
}

func newCachePolicy(cfg config.BufferingConfig, streams []demux.StreamInfo, override int64, memory memoryFunc) cachePolicy {
	p := cachePolicy{audioOnly: true}
	for _, st := range streams {
		if st.Type == demux.MediaVideo {
			p.audioOnly = false
		}
	}
	p.ceiling = cfg.VideoCache.Bytes()
	if p.audioOnly {
		p.ceiling = cfg.AudioCache.Bytes()
	}
	if override > 0 {
		p.ceiling = override
	}
	if memory != nil {
		if free, err := memory(); err == nil && free > 0 {
			limit := int64(float64(free) * cfg.MemoryFraction)
			if limit > 0 && limit < p.ceiling {
				p.ceiling = limit
				p.memoryCapped = true
			}
		}
	}
	return p
}

// lowPowerEligible reports whether every stream of a track can be
// delivered from offset segments.
func lowPowerEligible(maxOffsets int, streams []demux.StreamInfo) bool {
	if maxOffsets <= 0 {
		return false
	}
	for _, st := range streams {
		if st.Type == demux.MediaVideo || !codec.FrameDirect(st.Codec) {
			return false
		}
	}
	return true
}
