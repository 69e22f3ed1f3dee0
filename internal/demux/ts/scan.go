package ts

import (
	"bytes"
	"context"

	"github.com/asticode/go-astits"
)

const packetSize = 188

// scanResult summarises a window of raw transport stream packets.
type scanResult struct {
	packets   int
	scrambled int
	// streamTypes maps elementary PIDs to their PMT stream type.
	streamTypes map[uint16]astits.StreamType
	firstPTS    map[uint16]int64
	lastPTS     map[uint16]int64
}

// syncOffset returns the first offset where three consecutive packets
// start with the sync byte, or -1.
func syncOffset(b []byte) int {
	for i := 0; i+packetSize <= len(b); i++ {
		if b[i] != 0x47 {
			continue
		}
		if i+packetSize < len(b) && b[i+packetSize] != 0x47 {
			continue
		}
		if i+2*packetSize < len(b) && b[i+2*packetSize] != 0x47 {
			continue
		}
		return i
	}
	return -1
}

// scan walks whole packets in b twice: once for scrambling bits, once for
// tables and PES timestamps.
func scan(ctx context.Context, b []byte) scanResult {
	res := scanResult{
		streamTypes: map[uint16]astits.StreamType{},
		firstPTS:    map[uint16]int64{},
		lastPTS:     map[uint16]int64{},
	}
	start := syncOffset(b)
	if start < 0 {
		return res
	}
	b = b[start:]
	b = b[:len(b)-len(b)%packetSize]

	dmx := astits.NewDemuxer(ctx, bytes.NewReader(b), astits.DemuxerOptPacketSize(packetSize))
	for {
		p, err := dmx.NextPacket()
		if err != nil {
			break
		}
		res.packets++
		if p.Header.HasPayload && p.Header.TransportScramblingControl != 0 {
			res.scrambled++
		}
	}

	dmx = astits.NewDemuxer(ctx, bytes.NewReader(b), astits.DemuxerOptPacketSize(packetSize))
	for {
		d, err := dmx.NextData()
		if err != nil {
			break
		}
		if d.PMT != nil {
			for _, es := range d.PMT.ElementaryStreams {
				res.streamTypes[es.ElementaryPID] = es.StreamType
			}
		}
		if d.PES == nil || d.PES.Header == nil || d.PES.Header.OptionalHeader == nil || d.PES.Header.OptionalHeader.PTS == nil {
			continue
		}
		pts := d.PES.Header.OptionalHeader.PTS.Base
		if _, ok := res.firstPTS[d.PID]; !ok {
			res.firstPTS[d.PID] = pts
		}
		res.lastPTS[d.PID] = pts
	}
	return res
}

// Scrambled reports whether a meaningful share of payload packets carry
// scrambling bits.
func (r scanResult) Scrambled() bool {
	return r.scrambled > 0 && r.scrambled*10 >= r.packets
}
