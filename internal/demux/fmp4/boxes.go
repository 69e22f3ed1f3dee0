package fmp4

import (
	"encoding/binary"
	"errors"
)

var errShortBox = errors.New("fmp4: truncated box")

// boxHeader is an ISO BMFF box header. size is the full box size including
// the header; zero means the box extends to the end of the file.
type boxHeader struct {
	size   int64
	typ    string
	hdrLen int
}

func parseBoxHeader(b []byte) (boxHeader, error) {
	if len(b) < 8 {
		return boxHeader{}, errShortBox
	}
	h := boxHeader{
		size:   int64(binary.BigEndian.Uint32(b)),
		typ:    string(b[4:8]),
		hdrLen: 8,
	}
	if h.size == 1 {
		if len(b) < 16 {
			return boxHeader{}, errShortBox
		}
		h.size = int64(binary.BigEndian.Uint64(b[8:]))
		h.hdrLen = 16
	}
	if h.size != 0 && h.size < int64(h.hdrLen) {
		return boxHeader{}, errors.New("fmp4: invalid box size")
	}
	return h, nil
}

// children iterates the direct child boxes of a container payload.
func children(payload []byte, fn func(h boxHeader, body []byte) bool) {
	for len(payload) >= 8 {
		h, err := parseBoxHeader(payload)
		if err != nil {
			return
		}
		size := h.size
		if size == 0 || size > int64(len(payload)) {
			size = int64(len(payload))
		}
		if !fn(h, payload[h.hdrLen:size]) {
			return
		}
		payload = payload[size:]
	}
}

// hasChild reports whether a container payload holds a box of type typ.
func hasChild(payload []byte, typ string) bool {
	found := false
	children(payload, func(h boxHeader, _ []byte) bool {
		found = h.typ == typ
		return !found
	})
	return found
}

// fragmentTime returns the tfdt base media decode time of track id inside
// a moof payload.
func fragmentTime(moof []byte, id uint32) (uint64, bool) {
	var out uint64
	var ok bool
	children(moof, func(h boxHeader, traf []byte) bool {
		if h.typ != "traf" {
			return true
		}
		var trackID uint32
		var base uint64
		var haveBase bool
		children(traf, func(h boxHeader, body []byte) bool {
			switch h.typ {
			case "tfhd":
				if len(body) >= 8 {
					trackID = binary.BigEndian.Uint32(body[4:])
				}
			case "tfdt":
				switch {
				case len(body) >= 12 && body[0] == 1:
					base, haveBase = binary.BigEndian.Uint64(body[4:]), true
				case len(body) >= 8:
					base, haveBase = uint64(binary.BigEndian.Uint32(body[4:])), true
				}
			}
			return true
		})
		if trackID == id && haveBase {
			out, ok = base, true
			return false
		}
		return true
	})
	return out, ok
}

// majorBrand returns the major brand of an ftyp payload.
func majorBrand(ftyp []byte) string {
	if len(ftyp) < 4 {
		return ""
	}
	return string(ftyp[:4])
}

// lengthPrefixedToAnnexB converts 4-byte length prefixed NAL units to Annex B,
// prepending params on keyframes.
func lengthPrefixedToAnnexB(payload []byte, params [][]byte, key bool) []byte {
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	out := make([]byte, 0, len(payload)+64)
	if key {
		for _, p := range params {
			if len(p) > 0 {
				out = append(out, startCode...)
				out = append(out, p...)
			}
		}
	}
	for off := 0; off+4 <= len(payload); {
		n := int(binary.BigEndian.Uint32(payload[off:]))
		off += 4
		if n < 0 || off+n > len(payload) {
			break
		}
		out = append(out, startCode...)
		out = append(out, payload[off:off+n]...)
		off += n
	}
	return out
}
