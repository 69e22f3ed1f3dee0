package fmp4

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(typ string, body ...[]byte) []byte {
	size := 8
	for _, b := range body {
		size += len(b)
	}
	out := binary.BigEndian.AppendUint32(nil, uint32(size))
	out = append(out, typ...)
	for _, b := range body {
		out = append(out, b...)
	}
	return out
}

func TestParseBoxHeader(t *testing.T) {
	h, err := parseBoxHeader(box("free", make([]byte, 4)))
	require.NoError(t, err)
	assert.Equal(t, boxHeader{size: 12, typ: "free", hdrLen: 8}, h)

	large := []byte{0, 0, 0, 1, 'm', 'd', 'a', 't', 0, 0, 0, 1, 0, 0, 0, 0}
	h, err = parseBoxHeader(large)
	require.NoError(t, err)
	assert.Equal(t, int64(1)<<32, h.size)
	assert.Equal(t, 16, h.hdrLen)

	_, err = parseBoxHeader(large[:12])
	assert.ErrorIs(t, err, errShortBox)
	_, err = parseBoxHeader([]byte{0, 0, 0, 4, 'b', 'a', 'd', '!'})
	assert.Error(t, err)
}

func TestFragmentTime(t *testing.T) {
	tfhd := func(id uint32) []byte {
		return box("tfhd", binary.BigEndian.AppendUint32([]byte{0, 0, 0, 0}, id))
	}
	tfdt32 := box("tfdt", binary.BigEndian.AppendUint32([]byte{0, 0, 0, 0}, 4800))
	tfdt64 := box("tfdt", binary.BigEndian.AppendUint64([]byte{1, 0, 0, 0}, 1<<33))

	moof := append(box("mfhd", make([]byte, 8)), box("traf", tfhd(2), tfdt32)...)
	moof = append(moof, box("traf", tfhd(1), tfdt64)...)

	base, ok := fragmentTime(moof, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(1)<<33, base)

	base, ok = fragmentTime(moof, 2)
	require.True(t, ok)
	assert.Equal(t, uint64(4800), base)

	_, ok = fragmentTime(moof, 3)
	assert.False(t, ok)
}

func TestHasChild(t *testing.T) {
	moov := append(box("mvhd", make([]byte, 4)), box("mvex", box("trex", make([]byte, 4)))...)
	assert.True(t, hasChild(moov, "mvex"))
	assert.False(t, hasChild(moov, "trak"))
}

func TestLengthPrefixedToAnnexB(t *testing.T) {
	payload := []byte{0, 0, 0, 2, 0x65, 0xAA, 0, 0, 0, 1, 0x06}
	params := [][]byte{{0x67, 0x01}, {0x68, 0x02}}

	assert.Equal(t, []byte{
		0, 0, 0, 1, 0x67, 0x01,
		0, 0, 0, 1, 0x68, 0x02,
		0, 0, 0, 1, 0x65, 0xAA,
		0, 0, 0, 1, 0x06,
	}, lengthPrefixedToAnnexB(payload, params, true))

	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 0xAA, 0, 0, 0, 1, 0x06}, lengthPrefixedToAnnexB(payload, params, false))

	// A truncated NAL unit is dropped.
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 0xAA}, lengthPrefixedToAnnexB(append(payload[:6:6], 0, 0, 0, 9, 1), nil, false))
}

func TestScale(t *testing.T) {
	assert.Equal(t, time.Second, scale(90000, 90000))
	assert.Equal(t, 1024*time.Second/48000, scale(1024, 48000))
	assert.Equal(t, time.Duration(0), scale(10, 0))
}
