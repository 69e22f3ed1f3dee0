package framed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/unicode"

	"github.com/jmylchreest/demuxd/internal/testutil"
)

func TestID3TagSize(t *testing.T) {
	tag := testutil.ID3Tag(map[string]string{"TIT2": "Title"})
	assert.Equal(t, len(tag), id3TagSize(tag))

	footer := append([]byte(nil), tag...)
	footer[5] |= 0x10
	assert.Equal(t, len(tag)+10, id3TagSize(footer))

	assert.Zero(t, id3TagSize([]byte("ID3")))
	assert.Zero(t, id3TagSize([]byte{0xFF, 0xFB, 0x94, 0x00, 0, 0, 0, 0, 0, 0}))
	bad := append([]byte(nil), tag...)
	bad[7] = 0x80
	assert.Zero(t, id3TagSize(bad))
}

func TestParseID3(t *testing.T) {
	tag := testutil.ID3Tag(map[string]string{
		"TIT2": "Night Drive",
		"TPE1": "The Examples",
		"TALB": "Fixtures",
		"TDRC": "2024",
		"COMM": "ignored",
	})
	meta := parseID3(tag)
	assert.Equal(t, map[string]string{
		"title":  "Night Drive",
		"artist": "The Examples",
		"album":  "Fixtures",
		"year":   "2024",
	}, meta)

	assert.Nil(t, parseID3(testutil.ID3Tag(nil)))
	assert.Nil(t, parseID3([]byte("not a tag at all")))
}

func TestDecodeID3Text(t *testing.T) {
	utf16, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().Bytes([]byte("Grüße"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		body []byte
		want string
	}{
		{"latin1", append([]byte{0}, 'c', 'a', 'f', 0xE9), "café"},
		{"utf16 with bom", append([]byte{1}, utf16...), "Grüße"},
		{"utf16be", []byte{2, 0x00, 'h', 0x00, 'i'}, "hi"},
		{"utf8 with terminator", append([]byte{3}, "ok\x00"...), "ok"},
		{"unknown encoding", []byte{9, 'x'}, ""},
		{"empty", []byte{3}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeID3Text(tt.body))
		})
	}
}
