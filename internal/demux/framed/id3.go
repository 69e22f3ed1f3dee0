package framed

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const id3HeaderSize = 10

// id3TagSize returns the full size of an ID3v2 tag starting at b, or 0 when
// b does not start with a tag header.
func id3TagSize(b []byte) int {
	if len(b) < id3HeaderSize || !bytes.HasPrefix(b, []byte("ID3")) {
		return 0
	}
	if b[3] == 0xFF || b[4] == 0xFF {
		return 0
	}
	for _, c := range b[6:10] {
		if c&0x80 != 0 {
			return 0
		}
	}
	size := id3HeaderSize + syncsafe(b[6:10])
	if b[5]&0x10 != 0 {
		size += id3HeaderSize // footer
	}
	return size
}

func syncsafe(b []byte) int {
	return int(b[0])<<21 | int(b[1])<<14 | int(b[2])<<7 | int(b[3])
}

var id3TextFrames = map[string]string{
	"TIT2": "title",
	"TPE1": "artist",
	"TALB": "album",
	"TCON": "genre",
	"TRCK": "track",
	"TYER": "year",
	"TDRC": "year",
}

// parseID3 extracts common text frames from a complete ID3v2.3 or v2.4 tag.
func parseID3(tag []byte) map[string]string {
	if id3TagSize(tag) == 0 || len(tag) < id3HeaderSize {
		return nil
	}
	version := tag[3]
	if version < 3 {
		return nil
	}
	end := min(len(tag), id3HeaderSize+syncsafe(tag[6:10]))
	pos := id3HeaderSize
	if tag[5]&0x40 != 0 && pos+4 <= end {
		// extended header
		var ext int
		if version == 4 {
			ext = syncsafe(tag[pos : pos+4])
		} else {
			ext = 4 + (int(tag[pos])<<24 | int(tag[pos+1])<<16 | int(tag[pos+2])<<8 | int(tag[pos+3]))
		}
		pos += ext
	}

	meta := map[string]string{}
	for pos+10 <= end {
		id := string(tag[pos : pos+4])
		if id[0] == 0 {
			break
		}
		var size int
		if version == 4 {
			size = syncsafe(tag[pos+4 : pos+8])
		} else {
			size = int(tag[pos+4])<<24 | int(tag[pos+5])<<16 | int(tag[pos+6])<<8 | int(tag[pos+7])
		}
		pos += 10
		if size <= 0 || pos+size > end {
			break
		}
		if key, ok := id3TextFrames[id]; ok {
			if v := decodeID3Text(tag[pos : pos+size]); v != "" {
				meta[key] = v
			}
		}
		pos += size
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// decodeID3Text decodes a text frame body: one encoding byte followed by text.
func decodeID3Text(body []byte) string {
	if len(body) < 2 {
		return ""
	}
	var dec *encoding.Decoder
	switch body[0] {
	case 0:
		dec = charmap.ISO8859_1.NewDecoder()
	case 1:
		dec = unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
	case 2:
		dec = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	case 3:
		return strings.TrimRight(string(body[1:]), "\x00")
	default:
		return ""
	}
	out, err := dec.Bytes(body[1:])
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(out), "\x00")
}
