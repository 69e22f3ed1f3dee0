package m3u

import (
	"bytes"
	"compress/gzip"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

const albumPlaylist = `#EXTM3U
#EXTINF:215,Artist - Opening
01 Opening.mp3
#EXTINF:187.5 album="Live, Vol. 2" artist="Band",Second Song
sub/02%20Second.m4a

# comment line
#EXTINF:-1,Radio
http://radio.example.com/live.aac
`

func TestParseAll(t *testing.T) {
	entries, err := ParseAll(strings.NewReader(albumPlaylist), "/music/album/list.m3u")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "/music/album/01 Opening.mp3", entries[0].URI)
	assert.Equal(t, "Artist - Opening", entries[0].Title)
	assert.Equal(t, 215*time.Second, entries[0].Duration)

	assert.Equal(t, "/music/album/sub/02%20Second.m4a", entries[1].URI)
	assert.Equal(t, "Second Song", entries[1].Title)
	assert.Equal(t, 187500*time.Millisecond, entries[1].Duration)
	assert.Equal(t, map[string]string{"album": "Live, Vol. 2", "artist": "Band"}, entries[1].Attrs)

	assert.Equal(t, "http://radio.example.com/live.aac", entries[2].URI)
	assert.Less(t, entries[2].Duration, time.Duration(0))
}

func TestParse_ByteOrderMark(t *testing.T) {
	input := "\ufeff#EXTM3U\n#EXTINF:3,Intro\nintro.mp3\n"
	entries, err := ParseAll(strings.NewReader(input), "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Intro", entries[0].Title)
	assert.Equal(t, "intro.mp3", entries[0].URI)
}

func TestParse_PlainList(t *testing.T) {
	input := "track1.mp3\r\nhttp://example.com/a%20b.aac?token=1\n"
	entries, err := ParseAll(strings.NewReader(input), "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "track1", entries[0].Title)
	assert.Equal(t, "track1.mp3", entries[0].URI)
	assert.Equal(t, "a b", entries[1].Title)
	assert.Equal(t, time.Duration(-1), entries[1].Duration)
}

func TestParse_InvalidExtinfSkipsEntry(t *testing.T) {
	input := "#EXTM3U\n#EXTINF:abc,Broken\nbroken.mp3\n#EXTINF:10,Good\ngood.mp3\n"
	var lines []int
	var uris []string
	p := &Parser{
		OnEntry: func(e *Entry) error {
			uris = append(uris, e.URI)
			return nil
		},
		OnError: func(n int, _ error) { lines = append(lines, n) },
	}
	require.NoError(t, p.Parse(strings.NewReader(input)))
	assert.Equal(t, []int{2}, lines)
	// The URI after a bad EXTINF still counts as a plain entry.
	assert.Equal(t, []string{"broken.mp3", "good.mp3"}, uris)
}

func TestParse_CallbackError(t *testing.T) {
	stop := errors.New("stop")
	p := &Parser{OnEntry: func(*Entry) error { return stop }}
	err := p.Parse(strings.NewReader("a.mp3\nb.mp3\n"))
	require.ErrorIs(t, err, stop)
	assert.Contains(t, err.Error(), "line 1")
}

func TestParse_NoCallback(t *testing.T) {
	var p Parser
	assert.ErrorIs(t, p.Parse(strings.NewReader("a.mp3")), ErrNoCallback)
}

func TestParseCompressed(t *testing.T) {
	compressors := map[string]func(t *testing.T, data []byte) []byte{
		"gzip": func(t *testing.T, data []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, err := w.Write(data)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			return buf.Bytes()
		},
		"bzip2": func(t *testing.T, data []byte) []byte {
			var buf bytes.Buffer
			w, err := bzip2.NewWriter(&buf, nil)
			require.NoError(t, err)
			_, err = w.Write(data)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			return buf.Bytes()
		},
		"xz": func(t *testing.T, data []byte) []byte {
			var buf bytes.Buffer
			w, err := xz.NewWriter(&buf)
			require.NoError(t, err)
			_, err = w.Write(data)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			return buf.Bytes()
		},
		"plain": func(_ *testing.T, data []byte) []byte { return data },
	}

	for name, compress := range compressors {
		t.Run(name, func(t *testing.T) {
			entries, err := ParseAll(bytes.NewReader(compress(t, []byte(albumPlaylist))), "")
			require.NoError(t, err)
			assert.Len(t, entries, 3)
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name, base, ref, want string
	}{
		{"no base", "", "a.mp3", "a.mp3"},
		{"absolute path", "/lists/x.m3u", "/music/a.mp3", "/music/a.mp3"},
		{"relative path", "/lists/x.m3u", "../music/a.mp3", "/music/a.mp3"},
		{"absolute url", "/lists/x.m3u", "https://h/a.mp3", "https://h/a.mp3"},
		{"relative to url", "https://h/lists/x.m3u", "a.mp3", "https://h/lists/a.mp3"},
		{"rooted on url", "https://h/lists/x.m3u", "/a.mp3", "https://h/a.mp3"},
		{"file url base", "file:///lists/x.m3u", "a.mp3", "file:///lists/a.mp3"},
		{"rooted on file url", "file:///lists/x.m3u", "/music/a.mp3", "file:///music/a.mp3"},
		{"rooted with query", "http://h:8080/p/list.m3u?token=1", "/seg/a.aac", "http://h:8080/seg/a.aac"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.base, tt.ref))
		})
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteEntry(&Entry{URI: "/m/a.mp3", Title: "A", Duration: 1500 * time.Millisecond}))
	require.NoError(t, w.WriteEntry(&Entry{
		URI: "http://h/live", Title: "Live", Duration: -1,
		Attrs: map[string]string{"core": "ts", "codecs": `aac"h264`},
	}))

	want := "#EXTM3U\n" +
		"#EXTINF:2,A\n/m/a.mp3\n" +
		"#EXTINF:-1 codecs=\"aac'h264\" core=\"ts\",Live\nhttp://h/live\n"
	assert.Equal(t, want, buf.String())

	entries, err := ParseAll(&buf, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ts", entries[1].Attrs["core"])
}
