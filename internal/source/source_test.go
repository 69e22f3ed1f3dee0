package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readAtWait retries ReadAt until the data is available.
func readAtWait(t *testing.T, src Source, p []byte, off int64) (int, error) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		ready := src.Ready()
		n, err := src.ReadAt(p, off)
		if !errors.Is(err, ErrNotReady) {
			return n, err
		}
		select {
		case <-ready:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out reading %d bytes at %d", len(p), off)
			return 0, err
		}
	}
}

// readAll reads src sequentially in small chunks.
func readAll(t *testing.T, src Source) []byte {
	t.Helper()
	var out bytes.Buffer
	p := make([]byte, 1000)
	var off int64
	for {
		n, err := readAtWait(t, src, p, off)
		out.Write(p[:n])
		off += int64(n)
		if err == io.EOF {
			return out.Bytes()
		}
		require.NoError(t, err)
	}
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WindowSize = 16 * 1024
	cfg.ReadChunk = 1024
	cfg.HLSPollInterval = 10 * time.Millisecond
	cfg.HTTP.RetryAttempts = 0
	cfg.HTTP.Timeout = 2 * time.Second
	return cfg
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "track.aac")
	payload := testPayload(4096)
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, int64(4096), src.Size())
	assert.False(t, src.Remote())
	assert.True(t, src.Seekable())
	assert.True(t, src.Done())
	assert.Equal(t, int64(96), src.Available(4000))
	assert.Equal(t, int64(0), src.Available(5000))

	p := make([]byte, 100)
	n, err := src.ReadAt(p, 1000)
	require.NoError(t, err)
	assert.Equal(t, payload[1000:1100], p[:n])
	assert.Equal(t, int64(1100), src.Levels().Consumed)

	// An earlier read never moves the consumed mark backwards.
	_, err = src.ReadAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), src.Levels().Consumed)

	select {
	case <-src.Ready():
	default:
		t.Fatal("file source should always be ready")
	}

	require.NoError(t, src.Close())
	assert.NoError(t, src.Close())
}

func TestOpenFile_Errors(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.mp3"))
	assert.Error(t, err)

	_, err = OpenFile(t.TempDir())
	assert.Error(t, err)
}

func serveBytes(payload []byte, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		http.ServeContent(w, r, "track", time.Time{}, bytes.NewReader(payload))
	}
}

func TestHTTPSource_SequentialRead(t *testing.T) {
	payload := testPayload(100 * 1024)
	srv := httptest.NewServer(serveBytes(payload, "audio/aac; charset=binary"))
	defer srv.Close()

	src, err := OpenHTTP(context.Background(), srv.URL+"/track.aac", testConfig())
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, "audio/aac", src.ContentType())
	assert.True(t, src.Remote())
	assert.True(t, src.Prefetchable())
	assert.True(t, src.Seekable())
	assert.Equal(t, int64(len(payload)), src.Size())

	got := readAll(t, src)
	assert.Equal(t, payload, got)
	assert.True(t, src.Done())
}

func TestHTTPSource_SeekOutsideWindowRestarts(t *testing.T) {
	payload := testPayload(100 * 1024)
	var rangeRequests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			rangeRequests.Add(1)
		}
		serveBytes(payload, "video/mp2t")(w, r)
	}))
	defer srv.Close()

	src, err := OpenHTTP(context.Background(), srv.URL, testConfig())
	require.NoError(t, err)
	defer src.Close()

	// Far ahead of the window.
	p := make([]byte, 512)
	n, err := readAtWait(t, src, p, 80*1024)
	require.NoError(t, err)
	assert.Equal(t, payload[80*1024:80*1024+512], p[:n])

	// Back to the start, which has been discarded.
	n, err = readAtWait(t, src, p, 0)
	require.NoError(t, err)
	assert.Equal(t, payload[:512], p[:n])

	assert.GreaterOrEqual(t, rangeRequests.Load(), int32(1))
}

func TestHTTPSource_RestartAfterCompletion(t *testing.T) {
	payload := testPayload(40 * 1024)
	srv := httptest.NewServer(serveBytes(payload, "audio/mpeg"))
	defer srv.Close()

	src, err := OpenHTTP(context.Background(), srv.URL, testConfig())
	require.NoError(t, err)
	defer src.Close()

	got := readAll(t, src)
	require.Equal(t, payload, got)

	p := make([]byte, 256)
	n, err := readAtWait(t, src, p, 0)
	require.NoError(t, err)
	assert.Equal(t, payload[:256], p[:n])
}

func TestOpenHTTP_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := OpenHTTP(context.Background(), srv.URL, testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestHLSSource_MultivariantPicksHighestBandwidth(t *testing.T) {
	segs := map[string][]byte{
		"/hi/seg0.ts": bytes.Repeat([]byte{0x47}, 3000),
		"/hi/seg1.ts": bytes.Repeat([]byte{0x48}, 2000),
		"/lo/seg0.ts": bytes.Repeat([]byte{0x01}, 10),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/master.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=100000
lo/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=900000
hi/index.m3u8
`)
		case "/hi/index.m3u8", "/lo/index.m3u8":
			dir := strings.TrimSuffix(r.URL.Path, "index.m3u8")
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n")
			for _, name := range []string{"seg0.ts", "seg1.ts"} {
				if _, ok := segs[dir+name]; ok {
					fmt.Fprintf(w, "#EXTINF:2.000,\n%s\n", name)
				}
			}
			fmt.Fprint(w, "#EXT-X-ENDLIST\n")
		default:
			data, ok := segs[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		}
	}))
	defer srv.Close()

	src, err := OpenHLS(context.Background(), srv.URL+"/master.m3u8", testConfig())
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, srv.URL+"/hi/index.m3u8", src.MediaURI())
	assert.Equal(t, "video/mp2t", src.ContentType())
	assert.False(t, src.Seekable())

	got := readAll(t, src)
	want := append(append([]byte{}, segs["/hi/seg0.ts"]...), segs["/hi/seg1.ts"]...)
	assert.Equal(t, want, got)
	assert.Equal(t, int64(len(want)), src.Size())
}

func TestHLSSource_LivePlaylistDoesNotDuplicateSegments(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/live.m3u8":
			n := polls.Add(1)
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n")
			if n == 1 {
				fmt.Fprint(w, "#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:1.000,\nseg0.ts\n#EXTINF:1.000,\nseg1.ts\n")
				return
			}
			fmt.Fprint(w, "#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:1.000,\nseg1.ts\n#EXTINF:1.000,\nseg2.ts\n#EXT-X-ENDLIST\n")
		default:
			name := strings.TrimPrefix(r.URL.Path, "/")
			fmt.Fprintf(w, "[%s]", name)
		}
	}))
	defer srv.Close()

	src, err := OpenHLS(context.Background(), srv.URL+"/live.m3u8", testConfig())
	require.NoError(t, err)
	defer src.Close()

	got := readAll(t, src)
	assert.Equal(t, "[seg0.ts][seg1.ts][seg2.ts]", string(got))
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestAbsolutizeURL(t *testing.T) {
	tests := []struct {
		name     string
		playlist string
		ref      string
		want     string
	}{
		{"relative", "http://h/a/b/index.m3u8", "seg.ts", "http://h/a/b/seg.ts"},
		{"parent", "http://h/a/b/index.m3u8", "../seg.ts", "http://h/a/seg.ts"},
		{"rooted", "http://h/a/b/index.m3u8", "/x/seg.ts", "http://h/x/seg.ts"},
		{"absolute", "http://h/a/index.m3u8", "https://cdn/seg.ts", "https://cdn/seg.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, absolutizeURL(tt.playlist, tt.ref))
		})
	}
}

func TestOpen_Dispatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3"), 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stream":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:1.000,\nseg.aac\n#EXT-X-ENDLIST\n")
		case "/seg.aac":
			w.Write([]byte{0xff, 0xf1})
		default:
			serveBytes([]byte("data"), "audio/mpeg")(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	cfg := testConfig()

	tests := []struct {
		name string
		uri  string
		want string
	}{
		{"plain path", path, "*source.FileSource"},
		{"file uri", "file://" + path, "*source.FileSource"},
		{"progressive http", srv.URL + "/track.mp3", "*source.HTTPSource"},
		{"declared playlist", srv.URL + "/stream", "*source.HLSSource"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := Open(ctx, tt.uri, cfg)
			require.NoError(t, err)
			defer src.Close()
			assert.Equal(t, tt.want, fmt.Sprintf("%T", src))
		})
	}

	_, err := Open(ctx, "ftp://example.com/a.mp3", cfg)
	assert.Error(t, err)
}
