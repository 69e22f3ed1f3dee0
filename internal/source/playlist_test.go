package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPlaylist_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "album.m3u")
	require.NoError(t, os.WriteFile(path, []byte("#EXTM3U\n#EXTINF:30,One\none.mp3\ntwo.aac\n"), 0o644))

	for _, uri := range []string{path, "file://" + path} {
		entries, err := LoadPlaylist(context.Background(), uri, DefaultConfig())
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, filepath.Join(dir, "one.mp3"), entries[0].URI)
		assert.Equal(t, "One", entries[0].Title)
		assert.Equal(t, filepath.Join(dir, "two.aac"), entries[1].URI)
	}
}

func TestLoadPlaylist_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/lists/radio.m3u":
			w.Write([]byte("#EXTM3U\n#EXTINF:-1,Stream\n../live/stream.aac\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	entries, err := LoadPlaylist(context.Background(), srv.URL+"/lists/radio.m3u", DefaultConfig())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, srv.URL+"/live/stream.aac", entries[0].URI)
}

func TestLoadPlaylist_Errors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.m3u")
	require.NoError(t, os.WriteFile(empty, []byte("#EXTM3U\n"), 0o644))

	_, err := LoadPlaylist(context.Background(), empty, DefaultConfig())
	assert.ErrorContains(t, err, "no entries")

	_, err = LoadPlaylist(context.Background(), filepath.Join(dir, "missing.m3u"), DefaultConfig())
	assert.Error(t, err)

	_, err = LoadPlaylist(context.Background(), "ftp://host/list.m3u", DefaultConfig())
	assert.ErrorContains(t, err, "unsupported scheme")
}
