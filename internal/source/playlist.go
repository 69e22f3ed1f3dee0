package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/jmylchreest/demuxd/pkg/httpclient"
	"github.com/jmylchreest/demuxd/pkg/m3u"
)

// maxPlaylistSize bounds how much of a remote track playlist is read.
const maxPlaylistSize = 8 * 1024 * 1024

// LoadPlaylist reads an M3U track playlist from a path, file:// or http(s)
// URI. Relative entries are resolved against the playlist location.
func LoadPlaylist(ctx context.Context, uri string, cfg Config) ([]m3u.Entry, error) {
	cfg.normalize()
	rc, base, err := openPlaylist(ctx, uri, cfg)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	entries, err := m3u.ParseAll(rc, base)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist %s: %w", uri, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("playlist %s has no entries", uri)
	}
	return entries, nil
}

func openPlaylist(ctx context.Context, uri string, cfg Config) (io.ReadCloser, string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		f, err := os.Open(uri)
		if err != nil {
			return nil, "", fmt.Errorf("opening playlist: %w", err)
		}
		return f, uri, nil
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, "", fmt.Errorf("opening playlist: %w", err)
		}
		return f, p, nil
	case "http", "https":
		client := httpclient.New(cfg.HTTP)
		resp, err := client.Get(ctx, uri)
		if err != nil {
			return nil, "", fmt.Errorf("fetching playlist: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", fmt.Errorf("fetching playlist: unexpected status %s", resp.Status)
		}
		body := struct {
			io.Reader
			io.Closer
		}{io.LimitReader(resp.Body, maxPlaylistSize), resp.Body}
		return body, resp.Request.URL.String(), nil
	default:
		return nil, "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
