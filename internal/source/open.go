package source

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// IsPlaylistType reports whether a MIME type denotes an HLS playlist.
func IsPlaylistType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "application/vnd.apple.mpegurl" || ct == "application/x-mpegurl" || ct == "audio/mpegurl"
}

// Open selects a Source implementation for uri. Plain paths and file:// URIs
// open local files; http(s) URIs open progressive downloads, or HLS sources
// when the path ends in .m3u8 or the server declares a playlist type.
func Open(ctx context.Context, uri string, cfg Config) (Source, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path, including Windows drive letters.
		return OpenFile(uri)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		return OpenFile(p)
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if strings.EqualFold(path.Ext(u.Path), ".m3u8") {
		return OpenHLS(ctx, uri, cfg)
	}

	src, err := OpenHTTP(ctx, uri, cfg)
	if err != nil {
		return nil, err
	}
	if IsPlaylistType(src.ContentType()) {
		src.Close()
		return OpenHLS(ctx, uri, cfg)
	}
	return src, nil
}
