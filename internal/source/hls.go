package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/demuxd/internal/observability"
	"github.com/jmylchreest/demuxd/pkg/httpclient"
)

const (
	maxPlaylistBytes  = 256 * 1024
	maxPlaylistErrors = 6
	maxSegmentErrors  = 3
)

// HLSSource collapses an HLS media playlist into one continuous byte stream.
// Segments are appended to a window cache in playlist order. Live playlists
// are re-polled until EXT-X-ENDLIST appears.
type HLSSource struct {
	uri         string
	mediaURI    string
	contentType string

	client *httpclient.Client
	cache  *windowCache
	chunk  int
	poll   time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// OpenHLS fetches the playlist, resolves a multivariant playlist to its
// highest bandwidth variant and starts collapsing segments in the background.
func OpenHLS(ctx context.Context, uri string, cfg Config) (*HLSSource, error) {
	cfg.normalize()
	client := httpclient.New(cfg.HTTP)
	logger := observability.WithComponent(cfg.Logger, "hls_source")

	mediaURI, media, err := resolveMedia(ctx, client, uri)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &HLSSource{
		uri:         uri,
		mediaURI:    mediaURI,
		contentType: segmentContentType(media),
		client:      client,
		cache:       newWindowCache(cfg.WindowSize),
		chunk:       cfg.ReadChunk,
		poll:        cfg.HLSPollInterval,
		logger:      logger,
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	logger.Debug("hls playlist resolved",
		slog.String("media_playlist", mediaURI),
		slog.Int("segments", len(media.Segments)),
		slog.Bool("endlist", media.Endlist),
		slog.String("content_type", s.contentType))

	go s.run(media)
	return s, nil
}

func resolveMedia(ctx context.Context, client *httpclient.Client, uri string) (string, *playlist.Media, error) {
	data, err := fetchPlaylist(ctx, client, uri)
	if err != nil {
		return "", nil, err
	}
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return "", nil, fmt.Errorf("parsing playlist: %w", err)
	}

	switch p := pl.(type) {
	case *playlist.Media:
		return uri, p, nil
	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			return "", nil, errors.New("multivariant playlist has no variants")
		}
		variants := make([]*playlist.MultivariantVariant, len(p.Variants))
		copy(variants, p.Variants)
		sort.SliceStable(variants, func(i, j int) bool {
			return variants[i].Bandwidth > variants[j].Bandwidth
		})
		variantURI := absolutizeURL(uri, variants[0].URI)

		data, err := fetchPlaylist(ctx, client, variantURI)
		if err != nil {
			return "", nil, err
		}
		vpl, err := playlist.Unmarshal(data)
		if err != nil {
			return "", nil, fmt.Errorf("parsing variant playlist: %w", err)
		}
		media, ok := vpl.(*playlist.Media)
		if !ok {
			return "", nil, errors.New("variant playlist is not a media playlist")
		}
		return variantURI, media, nil
	default:
		return "", nil, fmt.Errorf("unsupported playlist type %T", pl)
	}
}

func fetchPlaylist(ctx context.Context, client *httpclient.Client, uri string) ([]byte, error) {
	resp, err := client.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetching playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching playlist: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
}

// segmentContentType infers the container of the collapsed stream.
func segmentContentType(media *playlist.Media) string {
	if media.Map != nil {
		return "video/mp4"
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		switch strings.ToLower(path.Ext(stripQuery(seg.URI))) {
		case ".m4s", ".mp4", ".m4v", ".cmfv":
			return "video/mp4"
		case ".aac":
			return "audio/aac"
		case ".mp3":
			return "audio/mpeg"
		default:
			return "video/mp2t"
		}
	}
	return "video/mp2t"
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}

// absolutizeURL resolves a playlist-relative reference.
func absolutizeURL(playlistURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(playlistURL)
	if err != nil {
		if idx := strings.LastIndex(playlistURL, "/"); idx >= 0 {
			return playlistURL[:idx+1] + ref
		}
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

func (s *HLSSource) run(initial *playlist.Media) {
	defer close(s.done)

	g, ctx := errgroup.WithContext(s.ctx)
	segments := make(chan string, 16)

	g.Go(func() error {
		defer close(segments)
		return s.watch(ctx, initial, segments)
	})
	g.Go(func() error {
		return s.collect(ctx, segments)
	})

	err := g.Wait()
	if s.ctx.Err() != nil || errors.Is(err, ErrClosed) {
		return
	}
	if err != nil {
		s.logger.Error("hls collapse failed", slog.String("error", err.Error()))
	}
	s.cache.finish(err)
}

// watch emits segment URIs in order, re-polling live playlists.
func (s *HLSSource) watch(ctx context.Context, media *playlist.Media, out chan<- string) error {
	nextSeq := -1
	mapSent := false
	playlistErrors := 0

	for {
		if media.Map != nil && !mapSent {
			if err := send(ctx, out, absolutizeURL(s.mediaURI, media.Map.URI)); err != nil {
				return err
			}
			mapSent = true
		}

		for i, seg := range media.Segments {
			if seg == nil {
				continue
			}
			seq := media.MediaSequence + i
			if seq < nextSeq {
				continue
			}
			if err := send(ctx, out, absolutizeURL(s.mediaURI, seg.URI)); err != nil {
				return err
			}
			nextSeq = seq + 1
		}

		if media.Endlist {
			return nil
		}

		interval := time.Duration(media.TargetDuration) * time.Second / 2
		if interval < s.poll {
			interval = s.poll
		}

		for {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}

			data, err := fetchPlaylist(ctx, s.client, s.mediaURI)
			if err == nil {
				pl, perr := playlist.Unmarshal(data)
				err = perr
				if err == nil {
					next, ok := pl.(*playlist.Media)
					if !ok {
						return errors.New("media playlist turned into a multivariant playlist")
					}
					media = next
					playlistErrors = 0
					break
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			playlistErrors++
			s.logger.Warn("playlist refresh failed",
				slog.Int("attempt", playlistErrors),
				slog.String("error", err.Error()))
			if playlistErrors >= maxPlaylistErrors {
				return fmt.Errorf("playlist refresh failed after %d attempts: %w", playlistErrors, err)
			}
		}
	}
}

func send(ctx context.Context, out chan<- string, uri string) error {
	select {
	case out <- uri:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// collect downloads each segment into the cache.
func (s *HLSSource) collect(ctx context.Context, segments <-chan string) error {
	failures := 0
	buf := make([]byte, s.chunk)
	for uri := range segments {
		err := s.fetchSegment(ctx, uri, buf)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return err
		}
		failures++
		s.logger.Warn("segment fetch failed",
			slog.String("segment", uri),
			slog.Int("consecutive_failures", failures),
			slog.String("error", err.Error()))
		if failures >= maxSegmentErrors {
			return fmt.Errorf("segment fetch failed after %d attempts: %w", failures, err)
		}
	}
	return nil
}

func (s *HLSSource) fetchSegment(ctx context.Context, uri string, buf []byte) error {
	resp, err := s.client.Get(ctx, uri)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if werr := s.cache.write(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ReadAt implements io.ReaderAt.
func (s *HLSSource) ReadAt(p []byte, off int64) (int, error) { return s.cache.readAt(p, off) }

func (s *HLSSource) Available(off int64) int64 { return s.cache.available(off) }
func (s *HLSSource) Size() int64               { return s.cache.totalSize() }
func (s *HLSSource) Levels() Levels            { return s.cache.levels() }
func (s *HLSSource) Ready() <-chan struct{}    { return s.cache.readyChan() }
func (s *HLSSource) Done() bool                { return s.cache.isDone() }
func (s *HLSSource) Remote() bool              { return true }
func (s *HLSSource) Prefetchable() bool        { return true }
func (s *HLSSource) Seekable() bool            { return false }
func (s *HLSSource) URI() string               { return s.uri }
func (s *HLSSource) ContentType() string       { return s.contentType }

// MediaURI returns the media playlist actually being followed.
func (s *HLSSource) MediaURI() string { return s.mediaURI }

// Close stops polling and waits for the background goroutines.
func (s *HLSSource) Close() error {
	s.cancel()
	s.cache.close()
	<-s.done
	return nil
}

// SetCacheSize resizes the download window.
func (s *HLSSource) SetCacheSize(bytes int64) int64 {
	return s.cache.resize(bytes)
}
