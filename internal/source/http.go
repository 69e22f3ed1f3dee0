package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/jmylchreest/demuxd/internal/observability"
	"github.com/jmylchreest/demuxd/pkg/httpclient"
)

// HTTPSource progressively downloads a resource into a sliding window cache.
// Reads outside the window restart the download with a Range request when
// the server supports it.
type HTTPSource struct {
	uri          string
	contentType  string
	acceptRanges bool

	client *httpclient.Client
	cache  *windowCache
	chunk  int
	logger *slog.Logger

	mu             sync.Mutex
	pendingRestart int64
	restartPending bool
	kick           chan struct{}
	body           io.Closer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// OpenHTTP issues the initial request and starts the download goroutine.
func OpenHTTP(ctx context.Context, uri string, cfg Config) (*HTTPSource, error) {
	cfg.normalize()
	client := httpclient.New(cfg.HTTP)

	resp, err := client.GetRange(ctx, uri, 0)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", uri, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("requesting %s: unexpected status %d", uri, resp.StatusCode)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &HTTPSource{
		uri:          uri,
		contentType:  mediaType(resp.Header.Get("Content-Type")),
		acceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		client:       client,
		cache:        newWindowCache(cfg.WindowSize),
		chunk:        cfg.ReadChunk,
		logger:       observability.WithComponent(cfg.Logger, "http_source"),
		kick:         make(chan struct{}, 1),
		ctx:          runCtx,
		cancel:       cancel,
	}
	s.cache.setSize(httpclient.TotalSize(resp))

	s.wg.Add(1)
	go s.run(resp)

	return s, nil
}

func mediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return mt
}

// errRestart unwinds the pump when a seek outside the window is requested.
type errRestart struct{ offset int64 }

func (e errRestart) Error() string { return fmt.Sprintf("restart at %d", e.offset) }

func (s *HTTPSource) run(resp *http.Response) {
	defer s.wg.Done()

	body := resp.Body
	s.setBody(body)
	offset := int64(0)
	resumes := 0

	for {
		written, err := s.pump(body)
		body.Close()
		offset += written

		var rs errRestart
		switch {
		case errors.As(err, &rs):
			offset = rs.offset
			resumes = 0
			s.cache.reset(offset)
			s.logger.Debug("restarting download", slog.Int64("offset", offset))
		case err == nil:
			s.cache.finish(nil)
			// A completed download still serves restarts for evicted ranges.
			off, ok := s.awaitRestart()
			if !ok {
				return
			}
			offset = off
			resumes = 0
			s.cache.reset(offset)
		case s.ctx.Err() != nil || errors.Is(err, ErrClosed):
			return
		case s.acceptRanges && resumes < 3:
			resumes++
			s.logger.Warn("download interrupted, resuming",
				slog.Int64("offset", offset),
				slog.String("error", err.Error()))
		default:
			s.logger.Error("download failed", slog.String("error", err.Error()))
			s.cache.finish(err)
			return
		}

		next, err := s.client.GetRange(s.ctx, s.uri, offset)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("range request failed", slog.Int64("offset", offset), slog.String("error", err.Error()))
				s.cache.finish(err)
			}
			return
		}
		body = next.Body
		s.setBody(body)
	}
}

// setBody records the active response body so Close can unblock a read on it.
func (s *HTTPSource) setBody(b io.Closer) {
	s.mu.Lock()
	s.body = b
	s.mu.Unlock()
}

// pump copies body into the cache until EOF, error or a restart request.
func (s *HTTPSource) pump(body io.Reader) (int64, error) {
	buf := make([]byte, s.chunk)
	var total int64
	for {
		if off, ok := s.takeRestart(); ok {
			return total, errRestart{offset: off}
		}
		if err := s.ctx.Err(); err != nil {
			return total, err
		}

		n, err := body.Read(buf)
		if n > 0 {
			if werr := s.cache.write(s.ctx, buf[:n]); werr != nil {
				if errors.Is(werr, errInterrupted) {
					if off, ok := s.takeRestart(); ok {
						return total, errRestart{offset: off}
					}
				}
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// ReadAt implements io.ReaderAt. Reads outside the window schedule a
// restart and report ErrNotReady.
func (s *HTTPSource) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.cache.readAt(p, off)
	if errors.Is(err, ErrNotSeekable) && s.acceptRanges {
		s.mu.Lock()
		s.pendingRestart = off
		s.restartPending = true
		s.mu.Unlock()
		s.cache.interrupt()
		select {
		case s.kick <- struct{}{}:
		default:
		}
		return 0, ErrNotReady
	}
	return n, err
}

func (s *HTTPSource) takeRestart() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.restartPending {
		return 0, false
	}
	s.restartPending = false
	return s.pendingRestart, true
}

func (s *HTTPSource) awaitRestart() (int64, bool) {
	for {
		if off, ok := s.takeRestart(); ok {
			return off, true
		}
		select {
		case <-s.kick:
		case <-s.ctx.Done():
			return 0, false
		}
	}
}

func (s *HTTPSource) Available(off int64) int64 { return s.cache.available(off) }
func (s *HTTPSource) Size() int64               { return s.cache.totalSize() }
func (s *HTTPSource) Levels() Levels            { return s.cache.levels() }
func (s *HTTPSource) Ready() <-chan struct{}    { return s.cache.readyChan() }
func (s *HTTPSource) Done() bool                { return s.cache.isDone() }
func (s *HTTPSource) Remote() bool              { return true }
func (s *HTTPSource) Prefetchable() bool        { return true }
func (s *HTTPSource) Seekable() bool            { return s.acceptRanges }
func (s *HTTPSource) URI() string               { return s.uri }
func (s *HTTPSource) ContentType() string       { return s.contentType }

// Close stops the download and waits for the goroutine to exit.
func (s *HTTPSource) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.cache.close()
		s.mu.Lock()
		if s.body != nil {
			s.body.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return nil
}

// SetCacheSize resizes the download window.
func (s *HTTPSource) SetCacheSize(bytes int64) int64 {
	return s.cache.resize(bytes)
}
