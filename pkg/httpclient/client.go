// Package httpclient provides a resilient HTTP client for media downloads
// with per-host circuit breakers, automatic retries, byte-range requests and
// transparent decompression of text payloads such as playlists.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
	ErrRangeIgnored     = errors.New("server ignored range request")
)

const (
	DefaultTimeout              = 30 * time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = 1 * time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultCircuitThreshold     = 5
	DefaultCircuitTimeout       = 30 * time.Second
	DefaultCircuitHalfOpenMax   = 1
	DefaultBackoffMultiplier    = 2.0
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
	DefaultUserAgentHeader      = "demuxd-httpclient/1.0"
)

const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
	HeaderRange           = "Range"
	HeaderContentRange    = "Content-Range"
	HeaderRetryAfter      = "Retry-After"

	EncodingGzip     = "gzip"
	EncodingDeflate  = "deflate"
	EncodingBrotli   = "br"
	EncodingIdentity = "identity"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout bounds connection setup and response headers. Bodies are
	// streamed and are not subject to it.
	Timeout time.Duration

	RetryAttempts     int
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	// CircuitThreshold is the number of consecutive failures against one
	// host before its circuit opens.
	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	UserAgent string
	Logger    *slog.Logger

	// EnableDecompression enables automatic response decompression.
	// Range requests always ask for the identity encoding.
	EnableDecompression bool

	// MaxResponseSize limits decompressed bodies. Zero disables the limit.
	MaxResponseSize int64

	// BaseClient is the underlying http.Client. If nil, one is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		CircuitHalfOpenMax:  DefaultCircuitHalfOpenMax,
		UserAgent:           DefaultUserAgentHeader,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Client retries transient failures and stops calling hosts that keep
// failing. HLS segments often come from a different host than the playlist,
// so each host has its own breaker.
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// New creates a client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}

	base := cfg.BaseClient
	if base == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.Timeout
		base = &http.Client{Transport: transport}
	}
	return &Client{
		config:   cfg,
		client:   base,
		logger:   cfg.Logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

func (c *Client) breakerFor(host string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(c.config.CircuitThreshold, c.config.CircuitTimeout, c.config.CircuitHalfOpenMax)
		c.breakers[host] = cb
	}
	return cb
}

// Do executes req with circuit breaker protection and retries. Responses
// with a non-retryable status are returned as they are; callers check the
// status code.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get(HeaderUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}

	breaker := c.breakerFor(req.URL.Host)
	url := req.URL.Redacted()
	delay := c.config.RetryDelay
	var lastErr error

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", url))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = c.nextDelay(delay)
		}

		if !breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit breaker open, skipping request",
				slog.String("host", req.URL.Host),
				slog.String("state", breaker.State().String()))
			continue
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			breaker.RecordFailure()
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			c.logger.Warn("request failed",
				slog.String("url", url),
				slog.Duration("duration", elapsed),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			breaker.RecordFailure()
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			if wait, ok := retryAfter(resp); ok {
				delay = min(wait, c.config.RetryMaxDelay)
			}
			c.logger.Warn("retryable status code",
				slog.String("url", url),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt))
			resp.Body.Close()
			continue
		}

		if resp.StatusCode < 500 {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
		c.logger.Debug("request completed",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", elapsed),
			slog.Int64("content_length", resp.ContentLength))

		if c.config.EnableDecompression {
			resp.Body = c.wrapDecompression(resp)
		}
		if c.config.MaxResponseSize > 0 {
			resp.Body = newLimitedReader(resp.Body, c.config.MaxResponseSize)
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

func (c *Client) nextDelay(d time.Duration) time.Duration {
	return min(time.Duration(float64(d)*c.config.BackoffMultiplier), c.config.RetryMaxDelay)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// CircuitState returns the breaker state for host.
func (c *Client) CircuitState(host string) CircuitState {
	return c.breakerFor(host).State()
}

// ResetCircuit closes the breaker for host.
func (c *Client) ResetCircuit(host string) {
	c.breakerFor(host).Reset()
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get(HeaderRetryAfter)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}
