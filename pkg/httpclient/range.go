package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// GetRange requests url starting at byte offset. An offset of zero issues a
// plain GET. A server that answers a non-zero offset with 200 instead of 206
// yields ErrRangeIgnored and the response is closed.
func (c *Client) GetRange(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(HeaderAcceptEncoding, EncodingIdentity)
	if offset > 0 {
		req.Header.Set(HeaderRange, "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if offset > 0 && resp.StatusCode == http.StatusOK {
		resp.Body.Close()
		return nil, ErrRangeIgnored
	}
	if resp.StatusCode == http.StatusPartialContent {
		if start, _, _, ok := ParseContentRange(resp.Header.Get(HeaderContentRange)); ok && start != offset {
			resp.Body.Close()
			return nil, fmt.Errorf("range starts at %d, requested %d: %w", start, offset, ErrRangeIgnored)
		}
	}
	return resp, nil
}

// ParseContentRange parses a "bytes start-end/total" header value. Total is
// -1 when the server sends "*".
func ParseContentRange(v string) (start, end, total int64, ok bool) {
	spec, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, 0, false
	}
	rng, size, found := strings.Cut(spec, "/")
	if !found {
		return 0, 0, 0, false
	}
	first, last, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, 0, false
	}
	var err error
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil || end < start {
		return 0, 0, 0, false
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil || total <= end {
			return 0, 0, 0, false
		}
	}
	return start, end, total, true
}

// TotalSize returns the full resource size advertised by a response, using
// Content-Range for partial responses. It returns -1 when unknown.
func TotalSize(resp *http.Response) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if _, _, total, ok := ParseContentRange(resp.Header.Get(HeaderContentRange)); ok {
			return total
		}
		return -1
	}
	if resp.ContentLength >= 0 && resp.Header.Get(HeaderContentEncoding) == "" {
		return resp.ContentLength
	}
	return -1
}
