// Package m3u reads and writes M3U track playlists, including the extended
// form with #EXTINF durations and titles.
package m3u

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
)

// Entry is one track in a playlist.
type Entry struct {
	// URI is the track location, resolved against the playlist base when
	// the parser has one.
	URI string
	// Title from #EXTINF, or derived from the URI.
	Title string
	// Duration from #EXTINF. Negative means unknown or live.
	Duration time.Duration
	// Attrs holds key="value" pairs found on the #EXTINF line.
	Attrs map[string]string
}

// Parser reads a playlist line by line and hands each entry to OnEntry.
type Parser struct {
	// OnEntry is called for each entry. Returning an error stops parsing.
	OnEntry func(entry *Entry) error
	// OnError is called for malformed lines, which are otherwise skipped.
	OnError func(lineNum int, err error)
	// Base is the location of the playlist. Relative entries are resolved
	// against it when set.
	Base string
}

// ErrNoCallback is returned by Parse when OnEntry is nil.
var ErrNoCallback = errors.New("m3u: OnEntry callback is required")

var (
	extinfRegex = regexp.MustCompile(`^#EXTINF:\s*(-?\d+(?:\.\d+)?)\s*(.*)$`)
	attrRegex   = regexp.MustCompile(`([a-zA-Z0-9_-]+)=(?:"([^"]*)"|([^\s,]+))`)
)

const maxLineSize = 1024 * 1024

// Parse reads an uncompressed playlist.
func (p *Parser) Parse(r io.Reader) error {
	if p.OnEntry == nil {
		return ErrNoCallback
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var pending *Entry
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if lineNum == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			entry, err := parseExtinf(line)
			if err != nil {
				p.handleError(lineNum, err)
				pending = nil
				continue
			}
			pending = entry
			continue
		case strings.HasPrefix(line, "#"):
			continue
		}

		entry := pending
		pending = nil
		if entry == nil {
			entry = &Entry{Duration: -1}
		}
		entry.URI = Resolve(p.Base, line)
		if entry.Title == "" {
			entry.Title = titleFromURI(line)
		}
		if err := p.OnEntry(entry); err != nil {
			return fmt.Errorf("callback error at line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning M3U: %w", err)
	}
	return nil
}

// ParseCompressed is Parse for input that may be gzip, bzip2 or xz
// compressed. The format is detected from the leading bytes.
func (p *Parser) ParseCompressed(r io.Reader) error {
	br := bufio.NewReader(r)
	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return fmt.Errorf("peeking header: %w", err)
	}

	var reader io.Reader = br
	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gzr.Close()
		reader = gzr
	case len(header) >= 3 && string(header[:3]) == "BZh":
		reader = bzip2.NewReader(br)
	case len(header) >= 6 && string(header) == "\xfd7zXZ\x00":
		xzr, err := xz.NewReader(br)
		if err != nil {
			return fmt.Errorf("creating xz reader: %w", err)
		}
		reader = xzr
	}
	return p.Parse(reader)
}

// ParseAll collects every entry of a possibly compressed playlist.
func ParseAll(r io.Reader, base string) ([]Entry, error) {
	var entries []Entry
	p := &Parser{
		Base: base,
		OnEntry: func(e *Entry) error {
			entries = append(entries, *e)
			return nil
		},
	}
	if err := p.ParseCompressed(r); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseExtinf(line string) (*Entry, error) {
	m := extinfRegex.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("invalid EXTINF line %q", line)
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid EXTINF duration %q: %w", m[1], err)
	}
	entry := &Entry{Duration: -1}
	if secs >= 0 {
		entry.Duration = time.Duration(secs * float64(time.Second)).Round(time.Millisecond)
	}

	rest := m[2]
	if idx := titleStart(rest); idx >= 0 {
		entry.Title = strings.TrimSpace(rest[idx+1:])
		rest = rest[:idx]
	}
	for _, am := range attrRegex.FindAllStringSubmatch(rest, -1) {
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]string)
		}
		v := am[2]
		if v == "" {
			v = am[3]
		}
		entry.Attrs[strings.ToLower(am[1])] = v
	}
	return entry, nil
}

// titleStart finds the comma that separates attributes from the title,
// ignoring commas inside quoted values.
func titleStart(s string) int {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				return i
			}
		}
	}
	return -1
}

func titleFromURI(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i > 0 {
		uri = uri[:i]
	}
	name := uri[strings.LastIndexAny(uri, `/\`)+1:]
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

// Resolve returns ref relative to the playlist at base. Absolute URIs are
// returned unchanged. A rooted ref keeps the scheme and host of a URL base.
func Resolve(base, ref string) string {
	if base == "" || isURL(ref) {
		return ref
	}
	if isURL(base) {
		bu, err := url.Parse(base)
		if err != nil {
			return ref
		}
		rel, err := url.Parse(filepath.ToSlash(ref))
		if err != nil {
			return ref
		}
		return bu.ResolveReference(rel).String()
	}
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(filepath.Dir(base), filepath.FromSlash(ref))
}

// isURL reports whether s carries a scheme. Single letters are drive names.
func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && len(u.Scheme) > 1
}

func (p *Parser) handleError(lineNum int, err error) {
	if p.OnError != nil {
		p.OnError(lineNum, err)
	}
}
