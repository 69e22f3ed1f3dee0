package m3u

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
)

// Writer writes an extended M3U playlist.
type Writer struct {
	w             io.Writer
	headerWritten bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes #EXTM3U. WriteEntry calls it on first use.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return nil
	}
	if _, err := fmt.Fprintln(w.w, "#EXTM3U"); err != nil {
		return fmt.Errorf("writing M3U header: %w", err)
	}
	w.headerWritten = true
	return nil
}

// WriteEntry writes an #EXTINF line followed by the entry URI. Durations are
// written in whole seconds, rounded up, and -1 when unknown.
func (w *Writer) WriteEntry(entry *Entry) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}

	secs := int64(-1)
	if entry.Duration >= 0 {
		secs = int64((entry.Duration + 999_999_999) / 1_000_000_000)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#EXTINF:%d", secs)
	for _, k := range slices.Sorted(maps.Keys(entry.Attrs)) {
		fmt.Fprintf(&b, ` %s="%s"`, k, strings.ReplaceAll(entry.Attrs[k], `"`, `'`))
	}
	b.WriteByte(',')
	b.WriteString(entry.Title)

	if _, err := fmt.Fprintln(w.w, b.String()); err != nil {
		return fmt.Errorf("writing EXTINF: %w", err)
	}
	if _, err := fmt.Fprintln(w.w, entry.URI); err != nil {
		return fmt.Errorf("writing URI: %w", err)
	}
	return nil
}
