package demux

import (
	"context"
	"errors"
	"io"

	"github.com/jmylchreest/demuxd/internal/source"
)

// ReadAtWait reads len(p) bytes at off, waiting while the source is still
// filling. Partial reads are returned with io.EOF at the end of the source.
func ReadAtWait(ctx context.Context, src source.Source, p []byte, off int64) (int, error) {
	for {
		ready := src.Ready()
		n, err := src.ReadAt(p, off)
		if !errors.Is(err, source.ErrNotReady) {
			return n, err
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// ReadHead returns up to n bytes from the start of src.
func ReadHead(ctx context.Context, src source.Source, n int) ([]byte, error) {
	if size := src.Size(); size >= 0 && size < int64(n) {
		n = int(size)
	}
	p := make([]byte, n)
	k, err := ReadAtWait(ctx, src, p, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return p[:k], nil
}

// Reader adapts a Source to a sequential io.Reader that blocks while data is
// downloading.
type Reader struct {
	ctx context.Context
	src source.Source
	off int64
}

// NewReader returns a Reader positioned at off.
func NewReader(ctx context.Context, src source.Source, off int64) *Reader {
	return &Reader{ctx: ctx, src: src, off: off}
}

// Offset is the absolute source offset of the next byte Read returns.
func (r *Reader) Offset() int64 { return r.off }

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		ready := r.src.Ready()
		want := len(p)
		if a := r.src.Available(r.off); a > 0 && a < int64(want) {
			want = int(a)
		}
		n, err := r.src.ReadAt(p[:want], r.off)
		r.off += int64(n)
		switch {
		case errors.Is(err, source.ErrNotReady):
			if n > 0 {
				return n, nil
			}
		case errors.Is(err, io.EOF) && n > 0:
			return n, nil
		default:
			return n, err
		}
		select {
		case <-ready:
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
}
