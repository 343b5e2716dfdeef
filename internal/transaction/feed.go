package transaction

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/tokenshield/icap/internal/chunked"
)

// decoderFeed adapts a chunked.Decoder reading from a bufio.Reader into a
// pipeline.ChunkFeed: it pulls exactly as many bytes off the wire as the
// decoder needs to produce the next frame, never more, so the connection's
// read half stays idle between frames (spec.md §5 suspension-point rule).
type decoderFeed struct {
	r     *bufio.Reader
	dec   *chunked.Decoder
	queue []chunked.Frame
	buf   []byte
}

func newDecoderFeed(r *bufio.Reader, maxChunkBytes int64) *decoderFeed {
	return &decoderFeed{r: r, dec: chunked.NewDecoder(maxChunkBytes)}
}

// Next returns the next non-trailer-or-trailer frame, or io.EOF once the
// decoder reaches Complete.
func (f *decoderFeed) Next(ctx context.Context) (chunked.Frame, error) {
	for len(f.queue) == 0 {
		if f.dec.Done() {
			return chunked.Frame{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return chunked.Frame{}, ctx.Err()
		default:
		}

		b, err := f.r.ReadByte()
		if err != nil {
			return chunked.Frame{}, err
		}
		f.buf = append(f.buf, b)

		frames, consumed, err := f.dec.Decode(f.buf)
		f.buf = f.buf[consumed:]
		f.queue = append(f.queue, frames...)
		if errors.Is(err, chunked.ErrNeedMore) {
			continue
		}
		if err != nil {
			return chunked.Frame{}, err
		}
	}
	fr := f.queue[0]
	f.queue = f.queue[1:]
	return fr, nil
}

// readUpTo accumulates non-trailer frame bytes from f until at least n
// bytes have been collected or the body is exhausted. The second return
// value reports whether the body ended before n bytes were seen (spec.md
// B1: a Preview request whose body is shorter than the advertised size).
func readUpTo(ctx context.Context, f *decoderFeed, n int) ([]byte, bool, error) {
	var data []byte
	for len(data) < n {
		fr, err := f.Next(ctx)
		if errors.Is(err, io.EOF) {
			return data, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		if fr.IsTrailer {
			continue
		}
		data = append(data, fr.Data...)
	}
	return data, false, nil
}
