package chunked

import (
	"fmt"
	"io"
)

// Encoder writes RFC 7230 chunked framing to an underlying io.Writer, one
// buffer at a time. Adapted from intra-sh-icap's chunkedWriter, extended
// with an explicit trailer parameter on Close per spec.md §4.1.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteChunk emits one "hex(len)\r\n<bytes>\r\n" frame. A zero-length data
// slice is a no-op: chunked encoding reserves the zero-size chunk for the
// terminator, so callers must not use WriteChunk to signal end-of-body —
// call Close instead.
func (e *Encoder) WriteChunk(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(e.w, "%x\r\n", len(data)); err != nil {
		return err
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, "\r\n")
	return err
}

// Close writes the terminating "0\r\n", any trailer header lines, and the
// final blank line. Passing no trailers still produces a well-formed
// "0\r\n\r\n" terminator.
func (e *Encoder) Close(trailers []string) error {
	if _, err := io.WriteString(e.w, "0\r\n"); err != nil {
		return err
	}
	for _, t := range trailers {
		if _, err := io.WriteString(e.w, t+"\r\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(e.w, "\r\n")
	return err
}

// EncodeAll writes chunks for every buffer in parts, in order, then closes
// with trailers. It is a convenience wrapper for the common case of a
// fully-buffered body (spec.md §4.1 "empty input produces 0\r\n\r\n").
func EncodeAll(w io.Writer, parts [][]byte, trailers []string) error {
	enc := NewEncoder(w)
	for _, p := range parts {
		if err := enc.WriteChunk(p); err != nil {
			return err
		}
	}
	return enc.Close(trailers)
}
