package icapmsg

import (
	"errors"
	"fmt"
)

// ErrNeedMore signals that buf did not contain a full "\r\n\r\n"-terminated
// header block yet; the caller should read more bytes and retry without
// discarding any of buf (spec.md §4.2).
var ErrNeedMore = errors.New("icapmsg: need more data")

// ErrHeaderTooLarge is returned when the header block exceeds the
// configured cap, whether or not its terminating blank line was found.
var ErrHeaderTooLarge = errors.New("icapmsg: header block too large")

// ErrMethodNotImplemented is returned for any method other than OPTIONS,
// REQMOD, RESPMOD.
var ErrMethodNotImplemented = errors.New("icapmsg: method not implemented")

// ErrVersionNotSupported is returned for any ICAP version other than 1.0.
var ErrVersionNotSupported = errors.New("icapmsg: version not supported")

// ErrMissingHost is returned when a request has no Host header.
var ErrMissingHost = errors.New("icapmsg: missing Host header")

// BadRequestError carries the byte offset and a human-readable detail for a
// malformed start-line, header line, or Encapsulated table.
type BadRequestError struct {
	Offset int
	Detail string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("icapmsg: bad request at offset %d: %s", e.Offset, e.Detail)
}

func badRequest(offset int, format string, args ...any) error {
	return &BadRequestError{Offset: offset, Detail: fmt.Sprintf(format, args...)}
}
