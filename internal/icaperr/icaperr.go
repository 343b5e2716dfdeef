// Package icaperr implements the single error taxonomy shared by every
// component downstream of the parser: one Kind per failure mode, one
// deterministic mapping to an ICAP status, and one place (ToStatus) where
// that mapping lives so C3/C4 never drift from it.
package icaperr

import (
	"errors"
	"fmt"

	"github.com/tokenshield/icap/internal/icapmsg"
)

// Kind tags a failure mode to its wire-level consequence.
type Kind int

const (
	KindParseError Kind = iota
	KindBadEncapsulated
	KindUnsupportedMethod
	KindUnsupportedVersion
	KindMissingHost
	KindHeaderTooLarge
	KindBodyTooLarge
	KindChunkInvalid
	KindChunkTooLarge
	KindTimeout
	KindFilterBlocked
	KindFilterError
	KindOverload
	KindServiceUnknown
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindParseError:
		return "ParseError"
	case KindBadEncapsulated:
		return "BadEncapsulated"
	case KindUnsupportedMethod:
		return "UnsupportedMethod"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	case KindMissingHost:
		return "MissingHost"
	case KindHeaderTooLarge:
		return "HeaderTooLarge"
	case KindBodyTooLarge:
		return "BodyTooLarge"
	case KindChunkInvalid:
		return "ChunkInvalid"
	case KindChunkTooLarge:
		return "ChunkTooLarge"
	case KindTimeout:
		return "Timeout"
	case KindFilterBlocked:
		return "FilterBlocked"
	case KindFilterError:
		return "FilterError"
	case KindOverload:
		return "Overload"
	case KindServiceUnknown:
		return "ServiceUnknown"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// statusByKind is the one-and-only kind→status table (spec.md §7). Status
// for KindFilterBlocked defaults to 403 here; New lets the caller override
// it with the filter's requested status.
var statusByKind = map[Kind]int{
	KindParseError:         400,
	KindBadEncapsulated:    400,
	KindUnsupportedMethod:  501,
	KindUnsupportedVersion: 505,
	KindMissingHost:        400,
	KindHeaderTooLarge:     413,
	KindBodyTooLarge:       413,
	KindChunkInvalid:       400,
	KindChunkTooLarge:      413,
	KindTimeout:            408,
	KindFilterBlocked:      403,
	KindFilterError:        500,
	KindOverload:           503,
	KindServiceUnknown:     404,
	KindInternal:           500,
}

// Error is the concrete type every component returns for a taxonomy-mapped
// failure. Detail is safe to log; it is never written to the wire.
type Error struct {
	Kind           Kind
	Detail         string
	StatusOverride int // overrides statusByKind[Kind] when non-zero (FilterBlocked only)
	Wrapped        error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds a taxonomy error of kind with a formatted detail.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds a taxonomy error that also carries the underlying cause for
// errors.Is/As chains (e.g. a filter's own error surfaced as FilterError).
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Wrapped: cause}
}

// Blocked builds a FilterBlocked error carrying the filter-chosen status
// (defaults to 403 if zero).
func Blocked(status int, detail string) *Error {
	if status == 0 {
		status = 403
	}
	return &Error{Kind: KindFilterBlocked, Detail: detail, StatusOverride: status}
}

// Status returns the ICAP status code this error maps to.
func (e *Error) Status() int {
	if e.StatusOverride != 0 {
		return e.StatusOverride
	}
	return statusByKind[e.Kind]
}

// ToStatus maps err to the ICAP status it must terminate the transaction
// with, per spec.md §7. Errors originating in icapmsg's parser (which
// predates this package and has its own sentinel/typed errors) are
// translated here too, so C4 has exactly one function to call regardless
// of which component raised the error.
func ToStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}

	switch {
	case errors.Is(err, icapmsg.ErrMethodNotImplemented):
		return 501
	case errors.Is(err, icapmsg.ErrVersionNotSupported):
		return 505
	case errors.Is(err, icapmsg.ErrMissingHost):
		return 400
	case errors.Is(err, icapmsg.ErrHeaderTooLarge):
		return 413
	}

	var bad *icapmsg.BadRequestError
	if errors.As(err, &bad) {
		return 400
	}

	return statusByKind[KindInternal]
}

// FromParse classifies a raw icapmsg.ParseRequest error into the taxonomy,
// for callers (C4) that want a Kind rather than just a status.
func FromParse(err error) *Error {
	switch {
	case errors.Is(err, icapmsg.ErrMethodNotImplemented):
		return New(KindUnsupportedMethod, "%s", err)
	case errors.Is(err, icapmsg.ErrVersionNotSupported):
		return New(KindUnsupportedVersion, "%s", err)
	case errors.Is(err, icapmsg.ErrMissingHost):
		return New(KindMissingHost, "%s", err)
	case errors.Is(err, icapmsg.ErrHeaderTooLarge):
		return New(KindHeaderTooLarge, "%s", err)
	default:
		var bad *icapmsg.BadRequestError
		if errors.As(err, &bad) {
			return New(KindBadEncapsulated, "%s", err)
		}
		return New(KindParseError, "%s", err)
	}
}
