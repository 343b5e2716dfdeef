package pipeline

import (
	"context"

	"github.com/tokenshield/icap/internal/icaptypes"
)

// Stage is the Content-Filter interface of spec.md §4.6: every pluggable
// filter inspects headers and/or streamed body chunks and returns a
// verdict. filter_request_headers/filter_response_headers/
// filter_body_chunk/cancel map directly onto the four methods below.
//
// Implementations must not retain the byte slices passed to
// FilterBodyChunk past the call, and must be safe for concurrent use from
// independent transactions unless the pipeline is constructed with one
// Stage instance per connection.
type Stage interface {
	// Name identifies the stage for logging and audit records.
	Name() string

	// WantsBody reports whether the pipeline should run the body loop for
	// this stage at all; header-only filters (e.g. a URL-allowlist) skip it.
	WantsBody() bool

	FilterRequestHeaders(ctx context.Context, headers *icaptypes.Headers) (icaptypes.Verdict, error)
	FilterResponseHeaders(ctx context.Context, reqHeaders, resHeaders *icaptypes.Headers) (icaptypes.Verdict, error)
	// FilterBodyChunk inspects one chunk. Once the whole body has streamed
	// through without a Block, it is called one last time with isFinal true
	// and a nil chunk, so a stateful filter can flush; that final call is not
	// made when the stream is blocked or when the transaction is settled by
	// the preview verdict alone. Defer is only a legal return during
	// preview processing (spec.md §4.6).
	FilterBodyChunk(ctx context.Context, chunk []byte, isFinal bool) (icaptypes.Verdict, error)

	// Cancel is signaled on transaction deadline or peer-close; any
	// in-flight call above must observe ctx cancellation and return
	// promptly instead of relying solely on Cancel.
	Cancel()
}
