package icaptypes

import "net/http"

// Request is a parsed ICAP request: the start-line, header block, and the
// (lazily-read) encapsulated HTTP sub-messages.
type Request struct {
	Method       Method
	URI          string
	Version      Version
	Headers      *Headers
	Encapsulated EncapsulatedTable

	// HTTPRequest / HTTPResponse hold the parsed encapsulated HTTP headers,
	// when present (req-hdr / res-hdr sections). Body is never attached
	// here: bodies stream through the chunked codec and pipeline, never
	// materialized on the Request.
	HTTPRequest  *http.Request
	HTTPResponse *http.Response

	RemoteAddr string
}

// Preview returns the negotiated preview size and whether a Preview header
// was present at all (spec.md §4.4).
func (r *Request) Preview() (size int, ok bool) {
	v := r.Headers.Get("Preview")
	if v == "" {
		return 0, false
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// Response is a built ICAP response: status, headers, and an optional
// encapsulated payload described by Encapsulated and supplied by Body.
type Response struct {
	Status       Status
	Version      Version
	Headers      *Headers
	Encapsulated EncapsulatedTable

	// HeaderBlock is the serialized encapsulated HTTP header section(s),
	// already laid out back-to-back per Encapsulated's offsets.
	HeaderBlock []byte

	// Body is chunk-encoded onto the wire following HeaderBlock whenever
	// Encapsulated has a body section; a nil Body there still writes the
	// terminating zero-size chunk. Without a body section nothing follows.
	Body [][]byte

	// Trailers are optional trailer headers emitted after the final chunk.
	Trailers *Headers
}

// VerdictKind tags the four filter outcomes of spec.md §3.
type VerdictKind int

const (
	VerdictAllow VerdictKind = iota
	VerdictModify
	VerdictBlock
	VerdictDefer
)

// Verdict is what a filter (or the filter chain as a whole) decided to do
// with a request/response/body under inspection.
type Verdict struct {
	Kind VerdictKind

	// Modify
	NewHeaders *Headers
	NewBody    []byte

	// Block
	BlockStatus      int
	ReplacementBody  []byte

	// Defer: need-more-bytes sentinel, body-chunk only, preview only.
}

// Allow is the zero-modification verdict.
func Allow() Verdict { return Verdict{Kind: VerdictAllow} }

// Block builds a blocking verdict with the given ICAP status (defaults to
// 403 if zero) and optional replacement body.
func Block(status int, body []byte) Verdict {
	if status == 0 {
		status = 403
	}
	return Verdict{Kind: VerdictBlock, BlockStatus: status, ReplacementBody: body}
}

// Modify builds a modification verdict.
func Modify(headers *Headers, body []byte) Verdict {
	return Verdict{Kind: VerdictModify, NewHeaders: headers, NewBody: body}
}

// Defer is the "need more bytes" preview verdict.
func Defer() Verdict { return Verdict{Kind: VerdictDefer} }
