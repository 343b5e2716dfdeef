// Package icapmsg implements C2 (the ICAP message parser) and C3 (the
// response builder) of spec.md §4.2/§4.3: parsing an ICAP request
// start-line plus header block from a contiguous buffer into a typed
// Request, and serializing a Response back to wire form. ICAP responses are
// only built, never parsed.
//
// The parser never touches a socket — it operates purely over a
// caller-owned byte slice and reports ErrNeedMore on partial input, per the
// design note in spec.md §9 ("the parser (C2) must be pure over an input
// slice... so it can be unit-tested without sockets"). Grounded on
// loopnestdev-icap-logger's parser.go (header line loop terminated by a
// blank line) and the historical ICAP library's Encapsulated offset
// arithmetic (other_examples/84a1cadc..._request.go.go).
package icapmsg

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/tokenshield/icap/internal/icaptypes"
)

// DefaultMaxHeaderBytes is the default header-block cap (spec.md §6).
const DefaultMaxHeaderBytes = 64 * 1024

var headerTerminator = []byte("\r\n\r\n")

// ParseRequest parses an ICAP request-line plus header block from buf.
// It returns the parsed request and the number of bytes consumed (the
// length of the header block, ending just after the terminating blank
// line) or an error. ErrNeedMore means buf does not yet contain a full
// header block; every other error is terminal for the transaction.
//
// The Encapsulated header, if present, is parsed and validated against
// method (spec.md §3 table); HTTP sub-message bytes are NOT read here —
// callers read those separately using the returned offsets, since their
// length depends on bytes that follow this header block on the wire.
func ParseRequest(buf []byte, maxHeaderBytes int) (*icaptypes.Request, int, error) {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}

	end := bytes.Index(buf, headerTerminator)
	if end < 0 {
		if len(buf) > maxHeaderBytes {
			return nil, 0, ErrHeaderTooLarge
		}
		return nil, 0, ErrNeedMore
	}
	consumed := end + len(headerTerminator)
	if consumed > maxHeaderBytes {
		return nil, 0, ErrHeaderTooLarge
	}

	block := buf[:end]
	lines := splitLines(block)
	if len(lines) == 0 {
		return nil, 0, badRequest(0, "empty request")
	}

	req := &icaptypes.Request{Headers: icaptypes.NewHeaders()}

	methodStr, uri, version, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, 0, err
	}
	method, ok := icaptypes.ParseMethod(methodStr)
	if !ok {
		return nil, 0, ErrMethodNotImplemented
	}
	req.Method = method
	req.URI = uri
	req.Version = version
	if !version.Supported() {
		return nil, 0, ErrVersionNotSupported
	}

	if err := parseHeaderLines(lines[1:], req.Headers); err != nil {
		return nil, 0, err
	}

	if req.Headers.Get("Host") == "" {
		return nil, 0, ErrMissingHost
	}

	encValue := req.Headers.Get("Encapsulated")
	var table icaptypes.EncapsulatedTable
	if encValue == "" {
		// Absence means null-body=0 (spec.md §4.2): allowed for OPTIONS,
		// disallowed for REQMOD/RESPMOD.
		if method == icaptypes.MethodOptions {
			table = icaptypes.NullBodyTable()
		} else {
			return nil, 0, badRequest(0, "missing Encapsulated header for %s", method)
		}
	} else {
		table, err = icaptypes.ParseEncapsulated(encValue)
		if err != nil {
			return nil, 0, badRequest(0, "%s", err)
		}
	}
	if err := icaptypes.ValidateForMethod(method, table); err != nil {
		return nil, 0, badRequest(0, "%s", err)
	}
	req.Encapsulated = table

	return req, consumed, nil
}

func parseRequestLine(line string) (method, uri string, version icaptypes.Version, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", icaptypes.Version{}, badRequest(0, "malformed request line %q", line)
	}
	v, verr := parseVersion(parts[2])
	if verr != nil {
		return "", "", icaptypes.Version{}, verr
	}
	return strings.ToUpper(parts[0]), parts[1], v, nil
}

func parseVersion(tok string) (icaptypes.Version, error) {
	const prefix = "ICAP/"
	if !strings.HasPrefix(strings.ToUpper(tok), prefix) {
		return icaptypes.Version{}, badRequest(0, "malformed protocol token %q", tok)
	}
	rest := tok[len(prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return icaptypes.Version{}, badRequest(0, "malformed version %q", tok)
	}
	major, err1 := strconv.Atoi(rest[:dot])
	minor, err2 := strconv.Atoi(rest[dot+1:])
	if err1 != nil || err2 != nil {
		return icaptypes.Version{}, badRequest(0, "malformed version %q", tok)
	}
	return icaptypes.Version{Major: major, Minor: minor}, nil
}

// parseHeaderLines parses "Name: value" lines, folding duplicate names by
// lowercased key while preserving all values in order (spec.md §4.2).
func parseHeaderLines(lines []string, h *icaptypes.Headers) error {
	for _, line := range lines {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return badRequest(0, "malformed header line %q", line)
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		if name == "" {
			return badRequest(0, "empty header name in %q", line)
		}
		h.Add(name, value)
	}
	return nil
}

// splitLines splits a CRLF-delimited header block (without the final blank
// line) into its individual lines.
func splitLines(block []byte) []string {
	raw := strings.Split(string(block), "\r\n")
	return raw
}
