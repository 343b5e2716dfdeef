// Package icaptypes holds the wire-level data model shared by the parser,
// response builder, transaction state machine, and streaming pipeline: the
// ICAP method/version/status vocabulary, the header multimap, and the
// Encapsulated section table (RFC 3507 §4.4).
package icaptypes

import (
	"fmt"
	"strings"
)

// Method is an ICAP request method.
type Method string

const (
	MethodOptions Method = "OPTIONS"
	MethodReqmod  Method = "REQMOD"
	MethodRespmod Method = "RESPMOD"
)

// ParseMethod validates s against the three methods ICAP/1.0 defines.
func ParseMethod(s string) (Method, bool) {
	switch Method(s) {
	case MethodOptions, MethodReqmod, MethodRespmod:
		return Method(s), true
	default:
		return "", false
	}
}

// Version is the ICAP/<major>.<minor> version pair. Only 1.0 is accepted.
type Version struct {
	Major int
	Minor int
}

// V10 is the only version ICAP/1.0 servers accept.
var V10 = Version{Major: 1, Minor: 0}

func (v Version) String() string {
	return fmt.Sprintf("ICAP/%d.%d", v.Major, v.Minor)
}

// Supported reports whether v is the one version this core speaks.
func (v Version) Supported() bool {
	return v == V10
}

// Status is a numeric ICAP status code with its canonical reason phrase.
type Status struct {
	Code   int
	Reason string
}

var reasonPhrases = map[int]string{
	100: "Continue",
	200: "OK",
	204: "No Modifications",
	206: "Partial Content",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	413: "Request Too Large",
	500: "Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	505: "ICAP Version Not Supported",
}

// NewStatus builds a Status, filling in the canonical reason phrase for
// known codes when reason is empty.
func NewStatus(code int, reason string) Status {
	if reason == "" {
		reason = reasonPhrases[code]
	}
	return Status{Code: code, Reason: reason}
}

// HasBody reports whether a response carrying this status code is permitted
// to have an encapsulated body per the table in spec.md §6.
func (s Status) HasBody() bool {
	switch s.Code {
	case 100, 204, 400, 404, 405, 408, 413, 500, 501, 503, 505:
		return false
	default:
		return true
	}
}

// Headers is a case-insensitive, insertion-order-preserving, multi-valued
// header map, the ICAP analogue of net/http.Header but without its
// HTTP-specific canonicalization rules.
type Headers struct {
	order  []string          // canonical keys in first-insertion order
	values map[string][]string
}

// NewHeaders returns an empty header set ready for use.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Add appends a value, preserving any existing values under key.
func (h *Headers) Add(key, value string) {
	k := normalizeKey(key)
	if _, ok := h.values[k]; !ok {
		h.order = append(h.order, k)
	}
	h.values[k] = append(h.values[k], value)
}

// Set replaces all values for key with a single value.
func (h *Headers) Set(key, value string) {
	k := normalizeKey(key)
	if _, ok := h.values[k]; !ok {
		h.order = append(h.order, k)
	}
	h.values[k] = []string{value}
}

// Get returns the first value for key, or "" if absent.
func (h *Headers) Get(key string) string {
	vs := h.values[normalizeKey(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for key in insertion order.
func (h *Headers) Values(key string) []string {
	return h.values[normalizeKey(key)]
}

// Has reports whether key has at least one value.
func (h *Headers) Has(key string) bool {
	_, ok := h.values[normalizeKey(key)]
	return ok
}

// Del removes all values for key.
func (h *Headers) Del(key string) {
	k := normalizeKey(key)
	if _, ok := h.values[k]; !ok {
		return
	}
	delete(h.values, k)
	for i, existing := range h.order {
		if existing == k {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// originalCase maps canonical ICAP header names back to their wire form;
// anything not listed here is emitted title-cased word-by-word on hyphens.
var originalCase = map[string]string{
	"encapsulated":      "Encapsulated",
	"preview":           "Preview",
	"allow":             "Allow",
	"istag":             "ISTag",
	"connection":        "Connection",
	"service":           "Service",
	"methods":           "Methods",
	"max-connections":   "Max-Connections",
	"options-ttl":       "Options-TTL",
	"host":              "Host",
	"transfer-encoding": "Transfer-Encoding",
	"transfer-preview":  "Transfer-Preview",
	"transfer-ignore":   "Transfer-Ignore",
	"transfer-complete": "Transfer-Complete",
	"retry-after":       "Retry-After",
	"content-length":    "Content-Length",
	"date":              "Date",
	"server":            "Server",
}

// CanonicalName returns the wire-form spelling of a lowercased header key.
func CanonicalName(key string) string {
	k := normalizeKey(key)
	if name, ok := originalCase[k]; ok {
		return name
	}
	parts := strings.Split(k, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

// WriteTo serializes the headers, one "Name: value\r\n" line per value, in
// insertion order.
func (h *Headers) WriteTo(sb *strings.Builder) {
	for _, k := range h.order {
		name := CanonicalName(k)
		for _, v := range h.values[k] {
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
	}
}

// Keys returns the canonical (lowercased) header names in insertion order.
func (h *Headers) Keys() []string {
	return append([]string(nil), h.order...)
}

// Clone returns a deep copy of h.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	c.order = append([]string(nil), h.order...)
	for k, vs := range h.values {
		c.values[k] = append([]string(nil), vs...)
	}
	return c
}
