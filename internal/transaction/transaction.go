// Package transaction implements C4, spec.md §4.4: it drives one
// REQMOD/RESPMOD/OPTIONS transaction end-to-end — encapsulated HTTP header
// parsing, preview negotiation with the 100-Continue/204 shortcuts, and
// dispatch into the pipeline (C5) — and returns the single terminal
// response C3 should write.
//
// Grounded on ppomes-TokenShield/unified-tokenizer/internal/icap/icap.go's
// handleReqmod/handleRespmod (encapsulated-offset-driven HTTP header reads,
// one pass through the adaptation logic per transaction) regularized to
// the state diagram of spec.md §4.4 rather than that source's ad hoc
// branching (see DESIGN.md Q1: the source's hang on complex encapsulated
// requests is not reproduced here).
package transaction

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tokenshield/icap/internal/icaperr"
	"github.com/tokenshield/icap/internal/icapmsg"
	"github.com/tokenshield/icap/internal/icaptypes"
	"github.com/tokenshield/icap/internal/pipeline"
)

// Config carries the per-server settings a transaction needs to build
// responses and negotiate previews (spec.md §6).
type Config struct {
	ISTag             string
	Methods           []icaptypes.Method
	Service           string
	MaxConnections    int
	OptionsTTLSeconds int
	PreviewBytes      int
	MaxChunkBytes     int64

	// ForceOKOnAllow is the Q2 escape hatch: when true, an Allow verdict
	// is served as 200 OK with the original body replayed instead of 204,
	// for clients that mishandle 204. Off by default (spec.md is strict:
	// Allow -> 204, Modify -> 200/206).
	ForceOKOnAllow bool

	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Run executes one transaction: req has already been parsed by icapmsg
// (C2); r is positioned immediately after the ICAP header block's
// terminating blank line, ready to yield the encapsulated region; w
// receives an immediate "100 Continue" write if preview negotiation calls
// for one. Run returns the single terminal response for the caller (C6)
// to serialize via icapmsg.WriteTo.
func Run(ctx context.Context, req *icaptypes.Request, r *bufio.Reader, w io.Writer, p *pipeline.Pipeline, cfg Config) (*icaptypes.Response, error) {
	switch req.Method {
	case icaptypes.MethodOptions:
		return buildOptionsResponse(cfg), nil
	case icaptypes.MethodReqmod:
		return runReqmod(ctx, req, r, w, p, cfg)
	case icaptypes.MethodRespmod:
		return runRespmod(ctx, req, r, w, p, cfg)
	default:
		return nil, icaperr.New(icaperr.KindUnsupportedMethod, "method %s", req.Method)
	}
}

func buildOptionsResponse(cfg Config) *icaptypes.Response {
	resp, err := icapmsg.BuildOptions(icapmsg.OptionsSpec{
		ISTag:             cfg.ISTag,
		Methods:           cfg.Methods,
		Service:           cfg.Service,
		MaxConnections:    cfg.MaxConnections,
		OptionsTTLSeconds: cfg.OptionsTTLSeconds,
		PreviewBytes:      cfg.PreviewBytes,
		TransferPreview:   []string{"*"},
		AllowPreview204:   true,
	})
	if err != nil {
		// Only InternalBuildError can escape BuildOptions, and only if the
		// config itself violates a §3 invariant; that is a deployment bug,
		// not a per-request condition, so surface a bare 500.
		return &icaptypes.Response{
			Status:       icaptypes.NewStatus(500, ""),
			Version:      icaptypes.V10,
			Headers:      icaptypes.NewHeaders(),
			Encapsulated: icaptypes.NullBodyTable(),
		}
	}
	return resp
}

func runReqmod(ctx context.Context, req *icaptypes.Request, r *bufio.Reader, w io.Writer, p *pipeline.Pipeline, cfg Config) (*icaptypes.Response, error) {
	reqHdrLen, hasReqHdr := sectionLength(req.Encapsulated, icaptypes.SectionReqHdr)
	var httpReq *http.Request
	var err error
	if hasReqHdr {
		httpReq, err = readHTTPRequestHeaders(r, reqHdrLen)
		if err != nil {
			return nil, icaperr.New(icaperr.KindBadEncapsulated, "reading req-hdr: %s", err)
		}
	} else {
		httpReq = &http.Request{Header: make(http.Header)}
	}
	req.HTTPRequest = httpReq

	reqHeaders := httpHeaderToICAP(httpReq.Header)
	headerVerdict, err := p.FilterRequestHeaders(ctx, reqHeaders)
	if err != nil {
		return nil, err
	}

	if req.Encapsulated.NullBody() {
		return finalizeHeaderOnly(cfg, headerVerdict, icaptypes.SectionReqBody, httpReq, nil)
	}
	if headerVerdict.Kind == icaptypes.VerdictBlock {
		return finalizeHeaderOnly(cfg, headerVerdict, icaptypes.SectionReqBody, httpReq, nil)
	}

	result, err := streamBody(ctx, req, r, w, p, cfg)
	if err != nil {
		return nil, err
	}
	return finalizeStreamed(cfg, result, icaptypes.SectionReqBody, httpReq, nil)
}

func runRespmod(ctx context.Context, req *icaptypes.Request, r *bufio.Reader, w io.Writer, p *pipeline.Pipeline, cfg Config) (*icaptypes.Response, error) {
	reqHdrLen, hasReqHdr := sectionLength(req.Encapsulated, icaptypes.SectionReqHdr)
	var httpReq *http.Request
	var err error
	if hasReqHdr {
		httpReq, err = readHTTPRequestHeaders(r, reqHdrLen)
		if err != nil {
			return nil, icaperr.New(icaperr.KindBadEncapsulated, "reading req-hdr: %s", err)
		}
	} else {
		httpReq = &http.Request{Header: make(http.Header)}
	}

	resHdrLen, hasResHdr := sectionLength(req.Encapsulated, icaptypes.SectionResHdr)
	var httpResp *http.Response
	if hasResHdr {
		httpResp, err = readHTTPResponseHeaders(r, resHdrLen)
		if err != nil {
			return nil, icaperr.New(icaperr.KindBadEncapsulated, "reading res-hdr: %s", err)
		}
	} else {
		httpResp = &http.Response{Header: make(http.Header)}
	}
	req.HTTPRequest = httpReq
	req.HTTPResponse = httpResp

	reqHeaders := httpHeaderToICAP(httpReq.Header)
	resHeaders := httpHeaderToICAP(httpResp.Header)
	headerVerdict, err := p.FilterResponseHeaders(ctx, reqHeaders, resHeaders)
	if err != nil {
		return nil, err
	}

	if req.Encapsulated.NullBody() {
		return finalizeHeaderOnly(cfg, headerVerdict, icaptypes.SectionResBody, nil, httpResp)
	}
	if headerVerdict.Kind == icaptypes.VerdictBlock {
		return finalizeHeaderOnly(cfg, headerVerdict, icaptypes.SectionResBody, nil, httpResp)
	}

	result, err := streamBody(ctx, req, r, w, p, cfg)
	if err != nil {
		return nil, err
	}
	return finalizeStreamed(cfg, result, icaptypes.SectionResBody, nil, httpResp)
}

// streamBody runs preview negotiation (if the client sent a Preview
// header) followed by full-body streaming, writing a "100 Continue"
// preamble to w the moment a Defer verdict calls for one (spec.md §4.4's
// ordering guarantee: the preamble must precede the terminal response but
// can be written as soon as it's decided).
func streamBody(ctx context.Context, req *icaptypes.Request, r *bufio.Reader, w io.Writer, p *pipeline.Pipeline, cfg Config) (pipeline.StreamResult, error) {
	feed := newDecoderFeed(r, cfg.MaxChunkBytes)

	size, ok := req.Preview()
	if !ok {
		return p.ProcessStream(ctx, feed)
	}

	previewData, bodyComplete, err := readUpTo(ctx, feed, size)
	if err != nil {
		return pipeline.StreamResult{}, err
	}
	previewVerdict, err := p.ProcessPreview(ctx, previewData)
	if err != nil {
		return pipeline.StreamResult{}, err
	}

	switch previewVerdict.Kind {
	case icaptypes.VerdictAllow:
		return pipeline.StreamResult{Verdict: icaptypes.Allow()}, nil
	case icaptypes.VerdictBlock:
		return pipeline.StreamResult{Verdict: previewVerdict}, nil
	case icaptypes.VerdictDefer:
		if bodyComplete {
			// The whole body arrived as "preview"; there is nothing left
			// to request with 100 Continue, so finalize immediately.
			return p.ProcessStreamContinuation(ctx, feed, previewData)
		}
		if _, werr := io.WriteString(w, "ICAP/1.0 100 Continue\r\n\r\n"); werr != nil {
			return pipeline.StreamResult{}, werr
		}
		return p.ProcessStreamContinuation(ctx, feed, previewData)
	default:
		return pipeline.StreamResult{}, icaperr.New(icaperr.KindFilterError, "invalid preview verdict %d", previewVerdict.Kind)
	}
}

func finalizeHeaderOnly(cfg Config, v icaptypes.Verdict, bodyKind icaptypes.SectionKind, httpReq *http.Request, httpResp *http.Response) (*icaptypes.Response, error) {
	switch v.Kind {
	case icaptypes.VerdictBlock:
		return buildBlockResponse(cfg, v, bodyKind, httpReq, httpResp)
	case icaptypes.VerdictModify:
		block, err := headerBlockFor(bodyKind, httpReq, httpResp, v.NewHeaders, 0)
		if err != nil {
			return nil, err
		}
		return icapmsg.Build(icapmsg.ResponseSpec{
			Status:      icaptypes.NewStatus(200, ""),
			ISTag:       cfg.ISTag,
			BodyKind:    bodyKind,
			HeaderBlock: block,
			Body:        nil,
		})
	default:
		return icapmsg.Build(icapmsg.ResponseSpec{Status: icaptypes.NewStatus(204, ""), ISTag: cfg.ISTag})
	}
}

func finalizeStreamed(cfg Config, result pipeline.StreamResult, bodyKind icaptypes.SectionKind, httpReq *http.Request, httpResp *http.Response) (*icaptypes.Response, error) {
	switch result.Verdict.Kind {
	case icaptypes.VerdictBlock:
		return buildBlockResponse(cfg, result.Verdict, bodyKind, httpReq, httpResp)
	case icaptypes.VerdictModify:
		totalLen := 0
		for _, c := range result.Body {
			totalLen += len(c)
		}
		block, err := headerBlockFor(bodyKind, httpReq, httpResp, nil, totalLen)
		if err != nil {
			return nil, err
		}
		return icapmsg.Build(icapmsg.ResponseSpec{
			Status:      icaptypes.NewStatus(200, ""),
			ISTag:       cfg.ISTag,
			BodyKind:    bodyKind,
			HeaderBlock: block,
			Body:        result.Body,
		})
	default:
		if cfg.ForceOKOnAllow {
			totalLen := 0
			for _, c := range result.Body {
				totalLen += len(c)
			}
			block, err := headerBlockFor(bodyKind, httpReq, httpResp, nil, totalLen)
			if err != nil {
				return nil, err
			}
			return icapmsg.Build(icapmsg.ResponseSpec{
				Status:      icaptypes.NewStatus(200, ""),
				ISTag:       cfg.ISTag,
				BodyKind:    bodyKind,
				HeaderBlock: block,
				Body:        result.Body,
			})
		}
		return icapmsg.Build(icapmsg.ResponseSpec{Status: icaptypes.NewStatus(204, ""), ISTag: cfg.ISTag})
	}
}

func buildBlockResponse(cfg Config, v icaptypes.Verdict, bodyKind icaptypes.SectionKind, httpReq *http.Request, httpResp *http.Response) (*icaptypes.Response, error) {
	status := v.BlockStatus
	if status == 0 {
		status = 403
	}
	if len(v.ReplacementBody) == 0 {
		return icapmsg.Build(icapmsg.ResponseSpec{Status: icaptypes.NewStatus(status, ""), ISTag: cfg.ISTag})
	}
	block, err := headerBlockFor(bodyKind, httpReq, httpResp, nil, len(v.ReplacementBody))
	if err != nil {
		return nil, err
	}
	return icapmsg.Build(icapmsg.ResponseSpec{
		Status:      icaptypes.NewStatus(status, ""),
		ISTag:       cfg.ISTag,
		BodyKind:    bodyKind,
		HeaderBlock: block,
		Body:        [][]byte{v.ReplacementBody},
	})
}

// sectionLength returns the byte length of the section identified by kind:
// the delta to the section immediately following it in table, which the
// parser (C2) guarantees is present and offset-ordered for req-hdr/res-hdr.
func sectionLength(table icaptypes.EncapsulatedTable, kind icaptypes.SectionKind) (int, bool) {
	for i, s := range table.Sections {
		if s.Kind != kind {
			continue
		}
		if i+1 >= len(table.Sections) {
			return 0, false
		}
		return table.Sections[i+1].Offset - s.Offset, true
	}
	return 0, false
}

func readHTTPRequestHeaders(r *bufio.Reader, n int) (*http.Request, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return nil, err
	}
	return req, nil
}

func readHTTPResponseHeaders(r *bufio.Reader, n int) (*http.Response, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(buf)), nil)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// headerBlockFor reconstructs the serialized HTTP header block accompanying
// a modified/blocked body: bodyLen drives Content-Length (the body bytes
// themselves are not part of the returned block), and newHeaders
// (header-stage Modify) overrides the original header set when present.
func headerBlockFor(bodyKind icaptypes.SectionKind, httpReq *http.Request, httpResp *http.Response, newHeaders *icaptypes.Headers, bodyLen int) ([]byte, error) {
	if bodyKind == icaptypes.SectionReqBody {
		clone := httpReq.Clone(context.Background())
		clone.Body = http.NoBody
		if bodyLen > 0 {
			clone.Body = io.NopCloser(bytes.NewReader(make([]byte, bodyLen)))
		}
		clone.ContentLength = int64(bodyLen)
		if newHeaders != nil {
			clone.Header = icapToHTTPHeader(newHeaders)
		}
		clone.Header.Set("Content-Length", strconv.Itoa(bodyLen))
		clone.Header.Del("Transfer-Encoding")
		var buf bytes.Buffer
		if err := clone.Write(&buf); err != nil {
			return nil, fmt.Errorf("serializing req-hdr: %w", err)
		}
		return buf.Bytes()[:buf.Len()-bodyLen], nil
	}

	clone := *httpResp
	clone.Body = http.NoBody
	if bodyLen > 0 {
		clone.Body = io.NopCloser(bytes.NewReader(make([]byte, bodyLen)))
	}
	clone.ContentLength = int64(bodyLen)
	if newHeaders != nil {
		clone.Header = icapToHTTPHeader(newHeaders)
	} else {
		clone.Header = httpResp.Header.Clone()
	}
	clone.Header.Set("Content-Length", strconv.Itoa(bodyLen))
	clone.Header.Del("Transfer-Encoding")
	var buf bytes.Buffer
	if err := clone.Write(&buf); err != nil {
		return nil, fmt.Errorf("serializing res-hdr: %w", err)
	}
	return buf.Bytes()[:buf.Len()-bodyLen], nil
}

func httpHeaderToICAP(h http.Header) *icaptypes.Headers {
	out := icaptypes.NewHeaders()
	for k, vs := range h {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

func icapToHTTPHeader(h *icaptypes.Headers) http.Header {
	out := make(http.Header)
	for _, k := range h.Keys() {
		name := icaptypes.CanonicalName(k)
		for _, v := range h.Values(k) {
			out.Add(name, v)
		}
	}
	return out
}
