package transaction

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/icap/internal/chunked"
	"github.com/tokenshield/icap/internal/icapmsg"
	"github.com/tokenshield/icap/internal/icaptypes"
	"github.com/tokenshield/icap/internal/pipeline"
)

// stubStage is a minimal pipeline.Stage for transaction tests.
type stubStage struct {
	headerV      icaptypes.Verdict
	bodyVerdicts []icaptypes.Verdict
}

func (s *stubStage) Name() string   { return "stub" }
func (s *stubStage) WantsBody() bool { return true }

func (s *stubStage) FilterRequestHeaders(ctx context.Context, h *icaptypes.Headers) (icaptypes.Verdict, error) {
	return s.headerV, nil
}
func (s *stubStage) FilterResponseHeaders(ctx context.Context, req, res *icaptypes.Headers) (icaptypes.Verdict, error) {
	return s.headerV, nil
}
func (s *stubStage) FilterBodyChunk(ctx context.Context, chunk []byte, isFinal bool) (icaptypes.Verdict, error) {
	if len(s.bodyVerdicts) == 0 {
		return icaptypes.Allow(), nil
	}
	v := s.bodyVerdicts[0]
	s.bodyVerdicts = s.bodyVerdicts[1:]
	return v, nil
}
func (s *stubStage) Cancel() {}

func chunkedBody(t *testing.T, parts ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	ps := make([][]byte, len(parts))
	for i, p := range parts {
		ps[i] = []byte(p)
	}
	require.NoError(t, chunked.EncodeAll(&buf, ps, nil))
	return buf.Bytes()
}

func baseCfg(stages ...pipeline.Stage) (Config, *pipeline.Pipeline) {
	cfg := Config{
		ISTag:          "\"abc\"",
		Methods:        []icaptypes.Method{icaptypes.MethodReqmod, icaptypes.MethodRespmod, icaptypes.MethodOptions},
		Service:        "test",
		MaxChunkBytes:  1 << 20,
		MaxConnections: 100,
	}
	return cfg, pipeline.New(stages, 0)
}

func runTransaction(t *testing.T, raw []byte, cfg Config, p *pipeline.Pipeline) *icaptypes.Response {
	t.Helper()
	req, consumed, err := icapmsg.ParseRequest(raw, 0)
	require.NoError(t, err)
	r := bufio.NewReader(bytes.NewReader(raw[consumed:]))
	var w bytes.Buffer
	resp, err := Run(context.Background(), req, r, &w, p, cfg)
	require.NoError(t, err)
	return resp
}

func TestRunOptionsReturnsCapabilities(t *testing.T) {
	cfg, p := baseCfg()
	raw := []byte("OPTIONS icap://example.com/filter ICAP/1.0\r\nHost: example.com\r\n\r\n")
	resp := runTransaction(t, raw, cfg, p)
	assert.Equal(t, 200, resp.Status.Code)
	assert.Equal(t, "test", resp.Headers.Get("Service"))
}

func TestRunReqmodNullBodyAllowReturns204(t *testing.T) {
	cfg, p := baseCfg(&stubStage{headerV: icaptypes.Allow()})
	raw := []byte("REQMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Encapsulated: req-hdr=0, null-body=27\r\n\r\n" +
		"GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := runTransaction(t, raw, cfg, p)
	assert.Equal(t, 204, resp.Status.Code)
}

func TestRunReqmodHeaderBlockReturnsNoBody(t *testing.T) {
	cfg, p := baseCfg(&stubStage{headerV: icaptypes.Block(403, nil)})
	raw := []byte("REQMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Encapsulated: req-hdr=0, null-body=27\r\n\r\n" +
		"GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := runTransaction(t, raw, cfg, p)
	assert.Equal(t, 403, resp.Status.Code)
	assert.True(t, resp.Encapsulated.NullBody())
}

func TestRunReqmodStreamedAllowReturns204(t *testing.T) {
	cfg, p := baseCfg(&stubStage{headerV: icaptypes.Allow()})
	reqHdr := "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\n"
	body := chunkedBody(t, "hello")
	header := "REQMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + strconv.Itoa(len(reqHdr)) + "\r\n\r\n"
	raw := append([]byte(header+reqHdr), body...)
	resp := runTransaction(t, raw, cfg, p)
	assert.Equal(t, 204, resp.Status.Code)
}

func TestRunReqmodStreamedBlockReturnsReplacementBody(t *testing.T) {
	cfg, p := baseCfg(&stubStage{
		headerV:      icaptypes.Allow(),
		bodyVerdicts: []icaptypes.Verdict{icaptypes.Block(403, []byte("blocked"))},
	})
	reqHdr := "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\n"
	body := chunkedBody(t, "hello")
	header := "REQMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + strconv.Itoa(len(reqHdr)) + "\r\n\r\n"
	raw := append([]byte(header+reqHdr), body...)
	resp := runTransaction(t, raw, cfg, p)
	assert.Equal(t, 403, resp.Status.Code)
	require.Len(t, resp.Body, 1)
	assert.Equal(t, "blocked", string(resp.Body[0]))
}

func TestRunReqmodStreamedModifyReturns200WithRewrittenBody(t *testing.T) {
	cfg, p := baseCfg(&stubStage{
		headerV:      icaptypes.Allow(),
		bodyVerdicts: []icaptypes.Verdict{icaptypes.Modify(nil, []byte("HELLO"))},
	})
	reqHdr := "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\n"
	body := chunkedBody(t, "hello")
	header := "REQMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + strconv.Itoa(len(reqHdr)) + "\r\n\r\n"
	raw := append([]byte(header+reqHdr), body...)
	resp := runTransaction(t, raw, cfg, p)
	assert.Equal(t, 200, resp.Status.Code)
	require.Len(t, resp.Body, 1)
	assert.Equal(t, "HELLO", string(resp.Body[0]))
}

func TestRunReqmodForceOKOnAllowReplaysBody(t *testing.T) {
	cfg, p := baseCfg(&stubStage{headerV: icaptypes.Allow()})
	cfg.ForceOKOnAllow = true
	reqHdr := "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\n"
	body := chunkedBody(t, "hello")
	header := "REQMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + strconv.Itoa(len(reqHdr)) + "\r\n\r\n"
	raw := append([]byte(header+reqHdr), body...)
	resp := runTransaction(t, raw, cfg, p)
	assert.Equal(t, 200, resp.Status.Code)
}

func TestRunReqmodPreviewAllowSkipsBodyRead(t *testing.T) {
	cfg, p := baseCfg(&stubStage{headerV: icaptypes.Allow()})
	reqHdr := "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\n"
	body := chunkedBody(t, "hello")
	header := "REQMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Preview: 5\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + strconv.Itoa(len(reqHdr)) + "\r\n\r\n"
	raw := append([]byte(header+reqHdr), body...)
	resp := runTransaction(t, raw, cfg, p)
	assert.Equal(t, 204, resp.Status.Code)
}

func TestRunReqmodPreviewDeferWritesInterimAndFinalizes(t *testing.T) {
	cfg, p := baseCfg(&stubStage{
		headerV:      icaptypes.Allow(),
		bodyVerdicts: []icaptypes.Verdict{icaptypes.Defer(), icaptypes.Allow()},
	})
	reqHdr := "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\n"
	body := chunkedBody(t, "hello", "world")
	header := "REQMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Preview: 5\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + strconv.Itoa(len(reqHdr)) + "\r\n\r\n"
	raw := append([]byte(header+reqHdr), body...)

	req, consumed, err := icapmsg.ParseRequest(raw, 0)
	require.NoError(t, err)
	r := bufio.NewReader(bytes.NewReader(raw[consumed:]))
	var w bytes.Buffer
	resp, err := Run(context.Background(), req, r, &w, p, cfg)
	require.NoError(t, err)
	assert.Contains(t, w.String(), "100 Continue")
	assert.Equal(t, 204, resp.Status.Code)
}

func TestRunRespmodNullBodyUsesResponseHeaders(t *testing.T) {
	cfg, p := baseCfg(&stubStage{headerV: icaptypes.Allow()})
	reqHdr := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	resHdr := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	header := "RESPMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Encapsulated: req-hdr=0, res-hdr=" + strconv.Itoa(len(reqHdr)) + ", null-body=" + strconv.Itoa(len(reqHdr)+len(resHdr)) + "\r\n\r\n"
	raw := []byte(header + reqHdr + resHdr)
	resp := runTransaction(t, raw, cfg, p)
	assert.Equal(t, 204, resp.Status.Code)
}
