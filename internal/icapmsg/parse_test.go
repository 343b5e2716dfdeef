package icapmsg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/icap/internal/icaptypes"
)

func reqmod(body string) []byte {
	return []byte("REQMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Encapsulated: req-hdr=0, null-body=0\r\n" +
		"\r\n" + body)
}

func TestParseRequestNeedMore(t *testing.T) {
	buf := []byte("REQMOD icap://example.com/filter ICAP/1.0\r\nHost: exa")
	_, _, err := ParseRequest(buf, 0)
	assert.ErrorIs(t, err, ErrNeedMore)
}

func TestParseRequestHeaderTooLarge(t *testing.T) {
	huge := strings.Repeat("X-Pad: aaaaaaaaaa\r\n", 100)
	buf := []byte("OPTIONS icap://example.com/filter ICAP/1.0\r\nHost: example.com\r\n" + huge)
	_, _, err := ParseRequest(buf, 64)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestParseRequestOptionsDefaultsNullBody(t *testing.T) {
	buf := []byte("OPTIONS icap://example.com/filter ICAP/1.0\r\nHost: example.com\r\n\r\n")
	req, consumed, err := ParseRequest(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, icaptypes.MethodOptions, req.Method)
	assert.True(t, req.Encapsulated.NullBody())
}

func TestParseRequestMethodNotImplemented(t *testing.T) {
	buf := []byte("TRACE icap://example.com/filter ICAP/1.0\r\nHost: example.com\r\n\r\n")
	_, _, err := ParseRequest(buf, 0)
	assert.ErrorIs(t, err, ErrMethodNotImplemented)
}

func TestParseRequestVersionNotSupported(t *testing.T) {
	buf := []byte("OPTIONS icap://example.com/filter ICAP/2.0\r\nHost: example.com\r\n\r\n")
	_, _, err := ParseRequest(buf, 0)
	assert.ErrorIs(t, err, ErrVersionNotSupported)
}

func TestParseRequestMissingHost(t *testing.T) {
	buf := []byte("OPTIONS icap://example.com/filter ICAP/1.0\r\n\r\n")
	_, _, err := ParseRequest(buf, 0)
	assert.ErrorIs(t, err, ErrMissingHost)
}

func TestParseRequestMissingEncapsulatedForReqmod(t *testing.T) {
	buf := []byte("REQMOD icap://example.com/filter ICAP/1.0\r\nHost: example.com\r\n\r\n")
	_, _, err := ParseRequest(buf, 0)
	require.Error(t, err)
	var bad *BadRequestError
	assert.ErrorAs(t, err, &bad)
}

func TestParseRequestValidReqmod(t *testing.T) {
	req, consumed, err := ParseRequest(reqmod(""), 0)
	require.NoError(t, err)
	assert.Equal(t, icaptypes.MethodReqmod, req.Method)
	assert.Equal(t, "example.com", req.Headers.Get("Host"))
	assert.Equal(t, len(reqmod("")), consumed)
}

func TestParseRequestDuplicateHeadersPreserved(t *testing.T) {
	buf := []byte("OPTIONS icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"X-Tag: a\r\n" +
		"X-Tag: b\r\n\r\n")
	req, _, err := ParseRequest(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, req.Headers.Values("X-Tag"))
}

func TestParseRequestInvalidEncapsulatedShapeForReqmod(t *testing.T) {
	buf := []byte("REQMOD icap://example.com/filter ICAP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Encapsulated: res-hdr=0, res-body=10\r\n\r\n")
	_, _, err := ParseRequest(buf, 0)
	require.Error(t, err)
}
