package chunked

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSimpleChunks(t *testing.T) {
	input := []byte("4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")
	d := NewDecoder(0)
	frames, consumed, err := d.Decode(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), consumed)
	assert.True(t, d.Done())

	var got []byte
	for _, f := range frames {
		if !f.IsTrailer {
			got = append(got, f.Data...)
		}
	}
	assert.Equal(t, "Wikipedia", string(got))
}

func TestDecodeNeedMorePreservesState(t *testing.T) {
	full := []byte("4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")
	d := NewDecoder(0)

	// Feed byte by byte to exercise every NeedMore/resume transition.
	var all []byte
	var pending []byte
	for i := 0; i < len(full); i++ {
		pending = append(pending, full[i])
		frames, consumed, err := d.Decode(pending)
		if err == ErrNeedMore || err == nil {
			for _, f := range frames {
				if !f.IsTrailer {
					all = append(all, f.Data...)
				}
			}
		}
		pending = pending[consumed:]
	}
	assert.Contains(t, string(all), "Wiki")
}

func TestDecodeChunkExtensionsIgnored(t *testing.T) {
	input := []byte("1a;ext=foo\r\n" + "abcdefghijklmnopqrstuvwxyz" + "\r\n0\r\n\r\n")
	d := NewDecoder(0)
	frames, _, err := d.Decode(input)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz", string(frames[0].Data))
}

func TestDecodeTrailers(t *testing.T) {
	input := []byte("0\r\nX-Trailer: hi\r\n\r\n")
	d := NewDecoder(0)
	frames, _, err := d.Decode(input)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].IsTrailer)
	assert.Equal(t, "X-Trailer: hi", string(frames[0].Data))
}

func TestDecodeChunkTooLarge(t *testing.T) {
	d := NewDecoder(4)
	input := []byte("5\r\nabcde\r\n0\r\n\r\n")
	_, _, err := d.Decode(input)
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}

func TestDecodeInvalidHex(t *testing.T) {
	d := NewDecoder(0)
	_, _, err := d.Decode([]byte("zz\r\nhi\r\n"))
	assert.ErrorIs(t, err, ErrInvalidChunkEncoding)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	parts := [][]byte{[]byte("hello "), []byte("world")}
	var buf bytes.Buffer
	require.NoError(t, EncodeAll(&buf, parts, nil))

	d := NewDecoder(0)
	frames, consumed, err := d.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, buf.Len(), consumed)

	var got []byte
	for _, f := range frames {
		got = append(got, f.Data...)
	}
	assert.Equal(t, "hello world", string(got))
}

func TestEncodeEmptyBodyWellFormed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeAll(&buf, nil, nil))
	assert.Equal(t, "0\r\n\r\n", buf.String())
}

func TestEncodeWithTrailers(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeAll(&buf, [][]byte{[]byte("x")}, []string{"X-Checksum: abc"}))
	assert.Equal(t, "1\r\nx\r\n0\r\nX-Checksum: abc\r\n\r\n", buf.String())
}
