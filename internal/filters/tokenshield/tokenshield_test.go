package tokenshield

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/icap/internal/icaptypes"
)

func fakeLookup(table map[string]string) Lookup {
	return func(ctx context.Context, token string) (string, error) {
		return table[token], nil
	}
}

func TestFilterBodyChunkReplacesKnownToken(t *testing.T) {
	s := NewWithLookup(fakeLookup(map[string]string{"tok_abc123": "4111111111111111"}), nil)
	v, err := s.FilterBodyChunk(context.Background(), []byte(`{"card":"tok_abc123"}`), false)
	require.NoError(t, err)
	assert.Equal(t, icaptypes.VerdictModify, v.Kind)
	assert.Equal(t, `{"card":"4111111111111111"}`, string(v.NewBody))
}

func TestFilterBodyChunkAllowsWhenNoTokenPresent(t *testing.T) {
	s := NewWithLookup(fakeLookup(nil), nil)
	v, err := s.FilterBodyChunk(context.Background(), []byte(`{"card":"not-a-token"}`), false)
	require.NoError(t, err)
	assert.Equal(t, icaptypes.VerdictAllow, v.Kind)
}

func TestFilterBodyChunkAllowsOnEmptyChunk(t *testing.T) {
	s := NewWithLookup(fakeLookup(nil), nil)
	v, err := s.FilterBodyChunk(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Equal(t, icaptypes.VerdictAllow, v.Kind)
}

func TestFilterBodyChunkReplacesMultipleTokens(t *testing.T) {
	s := NewWithLookup(fakeLookup(map[string]string{
		"tok_one": "1111",
		"tok_two": "2222",
	}), nil)
	v, err := s.FilterBodyChunk(context.Background(), []byte(`["tok_one","tok_two"]`), false)
	require.NoError(t, err)
	assert.Equal(t, icaptypes.VerdictModify, v.Kind)
	assert.Equal(t, `["1111","2222"]`, string(v.NewBody))
}

func TestFilterBodyChunkLeavesUnknownTokenInPlace(t *testing.T) {
	s := NewWithLookup(fakeLookup(map[string]string{"tok_known": "9999"}), nil)
	v, err := s.FilterBodyChunk(context.Background(), []byte(`tok_known tok_unknown`), false)
	require.NoError(t, err)
	assert.Equal(t, icaptypes.VerdictModify, v.Kind)
	assert.Equal(t, `9999 tok_unknown`, string(v.NewBody))
}

func TestFilterBodyChunkPropagatesLookupError(t *testing.T) {
	boom := errors.New("connection refused")
	s := NewWithLookup(func(ctx context.Context, token string) (string, error) {
		return "", boom
	}, nil)
	_, err := s.FilterBodyChunk(context.Background(), []byte("tok_x"), false)
	require.Error(t, err)
}

func TestStageMetadata(t *testing.T) {
	s := NewWithLookup(fakeLookup(nil), nil)
	assert.Equal(t, "tokenshield", s.Name())
	assert.True(t, s.WantsBody())
	s.Cancel()
	require.NoError(t, s.Close())
}

func TestFilterHeadersAlwaysAllow(t *testing.T) {
	s := NewWithLookup(fakeLookup(nil), nil)
	v, err := s.FilterRequestHeaders(context.Background(), icaptypes.NewHeaders())
	require.NoError(t, err)
	assert.Equal(t, icaptypes.VerdictAllow, v.Kind)

	v, err = s.FilterResponseHeaders(context.Background(), icaptypes.NewHeaders(), icaptypes.NewHeaders())
	require.NoError(t, err)
	assert.Equal(t, icaptypes.VerdictAllow, v.Kind)
}
