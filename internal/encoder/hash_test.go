package encoder

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHash_InvalidDimension(t *testing.T) {
	_, err := NewHash(0)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHash_Encode(t *testing.T) {
	h, err := NewHash(16)
	require.NoError(t, err)
	ctx := context.Background()

	texts := []string{"the quick brown fox", "jumps over", "the quick brown fox"}
	out, err := h.Encode(ctx, texts, "cpu", nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 16, out.Dim())

	// Same text, same row; device does not matter.
	assert.Equal(t, out[0], out[2])
	again, err := h.Encode(ctx, texts[:1], "cuda:1", nil)
	require.NoError(t, err)
	assert.Equal(t, out[0], again[0])

	var norm float64
	for _, v := range out[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHash_KindChangesVectors(t *testing.T) {
	h, err := NewHash(64)
	require.NoError(t, err)
	ctx := context.Background()

	corpus, err := h.Encode(ctx, []string{"embedding pools"}, "cpu", Options{"kind": "corpus"})
	require.NoError(t, err)
	query, err := h.Encode(ctx, []string{"embedding pools"}, "cpu", Options{"kind": "query"})
	require.NoError(t, err)

	assert.NotEqual(t, corpus[0], query[0])
}

func TestHash_EmptyText(t *testing.T) {
	h, err := NewHash(8)
	require.NoError(t, err)

	out, err := h.Encode(context.Background(), []string{""}, "cpu", nil)
	require.NoError(t, err)
	for _, v := range out[0] {
		assert.False(t, math.IsNaN(float64(v)))
		assert.Zero(t, v)
	}
}

func TestHash_Errors(t *testing.T) {
	h, err := NewHash(8)
	require.NoError(t, err)

	_, err = h.Encode(context.Background(), nil, "cpu", nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Encode(ctx, []string{"a"}, "cpu", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
