package store

import (
	"context"
	"sort"
	"testing"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Chromem {
	t.Helper()
	s, err := NewChromem(Config{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestValidateCollectionName(t *testing.T) {
	assert.NoError(t, ValidateCollectionName("corpus_2024"))
	assert.ErrorIs(t, ValidateCollectionName(""), ErrInvalidCollectionName)
	assert.ErrorIs(t, ValidateCollectionName("Has-Dash"), ErrInvalidCollectionName)
}

func TestNewChromem_Defaults(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, "embedpool_corpus", s.cfg.Collection)

	_, err := NewChromem(Config{Path: t.TempDir(), Collection: "Bad Name"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestChromem_AddAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := []Document{
		{ID: "x", Content: "points east", Metadata: map[string]string{"axis": "x"}},
		{ID: "y", Content: "points north"},
		{Content: "points up"},
	}
	embeddings := encoder.Matrix{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	ids, err := s.Add(ctx, "", docs, embeddings)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, "x", ids[0])
	assert.Equal(t, "y", ids[1])
	assert.NotEmpty(t, ids[2])

	n, err := s.Count("")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := s.Search(ctx, "", []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "x", hits[0].ID)
	assert.Equal(t, "points east", hits[0].Content)
	assert.Equal(t, "x", hits[0].Metadata["axis"])

	// k is capped at the collection size.
	hits, err = s.Search(ctx, "", []float32{0, 0, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
	assert.Equal(t, ids[2], hits[0].ID)
}

func TestChromem_AddValidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "", []Document{{Content: "a"}}, encoder.Matrix{})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = s.Add(ctx, "Bad", []Document{{Content: "a"}}, encoder.Matrix{{1}})
	assert.ErrorIs(t, err, ErrInvalidCollectionName)

	ids, err := s.Add(ctx, "", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestChromem_SearchErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Search(ctx, "missing", []float32{1}, 1)
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	_, err = s.Search(ctx, "", []float32{1}, 0)
	assert.Error(t, err)

	_, err = s.Search(ctx, "", nil, 1)
	assert.Error(t, err)
}

func TestChromem_Collections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "alpha", []Document{{Content: "a"}}, encoder.Matrix{{1, 0}})
	require.NoError(t, err)
	_, err = s.Add(ctx, "beta", []Document{{Content: "b"}}, encoder.Matrix{{0, 1}})
	require.NoError(t, err)

	names := s.Collections()
	sort.Strings(names)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	require.NoError(t, s.DeleteCollection("alpha"))
	_, err = s.Count("alpha")
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestChromem_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewChromem(Config{Path: dir}, nil)
	require.NoError(t, err)
	_, err = s.Add(ctx, "", []Document{{ID: "a", Content: "kept"}}, encoder.Matrix{{1, 0}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewChromem(Config{Path: dir}, nil)
	require.NoError(t, err)
	n, err := reopened.Count("")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
