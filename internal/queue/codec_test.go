package queue

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultItem_JSONPacksEmbeddings(t *testing.T) {
	in := ResultItem{
		CallID:  "call-1",
		ChunkID: 3,
		Embeddings: encoder.Matrix{
			{0.25, -1.5, float32(math.Inf(1))},
			{math.SmallestNonzeroFloat32, 0, 1e30},
		},
		Device: "cuda:1",
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"rows":2`)
	assert.Contains(t, string(data), `"dim":3`)
	assert.NotContains(t, string(data), "0.25")

	var out ResultItem
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestResultItem_JSONErrorResult(t *testing.T) {
	in := ResultItem{CallID: "c", ChunkID: 1, Err: "boom", Device: "cpu"}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "embeddings")

	var out ResultItem
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Failed())
	assert.Nil(t, out.Embeddings)
	assert.Equal(t, in, out)
}

func TestResultItem_JSONEmptyMatrix(t *testing.T) {
	data, err := json.Marshal(ResultItem{Embeddings: encoder.Matrix{}})
	require.NoError(t, err)

	var out ResultItem
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.Embeddings)
	assert.Empty(t, out.Embeddings)
}

func TestResultItem_JSONRejectsBadMatrices(t *testing.T) {
	_, err := json.Marshal(ResultItem{Embeddings: encoder.Matrix{{1, 2}, {3}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ragged")

	var out ResultItem
	err = json.Unmarshal([]byte(`{"call_id":"c","embeddings":{"rows":2,"dim":2,"data":"AAAA"}}`), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt matrix")
}

func TestWorkItem_JSONOptions(t *testing.T) {
	in := WorkItem{
		CallID:  "c",
		ChunkID: 0,
		Payload: []string{"a", "b"},
		Options: encoder.Options{"kind": "query", "batch_size": 16},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out WorkItem
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Payload, out.Payload)
	assert.Equal(t, encoder.KindQuery, out.Options.Kind())
	n, ok := out.Options.Int("batch_size")
	assert.True(t, ok)
	assert.Equal(t, 16, n)
}

func TestSubjectsFor(t *testing.T) {
	s := SubjectsFor("embedpool", "p1")
	assert.Equal(t, "embedpool.p1.work", s.Work)
	assert.Equal(t, "embedpool.p1.results", s.Results)
	assert.Equal(t, "embedpool.p1.ready", s.Ready)
}
