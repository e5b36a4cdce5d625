package encoder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantDim int
		wantErr error
	}{
		{name: "hash with dimension", spec: Spec{Provider: "hash", Dimension: 32}, wantDim: 32},
		{name: "hash from model", spec: Spec{Provider: "hash", Model: "BAAI/bge-base-en-v1.5"}, wantDim: 768},
		{name: "tei", spec: Spec{Provider: "tei", BaseURL: "http://localhost:8080", Model: "BAAI/bge-small-en-v1.5"}, wantDim: 384},
		{name: "tei without url", spec: Spec{Provider: "tei"}, wantErr: ErrInvalidConfig},
		{name: "unknown provider", spec: Spec{Provider: "openai"}, wantErr: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := New(tt.spec, nil)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDim, enc.Dimension())
			assert.NoError(t, enc.Close())
		})
	}
}

func TestNew_HashEncodes(t *testing.T) {
	enc, err := New(Spec{Provider: "hash", Dimension: 4}, nil)
	require.NoError(t, err)

	out, err := enc.Encode(context.Background(), []string{"x y"}, "cpu", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Dim())
}

func TestSpecRoundTrip_OmitsAPIKey(t *testing.T) {
	spec := Spec{
		Provider:   "tei",
		BaseURL:    "http://tei:8080",
		DeviceURLs: map[string]string{"cuda:0": "http://tei-0:8080"},
		APIKey:     "sk-secret",
	}

	s, err := MarshalSpec(spec)
	require.NoError(t, err)
	assert.NotContains(t, s, "sk-secret")

	got, err := UnmarshalSpec(s)
	require.NoError(t, err)
	assert.Empty(t, got.APIKey)
	got.APIKey = spec.APIKey
	assert.Equal(t, spec, got)

	_, err = UnmarshalSpec("{not json")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
