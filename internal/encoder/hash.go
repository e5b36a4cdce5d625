package encoder

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// Hash is a deterministic feature-hashing encoder. It needs no model files
// and runs on any device, which makes it useful for smoke tests and for
// exercising pools without an inference backend.
type Hash struct {
	dimension int
}

// NewHash creates a hash encoder producing vectors of length dim.
func NewHash(dim int) (*Hash, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dim)
	}
	return &Hash{dimension: dim}, nil
}

// Encode hashes each lowercased token into a signed bucket and L2-normalizes the row.
func (h *Hash) Encode(ctx context.Context, texts []string, _ string, opts Options) (Matrix, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	prefix := "passage"
	if opts.Kind() == KindQuery {
		prefix = "query"
	}

	out := make(Matrix, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(prefix, text)
	}
	return out, nil
}

func (h *Hash) vector(prefix, text string) []float32 {
	vec := make([]float32, h.dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		hf := fnv.New64a()
		hf.Write([]byte(prefix))
		hf.Write([]byte{0})
		hf.Write([]byte(tok))
		sum := hf.Sum64()
		idx := int(sum % uint64(h.dimension))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Dimension returns the configured vector length.
func (h *Hash) Dimension() int { return h.dimension }

// Close is a no-op.
func (h *Hash) Close() error { return nil }
