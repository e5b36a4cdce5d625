package encoder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrUnsupportedDevice indicates the encoder cannot run on the requested device
	ErrUnsupportedDevice = errors.New("unsupported device")
)

// Kind selects how texts are embedded.
type Kind string

const (
	// KindQuery embeds short search queries.
	KindQuery Kind = "query"
	// KindCorpus embeds documents/passages.
	KindCorpus Kind = "corpus"
)

// ParseKind validates a kind name. Empty means corpus.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCorpus, "":
		return KindCorpus, nil
	case KindQuery:
		return KindQuery, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q (want query or corpus)", ErrInvalidConfig, s)
	}
}

// Option keys understood by the encoders.
const (
	// OptionKind carries the Kind of an encode call.
	OptionKind = "kind"
	// OptionBatchSize caps the texts per model forward pass.
	OptionBatchSize = "batch_size"
	// OptionPromptName selects a server-side prompt on TEI.
	OptionPromptName = "prompt_name"
)

// Matrix is a row-per-item embedding matrix.
type Matrix [][]float32

// Rows returns the number of rows.
func (m Matrix) Rows() int { return len(m) }

// Dim returns the row width, or 0 for an empty matrix.
func (m Matrix) Dim() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Concat joins matrices along the item axis. The result is never nil.
func Concat(parts ...Matrix) Matrix {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make(Matrix, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Options are opaque per-call encode options forwarded to every worker.
type Options map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty map.
func (o Options) Clone() Options {
	out := make(Options, len(o)+1)
	for k, v := range o {
		out[k] = v
	}
	return out
}

// String returns the option as a string.
func (o Options) String(key string) (string, bool) {
	v, ok := o[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case Kind:
		return string(s), true
	default:
		return fmt.Sprint(v), true
	}
}

// Int returns the option as an int. Values decoded from JSON arrive as float64.
func (o Options) Int(key string) (int, bool) {
	v, ok := o[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

// Kind returns the kind carried by the options, defaulting to corpus.
func (o Options) Kind() Kind {
	s, _ := o.String(OptionKind)
	k, err := ParseKind(s)
	if err != nil {
		return KindCorpus
	}
	return k
}

// Encoder encodes texts on a single device.
type Encoder interface {
	// Encode returns one row per text, in input order.
	Encode(ctx context.Context, texts []string, device string, opts Options) (Matrix, error)
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the encoder.
	Close() error
}

// Shareable is implemented by encoders whose weights must be prepared once
// before workers start so that every worker reads the same copy.
type Shareable interface {
	// MoveToHost places the weights in host memory (or on local disk).
	MoveToHost(ctx context.Context) error
	// ShareMemory makes the host copy readable by every worker.
	ShareMemory(ctx context.Context) error
}

// DeviceSupporter is implemented by encoders restricted to some devices.
type DeviceSupporter interface {
	SupportsDevice(device string) bool
}

// Supports reports whether enc can run on device.
func Supports(enc Encoder, device string) bool {
	if ds, ok := enc.(DeviceSupporter); ok {
		return ds.SupportsDevice(device)
	}
	return true
}
