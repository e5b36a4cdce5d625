package encoder

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Spec describes an encoder. It is JSON-encoded into the environment of
// worker processes so each builds the same encoder as the parent.
type Spec struct {
	// Provider is the provider type: "fastembed", "tei" or "hash".
	Provider    string            `json:"provider"`
	Model       string            `json:"model,omitempty"`
	CacheDir    string            `json:"cache_dir,omitempty"`
	RuntimeDir  string            `json:"runtime_dir,omitempty"`
	MaxLength   int               `json:"max_length,omitempty"`
	BatchSize   int               `json:"batch_size,omitempty"`
	BaseURL     string            `json:"base_url,omitempty"`
	DeviceURLs  map[string]string `json:"device_urls,omitempty"`
	Dimension   int               `json:"dimension,omitempty"`
	QueryPrompt string            `json:"query_prompt,omitempty"`

	// APIKey never leaves the process in the encoded spec.
	APIKey string `json:"-"`
}

// MarshalSpec encodes spec for a worker environment.
func MarshalSpec(spec Spec) (string, error) {
	b, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("marshaling encoder spec: %w", err)
	}
	return string(b), nil
}

// UnmarshalSpec decodes a spec produced by MarshalSpec.
func UnmarshalSpec(s string) (Spec, error) {
	var spec Spec
	if err := json.Unmarshal([]byte(s), &spec); err != nil {
		return Spec{}, fmt.Errorf("%w: decoding encoder spec: %v", ErrInvalidConfig, err)
	}
	return spec, nil
}

// New creates the encoder described by spec, wrapped with metrics.
func New(spec Spec, logger *zap.Logger) (*Instrumented, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		enc Encoder
		err error
	)
	switch spec.Provider {
	case "fastembed", "":
		enc, err = NewFastEmbed(FastEmbedConfig{
			Model:      spec.Model,
			CacheDir:   spec.CacheDir,
			MaxLength:  spec.MaxLength,
			BatchSize:  spec.BatchSize,
			RuntimeDir: spec.RuntimeDir,
		}, logger)
	case "tei":
		enc, err = NewTEI(TEIConfig{
			BaseURL:         spec.BaseURL,
			DeviceURLs:      spec.DeviceURLs,
			Model:           spec.Model,
			Dimension:       spec.Dimension,
			APIKey:          spec.APIKey,
			QueryPromptName: spec.QueryPrompt,
		}, logger)
	case "hash":
		dim := spec.Dimension
		if dim == 0 {
			dim = DimensionForModel(spec.Model)
		}
		enc, err = NewHash(dim)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, spec.Provider)
	}
	if err != nil {
		return nil, err
	}

	model := spec.Model
	if model == "" {
		model = spec.Provider
	}
	return WithMetrics(enc, model, NewMetrics(logger)), nil
}
