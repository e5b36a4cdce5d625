package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TEIConfig holds configuration for a Text Embeddings Inference backend.
type TEIConfig struct {
	// BaseURL is the TEI endpoint used for devices without a dedicated URL.
	BaseURL string

	// DeviceURLs routes a device id (e.g. "cuda:1") to the TEI instance
	// pinned to that accelerator.
	DeviceURLs map[string]string

	// Model is the served model, used for dimension detection and metrics.
	Model string

	// Dimension overrides dimension detection when non-zero.
	Dimension int

	// APIKey is sent as a bearer token when set.
	APIKey string

	// QueryPromptName is forwarded as prompt_name for query encodes.
	QueryPromptName string

	// Timeout bounds a single request. Zero means no client timeout.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c TEIConfig) Validate() error {
	if c.BaseURL == "" && len(c.DeviceURLs) == 0 {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// TEI encodes texts through a remote TEI server.
type TEI struct {
	cfg       TEIConfig
	client    *http.Client
	dimension int
	logger    *zap.Logger
}

// NewTEI creates a TEI encoder.
func NewTEI(cfg TEIConfig, logger *zap.Logger) (*TEI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dim := cfg.Dimension
	if dim == 0 {
		dim = DimensionForModel(cfg.Model)
	}
	return &TEI{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		dimension: dim,
		logger:    logger,
	}, nil
}

// teiRequest is the request body for TEI embed endpoint.
type teiRequest struct {
	Inputs     []string `json:"inputs"`
	Truncate   bool     `json:"truncate"`
	PromptName string   `json:"prompt_name,omitempty"`
}

func (t *TEI) urlFor(device string) string {
	if u, ok := t.cfg.DeviceURLs[device]; ok && u != "" {
		return strings.TrimRight(u, "/")
	}
	return strings.TrimRight(t.cfg.BaseURL, "/")
}

// SupportsDevice reports whether a URL is configured for device.
func (t *TEI) SupportsDevice(device string) bool {
	return t.urlFor(device) != ""
}

// Encode posts texts to the TEI instance serving device.
func (t *TEI) Encode(ctx context.Context, texts []string, device string, opts Options) (Matrix, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	base := t.urlFor(device)
	if base == "" {
		return nil, fmt.Errorf("%w: no TEI url for %q", ErrUnsupportedDevice, device)
	}

	req := teiRequest{Inputs: texts, Truncate: true}
	if p, ok := opts.String(OptionPromptName); ok {
		req.PromptName = p
	} else if opts.Kind() == KindQuery {
		req.PromptName = t.cfg.QueryPromptName
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var vectors Matrix
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}

	t.logger.Debug("tei encode",
		zap.String("device", device),
		zap.String("url", base),
		zap.Int("texts", len(texts)))
	return vectors, nil
}

// Dimension returns the embedding dimension based on the configured model.
func (t *TEI) Dimension() int {
	return t.dimension
}

// Close is a no-op for TEI since it uses HTTP.
func (t *TEI) Close() error {
	return nil
}
