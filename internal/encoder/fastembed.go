//go:build cgo

package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
	"go.uber.org/zap"
)

// FastEmbedConfig holds configuration for the FastEmbed encoder.
type FastEmbedConfig struct {
	// Model is the embedding model to use.
	// Supported: BAAI/bge-small-en-v1.5 (default), BAAI/bge-base-en-v1.5,
	// sentence-transformers/all-MiniLM-L6-v2, etc.
	Model string

	// CacheDir is the directory model files are downloaded to and loaded
	// from. Every worker of a pool reads the same directory.
	CacheDir string

	// MaxLength is the maximum input sequence length.
	MaxLength int

	// BatchSize is the passage batch size handed to the ONNX session.
	BatchSize int

	// RuntimeDir is where the ONNX runtime library is installed.
	RuntimeDir string
}

// FastEmbed encodes texts on the CPU using local ONNX models.
type FastEmbed struct {
	cfg       FastEmbedConfig
	model     fastembed.EmbeddingModel
	dimension int
	logger    *zap.Logger

	mu     sync.RWMutex
	flag   *fastembed.FlagEmbedding
	shared bool
}

var modelMapping = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
	"fast-bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"fast-bge-small-en":                      fastembed.BGESmallEN,
	"fast-bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"fast-bge-base-en":                       fastembed.BGEBaseEN,
	"fast-bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"fast-all-MiniLM-L6-v2":                  fastembed.AllMiniLML6V2,
}

// NewFastEmbed validates the configuration. The model is loaded lazily, by
// MoveToHost or the first Encode.
func NewFastEmbed(cfg FastEmbedConfig, logger *zap.Logger) (*FastEmbed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "BAAI/bge-small-en-v1.5"
	}
	model, ok := modelMapping[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported model %q (supported: BAAI/bge-small-en-v1.5, BAAI/bge-base-en-v1.5, sentence-transformers/all-MiniLM-L6-v2)", ErrInvalidConfig, cfg.Model)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir()
	}
	if cfg.MaxLength == 0 {
		cfg.MaxLength = 512
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 256
	}

	return &FastEmbed{
		cfg:       cfg,
		model:     model,
		dimension: knownModelDimensions[cfg.Model],
		logger:    logger,
	}, nil
}

func (f *FastEmbed) load(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flag != nil {
		return nil
	}
	if _, err := EnsureRuntime(ctx, f.cfg.RuntimeDir, f.logger); err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	showProgress := false
	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                f.model,
		CacheDir:             f.cfg.CacheDir,
		MaxLength:            f.cfg.MaxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return fmt.Errorf("initializing FastEmbed: %w", err)
	}
	f.flag = flag
	return nil
}

// MoveToHost downloads the model into the cache directory and loads it.
func (f *FastEmbed) MoveToHost(ctx context.Context) error {
	return f.load(ctx)
}

// ShareMemory marks the cached model as the copy every worker loads.
func (f *FastEmbed) ShareMemory(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flag == nil {
		return errors.New("fastembed: model not on host, call MoveToHost first")
	}
	f.shared = true
	f.logger.Debug("model shared",
		zap.String("model", f.cfg.Model),
		zap.String("cache_dir", f.cfg.CacheDir))
	return nil
}

// SupportsDevice reports true for CPU shards only.
func (f *FastEmbed) SupportsDevice(device string) bool {
	return isCPU(device)
}

// Encode embeds texts. Corpus texts go through PassageEmbed, queries
// through QueryEmbed, which add the BGE "passage: "/"query: " prefixes.
func (f *FastEmbed) Encode(ctx context.Context, texts []string, device string, opts Options) (Matrix, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if !isCPU(device) {
		return nil, fmt.Errorf("%w: fastembed runs on cpu, got %q", ErrUnsupportedDevice, device)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.load(ctx); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if opts.Kind() == KindQuery {
		out := make(Matrix, 0, len(texts))
		for _, text := range texts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			vec, err := f.flag.QueryEmbed(text)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
			}
			out = append(out, vec)
		}
		return out, nil
	}

	batch := f.cfg.BatchSize
	if n, ok := opts.Int(OptionBatchSize); ok && n > 0 {
		batch = n
	}
	vectors, err := f.flag.PassageEmbed(texts, batch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// Dimension returns the embedding dimension for the current model.
func (f *FastEmbed) Dimension() int {
	return f.dimension
}

// Close releases the ONNX session.
func (f *FastEmbed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flag == nil {
		return nil
	}
	err := f.flag.Destroy()
	f.flag = nil
	return err
}
