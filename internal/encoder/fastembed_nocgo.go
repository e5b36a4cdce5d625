//go:build !cgo

package encoder

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrFastEmbedNotAvailable is returned when FastEmbed is not available (requires CGO).
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support, use the tei or hash provider instead)")

// FastEmbedConfig holds configuration for the FastEmbed encoder.
type FastEmbedConfig struct {
	Model      string
	CacheDir   string
	MaxLength  int
	BatchSize  int
	RuntimeDir string
}

// FastEmbed is a stub for non-CGO builds.
type FastEmbed struct{}

// NewFastEmbed returns an error when CGO is not available.
func NewFastEmbed(_ FastEmbedConfig, _ *zap.Logger) (*FastEmbed, error) {
	return nil, ErrFastEmbedNotAvailable
}

// Encode returns an error when CGO is not available.
func (f *FastEmbed) Encode(_ context.Context, _ []string, _ string, _ Options) (Matrix, error) {
	return nil, ErrFastEmbedNotAvailable
}

// Dimension returns 0 when CGO is not available.
func (f *FastEmbed) Dimension() int { return 0 }

// Close is a no-op when CGO is not available.
func (f *FastEmbed) Close() error { return nil }
