package encoder

import (
	"os"
	"path/filepath"
)

// RuntimePathEnv is read by fastembed-go to locate the ONNX runtime library.
const RuntimePathEnv = "ONNX_PATH"

// DefaultCacheDir returns ~/.cache/embedpool/models.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "embedpool", "models")
	}
	return filepath.Join(".", "local_cache")
}
