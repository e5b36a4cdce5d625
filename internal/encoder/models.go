package encoder

import "strings"

// knownModelDimensions maps FastEmbed model names to embedding dimensions.
var knownModelDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"fast-bge-small-en-v1.5":                 384,
	"fast-bge-small-en":                      384,
	"fast-bge-base-en-v1.5":                  768,
	"fast-bge-base-en":                       768,
	"fast-bge-small-zh-v1.5":                 512,
	"fast-all-MiniLM-L6-v2":                  384,
}

// DimensionForModel returns the embedding dimension for a model name.
// Falls back to 384 if model is unknown.
func DimensionForModel(model string) int {
	if dim, ok := knownModelDimensions[model]; ok {
		return dim
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "large"):
		return 1024
	case strings.Contains(lower, "base"):
		return 768
	default:
		return 384
	}
}

// isCPU reports whether device names a CPU shard.
func isCPU(device string) bool {
	return device == "" || device == "cpu" || strings.HasPrefix(device, "cpu:")
}
