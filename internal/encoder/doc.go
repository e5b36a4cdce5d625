// Package encoder provides the single-device encode capability that pool
// workers call.
//
// Three providers are available:
//
//   - fastembed: local ONNX models via fastembed-go (CPU, requires CGO)
//   - tei: a HuggingFace Text Embeddings Inference server, optionally one per device
//   - hash: deterministic feature hashing, no model files
//
// Encoders that load weights implement Shareable so a pool can place the
// weights once before its workers start. New wraps every encoder with
// OpenTelemetry metrics.
package encoder
