package http

import (
	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/store"
	"github.com/fyrsmithlabs/embedpool/internal/telemetry"
)

// EncodeRequest is the body of POST /v1/encode.
type EncodeRequest struct {
	Items []string `json:"items"`
	// Kind is "query" or "corpus". Empty uses the pool's kind.
	Kind string `json:"kind,omitempty"`
	// ChunkSize overrides the server default. Zero spreads evenly.
	ChunkSize int            `json:"chunk_size,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// EncodeResponse is the body returned by POST /v1/encode.
type EncodeResponse struct {
	Embeddings encoder.Matrix `json:"embeddings"`
	Count      int            `json:"count"`
	Dimension  int            `json:"dimension"`
	Kind       string         `json:"kind"`
}

// DocumentsRequest is the body of POST /v1/documents.
type DocumentsRequest struct {
	Collection string           `json:"collection,omitempty"`
	Documents  []store.Document `json:"documents"`
}

// DocumentsResponse is the body returned by POST /v1/documents.
type DocumentsResponse struct {
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

// SearchRequest is the body of POST /v1/search.
type SearchRequest struct {
	Collection string `json:"collection,omitempty"`
	Query      string `json:"query"`
	K          int    `json:"k"`
}

// SearchResponse is the body returned by POST /v1/search.
type SearchResponse struct {
	Results []store.Result `json:"results"`
}

// HealthResponse is the body returned by GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	PoolID    string                  `json:"pool_id"`
	PoolState string                  `json:"pool_state"`
	Kind      string                  `json:"kind"`
	Devices   []string                `json:"devices"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}
