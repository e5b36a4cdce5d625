// Package store persists encoded corpora into an embedded chromem-go database.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/embedpool/internal/store")

var (
	ErrInvalidConfig         = errors.New("invalid store configuration")
	ErrInvalidCollectionName = errors.New("invalid collection name")
	ErrCollectionNotFound    = errors.New("collection not found")
	ErrLengthMismatch        = errors.New("documents and embeddings differ in length")

	// errNoEmbedder is returned if chromem tries to embed text itself. Every
	// document and query reaching the store already carries its vector.
	errNoEmbedder = errors.New("store: embeddings must be computed by the pool")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName accepts 1-64 characters of [a-z0-9_].
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Config configures the chromem sink.
type Config struct {
	// Path is the persistence directory. Default: "~/.config/embedpool/store".
	Path string
	// Collection is used when a call names none. Default: "embedpool_corpus".
	Collection string
	// Compress gzips the persisted documents.
	Compress bool
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/embedpool/store"
	}
	if c.Collection == "" {
		c.Collection = "embedpool_corpus"
	}
}

// Document is one encoded corpus entry.
type Document struct {
	ID       string            `json:"id,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is one search hit.
type Result struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Chromem stores pool output in a persistent chromem-go database.
type Chromem struct {
	db     *chromem.DB
	cfg    Config
	logger *zap.Logger
}

// NewChromem opens (or creates) the database under cfg.Path.
func NewChromem(cfg Config, logger *zap.Logger) (*Chromem, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}
	cfg.Path = path

	logger.Info("chromem store opened",
		zap.String("path", path),
		zap.Bool("compress", cfg.Compress),
		zap.String("default_collection", cfg.Collection))

	return &Chromem{db: db, cfg: cfg, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

func (s *Chromem) collectionName(name string) (string, error) {
	if name == "" {
		name = s.cfg.Collection
	}
	return name, ValidateCollectionName(name)
}

// Add stores docs with their precomputed embeddings, row i belonging to
// docs[i]. Documents without an ID get a random one. It returns the IDs in
// input order.
func (s *Chromem) Add(ctx context.Context, collection string, docs []Document, embeddings encoder.Matrix) ([]string, error) {
	ctx, span := tracer.Start(ctx, "store.add")
	defer span.End()

	name, err := s.collectionName(collection)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("collection", name), attribute.Int("documents", len(docs)))

	if len(docs) != len(embeddings) {
		return nil, fmt.Errorf("%w: %d documents, %d embeddings", ErrLengthMismatch, len(docs), len(embeddings))
	}
	if len(docs) == 0 {
		return []string{}, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}

	ids := make([]string, len(docs))
	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
		if ids[i] == "" {
			ids[i] = uuid.NewString()
		}
		chromemDocs[i] = chromem.Document{
			ID:        ids[i],
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: embeddings[i],
		}
	}

	if err := col.AddDocuments(ctx, chromemDocs, runtime.NumCPU()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents: %w", err)
	}

	s.logger.Debug("stored documents",
		zap.String("collection", name),
		zap.Int("count", len(docs)))
	return ids, nil
}

// Search returns the k documents most similar to the query embedding. k is
// capped at the collection size.
func (s *Chromem) Search(ctx context.Context, collection string, query []float32, k int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "store.search")
	defer span.End()

	name, err := s.collectionName(collection)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("collection", name), attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("query embedding cannot be empty")
	}

	col := s.db.GetCollection(name, refuseEmbedding)
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	n := col.Count()
	if n == 0 {
		return []Result{}, nil
	}
	k = min(k, n)

	hits, err := col.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", name, err)
	}

	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{ID: h.ID, Content: h.Content, Score: h.Similarity, Metadata: h.Metadata}
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// Count returns the number of documents in a collection.
func (s *Chromem) Count(collection string) (int, error) {
	name, err := s.collectionName(collection)
	if err != nil {
		return 0, err
	}
	col := s.db.GetCollection(name, refuseEmbedding)
	if col == nil {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return col.Count(), nil
}

// Collections lists collection names.
func (s *Chromem) Collections() []string {
	cols := s.db.ListCollections()
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	return names
}

// DeleteCollection removes a collection and its documents.
func (s *Chromem) DeleteCollection(collection string) error {
	name, err := s.collectionName(collection)
	if err != nil {
		return err
	}
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	s.logger.Info("deleted collection", zap.String("collection", name))
	return nil
}

// Close is a no-op; chromem persists on every write.
func (s *Chromem) Close() error { return nil }
