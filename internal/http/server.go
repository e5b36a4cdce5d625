// Package http serves a running pool over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/pool"
	"github.com/fyrsmithlabs/embedpool/internal/store"
	"github.com/fyrsmithlabs/embedpool/internal/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pool is the part of *pool.Pool the server drives.
type Pool interface {
	ID() string
	Kind() encoder.Kind
	State() pool.State
	Devices() []string
	Dispatch(ctx context.Context, items []string, opts pool.DispatchOptions) (encoder.Matrix, error)
}

// Store is the part of *store.Chromem the server drives.
type Store interface {
	Add(ctx context.Context, collection string, docs []store.Document, embeddings encoder.Matrix) ([]string, error)
	Search(ctx context.Context, collection string, query []float32, k int) ([]store.Result, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RequestTimeout bounds one dispatch. Zero means no limit.
	RequestTimeout time.Duration
	// RateLimit is requests per second across all clients. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// MaxItems caps the texts per request.
	MaxItems int
	// ChunkSize is used when a request sets none.
	ChunkSize int
	BodyLimit string
}

// DefaultConfig returns local defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           9191,
		RequestTimeout: 5 * time.Minute,
		MaxItems:       10000,
		BodyLimit:      "64M",
	}
}

// Option configures a Server.
type Option func(*Server)

// WithStore enables /v1/documents and /v1/search.
func WithStore(s Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithTelemetry adds telemetry health to /health.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(srv *Server) { srv.telemetry = t }
}

// WithMetrics replaces the metrics instance.
func WithMetrics(m *Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// Server exposes a pool over HTTP.
type Server struct {
	echo      *echo.Echo
	pool      Pool
	store     Store
	telemetry *telemetry.Telemetry
	metrics   *Metrics
	limiter   *rate.Limiter
	tracer    trace.Tracer
	logger    *zap.Logger
	config    *Config
}

// NewServer creates a server in front of p.
func NewServer(p Pool, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultConfig().MaxItems
	}

	s := &Server{
		pool:   p,
		logger: logger,
		config: cfg,
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(logger)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.logRequests)
	e.Use(s.metrics.Middleware())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	s.echo = e
	s.registerRoutes()
	return s, nil
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return err
	}
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1", s.rateLimit)
	v1.POST("/encode", s.handleEncode)
	if s.store != nil {
		v1.POST("/documents", s.handleDocuments)
		v1.POST("/search", s.handleSearch)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:    "ok",
		PoolID:    s.pool.ID(),
		PoolState: s.pool.State().String(),
		Kind:      string(s.pool.Kind()),
		Devices:   s.pool.Devices(),
	}
	if s.telemetry != nil {
		h := s.telemetry.Health()
		resp.Telemetry = &h
	}
	if s.pool.State() != pool.StateRunning {
		resp.Status = "unavailable"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEncode(c echo.Context) error {
	var req EncodeRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid encode request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "items field is required")
	}
	if len(req.Items) > s.config.MaxItems {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("at most %d items per request, got %d", s.config.MaxItems, len(req.Items)))
	}

	kind := s.pool.Kind()
	if req.Kind != "" {
		k, err := encoder.ParseKind(req.Kind)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		kind = k
	}
	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = s.config.ChunkSize
	}

	out, err := s.encode(c, req.Items, kind, chunkSize, encoder.Options(req.Options))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, EncodeResponse{
		Embeddings: out,
		Count:      out.Rows(),
		Dimension:  out.Dim(),
		Kind:       string(kind),
	})
}

func (s *Server) handleDocuments(c echo.Context) error {
	var req DocumentsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Documents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "documents field is required")
	}
	if len(req.Documents) > s.config.MaxItems {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("at most %d documents per request, got %d", s.config.MaxItems, len(req.Documents)))
	}

	texts := make([]string, len(req.Documents))
	for i, d := range req.Documents {
		texts[i] = d.Content
	}
	embeddings, err := s.encode(c, texts, encoder.KindCorpus, s.config.ChunkSize, nil)
	if err != nil {
		return err
	}

	ids, err := s.store.Add(c.Request().Context(), req.Collection, req.Documents, embeddings)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, DocumentsResponse{IDs: ids, Count: len(ids)})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	if req.K <= 0 {
		req.K = 10
	}

	vec, err := s.encode(c, []string{req.Query}, encoder.KindQuery, 0, nil)
	if err != nil {
		return err
	}
	results, err := s.store.Search(c.Request().Context(), req.Collection, vec[0], req.K)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// encode runs one dispatch under the request timeout and maps its error to
// an HTTP error.
func (s *Server) encode(c echo.Context, items []string, kind encoder.Kind, chunkSize int, opts encoder.Options) (encoder.Matrix, error) {
	ctx := c.Request().Context()
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "server.encode", trace.WithAttributes(
		attribute.Int("items", len(items)),
		attribute.String("kind", string(kind)),
		attribute.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
	))
	defer span.End()

	options := opts.Clone()
	options[encoder.OptionKind] = string(kind)

	out, err := s.pool.Dispatch(ctx, items, pool.DispatchOptions{ChunkSize: chunkSize, Options: options})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, s.httpError(err)
	}
	s.metrics.recordItems(c, string(kind), len(items))
	return out, nil
}

func (s *Server) httpError(err error) error {
	var werr *pool.WorkerError
	switch {
	case errors.Is(err, pool.ErrInvalidChunkSize),
		errors.Is(err, encoder.ErrEmptyInput),
		errors.Is(err, store.ErrInvalidCollectionName),
		errors.Is(err, store.ErrLengthMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrCollectionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pool.ErrPoolNotRunning):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "pool is not running")
	case errors.As(err, &werr):
		s.logger.Warn("worker failed chunk",
			zap.Int("chunk_id", werr.ChunkID),
			zap.String("worker.device", werr.Device),
			zap.String("error", werr.Message))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "encoding timed out")
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
