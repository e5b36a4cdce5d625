package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/embedpool/internal/http"

// Metrics holds the request instruments of the server.
type Metrics struct {
	requests     metric.Int64Counter
	duration     metric.Float64Histogram
	responseSize metric.Int64Histogram
	active       metric.Int64UpDownCounter
	itemsEncoded metric.Int64Counter
}

// NewMetrics creates server metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}

	var err error
	if m.requests, err = meter.Int64Counter(
		"embedpool.http.requests_total",
		metric.WithDescription("HTTP requests by method, endpoint and status"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}

	if m.duration, err = meter.Float64Histogram(
		"embedpool.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration by method, endpoint and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	if m.responseSize, err = meter.Int64Histogram(
		"embedpool.http.response_size_bytes",
		metric.WithDescription("HTTP response body size; embedding responses grow with items x dimension"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 1e3, 1e4, 1e5, 1e6, 1e7, 1e8),
	); err != nil {
		logger.Warn("failed to create response size histogram", zap.Error(err))
	}

	if m.active, err = meter.Int64UpDownCounter(
		"embedpool.http.active_requests",
		metric.WithDescription("HTTP requests in flight"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create active requests gauge", zap.Error(err))
	}

	if m.itemsEncoded, err = meter.Int64Counter(
		"embedpool.http.items_encoded_total",
		metric.WithDescription("Texts encoded through the HTTP API, by kind"),
		metric.WithUnit("{item}"),
	); err != nil {
		logger.Warn("failed to create items counter", zap.Error(err))
	}
	return m
}

// Middleware records request count, duration, size and concurrency.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()

			if m.active != nil {
				m.active.Add(ctx, 1)
				defer m.active.Add(ctx, -1)
			}

			err := next(c)
			if err != nil {
				// Let echo write the error so the recorded status is final.
				c.Error(err)
				err = nil
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

func (m *Metrics) recordItems(c echo.Context, kind string, n int) {
	if m.itemsEncoded != nil {
		m.itemsEncoded.Add(c.Request().Context(), int64(n), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// normalizePath maps an unmatched route to "/". Every registered route is
// static, so the matched path is already low-cardinality.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
