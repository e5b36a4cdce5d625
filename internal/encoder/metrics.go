package encoder

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/embedpool/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/embedpool/internal/encoder"

// Metrics holds all encoder metrics.
type Metrics struct {
	meter     metric.Meter
	logger    *zap.Logger
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics creates encoder metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"embedpool.encoder.generation_duration_seconds",
		metric.WithDescription("Duration of one encode call on one device, labeled by model, device and kind"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"embedpool.encoder.batch_size",
		metric.WithDescription("Number of texts per encode call, i.e. the chunk size a worker received"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000),
	)
	if err != nil {
		m.logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"embedpool.encoder.errors_total",
		metric.WithDescription("Total encode failures by model, device and kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}
}

// RecordGeneration records one encode call.
func (m *Metrics) RecordGeneration(ctx context.Context, model, device string, kind Kind, duration time.Duration, batchSize int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("device", device),
		attribute.String("kind", string(kind)),
	)

	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// Instrumented wraps an Encoder with metrics. Shareable and
// DeviceSupporter are forwarded to the wrapped encoder.
type Instrumented struct {
	Encoder
	model   string
	metrics *Metrics
}

// WithMetrics wraps enc so every Encode call is recorded.
func WithMetrics(enc Encoder, model string, m *Metrics) *Instrumented {
	return &Instrumented{Encoder: enc, model: model, metrics: m}
}

// Encode records duration, batch size and errors of the wrapped call.
func (i *Instrumented) Encode(ctx context.Context, texts []string, device string, opts Options) (Matrix, error) {
	start := time.Now()
	out, err := i.Encoder.Encode(ctx, texts, device, opts)
	elapsed := time.Since(start)
	i.metrics.RecordGeneration(ctx, i.model, device, opts.Kind(), elapsed, len(texts), err)
	if err != nil {
		logging.FromContext(ctx).Debug(ctx, "encode call failed",
			zap.String("model", i.model),
			zap.Int("texts", len(texts)),
			zap.Duration("duration", elapsed),
			zap.Error(err))
	}
	return out, err
}

// MoveToHost forwards to the wrapped encoder when it is Shareable.
func (i *Instrumented) MoveToHost(ctx context.Context) error {
	if s, ok := i.Encoder.(Shareable); ok {
		return s.MoveToHost(ctx)
	}
	return nil
}

// ShareMemory forwards to the wrapped encoder when it is Shareable.
func (i *Instrumented) ShareMemory(ctx context.Context) error {
	if s, ok := i.Encoder.(Shareable); ok {
		return s.ShareMemory(ctx)
	}
	return nil
}

// SupportsDevice forwards to the wrapped encoder.
func (i *Instrumented) SupportsDevice(device string) bool {
	return Supports(i.Encoder, device)
}

// Unwrap returns the wrapped encoder.
func (i *Instrumented) Unwrap() Encoder { return i.Encoder }
