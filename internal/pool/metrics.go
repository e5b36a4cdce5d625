package pool

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/embedpool/internal/pool"

var (
	promMetrics     *PromMetrics
	promMetricsOnce sync.Once
)

// PromMetrics are the live pool gauges scraped at /metrics.
type PromMetrics struct {
	WorkersLive  *prometheus.GaugeVec
	PoolsRunning *prometheus.GaugeVec
	WorkerExits  *prometheus.CounterVec
}

// NewPromMetrics registers the pool gauges once per process.
//
// Metrics:
//   - embedpool_pool_workers_live{kind} - workers currently running
//   - embedpool_pools_running{kind} - pools in the running state
//   - embedpool_pool_worker_exits_total{kind,reason} - workers that exited, by reason (stopped, unexpected)
func NewPromMetrics() *PromMetrics {
	promMetricsOnce.Do(func() {
		promMetrics = &PromMetrics{
			WorkersLive: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "embedpool_pool_workers_live",
					Help: "Number of pool workers currently running",
				},
				[]string{"kind"},
			),
			PoolsRunning: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "embedpool_pools_running",
					Help: "Number of pools in the running state",
				},
				[]string{"kind"},
			),
			WorkerExits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedpool_pool_worker_exits_total",
					Help: "Total worker exits by reason",
				},
				[]string{"kind", "reason"},
			),
		}
	})
	return promMetrics
}

// Metrics holds the OpenTelemetry instruments of a pool.
type Metrics struct {
	logger   *zap.Logger
	chunks   metric.Int64Counter
	duration metric.Float64Histogram
	failures metric.Int64Counter
	prom     *PromMetrics
}

// NewMetrics creates pool metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{logger: logger, prom: NewPromMetrics()}

	var err error
	m.chunks, err = meter.Int64Counter(
		"embedpool.pool.chunks_dispatched_total",
		metric.WithDescription("Chunks enqueued to workers"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		logger.Warn("failed to create chunks counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"embedpool.pool.dispatch_duration_seconds",
		metric.WithDescription("Wall time of one dispatch call from partition to concatenation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	)
	if err != nil {
		logger.Warn("failed to create dispatch duration histogram", zap.Error(err))
	}

	m.failures, err = meter.Int64Counter(
		"embedpool.pool.worker_failures_total",
		metric.WithDescription("Chunks a worker reported as failed"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		logger.Warn("failed to create worker failures counter", zap.Error(err))
	}
	return m
}

func (m *Metrics) recordDispatch(ctx context.Context, kind string, chunks int, d time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("error", err != nil),
	)
	if m.chunks != nil {
		m.chunks.Add(ctx, int64(chunks), attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *Metrics) recordWorkerFailure(ctx context.Context, kind, device string) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("device", device),
		))
	}
}
