// Package pool runs one encoder worker per device and spreads encode calls
// across them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/embedpool/internal/device"
	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/logging"
	"github.com/fyrsmithlabs/embedpool/internal/queue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// State is the lifecycle state of a Pool.
type State int

const (
	StateUnstarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Pool.
type Config struct {
	// Devices to run one worker each on. Empty means discover them.
	Devices []string
	// CPUWorkers is the number of CPU shards when no accelerator is found.
	CPUWorkers int
	// Kind is injected into every encode call that does not set one.
	Kind encoder.Kind
	// FailureMode decides whether workers die silently or report errors.
	FailureMode FailureMode
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithSpawner replaces the default GoroutineSpawner.
func WithSpawner(s Spawner) Option {
	return func(p *Pool) { p.spawner = s }
}

// WithEnumerator replaces the default EnvEnumerator.
func WithEnumerator(e device.Enumerator) Option {
	return func(p *Pool) { p.enum = e }
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pool) { p.tracer = t }
}

// Pool owns a set of device-bound workers and the two queues they share.
type Pool struct {
	id      string
	cfg     Config
	enc     encoder.Encoder
	spawner Spawner
	enum    device.Enumerator
	logger  *zap.Logger
	log     *logging.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	state    State
	devices  []string
	workers  []Worker
	work     queue.WorkQueue
	results  queue.ResultQueue
	stopping chan struct{}

	// dispatchSem serializes Dispatch calls; waiting honors the caller's ctx.
	dispatchSem *semaphore.Weighted
}

// New creates an unstarted pool around enc.
func New(cfg Config, enc encoder.Encoder, opts ...Option) (*Pool, error) {
	if enc == nil {
		return nil, errors.New("pool: encoder required")
	}
	if cfg.CPUWorkers < 0 {
		return nil, fmt.Errorf("pool: cpu workers must be >= 0, got %d", cfg.CPUWorkers)
	}
	kind, err := encoder.ParseKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}
	cfg.Kind = kind
	if cfg.FailureMode, err = ParseFailureMode(string(cfg.FailureMode)); err != nil {
		return nil, err
	}

	p := &Pool{
		id:       uuid.NewString(),
		cfg:      cfg,
		enc:      enc,
		enum:     device.EnvEnumerator{},
		stopping: make(chan struct{}),

		dispatchSem: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	// Workers tag their own entries with the pool id.
	if p.spawner == nil {
		p.spawner = &GoroutineSpawner{Logger: p.logger}
	}
	p.logger = p.logger.With(zap.String("pool.id", p.id), zap.String("pool.kind", string(p.cfg.Kind)))
	p.log = logging.FromZap(p.logger)
	if p.metrics == nil {
		p.metrics = NewMetrics(p.logger)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(instrumentationName)
	}
	return p, nil
}

// ID returns the pool id used in logs and NATS subjects.
func (p *Pool) ID() string { return p.id }

// Kind returns the kind injected into encode calls.
func (p *Pool) Kind() encoder.Kind { return p.cfg.Kind }

// State returns the lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Devices returns the device of each worker, in spawn order.
func (p *Pool) Devices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.devices...)
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Start shares the encoder weights once, then spawns one worker per device.
// If any worker fails to start, every worker already started is terminated,
// the queues are closed and ErrSpawnFailure is returned.
func (p *Pool) Start(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "pool.start")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateUnstarted {
		return fmt.Errorf("%w: pool is %s", ErrPoolStarted, p.state)
	}

	err := p.start(ctx)
	if err != nil {
		p.state = StateStopped
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	p.state = StateRunning
	span.SetAttributes(
		attribute.String("pool.id", p.id),
		attribute.Int("pool.workers", len(p.workers)),
	)
	p.metrics.prom.PoolsRunning.WithLabelValues(string(p.cfg.Kind)).Inc()
	p.log.Info(ctx, "pool started", zap.Strings("devices", p.devices))
	return nil
}

func (p *Pool) start(ctx context.Context) error {
	devices, err := device.Resolve(ctx, p.cfg.Devices, p.enum, p.cfg.CPUWorkers, func(d string) bool {
		return encoder.Supports(p.enc, d)
	}, p.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpawnFailure, err)
	}
	for _, d := range devices {
		if !encoder.Supports(p.enc, d) {
			return fmt.Errorf("%w: device %s: %w", ErrSpawnFailure, d, encoder.ErrUnsupportedDevice)
		}
	}

	if s, ok := p.enc.(encoder.Shareable); ok {
		if err := s.MoveToHost(ctx); err != nil {
			return fmt.Errorf("%w: moving weights to host: %w", ErrSpawnFailure, err)
		}
		if err := s.ShareMemory(ctx); err != nil {
			return fmt.Errorf("%w: sharing weights: %w", ErrSpawnFailure, err)
		}
	}

	work, results, err := p.spawner.Open(ctx, p.id)
	if err != nil {
		return fmt.Errorf("%w: opening queues: %w", ErrSpawnFailure, err)
	}

	workers := make([]Worker, 0, len(devices))
	for i, d := range devices {
		w, err := p.spawner.Spawn(ctx, WorkerSpec{
			PoolID:      p.id,
			Index:       i,
			Device:      d,
			Encoder:     p.enc,
			FailureMode: p.cfg.FailureMode,
		})
		if err != nil {
			if terr := p.teardown(ctx, workers, work, results); terr != nil {
				p.log.Warn(ctx, "cleanup after spawn failure", zap.Error(terr))
			}
			return fmt.Errorf("%w: worker %d on %s: %w", ErrSpawnFailure, i, d, err)
		}
		workers = append(workers, w)
		p.watch(w)
	}

	p.devices = devices
	p.workers = workers
	p.work = work
	p.results = results
	return nil
}

// watch accounts for a worker until it exits. Exits before Stop are
// logged; the pool does not replace the worker.
func (p *Pool) watch(w Worker) {
	kind := string(p.cfg.Kind)
	p.metrics.prom.WorkersLive.WithLabelValues(kind).Inc()
	go func() {
		<-w.Done()
		p.metrics.prom.WorkersLive.WithLabelValues(kind).Dec()
		select {
		case <-p.stopping:
			p.metrics.prom.WorkerExits.WithLabelValues(kind, "stopped").Inc()
		default:
			p.metrics.prom.WorkerExits.WithLabelValues(kind, "unexpected").Inc()
			p.logger.Warn("worker exited", zap.String("worker.device", w.Device()))
		}
	}()
}

// Stop terminates every worker, waits for each to exit, then closes the
// queues. It returns ErrPoolNotRunning unless the pool is running.
func (p *Pool) Stop(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "pool.stop")
	defer span.End()

	p.mu.Lock()
	if p.state != StateRunning {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: pool is %s", ErrPoolNotRunning, state)
	}
	p.state = StateStopped
	workers, work, results := p.workers, p.work, p.results
	p.workers = nil
	p.mu.Unlock()

	err := p.teardown(ctx, workers, work, results)
	p.metrics.prom.PoolsRunning.WithLabelValues(string(p.cfg.Kind)).Dec()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.log.Error(ctx, "pool stop incomplete", zap.Error(err))
		return err
	}
	p.log.Info(ctx, "pool stopped")
	return nil
}

// teardown signals every worker, waits for all of them, then closes the
// queues and releases the spawner.
func (p *Pool) teardown(ctx context.Context, workers []Worker, work queue.WorkQueue, results queue.ResultQueue) error {
	select {
	case <-p.stopping:
	default:
		close(p.stopping)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, w := range workers {
		g.Go(func() error {
			err := w.Terminate()
			if err == nil {
				err = w.Wait(ctx)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker on %s: %w", w.Device(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := work.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing work queue: %w", err))
	}
	if err := results.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing result queue: %w", err))
	}
	if err := p.spawner.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing spawner: %w", err))
	}
	return errors.Join(errs...)
}
