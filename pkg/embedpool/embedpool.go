// Package embedpool spreads text embedding across one worker per device.
//
// An Embedder wraps a single-device encoder. StartPool spawns a worker for
// every device, RunParallel cuts a batch into chunks, hands them to the
// workers and returns the rows in input order, and StopPool tears the
// workers down:
//
//	e, _ := embedpool.New(enc)
//	p, err := e.StartPool(ctx, embedpool.KindCorpus)
//	if err != nil {
//		return err
//	}
//	defer e.StopPool(ctx, p)
//	rows, err := e.RunParallel(ctx, docs, p, 0, nil)
//
// EncodeQueries and EncodeCorpus do all three in one call when multi is
// set, and encode on a single device otherwise.
package embedpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/embedpool/internal/device"
	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/pool"
	"go.uber.org/zap"
)

type (
	// Encoder is the single-device encode capability the workers call.
	Encoder = encoder.Encoder
	// Matrix holds one embedding row per input text.
	Matrix = encoder.Matrix
	// Options are forwarded to every encode call.
	Options = encoder.Options
	// Kind selects query or corpus encoding.
	Kind = encoder.Kind
	// Pool is a started set of device-bound workers.
	Pool = pool.Pool
	// FailureMode decides how a worker reacts to a failed chunk.
	FailureMode = pool.FailureMode
	// Spawner starts workers. See pool.GoroutineSpawner and pool.ProcessSpawner.
	Spawner = pool.Spawner
	// WorkerError reports the chunk a worker failed to encode.
	WorkerError = pool.WorkerError
	// Enumerator discovers accelerators.
	Enumerator = device.Enumerator
	// StaticAccelerators is an Enumerator over a fixed device list.
	StaticAccelerators = device.Static
)

const (
	KindQuery  = encoder.KindQuery
	KindCorpus = encoder.KindCorpus

	OptionBatchSize = encoder.OptionBatchSize

	FailureSilent    = pool.FailureSilent
	FailurePropagate = pool.FailurePropagate
)

var (
	ErrSpawnFailure     = pool.ErrSpawnFailure
	ErrWorkerFailure    = pool.ErrWorkerFailure
	ErrPoolNotRunning   = pool.ErrPoolNotRunning
	ErrInvalidChunkSize = pool.ErrInvalidChunkSize
)

// DefaultBatchSize is the single-device batch size.
const DefaultBatchSize = 256

// Option configures an Embedder.
type Option func(*Embedder)

// WithLogger sets the logger handed to every pool.
func WithLogger(l *zap.Logger) Option {
	return func(e *Embedder) { e.logger = l }
}

// WithDevices pins the devices used when StartPool is given none.
func WithDevices(devices ...string) Option {
	return func(e *Embedder) { e.devices = devices }
}

// WithCPUWorkers sets the number of CPU shards used when no accelerator is visible.
func WithCPUWorkers(n int) Option {
	return func(e *Embedder) { e.cpuWorkers = n }
}

// WithFailureMode sets the worker failure mode. Default FailureSilent.
func WithFailureMode(m FailureMode) Option {
	return func(e *Embedder) { e.failureMode = m }
}

// WithSpawner sets how workers are started. The default runs them as
// goroutines of the calling process.
func WithSpawner(s Spawner) Option {
	return func(e *Embedder) { e.spawner = s }
}

// WithEnumerator replaces accelerator discovery.
func WithEnumerator(en Enumerator) Option {
	return func(e *Embedder) { e.enum = en }
}

// WithBatchSize sets the batch size of single-device encoding.
func WithBatchSize(n int) Option {
	return func(e *Embedder) { e.batchSize = n }
}

// Embedder encodes texts with one encoder, on one device or across a pool.
type Embedder struct {
	enc         Encoder
	logger      *zap.Logger
	devices     []string
	cpuWorkers  int
	failureMode FailureMode
	spawner     Spawner
	enum        Enumerator
	batchSize   int
}

// New returns an Embedder around enc.
func New(enc Encoder, opts ...Option) (*Embedder, error) {
	if enc == nil {
		return nil, errors.New("embedpool: encoder required")
	}
	e := &Embedder{
		enc:         enc,
		cpuWorkers:  device.DefaultCPUWorkers,
		failureMode: FailureSilent,
		batchSize:   DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.batchSize < 1 {
		return nil, fmt.Errorf("embedpool: batch size must be >= 1, got %d", e.batchSize)
	}
	return e, nil
}

// StartPool starts one worker per device for encodes of the given kind.
// With no devices it uses the Embedder's devices, else every visible
// accelerator, else the configured number of CPU shards.
func (e *Embedder) StartPool(ctx context.Context, kind Kind, devices ...string) (*Pool, error) {
	if len(devices) == 0 {
		devices = e.devices
	}
	opts := []pool.Option{pool.WithLogger(e.logger)}
	if e.spawner != nil {
		opts = append(opts, pool.WithSpawner(e.spawner))
	}
	if e.enum != nil {
		opts = append(opts, pool.WithEnumerator(e.enum))
	}

	p, err := pool.New(pool.Config{
		Devices:     devices,
		CPUWorkers:  e.cpuWorkers,
		Kind:        kind,
		FailureMode: e.failureMode,
	}, e.enc, opts...)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// RunParallel encodes items on p and returns their rows in input order.
// A chunkSize of 0 spreads the items evenly over the workers.
func (e *Embedder) RunParallel(ctx context.Context, items []string, p *Pool, chunkSize int, opts Options) (Matrix, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrPoolNotRunning)
	}
	return p.Dispatch(ctx, items, pool.DispatchOptions{ChunkSize: chunkSize, Options: opts})
}

// StopPool terminates the workers of p and closes its queues.
func (e *Embedder) StopPool(ctx context.Context, p *Pool) error {
	if p == nil {
		return fmt.Errorf("%w: nil pool", ErrPoolNotRunning)
	}
	return p.Stop(ctx)
}

// EncodeQueries encodes search queries. opts are forwarded to every encode
// call; the query kind always wins over a kind set in opts.
func (e *Embedder) EncodeQueries(ctx context.Context, queries []string, multi bool, opts Options) (Matrix, error) {
	return e.encodeKind(ctx, queries, KindQuery, multi, opts)
}

// EncodeCorpus encodes documents. opts are forwarded like in EncodeQueries.
func (e *Embedder) EncodeCorpus(ctx context.Context, docs []string, multi bool, opts Options) (Matrix, error) {
	return e.encodeKind(ctx, docs, KindCorpus, multi, opts)
}

func (e *Embedder) encodeKind(ctx context.Context, texts []string, kind Kind, multi bool, opts Options) (out Matrix, err error) {
	opts = opts.Clone()
	opts[encoder.OptionKind] = string(kind)
	if !multi {
		return e.encodeSingle(ctx, texts, opts)
	}

	p, err := e.StartPool(ctx, kind)
	if err != nil {
		return nil, err
	}
	defer func() {
		if stopErr := e.StopPool(context.WithoutCancel(ctx), p); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
	}()
	return e.RunParallel(ctx, texts, p, 0, opts)
}

// encodeSingle encodes texts in batches on the first configured device,
// or the CPU. A batch_size option overrides WithBatchSize.
func (e *Embedder) encodeSingle(ctx context.Context, texts []string, opts Options) (Matrix, error) {
	dev := device.CPU
	if len(e.devices) > 0 {
		dev = e.devices[0]
	}
	if len(texts) == 0 {
		return Matrix{}, nil
	}

	size := e.batchSize
	if n, ok := opts.Int(OptionBatchSize); ok && n > 0 {
		size = n
	}
	parts := make([]Matrix, 0, (len(texts)+size-1)/size)
	for _, batch := range pool.Partition(texts, size) {
		m, err := e.enc.Encode(ctx, batch, dev, opts)
		if err != nil {
			return nil, err
		}
		if m.Rows() != len(batch) {
			return nil, fmt.Errorf("%w: %d rows for %d texts", encoder.ErrEmbeddingFailed, m.Rows(), len(batch))
		}
		parts = append(parts, m)
	}
	return encoder.Concat(parts...), nil
}
