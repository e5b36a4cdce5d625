package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/queue"
	"go.uber.org/zap"
)

// WorkerSpec is what a Spawner needs to start one worker.
type WorkerSpec struct {
	PoolID      string
	Index       int
	Device      string
	Encoder     encoder.Encoder
	FailureMode FailureMode
}

// Worker is a handle on one running worker.
type Worker interface {
	Device() string
	// Terminate asks the worker to stop. It does not wait.
	Terminate() error
	// Wait blocks until the worker exited or ctx ends.
	Wait(ctx context.Context) error
	// Done is closed once the worker exited.
	Done() <-chan struct{}
}

// Spawner starts workers and owns the queues connecting them to the dispatcher.
type Spawner interface {
	// Open creates the dispatcher-side queues of a pool. It is called once,
	// before any Spawn.
	Open(ctx context.Context, poolID string) (queue.WorkQueue, queue.ResultQueue, error)
	// Spawn starts one worker. A returned worker is running.
	Spawn(ctx context.Context, spec WorkerSpec) (Worker, error)
	// Close releases what Open acquired. Queues are closed by the pool first.
	Close() error
}

// GoroutineSpawner runs workers as goroutines over in-memory queues. All
// workers share the pool's encoder.
type GoroutineSpawner struct {
	Logger *zap.Logger

	work    *queue.Memory[queue.WorkItem]
	results *queue.Memory[queue.ResultItem]
}

// Open creates in-memory queues.
func (s *GoroutineSpawner) Open(context.Context, string) (queue.WorkQueue, queue.ResultQueue, error) {
	s.work = queue.NewMemory[queue.WorkItem]()
	s.results = queue.NewMemory[queue.ResultItem]()
	return s.work, s.results, nil
}

// Spawn starts RunWorker on a goroutine.
func (s *GoroutineSpawner) Spawn(_ context.Context, spec WorkerSpec) (Worker, error) {
	if s.work == nil {
		return nil, fmt.Errorf("spawner not opened")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &goroutineWorker{device: spec.Device, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		_ = RunWorker(ctx, WorkerConfig{
			PoolID:      spec.PoolID,
			Device:      spec.Device,
			Encoder:     spec.Encoder,
			Work:        s.work,
			Results:     s.results,
			FailureMode: spec.FailureMode,
			Logger:      logger.With(zap.Int("worker.index", spec.Index)),
		})
	}()
	return w, nil
}

// Close is a no-op; the pool closes the queues.
func (s *GoroutineSpawner) Close() error { return nil }

type goroutineWorker struct {
	device string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (w *goroutineWorker) Device() string { return w.device }

func (w *goroutineWorker) Terminate() error {
	w.once.Do(w.cancel)
	return nil
}

func (w *goroutineWorker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *goroutineWorker) Done() <-chan struct{} { return w.done }
