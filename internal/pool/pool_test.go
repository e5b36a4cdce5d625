package pool

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/embedpool/internal/device"
	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/queue"
	"github.com/fyrsmithlabs/embedpool/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func startPool(t *testing.T, cfg Config, enc encoder.Encoder, opts ...Option) *Pool {
	t.Helper()
	p, err := New(cfg, enc, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		if p.State() == StateRunning {
			_ = p.Stop(context.Background())
		}
	})
	return p
}

// firstColumn extracts the item index the stub encoder wrote into each row.
func firstColumn(m encoder.Matrix) []float32 {
	out := make([]float32, len(m))
	for i, row := range m {
		out[i] = row[0]
	}
	return out
}

func expectedColumn(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestPool_DispatchPreservesOrder(t *testing.T) {
	tests := []struct {
		name      string
		devices   []string
		items     int
		chunkSize int
	}{
		{name: "five items two workers default chunking", devices: []string{"cpu:0", "cpu:1"}, items: 5},
		{name: "five items chunk size two", devices: []string{"cpu:0", "cpu:1"}, items: 5, chunkSize: 2},
		{name: "chunk size larger than input", devices: []string{"cpu:0", "cpu:1"}, items: 3, chunkSize: 10},
		{name: "single worker", devices: []string{"cpu"}, items: 17, chunkSize: 4},
		{name: "more workers than items", devices: []string{"cpu:0", "cpu:1", "cpu:2", "cpu:3"}, items: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := startPool(t, Config{Devices: tt.devices}, newStubEncoder())

			out, err := p.Dispatch(context.Background(), numbers(tt.items), DispatchOptions{ChunkSize: tt.chunkSize})
			require.NoError(t, err)
			require.Len(t, out, tt.items)
			assert.Equal(t, expectedColumn(tt.items), firstColumn(out))
		})
	}
}

func TestPool_DispatchOrderUnderInverseLatency(t *testing.T) {
	enc := newStubEncoder()
	// Earlier chunks take longer, so results arrive in reverse order.
	enc.delay = func(texts []string) time.Duration {
		switch texts[0] {
		case "0":
			return 150 * time.Millisecond
		case "2":
			return 75 * time.Millisecond
		default:
			return 0
		}
	}
	p := startPool(t, Config{Devices: []string{"cpu:0", "cpu:1", "cpu:2"}}, enc)

	out, err := p.Dispatch(context.Background(), numbers(6), DispatchOptions{ChunkSize: 2})
	require.NoError(t, err)
	assert.Equal(t, expectedColumn(6), firstColumn(out))
}

func TestPool_DispatchEmptyInput(t *testing.T) {
	enc := newStubEncoder()
	p := startPool(t, Config{Devices: []string{"cpu"}}, enc)

	out, err := p.Dispatch(context.Background(), nil, DispatchOptions{})
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
	assert.Empty(t, enc.Events(), "no chunk should reach a worker")
}

func TestPool_DispatchNegativeChunkSize(t *testing.T) {
	p := startPool(t, Config{Devices: []string{"cpu"}}, newStubEncoder())

	_, err := p.Dispatch(context.Background(), numbers(3), DispatchOptions{ChunkSize: -1})
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestPool_RepeatedDispatchIsIdempotent(t *testing.T) {
	enc, err := encoder.NewHash(24)
	require.NoError(t, err)
	p := startPool(t, Config{Devices: []string{"cpu:0", "cpu:1", "cpu:2"}}, enc)

	items := make([]string, 53)
	for i := range items {
		items[i] = "sentence " + strconv.Itoa(i*i)
	}
	for _, size := range []int{0, 1, 5, 100} {
		first, err := p.Dispatch(context.Background(), items, DispatchOptions{ChunkSize: size})
		require.NoError(t, err)
		second, err := p.Dispatch(context.Background(), items, DispatchOptions{ChunkSize: size})
		require.NoError(t, err)
		assert.Equal(t, first, second, "chunk size %d", size)
	}
}

func TestPool_ConcurrentDispatch(t *testing.T) {
	p := startPool(t, Config{Devices: []string{"cpu:0", "cpu:1"}}, newStubEncoder())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	outs := make([]encoder.Matrix, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], errs[i] = p.Dispatch(context.Background(), numbers(10+i), DispatchOptions{ChunkSize: 3})
		}()
	}
	wg.Wait()

	for i := range 8 {
		require.NoError(t, errs[i])
		assert.Equal(t, expectedColumn(10+i), firstColumn(outs[i]))
	}
}

func TestPool_DispatchWaitHonorsContext(t *testing.T) {
	enc := newStubEncoder()
	enc.delay = func([]string) time.Duration { return time.Minute }
	p := startPool(t, Config{Devices: []string{"cpu"}}, enc)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := p.Dispatch(firstCtx, numbers(2), DispatchOptions{})
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return len(enc.Events()) > 0 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Dispatch(ctx, numbers(2), DispatchOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	cancelFirst()
	select {
	case err := <-firstDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("first dispatch ignored cancellation")
	}
}

func TestPool_InjectsKind(t *testing.T) {
	enc := newStubEncoder()
	p := startPool(t, Config{Devices: []string{"cpu"}, Kind: encoder.KindQuery}, enc)

	_, err := p.Dispatch(context.Background(), numbers(4), DispatchOptions{ChunkSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []encoder.Kind{encoder.KindQuery, encoder.KindQuery}, enc.Kinds())

	// An explicit kind in the options wins.
	_, err = p.Dispatch(context.Background(), numbers(1), DispatchOptions{
		Options: encoder.Options{encoder.OptionKind: "corpus"},
	})
	require.NoError(t, err)
	assert.Equal(t, encoder.KindCorpus, enc.Kinds()[2])
}

func TestPool_DispatchDoesNotMutateCallerOptions(t *testing.T) {
	p := startPool(t, Config{Devices: []string{"cpu"}, Kind: encoder.KindQuery}, newStubEncoder())

	opts := encoder.Options{"batch_size": 8}
	_, err := p.Dispatch(context.Background(), numbers(2), DispatchOptions{Options: opts})
	require.NoError(t, err)
	assert.Equal(t, encoder.Options{"batch_size": 8}, opts)
}

func TestPool_Lifecycle(t *testing.T) {
	p, err := New(Config{Devices: []string{"cpu"}}, newStubEncoder())
	require.NoError(t, err)
	assert.Equal(t, StateUnstarted, p.State())

	_, err = p.Dispatch(context.Background(), numbers(1), DispatchOptions{})
	assert.ErrorIs(t, err, ErrPoolNotRunning)
	assert.ErrorIs(t, p.Stop(context.Background()), ErrPoolNotRunning)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, StateRunning, p.State())
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, []string{"cpu"}, p.Devices())
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolStarted)

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 0, p.Size())

	_, err = p.Dispatch(context.Background(), numbers(1), DispatchOptions{})
	assert.ErrorIs(t, err, ErrPoolNotRunning)
	assert.ErrorIs(t, p.Stop(context.Background()), ErrPoolNotRunning)
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolStarted)
}

func TestPool_StopWaitsForWorkers(t *testing.T) {
	spy := &spySpawner{}
	p := startPool(t, Config{Devices: []string{"cpu:0", "cpu:1"}}, newStubEncoder(), WithSpawner(spy))

	require.NoError(t, p.Stop(context.Background()))

	workers := spy.Workers()
	require.Len(t, workers, 2)
	for _, w := range workers {
		select {
		case <-w.Done():
		default:
			t.Fatalf("worker on %s still running after Stop", w.Device())
		}
	}
	assert.True(t, spy.closed)
	_, err := spy.results.Get(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestPool_NewValidates(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	_, err = New(Config{Kind: "passage"}, newStubEncoder())
	assert.Error(t, err)

	_, err = New(Config{FailureMode: "retry"}, newStubEncoder())
	assert.Error(t, err)

	_, err = New(Config{CPUWorkers: -1}, newStubEncoder())
	assert.Error(t, err)

	p, err := New(Config{}, newStubEncoder())
	require.NoError(t, err)
	assert.Equal(t, encoder.KindCorpus, p.Kind())
	assert.NotEmpty(t, p.ID())
}

func TestPool_DiscoversCPUShards(t *testing.T) {
	p := startPool(t, Config{CPUWorkers: 3}, newStubEncoder(), WithEnumerator(device.Static(nil)))
	assert.Equal(t, []string{"cpu", "cpu", "cpu"}, p.Devices())
}

func TestPool_DiscoversAccelerators(t *testing.T) {
	p := startPool(t, Config{}, newStubEncoder(), WithEnumerator(device.Static{"cuda:0", "cuda:1"}))
	assert.Equal(t, []string{"cuda:0", "cuda:1"}, p.Devices())
}

func TestPool_SilentFailureBlocksUntilDeadline(t *testing.T) {
	enc := newStubEncoder()
	enc.fail = func(texts []string) error {
		if texts[0] == "2" {
			return errors.New("device lost")
		}
		return nil
	}
	core, logs := observer.New(zapcore.InfoLevel)
	p := startPool(t, Config{Devices: []string{"cpu:0", "cpu:1"}}, enc, WithLogger(zap.New(core)))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := p.Dispatch(ctx, numbers(4), DispatchOptions{ChunkSize: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrWorkerFailure)

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("worker exited").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_PropagatedFailure(t *testing.T) {
	enc := newStubEncoder()
	enc.fail = func(texts []string) error {
		for _, s := range texts {
			if s == "bad" {
				return errors.New("cannot tokenize")
			}
		}
		return nil
	}
	p := startPool(t, Config{Devices: []string{"cpu:0", "cpu:1"}, FailureMode: FailurePropagate}, enc)

	items := []string{"0", "1", "2", "bad", "4", "5"}
	_, err := p.Dispatch(context.Background(), items, DispatchOptions{ChunkSize: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerFailure)

	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 1, werr.ChunkID)
	assert.Equal(t, "cannot tokenize", werr.Message)
	assert.True(t, strings.HasPrefix(werr.Device, "cpu:"))

	// Workers survive and the pool keeps serving.
	assert.Equal(t, StateRunning, p.State())
	out, err := p.Dispatch(context.Background(), numbers(6), DispatchOptions{ChunkSize: 2})
	require.NoError(t, err)
	assert.Equal(t, expectedColumn(6), firstColumn(out))
}

func TestPool_PropagatedFailureReportsLowestChunk(t *testing.T) {
	enc := newStubEncoder()
	enc.fail = func(texts []string) error {
		if texts[0] == "bad" {
			return errors.New("cannot tokenize")
		}
		return nil
	}
	// The second failing chunk returns first.
	enc.delay = func(texts []string) time.Duration {
		if len(texts) > 1 && texts[1] == "a" {
			return 100 * time.Millisecond
		}
		return 0
	}
	p := startPool(t, Config{Devices: []string{"cpu:0", "cpu:1"}, FailureMode: FailurePropagate}, enc)

	_, err := p.Dispatch(context.Background(), []string{"bad", "a", "bad", "b"}, DispatchOptions{ChunkSize: 2})
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 0, werr.ChunkID)
}

func TestPool_DiscardsStaleResults(t *testing.T) {
	enc := newStubEncoder()
	enc.delay = func(texts []string) time.Duration {
		if texts[0] == "slow" {
			return 200 * time.Millisecond
		}
		return 0
	}
	p := startPool(t, Config{Devices: []string{"cpu"}, FailureMode: FailurePropagate}, enc)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Dispatch(ctx, []string{"slow"}, DispatchOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The late answer of the first call lands in the result queue and must
	// not be mistaken for chunk 0 of this call.
	out, err := p.Dispatch(context.Background(), numbers(3), DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, expectedColumn(3), firstColumn(out))
}

func TestPool_SharesWeightsBeforeSpawning(t *testing.T) {
	stub := newStubEncoder()
	enc := &shareableStub{stubEncoder: stub}
	spy := &spySpawner{events: stub}
	startPool(t, Config{Devices: []string{"cpu:0", "cpu:1"}}, enc, WithSpawner(spy))

	assert.Equal(t, []string{"move", "share", "spawn", "spawn"}, stub.Events())
}

func TestPool_ShareFailureIsSpawnFailure(t *testing.T) {
	enc := &shareableStub{stubEncoder: newStubEncoder(), moveErr: errors.New("disk full")}
	p, err := New(Config{Devices: []string{"cpu"}}, enc)
	require.NoError(t, err)

	err = p.Start(context.Background())
	assert.ErrorIs(t, err, ErrSpawnFailure)
	assert.Equal(t, StateStopped, p.State())
}

func TestPool_SpawnFailureCleansUp(t *testing.T) {
	spy := &spySpawner{failAt: map[int]bool{2: true}}
	p, err := New(Config{Devices: []string{"cpu:0", "cpu:1", "npu:0"}}, newStubEncoder(), WithSpawner(spy))
	require.NoError(t, err)

	err = p.Start(context.Background())
	require.ErrorIs(t, err, ErrSpawnFailure)
	assert.Contains(t, err.Error(), "npu:0")
	assert.Equal(t, StateStopped, p.State())

	workers := spy.Workers()
	require.Len(t, workers, 2)
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-time.After(time.Second):
			t.Fatalf("worker on %s left running", w.Device())
		}
	}
	assert.True(t, spy.closed)
	assert.ErrorIs(t, spy.work.Put(context.Background(), queue.WorkItem{}), queue.ErrClosed)

	_, err = p.Dispatch(context.Background(), numbers(1), DispatchOptions{})
	assert.ErrorIs(t, err, ErrPoolNotRunning)
}

type cpuOnlyEncoder struct{ *stubEncoder }

func (cpuOnlyEncoder) SupportsDevice(d string) bool { return strings.HasPrefix(d, "cpu") }

func TestPool_UnsupportedDevice(t *testing.T) {
	spy := &spySpawner{}
	p, err := New(Config{Devices: []string{"cpu", "cuda:0"}}, cpuOnlyEncoder{newStubEncoder()}, WithSpawner(spy))
	require.NoError(t, err)

	err = p.Start(context.Background())
	assert.ErrorIs(t, err, ErrSpawnFailure)
	assert.ErrorIs(t, err, encoder.ErrUnsupportedDevice)
	assert.Empty(t, spy.Workers(), "nothing is spawned when a device is rejected up front")
}

func TestPool_UnsupportedAcceleratorsFallBackToCPU(t *testing.T) {
	p := startPool(t, Config{CPUWorkers: 2}, cpuOnlyEncoder{newStubEncoder()},
		WithEnumerator(device.Static{"cuda:0", "cuda:1"}))
	assert.Equal(t, []string{"cpu", "cpu"}, p.Devices())

	out, err := p.Dispatch(context.Background(), numbers(4), DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, expectedColumn(4), firstColumn(out))
}

func TestPool_LogsChunking(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := startPool(t, Config{Devices: []string{"cpu:0", "cpu:1"}}, newStubEncoder(), WithLogger(zap.New(core)))

	_, err := p.Dispatch(context.Background(), numbers(5), DispatchOptions{})
	require.NoError(t, err)

	entries := logs.FilterMessage("chunking input").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 5, fields["items"])
	assert.EqualValues(t, 2, fields["chunks"])
	assert.EqualValues(t, 3, fields["chunk_size"])
	assert.Equal(t, p.ID(), fields["pool.id"])
	assert.NotEmpty(t, fields["call.id"])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unstarted", StateUnstarted.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestPool_Spans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	p := startPool(t, Config{Devices: []string{"cpu:0", "cpu:1"}}, newStubEncoder(),
		WithTracer(tel.Tracer(instrumentationName)),
		WithMetrics(newMetrics(tel.Meter(instrumentationName), nil)))

	_, err := p.Dispatch(context.Background(), numbers(5), DispatchOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Stop(context.Background()))

	tel.AssertSpanExists(t, "pool.start")
	tel.AssertSpanAttribute(t, "pool.start", "pool.workers", int64(2))
	tel.AssertSpanAttribute(t, "pool.dispatch", "items", int64(5))
	tel.AssertSpanAttribute(t, "pool.dispatch", "chunks", int64(2))
	tel.AssertSpanExists(t, "pool.stop")

	_, ok := tel.Metric(t, "embedpool.pool.chunks_dispatched_total")
	assert.True(t, ok)
}
