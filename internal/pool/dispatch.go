package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/logging"
	"github.com/fyrsmithlabs/embedpool/internal/queue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DispatchOptions tune one Dispatch call.
type DispatchOptions struct {
	// ChunkSize is the number of items per work item. Zero spreads the
	// input evenly over the workers.
	ChunkSize int
	// Options are forwarded to every encode call.
	Options encoder.Options
}

// Dispatch encodes items across the workers and returns one row per item,
// in input order.
//
// The input is cut into chunks tagged 0..N-1, every chunk is enqueued, and
// exactly N results of this call are drained before they are sorted by
// chunk id and concatenated. Dispatch blocks until all N arrive or ctx
// ends; a silently dead worker therefore blocks it until ctx ends. Calls
// on the same pool are serialized, and a call whose ctx ends while it
// waits for its turn returns ctx's error.
func (p *Pool) Dispatch(ctx context.Context, items []string, opts DispatchOptions) (encoder.Matrix, error) {
	if opts.ChunkSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, opts.ChunkSize)
	}

	if err := p.dispatchSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for an earlier dispatch: %w", err)
	}
	defer p.dispatchSem.Release(1)

	p.mu.Lock()
	state, work, results, workers := p.state, p.work, p.results, len(p.workers)
	p.mu.Unlock()

	if state != StateRunning {
		return nil, fmt.Errorf("%w: pool is %s", ErrPoolNotRunning, state)
	}
	if len(items) == 0 {
		return encoder.Matrix{}, nil
	}

	size := opts.ChunkSize
	if size == 0 {
		size = defaultChunkSize(len(items), workers)
	}
	chunks := Partition(items, size)
	callID := uuid.NewString()

	options := opts.Options.Clone()
	if _, ok := options[encoder.OptionKind]; !ok {
		options[encoder.OptionKind] = string(p.cfg.Kind)
	}

	ctx, span := p.tracer.Start(ctx, "pool.dispatch", trace.WithAttributes(
		attribute.String("pool.id", p.id),
		attribute.String("call.id", callID),
		attribute.Int("items", len(items)),
		attribute.Int("chunks", len(chunks)),
		attribute.Int("chunk_size", size),
	))
	defer span.End()

	ctx = logging.WithCallID(ctx, callID)
	p.log.Info(ctx, "chunking input",
		zap.Int("items", len(items)),
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", size))

	start := time.Now()
	out, err := p.call(ctx, callID, chunks, options, work, results)
	p.metrics.recordDispatch(ctx, string(p.cfg.Kind), len(chunks), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (p *Pool) call(ctx context.Context, callID string, chunks [][]string, options encoder.Options, work queue.WorkQueue, results queue.ResultQueue) (encoder.Matrix, error) {
	for i, chunk := range chunks {
		err := work.Put(ctx, queue.WorkItem{
			CallID:  callID,
			ChunkID: i,
			Payload: chunk,
			Options: options,
		})
		if err != nil {
			return nil, queueError("enqueueing chunk", err)
		}
	}

	collected := make([]queue.ResultItem, 0, len(chunks))
	seen := make([]bool, len(chunks))
	var failure *WorkerError

	for len(collected) < len(chunks) {
		r, err := results.Get(ctx)
		if err != nil {
			return nil, queueError("waiting for results", err)
		}
		if r.CallID != callID || r.ChunkID < 0 || r.ChunkID >= len(chunks) || seen[r.ChunkID] {
			p.log.Debug(ctx, "discarding stale result",
				zap.String("result.call_id", r.CallID),
				zap.Int("chunk_id", r.ChunkID))
			continue
		}
		seen[r.ChunkID] = true
		collected = append(collected, r)

		if r.Failed() {
			p.metrics.recordWorkerFailure(ctx, string(p.cfg.Kind), r.Device)
			if failure == nil || r.ChunkID < failure.ChunkID {
				failure = &WorkerError{ChunkID: r.ChunkID, Device: r.Device, Message: r.Err}
			}
		}
	}
	if failure != nil {
		return nil, failure
	}

	slices.SortFunc(collected, func(a, b queue.ResultItem) int {
		return cmp.Compare(a.ChunkID, b.ChunkID)
	})
	parts := make([]encoder.Matrix, len(collected))
	for i, r := range collected {
		if len(r.Embeddings) != len(chunks[i]) {
			return nil, fmt.Errorf("chunk %d: got %d rows for %d items", i, len(r.Embeddings), len(chunks[i]))
		}
		parts[i] = r.Embeddings
	}
	return encoder.Concat(parts...), nil
}

func queueError(op string, err error) error {
	if errors.Is(err, queue.ErrClosed) {
		return fmt.Errorf("%w: %s: %w", ErrPoolNotRunning, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
