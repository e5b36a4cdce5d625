package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/logging"
	"github.com/fyrsmithlabs/embedpool/internal/queue"
	"go.uber.org/zap"
)

// FailureMode decides what a worker does when encoding a chunk fails.
type FailureMode string

const (
	// FailureSilent ends the worker on any error without telling the
	// dispatcher. A dispatch waiting on the lost chunk blocks until its
	// context ends.
	FailureSilent FailureMode = "silent"

	// FailurePropagate sends the error back as a ResultItem and keeps the
	// worker running. A result the queue rejects is reported the same way;
	// only a failure to send that error result ends the worker.
	FailurePropagate FailureMode = "propagate"
)

// ParseFailureMode validates a failure mode name. Empty means silent.
func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(s) {
	case FailureSilent, "":
		return FailureSilent, nil
	case FailurePropagate:
		return FailurePropagate, nil
	default:
		return "", fmt.Errorf("unknown failure mode %q (want silent or propagate)", s)
	}
}

// WorkerConfig binds a worker loop to one device.
type WorkerConfig struct {
	PoolID      string
	Device      string
	Encoder     encoder.Encoder
	Work        queue.WorkQueue
	Results     queue.ResultQueue
	FailureMode FailureMode
	Logger      *zap.Logger
}

// RunWorker pulls work items, encodes them on cfg.Device and pushes the
// results until ctx ends, a queue fails, or (in silent mode) an encode
// fails. It returns the error that ended the loop; queue closure and
// context cancellation return nil.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	log := logging.FromZap(cfg.Logger)
	ctx = logging.WithDevice(ctx, cfg.Device)
	if cfg.PoolID != "" {
		ctx = logging.WithPoolID(ctx, cfg.PoolID)
	}
	ctx = logging.WithLogger(ctx, log)

	for {
		item, err := cfg.Work.Get(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				log.Debug(ctx, "worker stopping", zap.Error(err))
				return nil
			}
			log.Warn(ctx, "work queue receive failed", zap.Error(err))
			return err
		}
		itemCtx := logging.WithCallID(ctx, item.CallID)

		result := queue.ResultItem{
			CallID:  item.CallID,
			ChunkID: item.ChunkID,
			Device:  cfg.Device,
		}

		embeddings, err := encodeChunk(itemCtx, cfg, item)
		if err != nil {
			if cfg.FailureMode != FailurePropagate {
				log.Warn(itemCtx, "encode failed, worker exiting",
					zap.Int("chunk_id", item.ChunkID),
					zap.Error(err))
				return err
			}
			log.Warn(itemCtx, "encode failed",
				zap.Int("chunk_id", item.ChunkID),
				zap.Error(err))
			result.Err = err.Error()
		} else {
			result.Embeddings = embeddings
		}

		if err := sendResult(itemCtx, cfg, log, result); err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			log.Error(itemCtx, "result queue send failed", zap.Error(err))
			return err
		}
		log.Trace(itemCtx, "chunk encoded",
			zap.Int("chunk_id", item.ChunkID),
			zap.Int("rows", len(item.Payload)))
	}
}

// sendResult puts result on the result queue. In propagate mode a result
// the queue rejects (for example one over the broker's payload limit) is
// replaced by an error result for the same chunk.
func sendResult(ctx context.Context, cfg WorkerConfig, log *logging.Logger, result queue.ResultItem) error {
	err := cfg.Results.Put(ctx, result)
	if err == nil || cfg.FailureMode != FailurePropagate || result.Failed() {
		return err
	}
	if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
		return err
	}
	log.Warn(ctx, "result rejected, reporting failure instead",
		zap.Int("chunk_id", result.ChunkID),
		zap.Error(err))
	return cfg.Results.Put(ctx, queue.ResultItem{
		CallID:  result.CallID,
		ChunkID: result.ChunkID,
		Device:  result.Device,
		Err:     fmt.Sprintf("sending result: %v", err),
	})
}

// encodeChunk runs the encoder, turning a panic or a row-count mismatch into an error.
func encodeChunk(ctx context.Context, cfg WorkerConfig, item queue.WorkItem) (m encoder.Matrix, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("encoder panic: %v", r)
		}
	}()

	m, err = cfg.Encoder.Encode(ctx, item.Payload, cfg.Device, item.Options)
	if err != nil {
		return nil, err
	}
	if len(m) != len(item.Payload) {
		return nil, fmt.Errorf("encoder returned %d rows for %d texts", len(m), len(item.Payload))
	}
	return m, nil
}
