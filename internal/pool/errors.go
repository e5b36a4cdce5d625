package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawnFailure is returned by Start when a worker could not be
	// started. Every worker started before the failure has been terminated.
	ErrSpawnFailure = errors.New("failed to spawn worker")

	// ErrWorkerFailure is reported by Dispatch when a worker sent back an
	// error instead of embeddings.
	ErrWorkerFailure = errors.New("worker failed")

	// ErrPoolNotRunning is returned by Dispatch and Stop outside the running state.
	ErrPoolNotRunning = errors.New("pool not running")

	// ErrPoolStarted is returned by Start on a pool that was already started.
	ErrPoolStarted = errors.New("pool already started")

	// ErrInvalidChunkSize is returned for a negative chunk size.
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// WorkerError describes one chunk a worker failed to encode.
type WorkerError struct {
	ChunkID int
	Device  string
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker on %s failed chunk %d: %s", e.Device, e.ChunkID, e.Message)
}

// Unwrap makes errors.Is(err, ErrWorkerFailure) hold.
func (e *WorkerError) Unwrap() error { return ErrWorkerFailure }
