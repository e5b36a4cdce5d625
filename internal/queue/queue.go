// Package queue carries work items to pool workers and their results back.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
)

// ErrClosed is returned by Put and Get once a queue is closed.
var ErrClosed = errors.New("queue closed")

// WorkItem is one chunk of one dispatch call. It is consumed by exactly one worker.
type WorkItem struct {
	CallID  string          `json:"call_id"`
	ChunkID int             `json:"chunk_id"`
	Payload []string        `json:"payload"`
	Options encoder.Options `json:"options,omitempty"`
}

// ResultItem answers the WorkItem with the same CallID and ChunkID.
type ResultItem struct {
	CallID     string
	ChunkID    int
	Embeddings encoder.Matrix
	// Err is set instead of Embeddings when a worker reports a failure.
	Err    string
	Device string
}

// Failed reports whether the worker sent an error instead of embeddings.
func (r ResultItem) Failed() bool { return r.Err != "" }

// Queue is a FIFO shared by a dispatcher and its workers.
type Queue[T any] interface {
	// Put enqueues item. It does not block on queue capacity.
	Put(ctx context.Context, item T) error
	// Get blocks until an item is available, ctx ends or the queue is closed.
	Get(ctx context.Context) (T, error)
	// Close wakes every blocked Get with ErrClosed.
	Close() error
}

// WorkQueue carries chunks to workers.
type WorkQueue = Queue[WorkItem]

// ResultQueue carries encoded chunks back to the dispatcher.
type ResultQueue = Queue[ResultItem]

// Subjects names the NATS subjects of one pool.
type Subjects struct {
	Work    string
	Results string
	Ready   string
}

// SubjectsFor derives the subjects for poolID under prefix.
func SubjectsFor(prefix, poolID string) Subjects {
	base := fmt.Sprintf("%s.%s", prefix, poolID)
	return Subjects{
		Work:    base + ".work",
		Results: base + ".results",
		Ready:   base + ".ready",
	}
}
