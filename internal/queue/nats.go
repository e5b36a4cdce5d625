package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// WorkerGroup is the NATS queue group shared by every worker of a pool, so
// each work item is delivered to exactly one of them.
const WorkerGroup = "workers"

// DefaultFlushTimeout bounds a flush whose context carries no deadline.
const DefaultFlushTimeout = 10 * time.Second

// errNotConsumer is returned by Get on a publish-only queue.
var errNotConsumer = errors.New("queue: publish-only side cannot Get")

// NATS is a queue over a core NATS subject. A publisher only Puts; a
// consumer subscribes at construction so nothing published afterwards is
// missed.
type NATS[T any] struct {
	nc      *nats.Conn
	subject string

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

// NewNATSPublisher creates the Put side of subject.
func NewNATSPublisher[T any](nc *nats.Conn, subject string) *NATS[T] {
	return &NATS[T]{nc: nc, subject: subject}
}

// NewNATSConsumer subscribes to subject. A non-empty group load-balances
// messages across consumers. Pending limits are lifted so a slow worker
// never drops items.
func NewNATSConsumer[T any](ctx context.Context, nc *nats.Conn, subject, group string) (*NATS[T], error) {
	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = nc.QueueSubscribeSync(subject, group)
	} else {
		sub, err = nc.SubscribeSync(subject)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("setting pending limits on %s: %w", subject, err)
	}
	if err := Flush(ctx, nc); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription to %s: %w", subject, err)
	}
	return &NATS[T]{nc: nc, subject: subject, sub: sub}, nil
}

// Flush waits until the server has processed everything sent on nc.
// nats.go refuses a flush context without a deadline, so DefaultFlushTimeout
// is applied when ctx has none.
func Flush(ctx context.Context, nc *nats.Conn) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFlushTimeout)
		defer cancel()
	}
	return nc.FlushWithContext(ctx)
}

// Subject returns the NATS subject.
func (q *NATS[T]) Subject() string { return q.subject }

// Put publishes item as JSON.
func (q *NATS[T]) Put(_ context.Context, item T) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling queue item: %w", err)
	}
	if err := q.nc.Publish(q.subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publishing to %s: %w", q.subject, err)
	}
	return nil
}

// Get waits for the next message on the subscription.
func (q *NATS[T]) Get(ctx context.Context) (T, error) {
	var zero T

	q.mu.Lock()
	sub, closed := q.sub, q.closed
	q.mu.Unlock()
	if closed {
		return zero, ErrClosed
	}
	if sub == nil {
		return zero, errNotConsumer
	}

	msg, err := sub.NextMsgWithContext(ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return zero, ctx.Err()
		case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
			return zero, ErrClosed
		default:
			return zero, fmt.Errorf("receiving from %s: %w", q.subject, err)
		}
	}

	var item T
	if err := json.Unmarshal(msg.Data, &item); err != nil {
		return zero, fmt.Errorf("decoding message on %s: %w", q.subject, err)
	}
	return item, nil
}

// Close unsubscribes the consumer side. The connection is left open.
func (q *NATS[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	if q.sub != nil && q.sub.IsValid() {
		if err := q.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("unsubscribing from %s: %w", q.subject, err)
		}
	}
	return nil
}
