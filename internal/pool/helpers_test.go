package pool

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/queue"
)

// numbers returns "0".."n-1".
func numbers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i)
	}
	return out
}

// stubEncoder maps text "k" to the row [k, len(device)]. Non-numeric texts map to -1.
type stubEncoder struct {
	mu      sync.Mutex
	events  []string
	devices map[string]int
	kinds   []encoder.Kind

	delay func(texts []string) time.Duration
	fail  func(texts []string) error
	panic string
}

func newStubEncoder() *stubEncoder {
	return &stubEncoder{devices: make(map[string]int)}
}

func (s *stubEncoder) Encode(ctx context.Context, texts []string, device string, opts encoder.Options) (encoder.Matrix, error) {
	s.mu.Lock()
	s.events = append(s.events, "encode")
	s.devices[device]++
	s.kinds = append(s.kinds, opts.Kind())
	s.mu.Unlock()

	if s.delay != nil {
		select {
		case <-time.After(s.delay(texts)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, t := range texts {
		if s.panic != "" && t == s.panic {
			panic("stub encoder exploded")
		}
	}
	if s.fail != nil {
		if err := s.fail(texts); err != nil {
			return nil, err
		}
	}

	out := make(encoder.Matrix, len(texts))
	for i, t := range texts {
		v, err := strconv.Atoi(t)
		if err != nil {
			v = -1
		}
		out[i] = []float32{float32(v), float32(len(device))}
	}
	return out, nil
}

func (s *stubEncoder) Dimension() int { return 2 }
func (s *stubEncoder) Close() error   { return nil }

func (s *stubEncoder) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *stubEncoder) Kinds() []encoder.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]encoder.Kind(nil), s.kinds...)
}

// shareableStub also records MoveToHost/ShareMemory calls.
type shareableStub struct {
	*stubEncoder
	moveErr error
}

func (s *shareableStub) MoveToHost(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "move")
	return s.moveErr
}

func (s *shareableStub) ShareMemory(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "share")
	return nil
}

// spySpawner records workers and can fail chosen spawn indexes.
type spySpawner struct {
	GoroutineSpawner
	failAt map[int]bool

	mu      sync.Mutex
	spawned []Worker
	events  *stubEncoder
	closed  bool
	work    queue.WorkQueue
	results queue.ResultQueue
}

func (s *spySpawner) Open(ctx context.Context, poolID string) (queue.WorkQueue, queue.ResultQueue, error) {
	w, r, err := s.GoroutineSpawner.Open(ctx, poolID)
	s.work, s.results = w, r
	return w, r, err
}

func (s *spySpawner) Spawn(ctx context.Context, spec WorkerSpec) (Worker, error) {
	if s.events != nil {
		s.events.mu.Lock()
		s.events.events = append(s.events.events, "spawn")
		s.events.mu.Unlock()
	}
	if s.failAt[spec.Index] {
		return nil, errors.New("no such device")
	}
	w, err := s.GoroutineSpawner.Spawn(ctx, spec)
	if err == nil {
		s.mu.Lock()
		s.spawned = append(s.spawned, w)
		s.mu.Unlock()
	}
	return w, err
}

func (s *spySpawner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *spySpawner) Workers() []Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Worker(nil), s.spawned...)
}
