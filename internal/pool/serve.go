package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/fyrsmithlabs/embedpool/internal/broker"
	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/queue"
	"go.uber.org/zap"
)

// processEnv is what ServeWorker reads from its environment.
type processEnv struct {
	natsURL     string
	poolID      string
	index       int
	device      string
	failureMode FailureMode
	encoder     encoder.Spec
	prefix      string
}

func readProcessEnv(getenv func(string) string) (processEnv, error) {
	env := processEnv{
		natsURL: getenv(EnvWorkerNATSURL),
		poolID:  getenv(EnvWorkerPoolID),
		device:  getenv(EnvWorkerDevice),
		prefix:  getenv(EnvWorkerSubjects),
	}
	if env.natsURL == "" || env.poolID == "" || env.device == "" || env.prefix == "" {
		return env, errors.New("not started by a pool: worker environment incomplete")
	}

	idx, err := strconv.Atoi(getenv(EnvWorkerIndex))
	if err != nil {
		return env, fmt.Errorf("invalid %s: %w", EnvWorkerIndex, err)
	}
	env.index = idx

	if env.failureMode, err = ParseFailureMode(getenv(EnvWorkerFailureMode)); err != nil {
		return env, err
	}
	if env.encoder, err = encoder.UnmarshalSpec(getenv(EnvWorkerEncoder)); err != nil {
		return env, err
	}
	env.encoder.APIKey = getenv(EnvEncoderAPIKey)
	return env, nil
}

// ServeWorker is the entry point of a worker process started by
// ProcessSpawner. It returns when ctx ends, the broker connection closes
// for good, or the worker loop ends.
func ServeWorker(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := readProcessEnv(os.Getenv)
	if err != nil {
		return err
	}
	logger = logger.With(zap.Int("worker.index", env.index))
	setupLogger := logger.With(zap.String("pool.id", env.poolID))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A worker lives no longer than its dispatcher's broker.
	nc, err := broker.Connect(ctx, env.natsURL, broker.ConnectOptions{
		Name:     fmt.Sprintf("embedpool-worker-%s-%d", env.poolID, env.index),
		OnClosed: cancel,
	}, setupLogger)
	if err != nil {
		return err
	}
	defer nc.Close()

	subjects := queue.SubjectsFor(env.prefix, env.poolID)
	work, err := queue.NewNATSConsumer[queue.WorkItem](ctx, nc, subjects.Work, queue.WorkerGroup)
	if err != nil {
		return err
	}
	defer work.Close()

	enc, err := encoder.New(env.encoder, setupLogger)
	if err != nil {
		return fmt.Errorf("creating encoder: %w", err)
	}
	defer enc.Close()

	// Load the weights the parent placed on host before taking work.
	if err := enc.MoveToHost(ctx); err != nil {
		return fmt.Errorf("loading shared weights: %w", err)
	}

	ready := queue.NewNATSPublisher[readyMessage](nc, subjects.Ready)
	if err := ready.Put(ctx, readyMessage{Index: env.index, Device: env.device, PID: os.Getpid()}); err != nil {
		return fmt.Errorf("announcing ready: %w", err)
	}
	if err := queue.Flush(ctx, nc); err != nil {
		return fmt.Errorf("announcing ready: %w", err)
	}

	return RunWorker(ctx, WorkerConfig{
		PoolID:      env.poolID,
		Device:      env.device,
		Encoder:     enc,
		Work:        work,
		Results:     queue.NewNATSPublisher[queue.ResultItem](nc, subjects.Results),
		FailureMode: env.failureMode,
		Logger:      logger,
	})
}
