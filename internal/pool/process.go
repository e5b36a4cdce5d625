package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/embedpool/internal/broker"
	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/queue"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Environment of a worker process. Nothing else is inherited except the
// names listed in ProcessSpawnerConfig.PassEnv.
const (
	EnvWorkerNATSURL     = "EMBEDPOOL_WORKER_NATS_URL"
	EnvWorkerPoolID      = "EMBEDPOOL_WORKER_POOL_ID"
	EnvWorkerIndex       = "EMBEDPOOL_WORKER_INDEX"
	EnvWorkerDevice      = "EMBEDPOOL_WORKER_DEVICE"
	EnvWorkerFailureMode = "EMBEDPOOL_WORKER_FAILURE_MODE"
	EnvWorkerEncoder     = "EMBEDPOOL_WORKER_ENCODER"
	EnvWorkerSubjects    = "EMBEDPOOL_WORKER_SUBJECT_PREFIX"
	EnvEncoderAPIKey     = "EMBEDPOOL_ENCODER_API_KEY"
)

// DefaultPassEnv lists the parent variables a worker process inherits.
var DefaultPassEnv = []string{
	"PATH",
	"HOME",
	"TMPDIR",
	"XDG_CACHE_HOME",
	"LD_LIBRARY_PATH",
	"DYLD_LIBRARY_PATH",
	encoder.RuntimePathEnv,
	"EMBEDPOOL_LOGGING_LEVEL",
	"EMBEDPOOL_LOGGING_FORMAT",
}

// ProcessSpawnerConfig configures clean-spawned worker processes.
type ProcessSpawnerConfig struct {
	// Executable defaults to the running binary.
	Executable string
	// Args select the worker entry point. Defaults to {"worker"}.
	Args []string

	// NATSURL of an external server. Empty starts an embedded one.
	NATSURL       string
	SubjectPrefix string
	MaxPayload    int32

	// Encoder is rebuilt by every worker process.
	Encoder encoder.Spec

	// ReadyTimeout bounds how long a worker may take to subscribe. Default 30s.
	ReadyTimeout time.Duration
	// StopGrace is how long Wait lets a terminated worker exit before killing it. Default 10s.
	StopGrace time.Duration

	// PassEnv names parent variables copied into the worker. Defaults to DefaultPassEnv.
	PassEnv []string
	// ExtraEnv entries (KEY=VALUE) are appended verbatim.
	ExtraEnv []string

	Logger *zap.Logger
}

// readyMessage is published by a worker process once it is subscribed.
type readyMessage struct {
	Index  int    `json:"index"`
	Device string `json:"device"`
	PID    int    `json:"pid"`
}

// ProcessSpawner starts each worker as a fresh process of the same binary,
// connected to the dispatcher through NATS subjects.
type ProcessSpawner struct {
	cfg    ProcessSpawnerConfig
	logger *zap.Logger

	broker   *broker.Embedded
	nc       *nats.Conn
	url      string
	subjects queue.Subjects
	ready    *queue.NATS[readyMessage]
}

// NewProcessSpawner applies defaults to cfg.
func NewProcessSpawner(cfg ProcessSpawnerConfig) (*ProcessSpawner, error) {
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		cfg.Executable = exe
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"worker"}
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "embedpool"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.PassEnv == nil {
		cfg.PassEnv = DefaultPassEnv
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessSpawner{cfg: cfg, logger: logger}, nil
}

// Open starts the broker if needed and subscribes to results and readiness.
func (s *ProcessSpawner) Open(ctx context.Context, poolID string) (queue.WorkQueue, queue.ResultQueue, error) {
	s.url = s.cfg.NATSURL
	if s.url == "" {
		b, err := broker.StartEmbedded(broker.Config{MaxPayload: s.cfg.MaxPayload}, s.logger)
		if err != nil {
			return nil, nil, err
		}
		s.broker = b
		s.url = b.URL()
	}

	nc, err := broker.Connect(ctx, s.url, broker.ConnectOptions{Name: "embedpool-dispatcher-" + poolID}, s.logger)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	s.nc = nc
	s.subjects = queue.SubjectsFor(s.cfg.SubjectPrefix, poolID)

	results, err := queue.NewNATSConsumer[queue.ResultItem](ctx, nc, s.subjects.Results, "")
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	ready, err := queue.NewNATSConsumer[readyMessage](ctx, nc, s.subjects.Ready, "")
	if err != nil {
		results.Close()
		s.Close()
		return nil, nil, err
	}
	s.ready = ready

	return queue.NewNATSPublisher[queue.WorkItem](nc, s.subjects.Work), results, nil
}

func (s *ProcessSpawner) env(spec WorkerSpec, encoderSpec string) []string {
	env := make([]string, 0, len(s.cfg.PassEnv)+len(s.cfg.ExtraEnv)+8)
	for _, name := range s.cfg.PassEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	env = append(env,
		EnvWorkerNATSURL+"="+s.url,
		EnvWorkerPoolID+"="+spec.PoolID,
		EnvWorkerIndex+"="+strconv.Itoa(spec.Index),
		EnvWorkerDevice+"="+spec.Device,
		EnvWorkerFailureMode+"="+string(spec.FailureMode),
		EnvWorkerEncoder+"="+encoderSpec,
		EnvWorkerSubjects+"="+s.cfg.SubjectPrefix,
	)
	if s.cfg.Encoder.APIKey != "" {
		env = append(env, EnvEncoderAPIKey+"="+s.cfg.Encoder.APIKey)
	}
	return append(env, s.cfg.ExtraEnv...)
}

// Spawn starts a worker process and waits until it reports ready.
func (s *ProcessSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Worker, error) {
	if s.nc == nil {
		return nil, errors.New("spawner not opened")
	}
	encoderSpec, err := encoder.MarshalSpec(s.cfg.Encoder)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(s.cfg.Executable, s.cfg.Args...)
	cmd.Env = s.env(spec, encoderSpec)
	cmd.Stdin = nil
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %d: %w", spec.Index, err)
	}

	w := &processWorker{
		device: spec.Device,
		cmd:    cmd,
		grace:  s.cfg.StopGrace,
		done:   make(chan struct{}),
	}
	go func() {
		w.exitErr = cmd.Wait()
		close(w.done)
	}()

	if err := s.awaitReady(ctx, spec.Index, w); err != nil {
		w.kill()
		<-w.done
		return nil, err
	}

	s.logger.Debug("worker process ready",
		zap.Int("worker.index", spec.Index),
		zap.String("worker.device", spec.Device),
		zap.Int("pid", cmd.Process.Pid))
	return w, nil
}

func (s *ProcessSpawner) awaitReady(ctx context.Context, index int, w *processWorker) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, err := s.ready.Get(ctx)
		if err != nil {
			select {
			case <-w.done:
				return fmt.Errorf("worker %d exited before ready: %v", index, w.exitErr)
			default:
			}
			return fmt.Errorf("waiting for worker %d: %w", index, err)
		}
		if msg.Index == index {
			return nil
		}
	}
}

// Close releases the connection and the embedded broker.
func (s *ProcessSpawner) Close() error {
	if s.ready != nil {
		_ = s.ready.Close()
		s.ready = nil
	}
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	if s.broker != nil {
		s.broker.Shutdown()
		s.broker = nil
	}
	return nil
}

type processWorker struct {
	device  string
	cmd     *exec.Cmd
	grace   time.Duration
	done    chan struct{}
	exitErr error
	once    sync.Once
}

func (w *processWorker) Device() string { return w.device }

func (w *processWorker) Done() <-chan struct{} { return w.done }

// Terminate sends SIGTERM once.
func (w *processWorker) Terminate() error {
	var err error
	w.once.Do(func() {
		err = w.cmd.Process.Signal(syscall.SIGTERM)
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}

func (w *processWorker) kill() {
	_ = w.cmd.Process.Kill()
}

// Wait gives the process StopGrace to exit, then kills it.
func (w *processWorker) Wait(ctx context.Context) error {
	timer := time.NewTimer(w.grace)
	defer timer.Stop()

	select {
	case <-w.done:
		return nil
	case <-timer.C:
		w.kill()
		<-w.done
		return fmt.Errorf("worker on %s killed after %s", w.device, w.grace)
	case <-ctx.Done():
		w.kill()
		<-w.done
		return ctx.Err()
	}
}
