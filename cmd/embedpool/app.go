package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/embedpool/internal/config"
	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/logging"
	"github.com/fyrsmithlabs/embedpool/internal/pool"
	"github.com/fyrsmithlabs/embedpool/internal/telemetry"
	"go.uber.org/zap"
)

// app holds what every subcommand needs: config, logger and telemetry.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
}

// newApp loads the configuration and sets up logging and telemetry.
// Logs go to stderr; stdout carries command output.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Output.Stdout = false
	logCfg.Output.Stderr = true
	logCfg.Output.OTEL = tel.IsEnabled()
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	return &app{cfg: cfg, logger: logger.Underlying(), telemetry: tel}, nil
}

// Close flushes telemetry and the logger.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// encoderSpec maps the encoder section of the config to an encoder.Spec.
func encoderSpec(c config.EncoderConfig) encoder.Spec {
	return encoder.Spec{
		Provider:    c.Provider,
		Model:       c.Model,
		CacheDir:    c.CacheDir,
		RuntimeDir:  c.RuntimeDir,
		MaxLength:   c.MaxLength,
		BatchSize:   c.BatchSize,
		BaseURL:     c.BaseURL,
		DeviceURLs:  c.DeviceURLs,
		Dimension:   c.Dimension,
		QueryPrompt: c.QueryPrompt,
		APIKey:      c.APIKey.Value(),
	}
}

// poolOverrides are command-line settings that win over the config file.
type poolOverrides struct {
	devices []string
	kind    string
}

// newPool builds an unstarted pool and the encoder it drives. The caller
// owns both.
func (a *app) newPool(o poolOverrides) (*pool.Pool, *encoder.Instrumented, error) {
	spec := encoderSpec(a.cfg.Encoder)
	enc, err := encoder.New(spec, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating encoder: %w", err)
	}

	pc := pool.Config{
		Devices:     a.cfg.Pool.Devices,
		CPUWorkers:  a.cfg.Pool.CPUWorkers,
		Kind:        encoder.Kind(a.cfg.Pool.Kind),
		FailureMode: pool.FailureMode(a.cfg.Pool.FailureMode),
	}
	if len(o.devices) > 0 {
		pc.Devices = o.devices
	}
	if o.kind != "" {
		pc.Kind = encoder.Kind(o.kind)
	}

	opts := []pool.Option{
		pool.WithLogger(a.logger),
		pool.WithTracer(a.telemetry.Tracer("github.com/fyrsmithlabs/embedpool/internal/pool")),
	}
	if a.cfg.Pool.Spawner == "process" {
		spawner, err := pool.NewProcessSpawner(pool.ProcessSpawnerConfig{
			NATSURL:       a.cfg.NATS.URL,
			SubjectPrefix: a.cfg.NATS.SubjectPrefix,
			MaxPayload:    int32(a.cfg.NATS.MaxPayloadMB) << 20,
			Encoder:       spec,
			ReadyTimeout:  a.cfg.NATS.ConnectWait.Duration() * 6,
			Logger:        a.logger,
		})
		if err != nil {
			enc.Close()
			return nil, nil, err
		}
		opts = append(opts, pool.WithSpawner(spawner))
	}

	p, err := pool.New(pc, enc, opts...)
	if err != nil {
		enc.Close()
		return nil, nil, err
	}
	return p, enc, nil
}
