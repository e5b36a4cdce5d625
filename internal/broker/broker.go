// Package broker runs the NATS server that carries work to process workers
// and connects to it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// MaxPayloadLimit is the largest message size the embedded server accepts.
const MaxPayloadLimit = 64 << 20

// Config configures the embedded server.
type Config struct {
	// MaxPayload in bytes. Zero means MaxPayloadLimit.
	MaxPayload int32
	// ReadyTimeout bounds server startup. Zero means 5s.
	ReadyTimeout time.Duration
}

// Embedded is an in-process NATS server bound to loopback on a random port.
type Embedded struct {
	server *natsserver.Server
	logger *zap.Logger
}

// StartEmbedded starts a loopback-only NATS server.
func StartEmbedded(cfg Config, logger *zap.Logger) (*Embedded, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPayload <= 0 || cfg.MaxPayload > MaxPayloadLimit {
		cfg.MaxPayload = MaxPayloadLimit
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}

	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // Random port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		MaxPayload:     cfg.MaxPayload,
		MaxPending:     int64(cfg.MaxPayload) * 4,
	}

	server, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}

	go server.Start()

	if !server.ReadyForConnections(cfg.ReadyTimeout) {
		server.Shutdown()
		return nil, errors.New("nats server not ready")
	}

	logger.Debug("embedded nats server started", zap.String("url", server.ClientURL()))
	return &Embedded{server: server, logger: logger}, nil
}

// URL returns the client URL workers connect to.
func (e *Embedded) URL() string {
	return e.server.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *Embedded) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.logger.Debug("embedded nats server stopped")
}

// ConnectOptions are passed to nats.Connect.
type ConnectOptions struct {
	Name string
	// Timeout bounds the initial dial. Zero means 5s.
	Timeout time.Duration
	// OnClosed runs once the connection is permanently closed.
	OnClosed func()
}

// Connect dials url with bounded reconnects.
func Connect(ctx context.Context, url string, opts ConnectOptions, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.Timeout(opts.Timeout),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if opts.OnClosed != nil {
		natsOpts = append(natsOpts, nats.ClosedHandler(func(*nats.Conn) { opts.OnClosed() }))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(url, natsOpts...)
		done <- result{nc, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connecting to nats at %s: %w", url, r.err)
		}
		return r.nc, nil
	}
}
