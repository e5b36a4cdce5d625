package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	httpserver "github.com/fyrsmithlabs/embedpool/internal/http"
	"github.com/fyrsmithlabs/embedpool/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveHost    string
	serveDevices []string
	serveNoStore bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "address to listen on")
	serveCmd.Flags().StringSliceVar(&serveDevices, "devices", nil, "devices to start one worker each on")
	serveCmd.Flags().BoolVar(&serveNoStore, "no-store", false, "disable /v1/documents and /v1/search")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a long-lived pool over HTTP",
	Long: `Serve starts a pool and keeps it running behind an HTTP API until
SIGINT or SIGTERM.

Endpoints:
  POST /v1/encode     encode a batch of texts
  POST /v1/documents  encode and store documents
  POST /v1/search     encode a query and search stored documents
  GET  /health        pool state and telemetry health
  GET  /metrics       Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p, enc, err := a.newPool(poolOverrides{devices: serveDevices})
	if err != nil {
		return err
	}
	defer enc.Close()

	if err := p.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := p.Stop(stopCtx); err != nil {
			a.logger.Warn("failed to stop pool", zap.Error(err))
		}
	}()

	opts := []httpserver.Option{httpserver.WithTelemetry(a.telemetry)}
	if !serveNoStore {
		st, err := store.NewChromem(store.Config{
			Path:       a.cfg.Store.Path,
			Collection: a.cfg.Store.Collection,
			Compress:   a.cfg.Store.Compress,
		}, a.logger)
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, httpserver.WithStore(st))
	}

	srv, err := httpserver.NewServer(p, a.logger, &httpserver.Config{
		Host:           serveHost,
		Port:           a.cfg.Server.Port,
		RequestTimeout: a.cfg.Server.RequestTimeout.Duration(),
		RateLimit:      a.cfg.Server.RateLimit,
		RateBurst:      a.cfg.Server.RateBurst,
		MaxItems:       a.cfg.Server.MaxItems,
		ChunkSize:      a.cfg.Pool.ChunkSize,
		BodyLimit:      httpserver.DefaultConfig().BodyLimit,
	}, opts...)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
