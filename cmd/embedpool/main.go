// Embedpool encodes text batches across one worker per device.
//
// Usage:
//
//	# Encode one text per line, JSON lines to stdout
//	embedpool encode docs.txt
//
//	# Serve a long-lived pool over HTTP
//	embedpool serve
//
//	# Show the devices a pool would use
//	embedpool devices
//
// Configuration is read from ~/.config/embedpool/config.yaml and
// EMBEDPOOL_* environment variables. See internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "embedpool",
	Short: "Multi-worker text embedding",
	Long: `embedpool splits a batch of texts into chunks, encodes the chunks on
one worker per device (every visible accelerator, else a number of CPU
shards) and returns the embeddings in input order.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/embedpool/config.yaml)")
	rootCmd.SetVersionTemplate(versionString())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
