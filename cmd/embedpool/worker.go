package main

import (
	"os"

	"github.com/fyrsmithlabs/embedpool/internal/config"
	"github.com/fyrsmithlabs/embedpool/internal/logging"
	"github.com/fyrsmithlabs/embedpool/internal/pool"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(workerCmd)
}

// workerCmd is started by the process spawner, never by hand. It reads its
// assignment from the environment and logs to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one pool worker (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logCfg, err := logging.FromAppConfig(config.LoggingConfig{
			Level:  os.Getenv(config.EnvPrefix + "LOGGING_LEVEL"),
			Format: os.Getenv(config.EnvPrefix + "LOGGING_FORMAT"),
		})
		if err != nil {
			return err
		}
		logCfg.Output.Stdout = false
		logCfg.Output.Stderr = true
		logCfg.Fields["component"] = "worker"

		logger, err := logging.NewLogger(logCfg, nil)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return pool.ServeWorker(cmd.Context(), logger.Underlying())
	},
}
