package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	initForce      bool
	initRuntimeDir string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "re-download even if the ONNX runtime exists")
	initCmd.Flags().StringVar(&initRuntimeDir, "dir", "", "install directory (default ~/.config/embedpool/lib)")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Download the ONNX runtime used by the fastembed encoder",
	Long: `Init downloads the ONNX runtime library the fastembed encoder needs.
Workers find it through the ONNX_PATH environment variable, which the pool
passes on to every worker process.

Examples:
  # Install the runtime
  embedpool init

  # Reinstall into a custom directory
  embedpool init --force --dir /opt/embedpool/lib`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir := initRuntimeDir
		if dir == "" {
			dir = encoder.DefaultRuntimeDir()
		}
		if path := encoder.RuntimeLibraryPath(dir); path != "" {
			if !initForce {
				cmd.Printf("ONNX runtime already installed at: %s\n", path)
				cmd.Println("Use --force to re-download.")
				return nil
			}
			if filepath.Dir(path) != filepath.Clean(dir) {
				return fmt.Errorf("runtime comes from %s=%s; unset it to reinstall", encoder.RuntimePathEnv, path)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
		}

		cmd.Printf("Downloading ONNX runtime v%s...\n", encoder.DefaultRuntimeVersion)
		path, err := encoder.EnsureRuntime(cmd.Context(), dir, zap.NewNop())
		if err != nil {
			return err
		}
		cmd.Printf("Successfully installed ONNX runtime to: %s\n", path)
		return nil
	},
}
