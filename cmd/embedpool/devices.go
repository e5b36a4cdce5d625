package main

import (
	"fmt"

	"github.com/fyrsmithlabs/embedpool/internal/device"
	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(devicesCmd)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Print the devices a pool would start workers on",
	Long: `Devices resolves the worker devices the same way a pool does: the
configured pool.devices if set, else every accelerator listed in
EMBEDPOOL_DEVICES, CUDA_VISIBLE_DEVICES, NVIDIA_VISIBLE_DEVICES or
ASCEND_RT_VISIBLE_DEVICES that the configured encoder can run on, else
pool.cpu_workers CPU shards. The fastembed encoder runs on CPU only, so
with it visible GPUs are skipped; use the tei provider to serve them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var supported func(string) bool
		enc, err := encoder.New(encoderSpec(a.cfg.Encoder), a.logger)
		if err != nil {
			a.logger.Warn("cannot check device support", zap.Error(err))
		} else {
			defer enc.Close()
			supported = enc.SupportsDevice
		}

		devices, err := device.Resolve(cmd.Context(), a.cfg.Pool.Devices, device.EnvEnumerator{}, a.cfg.Pool.CPUWorkers, supported, a.logger)
		if err != nil {
			return err
		}
		for i, d := range devices {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i, d)
		}
		return nil
	},
}
