// Package device resolves the set of devices a pool runs one worker on.
package device

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// CPU is the pseudo-device label for a CPU shard.
const CPU = "cpu"

// DefaultCPUWorkers is the number of CPU shards used when no accelerator is visible.
const DefaultCPUWorkers = 4

// Environment variables read by EnvEnumerator, in priority order.
const (
	EnvDevices       = "EMBEDPOOL_DEVICES"
	EnvCUDA          = "CUDA_VISIBLE_DEVICES"
	EnvNVIDIA        = "NVIDIA_VISIBLE_DEVICES"
	EnvAscend        = "ASCEND_RT_VISIBLE_DEVICES"
	cudaDevicePrefix = "cuda"
	npuDevicePrefix  = "npu"
)

// Enumerator lists the accelerators available to this host.
type Enumerator interface {
	Accelerators(ctx context.Context) ([]string, error)
}

// Static is an Enumerator returning a fixed list.
type Static []string

// Accelerators returns a copy of the list.
func (s Static) Accelerators(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// EnvEnumerator discovers accelerators from visibility environment variables.
type EnvEnumerator struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Accelerators returns EMBEDPOOL_DEVICES verbatim if set, else cuda:i for
// each visible NVIDIA device, else npu:i for each visible Ascend device.
// Visible ids are renumbered from zero, matching how the runtime exposes them.
func (e EnvEnumerator) Accelerators(context.Context) ([]string, error) {
	getenv := e.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := strings.TrimSpace(getenv(EnvDevices)); v != "" {
		return ParseList(v), nil
	}
	for _, name := range []string{EnvCUDA, EnvNVIDIA} {
		if ids, ok := visible(getenv(name)); ok {
			return label(cudaDevicePrefix, ids), nil
		}
	}
	if ids, ok := visible(getenv(EnvAscend)); ok {
		return label(npuDevicePrefix, ids), nil
	}
	return nil, nil
}

// visible parses a *_VISIBLE_DEVICES value. "", "none", "void" and "-1"
// hide every device; "all" is not enumerable from the environment alone.
func visible(v string) ([]string, bool) {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "none", "void", "-1", "all", "nodev":
		return nil, false
	}
	ids := ParseList(v)
	return ids, len(ids) > 0
}

func label(prefix string, ids []string) []string {
	out := make([]string, len(ids))
	for i := range ids {
		out[i] = prefix + ":" + strconv.Itoa(i)
	}
	return out
}

// ParseList splits a comma separated device list, dropping blanks.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CPUShards returns n "cpu" labels.
func CPUShards(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = CPU
	}
	return out
}

// Resolve picks the devices for a pool: explicit if non-empty, else every
// accelerator enum reports that supported accepts, else cpuWorkers CPU
// shards (DefaultCPUWorkers when cpuWorkers is not positive). A nil
// supported accepts every device. Explicit devices are never filtered.
func Resolve(ctx context.Context, explicit []string, enum Enumerator, cpuWorkers int, supported func(string) bool, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(explicit) > 0 {
		return append([]string(nil), explicit...), nil
	}

	if enum != nil {
		accel, err := enum.Accelerators(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerating accelerators: %w", err)
		}
		usable := accel
		if supported != nil {
			usable = make([]string, 0, len(accel))
			for _, d := range accel {
				if supported(d) {
					usable = append(usable, d)
				}
			}
			if len(usable) < len(accel) {
				logger.Warn("skipping accelerators the encoder cannot run on",
					zap.Strings("found", accel),
					zap.Strings("usable", usable))
			}
		}
		if len(usable) > 0 {
			return usable, nil
		}
	}

	if cpuWorkers <= 0 {
		cpuWorkers = DefaultCPUWorkers
	}
	logger.Info("no accelerator found, starting cpu workers", zap.Int("workers", cpuWorkers))
	return CPUShards(cpuWorkers), nil
}
