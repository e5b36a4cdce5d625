package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestEnvEnumerator(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{name: "nothing visible", env: nil, want: nil},
		{name: "explicit list", env: map[string]string{EnvDevices: "cuda:3, cpu ,", EnvCUDA: "0,1"}, want: []string{"cuda:3", "cpu"}},
		{name: "cuda renumbered", env: map[string]string{EnvCUDA: "2,5"}, want: []string{"cuda:0", "cuda:1"}},
		{name: "cuda hidden", env: map[string]string{EnvCUDA: "-1", EnvAscend: "0"}, want: []string{"npu:0"}},
		{name: "nvidia fallback", env: map[string]string{EnvNVIDIA: "GPU-abc"}, want: []string{"cuda:0"}},
		{name: "nvidia all", env: map[string]string{EnvNVIDIA: "all"}, want: nil},
		{name: "ascend", env: map[string]string{EnvAscend: "0,1,2"}, want: []string{"npu:0", "npu:1", "npu:2"}},
		{name: "empty values", env: map[string]string{EnvCUDA: " ", EnvAscend: "none"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EnvEnumerator{Getenv: envOf(tt.env)}.Accelerators(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvEnumerator_DefaultsToProcessEnv(t *testing.T) {
	t.Setenv(EnvDevices, "npu:7")
	got, err := EnvEnumerator{}.Accelerators(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"npu:7"}, got)
}

type failingEnum struct{}

func (failingEnum) Accelerators(context.Context) ([]string, error) {
	return nil, errors.New("driver not loaded")
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	got, err := Resolve(ctx, []string{"cuda:1"}, Static{"cuda:0", "cuda:1"}, 2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cuda:1"}, got)

	got, err = Resolve(ctx, nil, Static{"cuda:0", "cuda:1"}, 2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cuda:0", "cuda:1"}, got)

	got, err = Resolve(ctx, nil, Static{}, 3, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu", "cpu", "cpu"}, got)

	got, err = Resolve(ctx, nil, nil, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, CPUShards(DefaultCPUWorkers), got)

	_, err = Resolve(ctx, nil, failingEnum{}, 0, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver not loaded")
}

func TestResolve_LogsCPUFallback(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	_, err := Resolve(context.Background(), nil, Static(nil), 2, nil, zap.New(core))
	require.NoError(t, err)

	entries := logs.FilterMessage("no accelerator found, starting cpu workers").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].ContextMap()["workers"])
}

func TestStatic_ReturnsCopy(t *testing.T) {
	s := Static{"cuda:0"}
	got, _ := s.Accelerators(context.Background())
	got[0] = "changed"
	assert.Equal(t, "cuda:0", s[0])
}

func TestResolve_SkipsUnsupportedAccelerators(t *testing.T) {
	ctx := context.Background()
	cpuOnly := func(d string) bool { return d == CPU }
	core, logs := observer.New(zap.InfoLevel)

	got, err := Resolve(ctx, nil, Static{"cuda:0", "cuda:1"}, 2, cpuOnly, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu", "cpu"}, got)
	assert.Equal(t, 1, logs.FilterMessage("skipping accelerators").Len())
	assert.Equal(t, 1, logs.FilterMessage("no accelerator found").Len())

	onlyFirst := func(d string) bool { return d == "cuda:0" }
	got, err = Resolve(ctx, nil, Static{"cuda:0", "cuda:1"}, 2, onlyFirst, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cuda:0"}, got)

	got, err = Resolve(ctx, []string{"cuda:3"}, Static{"cuda:0"}, 2, cpuOnly, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cuda:3"}, got, "explicit devices are not filtered")
}
