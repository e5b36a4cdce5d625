//go:build cgo

package encoder

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformArchive(t *testing.T) {
	tests := []struct {
		goos   string
		goarch string
		want   string
	}{
		{"linux", "amd64", "linux-x64"},
		{"linux", "arm64", "linux-aarch64"},
		{"darwin", "amd64", "osx-x86_64"},
		{"darwin", "arm64", "osx-arm64"},
	}

	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.goarch, func(t *testing.T) {
			got, err := platformArchive(tt.goos, tt.goarch)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := platformArchive("windows", "amd64")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestRuntimeLibrary(t *testing.T) {
	assert.Equal(t, "libonnxruntime.so", runtimeLibrary("linux"))
	assert.Equal(t, "libonnxruntime.dylib", runtimeLibrary("darwin"))
	assert.Equal(t, "libonnxruntime.so", runtimeLibrary("plan9"))
}

type tarEntry struct {
	name     string
	body     string
	linkname string
}

func buildTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.linkname != "" {
			hdr = &tar.Header{Name: e.name, Linkname: e.linkname, Typeflag: tar.TypeSymlink}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.linkname == "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractRuntime(t *testing.T) {
	prefix := "onnxruntime-linux-x64-1.23.0/lib/"
	archive := buildTarGz(t, []tarEntry{
		{name: "./onnxruntime-linux-x64-1.23.0/lib/libonnxruntime.so.1.23.0", body: "elf"},
		{name: "onnxruntime-linux-x64-1.23.0/lib/libonnxruntime.so", linkname: "libonnxruntime.so.1.23.0"},
		{name: "onnxruntime-linux-x64-1.23.0/include/onnxruntime_c_api.h", body: "header"},
	})

	dir := t.TempDir()
	require.NoError(t, extractRuntime(bytes.NewReader(archive), dir, prefix, "libonnxruntime.so"))

	data, err := os.ReadFile(filepath.Join(dir, "libonnxruntime.so"))
	require.NoError(t, err)
	assert.Equal(t, "elf", string(data))
	_, err = os.Stat(filepath.Join(dir, "onnxruntime_c_api.h"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractRuntime_MissingLibrary(t *testing.T) {
	archive := buildTarGz(t, []tarEntry{
		{name: "onnxruntime-linux-x64-1.23.0/lib/README", body: "nothing here"},
	})
	err := extractRuntime(bytes.NewReader(archive), t.TempDir(), "onnxruntime-linux-x64-1.23.0/lib/", "libonnxruntime.so")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in archive")
}

func TestEnsureRuntime_ExistingInstall(t *testing.T) {
	t.Setenv(RuntimePathEnv, "")
	dir := t.TempDir()
	lib := filepath.Join(dir, runtimeLibrary(runtime.GOOS))
	require.NoError(t, os.WriteFile(lib, []byte("elf"), 0644))

	var exported string
	orig := setRuntimePathEnv
	setRuntimePathEnv = func(p string) error { exported = p; return nil }
	t.Cleanup(func() { setRuntimePathEnv = orig })

	got, err := EnsureRuntime(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, lib, got)
	assert.Equal(t, lib, exported)
}

func TestRuntimeLibraryPath_EnvOverride(t *testing.T) {
	t.Setenv(RuntimePathEnv, "/opt/onnx/libonnxruntime.so")
	assert.Equal(t, "/opt/onnx/libonnxruntime.so", RuntimeLibraryPath(t.TempDir()))
}
