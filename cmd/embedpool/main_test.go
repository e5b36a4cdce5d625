package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/fyrsmithlabs/embedpool/internal/config"
	"github.com/fyrsmithlabs/embedpool/internal/encoder"
	"github.com/fyrsmithlabs/embedpool/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain lets the test binary act as a worker process: the process
// spawner re-executes it with the worker environment set.
func TestMain(m *testing.M) {
	if os.Getenv(pool.EnvWorkerPoolID) != "" {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		rootCmd.SetArgs([]string{"worker"})
		err := rootCmd.ExecuteContext(ctx)
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, "worker:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// hashEnv configures an in-process pool over the hash encoder.
func hashEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("EMBEDPOOL_ENCODER_PROVIDER", "hash")
	t.Setenv("EMBEDPOOL_ENCODER_DIMENSION", "8")
	t.Setenv("EMBEDPOOL_POOL_SPAWNER", "goroutine")
	t.Setenv("EMBEDPOOL_POOL_DEVICES", "cpu,cpu")
	t.Setenv("EMBEDPOOL_LOGGING_LEVEL", "error")
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		resetFlags()
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags() {
	encodeDevices, encodeChunkSize, encodeKind = nil, -1, ""
	encodeOut, encodeStore, encodeCollection = "-", "", ""
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := map[string]bool{"encode": false, "serve": false, "devices": false, "worker": true, "version": false, "init": false}
	got := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		got[cmd.Name()] = cmd.Hidden
	}
	for name, hidden := range want {
		h, ok := got[name]
		require.True(t, ok, "missing subcommand %s", name)
		assert.Equal(t, hidden, h, "hidden flag of %s", name)
	}
}

func TestEncodeCmd_Stdin(t *testing.T) {
	hashEnv(t)

	out, err := execute(t, "alpha beta\n\ngamma\ndelta epsilon\n", "encode", "--chunk-size", "1", "--kind", "query", "-")
	require.NoError(t, err)

	var lines []encodedLine
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var l encodedLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 3)

	h, err := encoder.NewHash(8)
	require.NoError(t, err)
	want, err := h.Encode(context.Background(), []string{"alpha beta", "gamma", "delta epsilon"}, "cpu", encoder.Options{"kind": "query"})
	require.NoError(t, err)
	for i, l := range lines {
		assert.Equal(t, i, l.Index)
		assert.Equal(t, want[i], l.Embedding)
	}
	assert.Equal(t, "gamma", lines[1].Text)
}

func TestEncodeCmd_DefaultProcessSpawner(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	hashEnv(t)
	t.Setenv("EMBEDPOOL_POOL_SPAWNER", "")
	require.NoError(t, os.Unsetenv("EMBEDPOOL_POOL_SPAWNER"))

	texts := []string{"first line", "second line", "third line", "fourth line", "fifth line"}
	out, err := execute(t, strings.Join(texts, "\n")+"\n", "encode", "--chunk-size", "2", "--kind", "corpus")
	require.NoError(t, err)

	h, err := encoder.NewHash(8)
	require.NoError(t, err)
	want, err := h.Encode(context.Background(), texts, "cpu", encoder.Options{"kind": "corpus"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(texts))
	for i, raw := range lines {
		var l encodedLine
		require.NoError(t, json.Unmarshal([]byte(raw), &l))
		assert.Equal(t, texts[i], l.Text)
		assert.Equal(t, want[i], l.Embedding)
	}
}

func TestEncodeCmd_FileOutAndStore(t *testing.T) {
	hashEnv(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "docs.txt")
	require.NoError(t, os.WriteFile(in, []byte("one\ntwo\nthree\n"), 0o600))
	outPath := filepath.Join(dir, "out.jsonl")
	storePath := filepath.Join(dir, "store")

	_, err := execute(t, "", "encode", "--out", outPath, "--store", storePath, "--collection", "notes", in)
	require.NoError(t, err)

	b, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(b), "\n"))

	entries, err := os.ReadDir(storePath)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestEncodeCmd_Errors(t *testing.T) {
	hashEnv(t)

	_, err := execute(t, "\n  \n", "encode")
	assert.ErrorContains(t, err, "no texts")

	_, err = execute(t, "x\n", "encode", "--kind", "passage")
	assert.ErrorContains(t, err, "unknown kind")

	_, err = execute(t, "x\n", "encode", filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorContains(t, err, "failed to open")
}

func TestDevicesCmd(t *testing.T) {
	hashEnv(t)
	out, err := execute(t, "", "devices")
	require.NoError(t, err)
	assert.Equal(t, "0\tcpu\n1\tcpu\n", out)
}

func TestDevicesCmd_DiscoversAccelerators(t *testing.T) {
	hashEnv(t)
	t.Setenv("EMBEDPOOL_POOL_DEVICES", "")
	require.NoError(t, os.Unsetenv("EMBEDPOOL_POOL_DEVICES"))
	t.Setenv("EMBEDPOOL_DEVICES", "")
	require.NoError(t, os.Unsetenv("EMBEDPOOL_DEVICES"))
	t.Setenv("CUDA_VISIBLE_DEVICES", "2,3")

	out, err := execute(t, "", "devices")
	require.NoError(t, err)
	assert.Equal(t, "0\tcuda:0\n1\tcuda:1\n", out)
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestEncoderSpec(t *testing.T) {
	c := config.EncoderConfig{
		Provider:    "tei",
		Model:       "BAAI/bge-base-en-v1.5",
		BaseURL:     "http://tei:8080",
		DeviceURLs:  map[string]string{"cuda:0": "http://tei-0:8080"},
		APIKey:      config.Secret("s3cret"),
		QueryPrompt: "query",
		BatchSize:   32,
	}
	spec := encoderSpec(c)
	assert.Equal(t, "tei", spec.Provider)
	assert.Equal(t, "http://tei-0:8080", spec.DeviceURLs["cuda:0"])
	assert.Equal(t, "s3cret", spec.APIKey)
	assert.Equal(t, 32, spec.BatchSize)

	encoded, err := encoder.MarshalSpec(spec)
	require.NoError(t, err)
	assert.NotContains(t, encoded, "s3cret")
}

func TestReadLines(t *testing.T) {
	lines, err := readLines(strings.NewReader("a\r\n\n b \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", " b "}, lines)

	_, err = readLines(strings.NewReader(strings.Repeat("x", maxLineSize+1)))
	assert.Error(t, err)
}
