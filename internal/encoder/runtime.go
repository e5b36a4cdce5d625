
package encoder

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// DefaultRuntimeVersion is the ONNX runtime release fetched when none is installed.
const DefaultRuntimeVersion = "1.23.0"

// ErrUnsupportedPlatform indicates the current OS/arch is not supported.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

var platformArchives = map[string]map[string]string{
	"linux": {
		"amd64": "linux-x64",
		"arm64": "linux-aarch64",
	},
	"darwin": {
		"amd64": "osx-x86_64",
		"arm64": "osx-arm64",
	},
}

var runtimeLibraries = map[string]string{
	"linux":  "libonnxruntime.so",
	"darwin": "libonnxruntime.dylib",
}

func platformArchive(goos, goarch string) (string, error) {
	archs, ok := platformArchives[goos]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	arch, ok := archs[goarch]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	return arch, nil
}

func runtimeLibrary(goos string) string {
	if name, ok := runtimeLibraries[goos]; ok {
		return name
	}
	return "libonnxruntime.so"
}

// DefaultRuntimeDir returns ~/.config/embedpool/lib.
func DefaultRuntimeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "embedpool", "lib")
}

// RuntimeLibraryPath returns the ONNX runtime library path, checking
// ONNX_PATH first and then dir. Empty when not installed.
func RuntimeLibraryPath(dir string) string {
	if p := os.Getenv(RuntimePathEnv); p != "" {
		return p
	}
	if dir == "" {
		dir = DefaultRuntimeDir()
	}
	p := filepath.Join(dir, runtimeLibrary(runtime.GOOS))
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

const runtimeReleaseURL = "https://github.com/microsoft/onnxruntime/releases/download/v%s/onnxruntime-%s-%s.tgz"

// runtimeDownloadURL is a variable so tests can point it at an httptest server.
var runtimeDownloadURL = func(version, platform string) string {
	return fmt.Sprintf(runtimeReleaseURL, version, platform, version)
}

var setRuntimePathEnv = func(path string) error {
	return os.Setenv(RuntimePathEnv, path)
}

// EnsureRuntime makes the ONNX runtime available under dir, downloading it
// if needed, and exports ONNX_PATH so this process and its children find it.
func EnsureRuntime(ctx context.Context, dir string, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = DefaultRuntimeDir()
	}
	if p := RuntimeLibraryPath(dir); p != "" {
		return p, setRuntimePathEnv(p)
	}

	logger.Info("onnx runtime not found, downloading",
		zap.String("version", DefaultRuntimeVersion),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.String("dir", dir))

	if err := downloadRuntime(ctx, DefaultRuntimeVersion, dir); err != nil {
		return "", fmt.Errorf("downloading onnx runtime (set %s to use an existing install): %w", RuntimePathEnv, err)
	}

	p := RuntimeLibraryPath(dir)
	if p == "" {
		return "", errors.New("onnx runtime download completed but library not found")
	}
	logger.Info("onnx runtime installed", zap.String("path", p))
	return p, setRuntimePathEnv(p)
}

func downloadRuntime(ctx context.Context, version, destDir string) error {
	platform, err := platformArchive(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(destDir, 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, runtimeDownloadURL(version, platform), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	if err := extractRuntime(resp.Body, destDir, fmt.Sprintf("onnxruntime-%s-%s/lib/", platform, version), runtimeLibrary(runtime.GOOS)); err != nil {
		return fmt.Errorf("extracting archive: %w", err)
	}
	return nil
}

// extractRuntime copies every file under prefix in the tarball into destDir,
// flattening paths and preserving symlinks.
func extractRuntime(r io.Reader, destDir, prefix, libName string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	found := false

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}

		name := strings.TrimPrefix(header.Name, "./")
		if !strings.HasPrefix(name, prefix) || header.Typeflag == tar.TypeDir {
			continue
		}

		filename := filepath.Base(name)
		dest := filepath.Join(destDir, filename)

		if header.Typeflag == tar.TypeSymlink {
			_ = os.Remove(dest)
			if err := os.Symlink(header.Linkname, dest); err != nil {
				continue
			}
			if filename == libName {
				found = true
			}
			continue
		}

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", filename, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("writing file %s: %w", filename, err)
		}
		out.Close()

		if filename == libName || strings.HasPrefix(filename, libName+".") {
			found = true
		}
	}

	if !found {
		return fmt.Errorf("library %s not found in archive", libName)
	}
	return nil
}
