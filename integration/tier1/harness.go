//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/relsyncd/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness runs a freshly built relsyncd binary against a local upstream
type Harness struct {
	t        *testing.T
	binary   string
	root     string
	cfgPath  string
	upstream *httptest.Server
	keepDirs bool
}

// NewHarness creates a harness with its own config and downloads directories
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	root, err := os.MkdirTemp("", "relsyncd-tier1-")
	if err != nil {
		t.Fatalf("create work dir: %v", err)
	}
	return &Harness{
		t:        t,
		root:     root,
		cfgPath:  filepath.Join(root, "config.yaml"),
		keepDirs: os.Getenv("INTEGRATION_KEEP_DIRS") == "1",
	}
}

// BuildBinary compiles the relsyncd command into the work directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot := testutil.ProjectPath(h.t)

	h.binary = filepath.Join(h.root, "relsyncd")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/relsyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// ServeUpstream starts an HTTP server answering with the given handlers,
// keyed by request path
func (h *Harness) ServeUpstream(routes map[string]http.HandlerFunc) {
	h.t.Helper()
	mux := http.NewServeMux()
	for p, fn := range routes {
		mux.HandleFunc(p, fn)
	}
	h.upstream = httptest.NewServer(mux)
}

// URL returns the upstream URL of path
func (h *Harness) URL(path string) string {
	return h.upstream.URL + path
}

// WriteConfig writes the relsyncd configuration used by every Run
func (h *Harness) WriteConfig() {
	h.t.Helper()
	content := fmt.Sprintf(`paths:
  config_dir: %s
  downloads_dir: %s

upstream:
  timeout: 10s
  retries: 1

package:
  prefix: AIO
`, h.ConfigDir(), h.DownloadsDir())

	if err := os.WriteFile(h.cfgPath, []byte(content), 0600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// ConfigDir returns the directory holding the state documents
func (h *Harness) ConfigDir() string {
	return filepath.Join(h.root, "config")
}

// DownloadsDir returns the directory holding input, output and packages
func (h *Harness) DownloadsDir() string {
	return filepath.Join(h.root, "downloads")
}

// Cleanup stops the upstream and removes the work directory
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.upstream != nil {
		h.upstream.Close()
	}

	if h.keepDirs && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_DIRS=1, keeping %s", h.root)
		return
	}
	if err := os.RemoveAll(h.root); err != nil {
		h.t.Logf("Warning: failed to remove work dir: %v", err)
	}
}

// Run executes relsyncd with the harness config
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	args = append([]string{"--config", h.cfgPath}, args...)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.root
	cmd.Env = append(os.Environ(), "GITHUB_TOKEN=")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes relsyncd and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// ReadFile reads a file relative to the downloads directory
func (h *Harness) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.DownloadsDir(), filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FileExists checks if a file exists relative to the downloads directory
func (h *Harness) FileExists(rel string) bool {
	info, err := os.Stat(filepath.Join(h.DownloadsDir(), filepath.FromSlash(rel)))
	return err == nil && !info.IsDir()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
