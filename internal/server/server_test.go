package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schaermu/relsyncd/internal/app"
	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/sync"
)

const testSecret = "test-secret-key"

// mockRunner counts triggered runs. When proceed is set, Check blocks until
// it is closed.
type mockRunner struct {
	checks    atomic.Int32
	downloads atomic.Int32
	forced    atomic.Int32
	taskRuns  atomic.Int32
	packages  atomic.Int32
	jobs      atomic.Int32
	started   chan struct{}
	proceed   chan struct{}
	once      gosync.Once
}

func (m *mockRunner) Check(context.Context) app.Result {
	m.checks.Add(1)
	if m.started != nil {
		m.once.Do(func() { close(m.started) })
	}
	if m.proceed != nil {
		<-m.proceed
	}
	return app.Result{OK: true, Message: "checked"}
}

func (m *mockRunner) Download(_ context.Context, opts sync.Options) app.Result {
	m.downloads.Add(1)
	if opts.Force {
		m.forced.Add(1)
	}
	return app.Result{OK: true, Message: "downloaded"}
}

func (m *mockRunner) RunTasks(_ context.Context, clearInput bool) app.Result {
	m.taskRuns.Add(1)
	return app.Result{OK: true, Message: "tasks ran"}
}

func (m *mockRunner) Package() app.Result {
	m.packages.Add(1)
	return app.Result{OK: true, Message: "packaged"}
}

func (m *mockRunner) Go(ctx context.Context, name string, fn func(context.Context) app.Result) string {
	m.jobs.Add(1)
	go fn(ctx)
	return "job-" + name
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	secretPath := filepath.Join(t.TempDir(), "webhook_secret")
	if err := os.WriteFile(secretPath, []byte(testSecret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	return &config.Config{
		Poll: config.PollConfig{AutoDownload: true},
		Serve: config.ServeConfig{
			ListenAddr:              "127.0.0.1:8787",
			GitHubWebhookSecretFile: secretPath,
			AllowedEventTypes:       []string{"release"},
			AllowedActions:          []string{"published", "released"},
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, runner Runner) *Server {
	t.Helper()
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("relsyncd_up 1\n"))
	})
	s, err := NewServer(cfg, runner, metricsHandler, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	s.debounce.delay = 10 * time.Millisecond
	return s
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(body []byte, event, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", signature)
	return req
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewServer_SecretFile(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = "/nonexistent/secret"
	if _, err := NewServer(cfg, &mockRunner{}, nil, testLogger()); err == nil {
		t.Error("expected error for missing secret file")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Serve.GitHubWebhookSecretFile = empty
	if _, err := NewServer(cfg, &mockRunner{}, nil, testLogger()); err == nil {
		t.Error("expected error for empty secret file")
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, setupTestConfig(t), &mockRunner{})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "relsyncd_up") {
		t.Errorf("metrics body = %q", rec.Body.String())
	}
}

func TestHandler_WebhookDisabledWithoutSecret(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = ""
	s := newTestServer(t, cfg, &mockRunner{})

	body := []byte(`{"action":"published"}`)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, webhookRequest(body, "release", computeSignature(body, testSecret)))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestVerifySignature(t *testing.T) {
	s := newTestServer(t, setupTestConfig(t), &mockRunner{})
	body := []byte(`{"action":"published"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{name: "valid", signature: computeSignature(body, testSecret), want: true},
		{name: "wrong secret", signature: computeSignature(body, "other"), want: false},
		{name: "missing prefix", signature: strings.TrimPrefix(computeSignature(body, testSecret), "sha256="), want: false},
		{name: "empty", signature: "", want: false},
		{name: "prefix only", signature: "sha256=", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.verifySignature(body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleWebhook(t *testing.T) {
	release := []byte(`{"action":"published","release":{"tag_name":"1.7.1"},"repository":{"full_name":"Atmosphere-NX/Atmosphere"}}`)
	edited := []byte(`{"action":"edited","release":{"tag_name":"1.7.1"}}`)

	tests := []struct {
		name        string
		method      string
		contentType string
		event       string
		body        []byte
		signature   string
		wantStatus  int
		wantBody    string
		wantRun     bool
	}{
		{
			name: "valid release", method: http.MethodPost, contentType: "application/json", event: "release",
			body: release, signature: computeSignature(release, testSecret),
			wantStatus: http.StatusOK, wantBody: "Check triggered", wantRun: true,
		},
		{
			name: "invalid method", method: http.MethodGet, contentType: "application/json", event: "release",
			body: release, signature: computeSignature(release, testSecret),
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name: "invalid content type", method: http.MethodPost, contentType: "text/plain", event: "release",
			body: release, signature: computeSignature(release, testSecret),
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "invalid signature", method: http.MethodPost, contentType: "application/json", event: "release",
			body: release, signature: computeSignature(release, "wrong"),
			wantStatus: http.StatusForbidden,
		},
		{
			name: "ping", method: http.MethodPost, contentType: "application/json", event: "ping",
			body: release, signature: computeSignature(release, testSecret),
			wantStatus: http.StatusOK, wantBody: "pong",
		},
		{
			name: "disallowed event", method: http.MethodPost, contentType: "application/json", event: "push",
			body: release, signature: computeSignature(release, testSecret),
			wantStatus: http.StatusOK, wantBody: "Event type not configured",
		},
		{
			name: "disallowed action", method: http.MethodPost, contentType: "application/json", event: "release",
			body: edited, signature: computeSignature(edited, testSecret),
			wantStatus: http.StatusOK, wantBody: "Action not configured",
		},
		{
			name: "malformed payload", method: http.MethodPost, contentType: "application/json", event: "release",
			body: []byte(`{`), signature: computeSignature([]byte(`{`), testSecret),
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{}
			s := newTestServer(t, setupTestConfig(t), runner)

			req := webhookRequest(tt.body, tt.event, tt.signature)
			req.Method = tt.method
			req.Header.Set("Content-Type", tt.contentType)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}

			if tt.wantRun {
				waitFor(t, "triggered download", func() bool { return runner.downloads.Load() == 1 })
				// the due download checks on its own
				if got := runner.checks.Load(); got != 0 {
					t.Errorf("checks = %d, want 0", got)
				}
				return
			}

			time.Sleep(50 * time.Millisecond)
			if got := runner.checks.Load() + runner.downloads.Load(); got != 0 {
				t.Errorf("expected no run, got %d", got)
			}
		})
	}
}

func TestTrigger_WithoutAutoDownloadOnlyChecks(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.Poll.AutoDownload = false
	runner := &mockRunner{}
	s := newTestServer(t, cfg, runner)

	s.Trigger(context.Background(), "sources edited")

	waitFor(t, "triggered check", func() bool { return runner.checks.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := runner.downloads.Load(); got != 0 {
		t.Errorf("downloads = %d, want 0", got)
	}
}

func TestDebouncer(t *testing.T) {
	d := &debouncer{delay: 50 * time.Millisecond}

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		d.trigger(func() { count.Add(1) })
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("expected callback to be called once, got %d", got)
	}
}

// TestPerformRun_SingleFlight verifies that at most one run is in progress
// and at most one additional run is queued.
func TestPerformRun_SingleFlight(t *testing.T) {
	runner := &mockRunner{started: make(chan struct{}), proceed: make(chan struct{})}
	cfg := setupTestConfig(t)
	cfg.Poll.AutoDownload = false
	s := newTestServer(t, cfg, runner)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.performRun(ctx)
	}()
	<-runner.started

	var wg gosync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.performRun(ctx)
		}()
	}
	wg.Wait()

	s.runMu.Lock()
	pending := s.pending
	s.runMu.Unlock()
	if !pending {
		t.Error("expected a pending run after concurrent triggers")
	}

	close(runner.proceed)
	<-done

	if got := runner.checks.Load(); got != 2 {
		t.Errorf("checks = %d, want 2", got)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running || s.pending {
		t.Errorf("expected idle server, running=%v pending=%v", s.running, s.pending)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, setupTestConfig(t), &mockRunner{})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, l) }()

	url := "http://" + l.Addr().String() + "/healthz"
	waitFor(t, "server to answer", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestActions(t *testing.T) {
	cfg := setupTestConfig(t)
	runner := &mockRunner{}
	h := newTestServer(t, cfg, runner).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/actions/check", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected actions to be disabled by default, got %d", rec.Code)
	}

	cfg.Serve.EnableActions = true
	h = newTestServer(t, cfg, runner).Handler()

	for _, path := range []string{"/actions/check", "/actions/download?force=true", "/actions/tasks/run", "/actions/package"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))

		if rec.Code != http.StatusAccepted {
			t.Fatalf("%s: status = %d, want 202", path, rec.Code)
		}
		var resp jobResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: invalid response: %v", path, err)
		}
		if resp.JobID == "" {
			t.Errorf("%s: missing job id", path)
		}
	}

	waitFor(t, "launched jobs", func() bool {
		return runner.checks.Load() == 1 && runner.forced.Load() == 1 &&
			runner.taskRuns.Load() == 1 && runner.packages.Load() == 1
	})
	if got := runner.jobs.Load(); got != 4 {
		t.Errorf("jobs = %d, want 4", got)
	}
}
