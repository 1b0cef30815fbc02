// Package server implements the HTTP surface of the daemon: GitHub release
// webhooks, Prometheus metrics and a health check.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	gosync "sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/schaermu/relsyncd/internal/app"
	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/sync"
)

const defaultDebounce = 2 * time.Second

// Runner is the part of the app the server drives
type Runner interface {
	Check(ctx context.Context) app.Result
	Download(ctx context.Context, opts sync.Options) app.Result
	RunTasks(ctx context.Context, clearInput bool) app.Result
	Package() app.Result
	Go(ctx context.Context, name string, fn func(context.Context) app.Result) string
}

// Server serves the daemon endpoints and coalesces triggered runs
type Server struct {
	cfg      *config.Config
	runner   Runner
	metrics  http.Handler
	logger   *slog.Logger
	recorder metrics.Recorder
	secret   []byte

	runMu    gosync.Mutex // guards running and pending
	running  bool         // whether a run is in progress
	pending  bool         // whether another run is needed after the current one
	debounce *debouncer
}

// debouncer delays a callback until triggers stop arriving
type debouncer struct {
	mu       gosync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a server. Without a configured webhook secret the
// webhook endpoint is not mounted. metricsHandler may be nil.
func NewServer(cfg *config.Config, runner Runner, metricsHandler http.Handler, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		runner:   runner,
		metrics:  metricsHandler,
		logger:   logger,
		recorder: metrics.NoopRecorder{},
		debounce: &debouncer{delay: defaultDebounce},
	}

	if cfg.Serve.GitHubWebhookSecretFile != "" {
		secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
		}
	}

	return s, nil
}

// WithRecorder sets the metrics recorder
func (s *Server) WithRecorder(r metrics.Recorder) *Server {
	s.recorder = metrics.OrNoop(r)
	return s
}

// Handler returns the router serving all endpoints
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintln(w, "ok")
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if len(s.secret) > 0 {
		r.Post("/webhook", s.handleWebhook)
	} else {
		s.logger.Warn("no webhook secret configured, webhook endpoint disabled")
	}
	if s.cfg.Serve.EnableActions {
		r.Mount("/actions", s.actionsRouter())
	}

	return r
}

// logRequests logs every request at debug level
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// Serve serves on l until ctx is cancelled
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", l.Addr().String())
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Trigger schedules a debounced run. Triggers arriving within the debounce
// window collapse into one run.
func (s *Server) Trigger(ctx context.Context, reason string) {
	s.logger.Info("run requested", "reason", reason)
	s.debounce.trigger(func() {
		s.performRun(ctx)
	})
}

// performRun checks for updates, or downloads them when auto download is
// enabled, with single-flight semantics: while a run is in progress at most
// one more run is queued.
func (s *Server) performRun(ctx context.Context) {
	s.runMu.Lock()
	if s.running {
		s.pending = true
		s.runMu.Unlock()
		s.logger.Info("run already in progress, queuing pending re-run")
		return
	}
	s.running = true
	s.runMu.Unlock()

	for {
		s.runOnce(ctx)

		s.runMu.Lock()
		if !s.pending {
			s.running = false
			s.runMu.Unlock()
			break
		}
		s.pending = false
		s.runMu.Unlock()

		s.logger.Info("re-running due to pending request")
	}
}

// runOnce checks for updates, or with auto download runs a due download,
// which checks on its own first
func (s *Server) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if s.cfg.Poll.AutoDownload {
		res := s.runner.Download(ctx, sync.Options{})
		if !res.OK {
			s.logger.Error("triggered download failed", "message", res.Message)
			return
		}
		s.logger.Info("triggered download complete", "message", res.Message)
		return
	}

	res := s.runner.Check(ctx)
	if !res.OK {
		s.logger.Error("triggered check failed", "message", res.Message)
		return
	}
	s.logger.Info("triggered check complete", "message", res.Message)
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
