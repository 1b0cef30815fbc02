// Package app exposes every operator action as a method returning a
// structured result, and runs long actions as background work units.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/release"
	"github.com/schaermu/relsyncd/internal/store"
	"github.com/schaermu/relsyncd/internal/sync"
	"github.com/schaermu/relsyncd/internal/tasks"
	"github.com/schaermu/relsyncd/internal/transfer"
	"github.com/schaermu/relsyncd/internal/upstream"
)

// Result is the outcome of one operator action
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func success(data any, format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...), Data: data}
}

func failure(err error) Result {
	return Result{Message: messageFor(err)}
}

// messageFor turns an error into operator-facing text
func messageFor(err error) string {
	var ue *transfer.UploadError
	switch {
	case errors.Is(err, store.ErrConfigurationMissing):
		return "Sources document is missing. Run 'relsyncd init' to create it."
	case errors.Is(err, store.ErrCorruptState):
		return fmt.Sprintf("A state document is corrupt and was left untouched: %v", err)
	case errors.Is(err, transfer.ErrPathOutsideRoot):
		return "Upload rejected: a selected path is outside the output tree."
	case errors.As(err, &ue):
		return ue.Error()
	default:
		return err.Error()
	}
}

// Deps are the side-effect clients of an App. Nil fields get the
// production implementations.
type Deps struct {
	Client   upstream.Client
	Dialer   transfer.Dialer
	Recorder metrics.Recorder
}

// App wires the engine components together
type App struct {
	cfg          *config.Config
	store        *store.Store
	differ       *release.Differ
	orchestrator *sync.Orchestrator
	interpreter  *tasks.Interpreter
	transfer     *transfer.Manager
	logger       *slog.Logger

	jobs gosync.WaitGroup
	now  func() time.Time
}

// New creates an App for cfg
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*App, error) {
	st, err := store.New(cfg.Paths.ConfigDir, logger)
	if err != nil {
		return nil, err
	}

	client := deps.Client
	if client == nil {
		token, err := cfg.Token()
		if err != nil {
			return nil, err
		}
		client = upstream.NewHTTPClient(upstream.Options{
			Token:   token,
			Timeout: cfg.Upstream.Timeout,
			Retries: cfg.Upstream.Retries,
			Logger:  logger,
		})
	}

	dialer := deps.Dialer
	if dialer == nil {
		dialer = transfer.FTPDialer{Timeout: cfg.Transfer.Timeout}
	}

	rec := metrics.OrNoop(deps.Recorder)
	differ := release.NewDiffer(st, client, cfg.Upstream.SecondaryAssetSources, logger).WithRecorder(rec)

	return &App{
		cfg:          cfg,
		store:        st,
		differ:       differ,
		orchestrator: sync.NewOrchestrator(cfg, st, differ, client, logger).WithRecorder(rec),
		interpreter:  tasks.New(cfg.OutputDir(), logger).WithRecorder(rec),
		transfer: transfer.NewManager(dialer, transfer.Options{
			Attempts:   cfg.Transfer.Attempts,
			RetryDelay: cfg.Transfer.RetryDelay,
		}, logger).WithRecorder(rec),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Store returns the state store the app operates on
func (a *App) Store() *store.Store {
	return a.store
}

// Go runs fn as a background work unit and returns its job id. The outcome
// is only logged.
func (a *App) Go(ctx context.Context, name string, fn func(context.Context) Result) string {
	id := uuid.NewString()
	logger := a.logger.With("job", name, "job_id", id)

	a.jobs.Add(1)
	go func() {
		defer a.jobs.Done()

		logger.Info("job started")
		start := time.Now()
		res := fn(ctx)
		if res.OK {
			logger.Info("job finished", "message", res.Message, "duration", time.Since(start))
		} else {
			logger.Error("job failed", "message", res.Message, "duration", time.Since(start))
		}
	}()

	return id
}

// Wait blocks until every work unit launched with Go has finished
func (a *App) Wait() {
	a.jobs.Wait()
}
