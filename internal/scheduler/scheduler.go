// Package scheduler triggers the periodic update check of the daemon.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/schaermu/relsyncd/internal/app"
	"github.com/schaermu/relsyncd/internal/sync"
)

// Poller is the part of the app the scheduler drives
type Poller interface {
	Check(ctx context.Context) app.Result
	Download(ctx context.Context, opts sync.Options) app.Result
}

// Scheduler wraps a gocron scheduler running the poll job
type Scheduler struct {
	scheduler    gocron.Scheduler
	poller       Poller
	autoDownload bool
	logger       *slog.Logger
}

// New creates a scheduler. With autoDownload each poll is a due download,
// which checks first and fetches only when something is pending.
func New(poller Poller, autoDownload bool, logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler:    s,
		poller:       poller,
		autoDownload: autoDownload,
		logger:       logger,
	}, nil
}

// SchedulePoll registers the poll job. The first run starts immediately;
// a run still in progress when the next one is due causes that one to be
// skipped. Returns the job ID.
func (s *Scheduler) SchedulePoll(ctx context.Context, interval time.Duration) (string, error) {
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.poll(ctx) }),
		gocron.WithName("poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create poll job: %w", err)
	}

	s.logger.Info("scheduled update check", "interval", interval, "auto_download", s.autoDownload)
	return job.ID().String(), nil
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler")
	s.scheduler.Start()
}

// Stop shuts the scheduler down and waits for running jobs
func (s *Scheduler) Stop() error {
	s.logger.Info("stopping scheduler")
	return s.scheduler.Shutdown()
}

// poll runs one check. With auto download it runs a due download instead,
// whose own check would otherwise fetch every listing a second time.
func (s *Scheduler) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if s.autoDownload {
		res := s.poller.Download(ctx, sync.Options{})
		if !res.OK {
			s.logger.Error("scheduled download failed", "message", res.Message)
			return
		}
		s.logger.Info("scheduled download complete", "message", res.Message)
		return
	}

	res := s.poller.Check(ctx)
	if !res.OK {
		s.logger.Error("scheduled check failed", "message", res.Message)
		return
	}
	s.logger.Info("scheduled check complete", "message", res.Message)
}
