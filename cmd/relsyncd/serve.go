package main

import (
	"fmt"
	"net"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/schaermu/relsyncd/internal/activation"
	"github.com/schaermu/relsyncd/internal/app"
	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/scheduler"
	"github.com/schaermu/relsyncd/internal/server"
	"github.com/schaermu/relsyncd/internal/store"
)

var socketName string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the update daemon",
	Long: `Serve runs the periodic update check, accepts GitHub release webhooks and
exposes Prometheus metrics on /metrics.

When started through a systemd socket unit the inherited socket is used;
otherwise the server listens on serve.listen_addr.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&socketName, "socket-name", "", "name of the systemd socket to serve on (default: the first)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	listener, err := serveListener(cfg)
	if err != nil {
		return err
	}

	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(reg)

	a, err := app.New(cfg, app.Deps{Recorder: recorder}, logger)
	if err != nil {
		_ = listener.Close()
		return err
	}

	srv, err := server.NewServer(cfg, a, metrics.HTTPHandler(reg), logger)
	if err != nil {
		_ = listener.Close()
		return err
	}
	srv.WithRecorder(recorder)

	sched, err := scheduler.New(a, cfg.Poll.AutoDownload, logger)
	if err != nil {
		_ = listener.Close()
		return err
	}
	if _, err := sched.SchedulePoll(ctx, cfg.Poll.Interval); err != nil {
		_ = listener.Close()
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("failed to stop scheduler", "error", err)
		}
	}()

	if cfg.Serve.WatchSources {
		if err := a.Store().Watch(ctx, store.SourcesDocument, func() {
			srv.Trigger(ctx, "sources document edited")
		}); err != nil {
			logger.Warn("sources document watch disabled", "error", err)
		}
	}

	err = srv.Serve(ctx, listener)

	logger.Info("waiting for running jobs to finish")
	a.Wait()
	return err
}

// serveListener returns the systemd-activated socket if there is one, or
// listens on serve.listen_addr
func serveListener(cfg *config.Config) (net.Listener, error) {
	sockets, err := activation.Sockets()
	if err != nil {
		return nil, fmt.Errorf("failed to read socket activation: %w", err)
	}
	if sockets != nil {
		return activation.Select(sockets, socketName)
	}

	if err := cfg.ValidateServe(); err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", cfg.Serve.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Serve.ListenAddr, err)
	}
	return l, nil
}
