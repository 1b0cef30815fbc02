// Package sync fetches every catalog artifact into a staging area and
// promotes it over the live output tree only when all fetches succeeded.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/relsyncd/internal/archive"
	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/release"
	"github.com/schaermu/relsyncd/internal/store"
	"github.com/schaermu/relsyncd/internal/tree"
	"github.com/schaermu/relsyncd/internal/upstream"
)

// ErrPartialBatch is returned when at least one entry failed to fetch. The
// live tree and the catalog are left as they were.
var ErrPartialBatch = errors.New("download batch incomplete")

// Orchestrator runs staged downloads
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	differ   *release.Differ
	client   upstream.Client
	logger   *slog.Logger
	recorder metrics.Recorder
	now      func() time.Time
}

// NewOrchestrator creates a new download orchestrator
func NewOrchestrator(cfg *config.Config, st *store.Store, differ *release.Differ, client upstream.Client, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		differ:   differ,
		client:   client,
		logger:   logger,
		recorder: metrics.NoopRecorder{},
		now:      time.Now,
	}
}

// WithRecorder sets the metrics recorder
func (o *Orchestrator) WithRecorder(r metrics.Recorder) *Orchestrator {
	o.recorder = metrics.OrNoop(r)
	return o
}

// Run executes one download run. Without Force it first runs a release
// check and returns early when nothing is pending.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Report, error) {
	o.logger.Info("starting download run", "force", opts.Force, "dry_run", opts.DryRun)

	if !opts.Force {
		res, err := o.differ.Check(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check for updates: %w", err)
		}
		if !res.AnyPending {
			o.logger.Info("no pending sources, nothing to download")
			o.recorder.IncDownloadOutcome("noop")
			return &Report{DryRun: opts.DryRun}, nil
		}
	}

	doc, err := o.store.Sources()
	if err != nil {
		return nil, err
	}

	plan := o.buildPlan(doc)
	o.logger.Info("download plan", "entries", len(plan.Items))

	if len(plan.Items) == 0 {
		o.logger.Info("catalog is empty, keeping current output tree")
		o.recorder.IncDownloadOutcome("noop")
		return &Report{DryRun: opts.DryRun}, nil
	}

	if opts.DryRun {
		o.logPlanDetails(plan)
		o.logger.Info("dry-run complete, nothing fetched")
		return &Report{DryRun: true}, nil
	}

	start := o.now()
	report, err := o.execute(ctx, plan)
	o.recorder.ObserveDownloadDuration(o.now().Sub(start))
	if err != nil {
		o.recorder.IncDownloadOutcome("failed")
		return report, err
	}

	o.recorder.IncDownloadOutcome("success")
	o.logger.Info("download run completed successfully", "entries", len(report.Entries))
	return report, nil
}

// buildPlan lists every catalog entry; promotion replaces the whole tree
// so entries that are not pending are fetched too
func (o *Orchestrator) buildPlan(doc *store.Sources) *Plan {
	plan := &Plan{Items: make([]PlanItem, 0, len(doc.Entries))}
	for _, name := range doc.Names() {
		src := doc.Entries[name]
		plan.Items = append(plan.Items, PlanItem{
			Name:     name,
			URL:      src.URL,
			Direct:   src.IsDirectArchive(),
			Subpath:  src.Subpath,
			Selector: o.differ.SelectorFor(name, src),
		})
	}
	return plan
}

func (o *Orchestrator) execute(ctx context.Context, plan *Plan) (*Report, error) {
	staging := o.cfg.StagingDir()

	// a leftover staging dir belongs to a crashed run
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("failed to clear stale staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	report := &Report{Entries: make([]EntryReport, 0, len(plan.Items))}
	for _, item := range plan.Items {
		entry := o.fetch(ctx, item, staging)
		if entry.OK {
			o.logger.Info("staged source", "source", item.Name, "files", entry.Files, "applied", entry.Applied)
		} else {
			o.logger.Error("failed to stage source", "source", item.Name, "error", entry.Err)
		}
		report.Entries = append(report.Entries, entry)
	}

	if failed := report.Failed(); len(failed) > 0 {
		o.discard(staging)
		names := make([]string, 0, len(failed))
		for _, f := range failed {
			names = append(names, f.Name)
		}
		return report, fmt.Errorf("%w: %d of %d sources failed (%s)",
			ErrPartialBatch, len(failed), len(report.Entries), strings.Join(names, ", "))
	}

	if err := promote(staging, o.cfg.OutputDir()); err != nil {
		o.discard(staging)
		return report, fmt.Errorf("failed to promote staging directory: %w", err)
	}
	report.Promoted = true

	if err := o.commit(plan, report); err != nil {
		return report, fmt.Errorf("output tree updated but failed to record applied releases: %w", err)
	}
	return report, nil
}

// fetch downloads one entry into the input area and extracts it into staging
func (o *Orchestrator) fetch(ctx context.Context, item PlanItem, staging string) EntryReport {
	entry := EntryReport{Name: item.Name}

	fail := func(err error) EntryReport {
		entry.Err = err
		return entry
	}

	target, err := tree.Resolve(staging, item.Subpath)
	if err != nil {
		return fail(fmt.Errorf("invalid subpath: %w", err))
	}
	inputDir, err := tree.Resolve(o.cfg.InputDir(), item.Name)
	if err != nil || inputDir == filepath.Clean(o.cfg.InputDir()) {
		return fail(fmt.Errorf("source name %q is not usable as a directory name", item.Name))
	}
	if err := tree.ClearDir(inputDir); err != nil {
		return fail(fmt.Errorf("failed to prepare input directory: %w", err))
	}

	var downloadURL, fileName, applied string
	if item.Direct {
		downloadURL = item.URL
		fileName = fileNameFromURL(item.URL)
		applied = release.FormatTimestamp(o.now())
	} else {
		res, err := o.differ.Resolve(ctx, item.URL, item.Selector)
		if err != nil {
			return fail(err)
		}
		downloadURL = res.Asset.DownloadURL
		fileName = filepath.Base(res.Asset.Name)
		applied = res.Timestamp
	}
	if fileName == "" || fileName == "." || fileName == "/" {
		return fail(fmt.Errorf("cannot derive a file name from %s", downloadURL))
	}

	artifact := filepath.Join(inputDir, fileName)
	if err := o.client.Download(ctx, downloadURL, artifact); err != nil {
		return fail(fmt.Errorf("%w: %w", release.ErrUpstreamUnavailable, err))
	}

	files, err := archive.Extract(artifact, target)
	if err != nil {
		return fail(fmt.Errorf("failed to extract %s: %w", fileName, err))
	}

	entry.OK = true
	entry.Applied = applied
	entry.Files = len(files)
	return entry
}

// commit records the applied timestamps of a promoted run
func (o *Orchestrator) commit(plan *Plan, report *Report) error {
	urls := make(map[string]string, len(plan.Items))
	for _, item := range plan.Items {
		urls[item.Name] = item.URL
	}

	return o.store.MutateSources(func(doc *store.Sources) error {
		for _, e := range report.Entries {
			src, ok := doc.Entries[e.Name]
			if !ok || src.URL != urls[e.Name] {
				o.logger.Warn("source changed during download, not recording", "source", e.Name)
				continue
			}
			src.DownloadedRelease = e.Applied
			src.LastUpdated = e.Applied
			src.Pending = false
		}
		doc.RefreshHighlights()
		return nil
	})
}

func (o *Orchestrator) discard(staging string) {
	if err := os.RemoveAll(staging); err != nil {
		o.logger.Warn("failed to remove staging directory", "path", staging, "error", err)
	}
}

// logPlanDetails logs detailed plan information for dry-run
func (o *Orchestrator) logPlanDetails(plan *Plan) {
	for _, item := range plan.Items {
		if item.Direct {
			o.logger.Info("[dry-run] would download archive", "source", item.Name, "url", item.URL, "subpath", item.Subpath)
			continue
		}
		o.logger.Info("[dry-run] would download release asset", "source", item.Name, "url", item.URL,
			"selector", item.Selector.String(), "subpath", item.Subpath)
	}
}

// promote swaps staging into place of live. The previous tree is moved
// aside first and restored if the swap fails.
func promote(staging, live string) error {
	previous := live + ".previous"
	if err := os.RemoveAll(previous); err != nil {
		return fmt.Errorf("failed to clear %s: %w", previous, err)
	}

	hadLive := true
	if err := os.Rename(live, previous); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to move current tree aside: %w", err)
		}
		hadLive = false
	}

	if err := os.Rename(staging, live); err != nil {
		if hadLive {
			if rerr := os.Rename(previous, live); rerr != nil {
				return fmt.Errorf("failed to move staging into place: %w (restore also failed: %v)", err, rerr)
			}
		}
		return fmt.Errorf("failed to move staging into place: %w", err)
	}

	if hadLive {
		// the new tree is live; a leftover backup is cleared by the next run
		_ = os.RemoveAll(previous)
	}
	return nil
}

// fileNameFromURL returns the last path segment of a URL
func fileNameFromURL(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}
