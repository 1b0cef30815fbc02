// Package release decides which catalog entries have newer upstream
// artifacts than the ones last applied.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/store"
	"github.com/schaermu/relsyncd/internal/upstream"
)

// ErrUpstreamUnavailable marks a recoverable per-entry failure: the listing
// could not be fetched or parsed, or held no usable asset
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Resolved is the asset an entry currently points at upstream
type Resolved struct {
	Release   string
	Asset     upstream.Asset
	Timestamp string // normalized asset timestamp
}

// Update is the outcome of checking one release-listing entry
type Update struct {
	LastUpdated string
	Pending     bool
}

// Result summarizes one Check run
type Result struct {
	AnyPending  bool
	Updates     map[string]Update
	Unavailable map[string]error
}

// Differ compares upstream release listings against the catalog
type Differ struct {
	store     *store.Store
	client    upstream.Client
	secondary map[string]bool
	logger    *slog.Logger
	recorder  metrics.Recorder
	now       func() time.Time
}

// NewDiffer creates a differ. Entries named in secondary default to the
// second asset of a release instead of the first.
func NewDiffer(st *store.Store, client upstream.Client, secondary []string, logger *slog.Logger) *Differ {
	set := make(map[string]bool, len(secondary))
	for _, name := range secondary {
		set[name] = true
	}
	return &Differ{
		store:     st,
		client:    client,
		secondary: set,
		logger:    logger,
		recorder:  metrics.NoopRecorder{},
		now:       time.Now,
	}
}

// WithRecorder sets the metrics recorder
func (d *Differ) WithRecorder(r metrics.Recorder) *Differ {
	d.recorder = metrics.OrNoop(r)
	return d
}

// SelectorFor returns the asset selector configured for an entry
func (d *Differ) SelectorFor(name string, src *store.Source) Selector {
	switch {
	case src.AssetName != "":
		return Selector{Name: src.AssetName}
	case src.AssetIndex != nil:
		return Selector{Index: *src.AssetIndex}
	case d.secondary[name]:
		return Selector{Index: 1}
	default:
		return Selector{}
	}
}

// Resolve fetches the listing of a release-listing entry and selects its
// current asset. Every failure wraps ErrUpstreamUnavailable.
func (d *Differ) Resolve(ctx context.Context, url string, sel Selector) (*Resolved, error) {
	releases, err := d.client.Releases(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("%w: %w: %s", ErrUpstreamUnavailable, ErrNoRelease, url)
	}

	// listings are newest first
	latest := releases[0]
	asset, err := SelectAsset(latest, sel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	ts, err := NormalizeTimestamp(asset.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: asset %s: %w", ErrUpstreamUnavailable, asset.Name, err)
	}

	return &Resolved{Release: latest.TagName, Asset: asset, Timestamp: ts}, nil
}

// Probe returns the current upstream timestamp for a prospective entry.
// Direct archive links have none and yield "".
func (d *Differ) Probe(ctx context.Context, name string, src *store.Source) (string, error) {
	if src.IsDirectArchive() {
		return "", nil
	}
	res, err := d.Resolve(ctx, src.URL, d.SelectorFor(name, src))
	if err != nil {
		return "", err
	}
	return res.Timestamp, nil
}

// Check polls every release-listing entry and writes the new upstream
// timestamps, pending flags, highlights and the last-checked time back in
// one mutation. Unavailable entries keep their prior state.
func (d *Differ) Check(ctx context.Context) (*Result, error) {
	start := d.now()
	defer func() {
		d.recorder.ObserveCheckDuration(d.now().Sub(start))
	}()

	snapshot, err := d.store.Sources()
	if err != nil {
		return nil, err
	}

	result := &Result{
		Updates:     make(map[string]Update),
		Unavailable: make(map[string]error),
	}

	// origin each update was resolved against
	type origin struct {
		url string
		sel Selector
	}
	origins := make(map[string]origin)

	for _, name := range snapshot.Names() {
		src := snapshot.Entries[name]
		if src.IsDirectArchive() {
			d.recorder.IncSourceCheck(metrics.CheckManual)
			continue
		}

		sel := d.SelectorFor(name, src)
		res, err := d.Resolve(ctx, src.URL, sel)
		if err != nil {
			d.logger.Warn("skipping source, upstream unavailable", "source", name, "error", err)
			d.recorder.IncSourceCheck(metrics.CheckUnavailable)
			result.Unavailable[name] = err
			continue
		}

		result.Updates[name] = Update{LastUpdated: res.Timestamp}
		origins[name] = origin{url: src.URL, sel: sel}
	}

	checkedAt := FormatTimestamp(d.now())
	err = d.store.MutateSources(func(doc *store.Sources) error {
		for name, u := range result.Updates {
			src, ok := doc.Entries[name]
			if !ok || src.URL != origins[name].url || d.SelectorFor(name, src) != origins[name].sel {
				// removed or repointed since the snapshot
				d.logger.Info("source changed during check, result discarded", "source", name)
				delete(result.Updates, name)
				continue
			}
			src.LastUpdated = u.LastUpdated
			src.Pending = src.DownloadedRelease != u.LastUpdated
			result.Updates[name] = Update{LastUpdated: u.LastUpdated, Pending: src.Pending}
		}

		doc.LastChecked = checkedAt
		doc.RefreshHighlights()

		result.AnyPending = false
		for _, src := range doc.Entries {
			if src.Pending {
				result.AnyPending = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record check results: %w", err)
	}

	for name, u := range result.Updates {
		if u.Pending {
			d.recorder.IncSourceCheck(metrics.CheckPending)
			d.logger.Info("newer release available", "source", name, "upstream", u.LastUpdated)
		} else {
			d.recorder.IncSourceCheck(metrics.CheckCurrent)
		}
	}

	d.logger.Info("release check complete",
		"checked", len(result.Updates),
		"unavailable", len(result.Unavailable),
		"any_pending", result.AnyPending)
	return result, nil
}
