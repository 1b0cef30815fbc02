package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/schaermu/relsyncd/internal/store"
	"github.com/schaermu/relsyncd/internal/sync"
)

// NamedSource is a catalog entry together with its name
type NamedSource struct {
	Name string `json:"name"`
	store.Source
}

// SourceEdit lists the fields to change on an entry; nil fields are kept
type SourceEdit struct {
	NewName    string
	URL        *string
	AssetName  *string
	AssetIndex *int
	Subpath    *string
	Pending    *bool
}

// Init creates an empty sources document if none exists
func (a *App) Init() Result {
	created, err := a.store.Init()
	if err != nil {
		return failure(err)
	}
	if !created {
		return success(nil, "Sources document already exists at %s", a.store.Path(store.SourcesDocument))
	}
	return success(nil, "Created %s", a.store.Path(store.SourcesDocument))
}

// ListSources returns the catalog in name order
func (a *App) ListSources() Result {
	doc, err := a.store.Sources()
	if err != nil {
		return failure(err)
	}

	list := make([]NamedSource, 0, len(doc.Entries))
	for _, name := range doc.Names() {
		list = append(list, NamedSource{Name: name, Source: *doc.Entries[name]})
	}
	return success(list, "%d source(s), last checked %s", len(list), lastChecked(doc))
}

func lastChecked(doc *store.Sources) string {
	if doc.LastChecked == "" {
		return "never"
	}
	return doc.LastChecked
}

// AddSource adds a new catalog entry. Release-listing entries are probed
// for their current upstream timestamp first. New entries start pending.
func (a *App) AddSource(ctx context.Context, name string, src store.Source) Result {
	name = strings.TrimSpace(name)
	src.URL = strings.TrimSpace(src.URL)
	if name == "" || src.URL == "" {
		return failure(fmt.Errorf("a source needs a name and a url"))
	}

	doc, err := a.store.Sources()
	if err != nil {
		return failure(err)
	}
	if _, taken := doc.Entries[name]; taken {
		return failure(fmt.Errorf("source %q: %w", name, store.ErrExists))
	}

	ts, err := a.differ.Probe(ctx, name, &src)
	if err != nil {
		return failure(fmt.Errorf("unable to add %s: %w", name, err))
	}

	src.LastUpdated = ts
	src.DownloadedRelease = ""
	src.Pending = true
	if err := a.store.AddSource(name, src); err != nil {
		return failure(err)
	}

	a.logger.Info("source added", "source", name, "url", src.URL, "last_updated", ts)
	return success(NamedSource{Name: name, Source: src}, "Source %s added", name)
}

// EditSource renames an entry or changes its origin. Changing the url or
// the asset selector re-probes the entry and marks it pending.
func (a *App) EditSource(ctx context.Context, name string, edit SourceEdit) Result {
	doc, err := a.store.Sources()
	if err != nil {
		return failure(err)
	}
	current, ok := doc.Entries[name]
	if !ok {
		return failure(fmt.Errorf("source %q: %w", name, store.ErrNotFound))
	}

	// next is a working copy; only edited fields are written back
	next := *current
	originChanged := false
	if edit.URL != nil && strings.TrimSpace(*edit.URL) != next.URL {
		next.URL = strings.TrimSpace(*edit.URL)
		originChanged = true
	}
	if edit.AssetName != nil && *edit.AssetName != next.AssetName {
		next.AssetName = *edit.AssetName
		originChanged = true
	}
	if edit.AssetIndex != nil {
		idx := *edit.AssetIndex
		if idx < 0 {
			next.AssetIndex = nil
		} else {
			next.AssetIndex = &idx
		}
		originChanged = true
	}

	newName := name
	if n := strings.TrimSpace(edit.NewName); n != "" {
		newName = n
	}
	var ts string
	if originChanged {
		ts, err = a.differ.Probe(ctx, newName, &next)
		if err != nil {
			return failure(fmt.Errorf("unable to update %s: %w", name, err))
		}
	}

	var updated store.Source
	if err := a.store.EditSource(name, edit.NewName, func(src *store.Source) {
		if edit.URL != nil {
			src.URL = next.URL
		}
		if edit.AssetName != nil {
			src.AssetName = next.AssetName
		}
		if edit.AssetIndex != nil {
			src.AssetIndex = next.AssetIndex
		}
		if edit.Subpath != nil {
			src.Subpath = *edit.Subpath
		}
		if edit.Pending != nil {
			src.Pending = *edit.Pending
		}
		if originChanged {
			src.LastUpdated = ts
			src.DownloadedRelease = ""
			src.Pending = true
		}
		updated = *src
	}); err != nil {
		return failure(err)
	}
	updated.Highlight = updated.Pending

	a.logger.Info("source updated", "source", newName, "origin_changed", originChanged)
	return success(NamedSource{Name: newName, Source: updated}, "Source %s updated", newName)
}

// DeleteSource removes a catalog entry
func (a *App) DeleteSource(name string) Result {
	if err := a.store.DeleteSource(name); err != nil {
		return failure(err)
	}
	a.logger.Info("source deleted", "source", name)
	return success(nil, "Source %s deleted", name)
}

// Check polls upstream for every release-listing entry
func (a *App) Check(ctx context.Context) Result {
	res, err := a.differ.Check(ctx)
	if err != nil {
		return failure(err)
	}

	pending := 0
	if doc, err := a.store.Sources(); err == nil {
		for _, src := range doc.Entries {
			if src.Pending {
				pending++
			}
		}
	}

	msg := "Everything is up to date"
	if res.AnyPending {
		msg = fmt.Sprintf("%d source(s) have updates", pending)
	}
	if n := len(res.Unavailable); n > 0 {
		msg = fmt.Sprintf("%s, %d source(s) could not be checked", msg, n)
	}
	return success(res, "%s", msg)
}

// Download runs the staged download orchestrator
func (a *App) Download(ctx context.Context, opts sync.Options) Result {
	report, err := a.orchestrator.Run(ctx, opts)
	if err != nil {
		return Result{Message: messageFor(err), Data: report}
	}

	switch {
	case report.DryRun:
		return success(report, "Dry run complete, nothing was downloaded")
	case !report.Promoted:
		return success(report, "Nothing to download")
	default:
		return success(report, "Downloaded %d source(s)", len(report.Entries))
	}
}
