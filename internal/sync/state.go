package sync

import "github.com/schaermu/relsyncd/internal/release"

// Options control a download run
type Options struct {
	Force  bool // fetch even when the differ reports nothing pending
	DryRun bool // log the plan and fetch nothing
}

// Plan lists the catalog entries a run will fetch
type Plan struct {
	Items []PlanItem
}

// PlanItem is one entry to fetch into the staging area
type PlanItem struct {
	Name     string
	URL      string
	Direct   bool   // direct archive link rather than a release listing
	Subpath  string // extraction target inside the tree
	Selector release.Selector
}

// EntryReport records the fetch outcome of one entry
type EntryReport struct {
	Name    string
	OK      bool
	Applied string // timestamp recorded as applied on success
	Files   int
	Err     error
}

// Report summarizes a download run
type Report struct {
	Entries  []EntryReport
	Promoted bool
	DryRun   bool
}

// Failed returns the entries whose fetch failed
func (r *Report) Failed() []EntryReport {
	var failed []EntryReport
	for _, e := range r.Entries {
		if !e.OK {
			failed = append(failed, e)
		}
	}
	return failed
}
