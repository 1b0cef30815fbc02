package store

import (
	"path"
	"sort"
	"strconv"
	"strings"
)

// Document names a persisted document inside the config directory
type Document string

const (
	SourcesDocument Document = "sources.json"
	TasksDocument   Document = "tasks.json"
	DevicesDocument Document = "devices.json"
)

// Sources is the catalog of tracked release artifacts
type Sources struct {
	LastChecked string             `json:"last_checked,omitempty"`
	Entries     map[string]*Source `json:"sources"`
}

// Source is one named catalog entry
type Source struct {
	URL               string `json:"url"`
	LastUpdated       string `json:"last_updated,omitempty"`       // last known upstream timestamp
	DownloadedRelease string `json:"downloaded_release,omitempty"` // last applied timestamp
	Pending           bool   `json:"pending"`
	Highlight         bool   `json:"highlight,omitempty"`
	AssetIndex        *int   `json:"asset_index,omitempty"`
	AssetName         string `json:"asset_name,omitempty"`
	Subpath           string `json:"subpath,omitempty"`
}

// IsDirectArchive reports whether the origin is a direct archive link rather
// than a release-listing endpoint
func (s *Source) IsDirectArchive() bool {
	return IsDirectArchiveURL(s.URL)
}

// IsDirectArchiveURL reports whether url points straight at a .zip or .7z file
func IsDirectArchiveURL(url string) bool {
	u := strings.ToLower(url)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := path.Ext(u)
	return ext == ".zip" || ext == ".7z"
}

// Names returns the entry names in sorted order
func (s *Sources) Names() []string {
	names := make([]string, 0, len(s.Entries))
	for name := range s.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RefreshHighlights sets highlight on every pending entry and clears it elsewhere
func (s *Sources) RefreshHighlights() {
	for _, src := range s.Entries {
		src.Highlight = src.Pending
	}
}

// Tasks maps 1-based sequence positions to command lines
type Tasks map[string]string

// Task is one positioned command line
type Task struct {
	Index   int
	Command string
}

// Ordered returns the tasks sorted by sequence position. Keys that are not
// positive integers are skipped.
func (t Tasks) Ordered() []Task {
	ordered := make([]Task, 0, len(t))
	for key, command := range t {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 1 {
			continue
		}
		ordered = append(ordered, Task{Index: idx, Command: command})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	return ordered
}

// Device is a transfer target
type Device struct {
	Name     string            `json:"name"`
	Model    string            `json:"model,omitempty"`
	Versions map[string]string `json:"versions,omitempty"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Username string            `json:"username"`
	Password string            `json:"password"`
}
