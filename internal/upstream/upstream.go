// Package upstream talks to release-listing endpoints and downloads
// release artifacts.
package upstream

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyResponse is returned when an endpoint answers with no body
	ErrEmptyResponse = errors.New("empty response")
	// ErrMalformedResponse is returned when a release listing cannot be parsed
	ErrMalformedResponse = errors.New("malformed release listing")
)

// Release is one entry of a GitHub-style release listing
type Release struct {
	TagName     string  `json:"tag_name"`
	Name        string  `json:"name"`
	PublishedAt string  `json:"published_at"`
	Assets      []Asset `json:"assets"`
}

// Asset is a downloadable file attached to a release
type Asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
	UpdatedAt   string `json:"updated_at"`
	Size        int64  `json:"size"`
}

// Client fetches release metadata and artifacts
type Client interface {
	// Releases returns the release listing at url, newest first
	Releases(ctx context.Context, url string) ([]Release, error)
	// Download streams url into the file at dest
	Download(ctx context.Context, url, dest string) error
}

// HTTPError represents a non-success HTTP response
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}
