package release

import (
	"errors"
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/schaermu/relsyncd/internal/upstream"
)

// TimestampLayout is the normalized form of every stored timestamp
const TimestampLayout = "2006-01-02 15:04:05"

var (
	// ErrNoRelease is returned when a listing has no releases
	ErrNoRelease = errors.New("no release listed")
	// ErrNoAsset is returned when the selector matches no asset
	ErrNoAsset = errors.New("no matching asset")
)

// Selector picks one asset out of a release. Name takes precedence over
// Index; the zero Selector picks the first asset.
type Selector struct {
	Name  string // glob over asset names
	Index int
}

func (s Selector) String() string {
	if s.Name != "" {
		return fmt.Sprintf("name=%s", s.Name)
	}
	return fmt.Sprintf("index=%d", s.Index)
}

// SelectAsset applies sel to the assets of rel
func SelectAsset(rel upstream.Release, sel Selector) (upstream.Asset, error) {
	if sel.Name != "" {
		g, err := glob.Compile(sel.Name)
		if err != nil {
			return upstream.Asset{}, fmt.Errorf("invalid asset name pattern %q: %w", sel.Name, err)
		}
		for _, a := range rel.Assets {
			if g.Match(a.Name) {
				return a, nil
			}
		}
		return upstream.Asset{}, fmt.Errorf("%w: %s in release %s", ErrNoAsset, sel, rel.TagName)
	}

	if sel.Index < 0 || sel.Index >= len(rel.Assets) {
		return upstream.Asset{}, fmt.Errorf("%w: %s in release %s (%d assets)", ErrNoAsset, sel, rel.TagName, len(rel.Assets))
	}
	return rel.Assets[sel.Index], nil
}

// NormalizeTimestamp converts an upstream timestamp to TimestampLayout in UTC.
// Values already in that layout are returned unchanged.
func NormalizeTimestamp(s string) (string, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Format(TimestampLayout), nil
	}
	if _, err := time.Parse(TimestampLayout, s); err == nil {
		return s, nil
	}
	return "", fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTimestamp renders t in TimestampLayout (UTC)
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
