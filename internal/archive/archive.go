// Package archive unpacks downloaded release artifacts and packages the
// output tree for distribution.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/zip"

	"github.com/schaermu/relsyncd/internal/tree"
)

// Format identifies how an artifact is unpacked
type Format string

const (
	FormatZip      Format = "zip"
	FormatSevenZip Format = "7z"
	// FormatRaw artifacts are copied through uninterpreted
	FormatRaw Format = "raw"
)

// ErrUnsafePath is returned when an archive member would land outside the
// destination directory
var ErrUnsafePath = errors.New("archive member escapes destination")

// DetectFormat picks the unpack format from the file extension
func DetectFormat(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip":
		return FormatZip
	case ".7z":
		return FormatSevenZip
	default:
		return FormatRaw
	}
}

// Extract unpacks src into destDir and returns the slash-separated paths
// of the files it wrote, relative to destDir. Artifacts that are not zip
// or 7z archives are copied into destDir under their own name.
func Extract(src, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", destDir, err)
	}

	switch DetectFormat(src) {
	case FormatZip:
		return extractZip(src, destDir)
	case FormatSevenZip:
		return extractSevenZip(src, destDir)
	default:
		name := filepath.Base(src)
		if err := tree.CopyFile(src, filepath.Join(destDir, name)); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", name, err)
		}
		return []string{name}, nil
	}
}

func extractZip(src, destDir string) ([]string, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip %s: %w", src, err)
	}
	defer func() {
		_ = r.Close()
	}()

	var written []string
	for _, f := range r.File {
		info := f.FileInfo()
		open := func() (io.ReadCloser, error) { return f.Open() }

		rel, err := extractMember(destDir, f.Name, info.IsDir(), info.Mode(), open)
		if err != nil {
			return nil, err
		}
		if rel != "" {
			written = append(written, rel)
		}
	}
	return written, nil
}

func extractSevenZip(src, destDir string) ([]string, error) {
	r, err := sevenzip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open 7z %s: %w", src, err)
	}
	defer func() {
		_ = r.Close()
	}()

	var written []string
	for _, f := range r.File {
		info := f.FileInfo()
		open := func() (io.ReadCloser, error) { return f.Open() }

		rel, err := extractMember(destDir, f.Name, info.IsDir(), info.Mode(), open)
		if err != nil {
			return nil, err
		}
		if rel != "" {
			written = append(written, rel)
		}
	}
	return written, nil
}

// extractMember writes one archive member below destDir. It returns the
// relative path for regular files and "" for directories.
func extractMember(destDir, name string, isDir bool, mode fs.FileMode, open func() (io.ReadCloser, error)) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	target, err := tree.Resolve(destDir, name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}

	if isDir || strings.HasSuffix(name, "/") {
		if err := os.MkdirAll(target, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory %s: %w", name, err)
		}
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", name, err)
	}

	rc, err := open()
	if err != nil {
		return "", fmt.Errorf("failed to open member %s: %w", name, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}

	rel, err := filepath.Rel(destDir, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
