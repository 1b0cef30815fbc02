package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/schaermu/relsyncd/internal/tree"
)

// Package zips every file and directory below srcDir into destZip. Member
// names are relative to srcDir; empty directories are kept. The archive is
// written to a temp file next to destZip and renamed into place.
func Package(srcDir, destZip string) (int, error) {
	entries, err := tree.List(srcDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", srcDir, err)
	}

	if err := os.MkdirAll(filepath.Dir(destZip), 0755); err != nil {
		return 0, fmt.Errorf("failed to create package directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destZip), ".package-*.zip")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp package: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	zw := zip.NewWriter(tmp)
	files := 0
	for _, e := range entries {
		if err := addEntry(zw, srcDir, e); err != nil {
			_ = zw.Close()
			_ = tmp.Close()
			return 0, err
		}
		if !e.IsDir {
			files++
		}
	}

	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("failed to finish package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish package: %w", err)
	}
	if err := os.Rename(tmpPath, destZip); err != nil {
		return 0, fmt.Errorf("failed to move package into place: %w", err)
	}
	return files, nil
}

func addEntry(zw *zip.Writer, srcDir string, e tree.Entry) error {
	path := filepath.Join(srcDir, filepath.FromSlash(e.Path))
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", e.Path, err)
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", e.Path, err)
	}
	hdr.Name = e.Path
	if e.IsDir {
		hdr.Name += "/"
		_, err := zw.CreateHeader(hdr)
		return err
	}
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", e.Path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", e.Path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to compress %s: %w", e.Path, err)
	}
	return nil
}
