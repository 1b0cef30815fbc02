package archive

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()

	zw := zip.NewWriter(f)
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(members[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatZip, DetectFormat("atmosphere-1.7.0.zip"))
	assert.Equal(t, FormatZip, DetectFormat("PACK.ZIP"))
	assert.Equal(t, FormatSevenZip, DetectFormat("sigpatches.7z"))
	assert.Equal(t, FormatRaw, DetectFormat("fusee.bin"))
	assert.Equal(t, FormatRaw, DetectFormat("noext"))
}

func TestExtract_Zip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "release.zip")
	writeZip(t, src, map[string]string{
		"atmosphere/package3":     "pkg3",
		"switch/":                 "",
		"bootloader/payloads/x.b": "x",
	})

	dest := filepath.Join(dir, "staging", "sub")
	files, err := Extract(src, dest)
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{"atmosphere/package3", "bootloader/payloads/x.b"}, files)

	data, err := os.ReadFile(filepath.Join(dest, "atmosphere", "package3"))
	require.NoError(t, err)
	assert.Equal(t, "pkg3", string(data))
	assert.DirExists(t, filepath.Join(dest, "switch"))
}

func TestExtract_ZipSlipRejected(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	writeZip(t, src, map[string]string{"../../evil.txt": "pwned"})

	_, err := Extract(src, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "evil.txt"))
}

func TestExtract_CorruptZip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(src, []byte("not a zip"), 0644))

	_, err := Extract(src, filepath.Join(dir, "out"))
	assert.Error(t, err)
}

func TestExtract_RawCopiedThrough(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hekate.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	dest := filepath.Join(dir, "out", "bootloader")
	files, err := Extract(src, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"hekate.bin"}, files)

	data, err := os.ReadFile(filepath.Join(dest, "hekate.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestPackage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "atmosphere", "contents"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "emptydir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "atmosphere", "package3"), []byte("pkg3"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "hbmenu.nro"), []byte("nro"), 0644))

	dest := filepath.Join(dir, "AIO-20240501.zip")
	n, err := Package(src, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer func() {
		_ = r.Close()
	}()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{
		"atmosphere/",
		"atmosphere/contents/",
		"atmosphere/package3",
		"emptydir/",
		"hbmenu.nro",
	}, names)

	// round trip through Extract
	files, err := Extract(dest, filepath.Join(dir, "unpacked"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"atmosphere/package3", "hbmenu.nro"}, files)
	assert.DirExists(t, filepath.Join(dir, "unpacked", "emptydir"))
}

func TestPackage_MissingSourceIsEmpty(t *testing.T) {
	dir := t.TempDir()
	n, err := Package(filepath.Join(dir, "missing"), filepath.Join(dir, "out.zip"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
