package tree

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/relsyncd/internal/testutil"
)

func TestResolve(t *testing.T) {
	root := "/srv/output"

	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{rel: "atmosphere/package3", want: "/srv/output/atmosphere/package3"},
		{rel: "a/../b.txt", want: "/srv/output/b.txt"},
		{rel: "", want: "/srv/output"},
		{rel: "/switch/app.nro", want: "/srv/output/switch/app.nro"},
		{rel: "../../etc/passwd", wantErr: true},
		{rel: "..", wantErr: true},
		{rel: "a/../../b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, err := Resolve(root, tt.rel)
			if tt.wantErr {
				if !errors.Is(err, ErrOutsideRoot) {
					t.Fatalf("Resolve(%q) error = %v, want ErrOutsideRoot", tt.rel, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) unexpected error: %v", tt.rel, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.rel, got, tt.want)
			}
		})
	}
}

func TestList(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFiles(t, root, map[string]string{
		"bootloader/hekate_ipl.ini": "[config]\n",
		"switch/app.nro":            "nro",
		"payload.bin":               "bin",
	})
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := List(root)
	if err != nil {
		t.Fatal(err)
	}

	want := []Entry{
		{Path: "bootloader", IsDir: true},
		{Path: "bootloader/hekate_ipl.ini", Size: 9},
		{Path: "empty", IsDir: true},
		{Path: "payload.bin", Size: 3},
		{Path: "switch", IsDir: true},
		{Path: "switch/app.nro", Size: 3},
	}
	if len(entries) != len(want) {
		t.Fatalf("List() returned %d entries, want %d: %v", len(entries), len(want), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("List()[%d] = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestList_MissingRoot(t *testing.T) {
	entries, err := List(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("List() on missing root = %v, want empty", entries)
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("payload"), 0600); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "nested", "deeper", "dst.bin")
	if err := CopyFile(src, dst); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("copied content = %q, want %q", data, "payload")
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("copied mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestClearDir(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFiles(t, dir, map[string]string{
		"a.zip":     "a",
		"sub/b.zip": "b",
	})

	if err := ClearDir(dir); err != nil {
		t.Fatal(err)
	}

	empty, err := IsEmpty(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Error("ClearDir() left entries behind")
	}

	missing := filepath.Join(dir, "input")
	if err := ClearDir(missing); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(missing); err != nil {
		t.Errorf("ClearDir() did not create missing dir: %v", err)
	}
}
