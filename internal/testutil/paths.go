// Package testutil holds helpers shared by the package and integration tests.
package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// errNoModule is returned when no go.mod exists above the caller
var errNoModule = errors.New("go.mod not found in any parent directory")

// FindProjectRoot returns the module root, found by walking up from the
// caller's source file until a go.mod appears
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", errors.New("failed to get caller information")
	}
	return moduleRoot(filepath.Dir(filename))
}

// ProjectPath joins elem onto the module root and fails t when the root
// cannot be found
func ProjectPath(t testing.TB, elem ...string) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		t.Fatal("failed to get caller information")
	}
	root, err := moduleRoot(filepath.Dir(filename))
	if err != nil {
		t.Fatalf("failed to locate module root: %v", err)
	}
	return filepath.Join(append([]string{root}, elem...)...)
}

func moduleRoot(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errNoModule
		}
		dir = parent
	}
}
