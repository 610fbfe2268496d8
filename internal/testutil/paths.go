package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ModuleRoot returns the directory containing go.mod, found by walking up
// from the calling source file. Integration tests use it to build the
// scriptsyncd binary no matter which package directory the test runs from.
func ModuleRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", fmt.Errorf("could not resolve caller source file")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no go.mod above %s", filepath.Dir(filename))
		}
		dir = parent
	}
}
