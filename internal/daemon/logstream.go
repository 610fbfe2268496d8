package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OpenLogStream opens the append-only daemon log for writing, creating the
// state directory as needed. The stream is never rotated; unbounded growth
// is an accepted limitation of the design.
func OpenLogStream(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log stream: %w", err)
	}
	return f, nil
}

// TailLog returns up to n trailing lines of the log stream. Reading the
// whole file is fine here: logs are short-lived-daemon sized.
func TailLog(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
