package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fadein/scriptsyncd/internal/artifact"
)

// Converter turns a screenplay source into its generated artifacts.
// Success is exit code 0; everything else is the converter's business.
type Converter interface {
	Convert(ctx context.Context, path string) error
}

// ShellConverter implements Converter by invoking the external conversion
// command as `<command> <path> <flags...>`.
type ShellConverter struct {
	command string
	flags   []string
}

// NewShellConverter creates a converter around the given command and flags
func NewShellConverter(command string, flags []string) *ShellConverter {
	return &ShellConverter{
		command: command,
		flags:   flags,
	}
}

// Convert runs the conversion command for a single source file
func (c *ShellConverter) Convert(ctx context.Context, path string) error {
	args := append([]string{path}, c.flags...)
	cmd := exec.CommandContext(ctx, c.command, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", c.command, path, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// CommitTimer resolves the last committed modification time of a path
type CommitTimer interface {
	LastCommitTime(ctx context.Context, path string) (time.Time, error)
}

// Runner converts stale screenplay sources
type Runner struct {
	converter  Converter
	commits    CommitTimer
	extensions []string
	logger     *slog.Logger
}

// NewRunner creates an export runner. extensions are the artifact
// extensions each source is expected to produce.
func NewRunner(converter Converter, commits CommitTimer, extensions []string, logger *slog.Logger) *Runner {
	return &Runner{
		converter:  converter,
		commits:    commits,
		extensions: extensions,
		logger:     logger,
	}
}

// Run converts every stale source in paths. It returns the number of
// conversions performed and an error if any conversion failed; a failure on
// one file does not stop the rest.
func (r *Runner) Run(ctx context.Context, paths []string) (int, error) {
	converted := 0
	failed := 0

	for _, src := range paths {
		stale, err := r.isStale(ctx, src)
		if err != nil {
			r.logger.Warn("staleness check failed, converting anyway", "source", src, "error", err)
			stale = true
		}
		if !stale {
			r.logger.Debug("artifacts up to date", "source", src)
			continue
		}

		r.logger.Info("converting", "source", src)
		if err := r.converter.Convert(ctx, src); err != nil {
			r.logger.Error("conversion failed", "source", src, "error", err)
			failed++
			continue
		}
		converted++
	}

	if failed > 0 {
		return converted, fmt.Errorf("%d of %d conversions failed", failed, failed+converted)
	}
	return converted, nil
}

// isStale reports whether any expected artifact of src is missing or older
// than the source's last-modified point. The source's last-modified point is
// its last commit time, falling back to filesystem mtime for files that were
// never committed.
func (r *Runner) isStale(ctx context.Context, src string) (bool, error) {
	lastMod, err := r.sourceLastModified(ctx, src)
	if err != nil {
		return false, err
	}

	for _, art := range artifact.Siblings(src, r.extensions) {
		info, err := os.Stat(art)
		if err != nil {
			if os.IsNotExist(err) {
				return true, nil
			}
			return false, err
		}
		// Stale when the source moved at or after the artifact was written.
		if !lastMod.Before(info.ModTime()) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Runner) sourceLastModified(ctx context.Context, src string) (time.Time, error) {
	if r.commits != nil {
		if t, err := r.commits.LastCommitTime(ctx, src); err == nil && !t.IsZero() {
			return t, nil
		}
	}
	info, err := os.Stat(src)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
