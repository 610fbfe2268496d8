package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Client provides the git operations the sync daemon needs. All operations
// run against an existing working tree; nothing here clones.
type Client interface {
	// Fetch updates the remote tracking refs
	Fetch(ctx context.Context) error
	// Head returns the commit hash of local HEAD
	Head(ctx context.Context) (string, error)
	// RemoteHead returns the commit hash of <remote>/<branch>
	RemoteHead(ctx context.Context, branch string) (string, error)
	// DiffNames returns the paths that differ between two refs
	DiffNames(ctx context.Context, from, to string) ([]string, error)
	// HasUncommittedChanges reports whether the working tree is dirty
	HasUncommittedChanges(ctx context.Context) (bool, error)
	// StashPush stashes local changes under the given label
	StashPush(ctx context.Context, label string) error
	// StashPop restores the most recent stash
	StashPop(ctx context.Context) error
	// Pull merges <remote>/<branch> into the current branch
	Pull(ctx context.Context, branch string) error
	// LastCommitTime returns the committer time of the last commit touching path
	LastCommitTime(ctx context.Context, path string) (time.Time, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	dir            string
	remote         string
	sshKeyFile     string
	httpsTokenFile string

	remoteURL string // cached for auth scheme detection
}

// NewShellClient creates a git client rooted at the given working tree
func NewShellClient(dir, remote, sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		dir:            dir,
		remote:         remote,
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Fetch updates the remote tracking refs
func (c *ShellClient) Fetch(ctx context.Context) error {
	cmd := c.command(ctx, "fetch", c.remote)
	if err := c.configureAuth(ctx, cmd); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

// Head returns the commit hash of local HEAD
func (c *ShellClient) Head(ctx context.Context) (string, error) {
	return c.revParse(ctx, "HEAD")
}

// RemoteHead returns the commit hash of the remote tracking ref for branch
func (c *ShellClient) RemoteHead(ctx context.Context, branch string) (string, error) {
	return c.revParse(ctx, c.remote+"/"+branch)
}

func (c *ShellClient) revParse(ctx context.Context, ref string) (string, error) {
	cmd := c.command(ctx, "rev-parse", "--verify", ref)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s failed: %w", ref, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// DiffNames returns the file paths that differ between from and to
func (c *ShellClient) DiffNames(ctx context.Context, from, to string) ([]string, error) {
	cmd := c.command(ctx, "diff", "--name-only", from+".."+to)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --name-only failed: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// HasUncommittedChanges reports whether the working tree differs from HEAD.
// Untracked files do not count: they cannot conflict with a pull of
// already-committed artifacts.
func (c *ShellClient) HasUncommittedChanges(ctx context.Context) (bool, error) {
	cmd := c.command(ctx, "diff-index", "--quiet", "HEAD", "--")
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff-index failed: %w", err)
}

// StashPush stashes local changes under the given label
func (c *ShellClient) StashPush(ctx context.Context, label string) error {
	cmd := c.command(ctx, "stash", "push", "-m", label)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git stash push failed: %w", err)
	}
	return nil
}

// StashPop restores the most recent stash
func (c *ShellClient) StashPop(ctx context.Context) error {
	cmd := c.command(ctx, "stash", "pop")
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git stash pop failed: %w", err)
	}
	return nil
}

// Pull merges the remote branch into the current branch
func (c *ShellClient) Pull(ctx context.Context, branch string) error {
	cmd := c.command(ctx, "pull", c.remote, branch)
	if err := c.configureAuth(ctx, cmd); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git pull %s %s failed: %w", c.remote, branch, err)
	}
	return nil
}

// LastCommitTime returns the committer time of the most recent commit that
// touched path. A path with no history returns the zero time and no error.
func (c *ShellClient) LastCommitTime(ctx context.Context, path string) (time.Time, error) {
	cmd := c.command(ctx, "log", "-1", "--format=%ct", "--", path)
	output, err := cmd.Output()
	if err != nil {
		return time.Time{}, fmt.Errorf("git log failed for %s: %w", path, err)
	}

	raw := strings.TrimSpace(string(output))
	if raw == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unexpected git log output %q for %s: %w", raw, path, err)
	}
	return time.Unix(secs, 0), nil
}

// command builds a git invocation rooted at the client's working tree
func (c *ShellClient) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-C", c.dir}, args...)
	return exec.CommandContext(ctx, "git", full...)
}

// configureAuth sets up authentication for network git operations
func (c *ShellClient) configureAuth(ctx context.Context, cmd *exec.Cmd) error {
	if c.sshKeyFile == "" && c.httpsTokenFile == "" {
		return nil
	}

	url, err := c.lookupRemoteURL(ctx)
	if err != nil {
		return err
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "SCRIPTSYNCD_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$SCRIPTSYNCD_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

// lookupRemoteURL resolves and caches the URL of the configured remote
func (c *ShellClient) lookupRemoteURL(ctx context.Context) (string, error) {
	if c.remoteURL != "" {
		return c.remoteURL, nil
	}
	cmd := c.command(ctx, "remote", "get-url", c.remote)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git remote get-url %s failed: %w", c.remote, err)
	}
	c.remoteURL = strings.TrimSpace(string(output))
	return c.remoteURL, nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "fetch", "pull").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
