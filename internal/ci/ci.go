package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// StatusQuerier reports the state of the external export pipeline
type StatusQuerier interface {
	// InProgressCount returns the number of in-progress runs of the
	// configured workflow
	InProgressCount(ctx context.Context) (int, error)
}

// ShellQuerier implements StatusQuerier by shelling out to the GitHub CLI.
// A missing binary degrades the count to always-zero rather than failing:
// the check is advisory and must not gate the sync decision.
type ShellQuerier struct {
	command  string
	workflow string
}

// NewShellQuerier creates a status querier for the named workflow
func NewShellQuerier(command, workflow string) *ShellQuerier {
	return &ShellQuerier{
		command:  command,
		workflow: workflow,
	}
}

// InProgressCount returns the number of in-progress runs of the workflow
func (q *ShellQuerier) InProgressCount(ctx context.Context) (int, error) {
	if _, err := exec.LookPath(q.command); err != nil {
		return 0, nil
	}

	cmd := exec.CommandContext(ctx, q.command,
		"run", "list",
		"--workflow", q.workflow,
		"--status", "in_progress",
		"--json", "databaseId")
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("%s run list failed: %w%s", q.command, err, stderrSuffix(err))
	}

	var runs []struct {
		DatabaseID int64 `json:"databaseId"`
	}
	if err := json.Unmarshal(output, &runs); err != nil {
		return 0, fmt.Errorf("failed to parse %s run list output: %w", q.command, err)
	}

	return len(runs), nil
}

// stderrSuffix extracts captured stderr from an exec error, if any
func stderrSuffix(err error) string {
	if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
		return ": " + strings.TrimSpace(string(exitErr.Stderr))
	}
	return ""
}
