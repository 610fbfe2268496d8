package sync

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fadein/scriptsyncd/internal/artifact"
	"github.com/fadein/scriptsyncd/internal/config"
	"github.com/fadein/scriptsyncd/internal/git"
)

// Engine runs the sync-check decision procedure: detect whether the remote
// branch has advanced with new generated artifacts and pull them in if so.
type Engine struct {
	cfg    *config.Config
	git    git.Client
	logger *slog.Logger
}

// NewEngine creates a sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		logger: logger,
	}
}

// Check performs one sync-check. Fetch failures and an unchanged or
// irrelevant remote all report OutcomeNoOp; only a failed pull attempt
// reports OutcomeError.
func (e *Engine) Check(ctx context.Context) Result {
	// 1. Fetch remote refs. A failed fetch is transient (network, auth);
	// the next tick retries.
	if err := e.git.Fetch(ctx); err != nil {
		e.logger.Warn("fetch failed, skipping sync-check", "error", err)
		return Result{Outcome: OutcomeNoOp}
	}

	// 2. Compare local HEAD to the remote default branch.
	head, err := e.git.Head(ctx)
	if err != nil {
		e.logger.Warn("cannot resolve local HEAD", "error", err)
		return Result{Outcome: OutcomeNoOp}
	}

	branch, remoteHead, err := e.resolveRemoteHead(ctx)
	if err != nil {
		e.logger.Warn("cannot resolve remote branch",
			"remote", e.cfg.Repo.Remote,
			"branch", e.cfg.Repo.Branch,
			"fallback", e.cfg.Repo.FallbackBranch,
			"error", err)
		return Result{Outcome: OutcomeNoOp}
	}

	if head == remoteHead {
		return Result{Outcome: OutcomeNoOp, Commit: head}
	}

	// 3. Filter the divergence down to generated artifacts.
	changed, err := e.git.DiffNames(ctx, "HEAD", e.cfg.Repo.Remote+"/"+branch)
	if err != nil {
		e.logger.Warn("diff failed, skipping sync-check", "error", err)
		return Result{Outcome: OutcomeNoOp}
	}

	artifacts := artifact.Filter(changed, e.cfg.Artifacts.Extensions)
	if len(artifacts) == 0 {
		e.logger.Debug("remote diverged without artifact changes",
			"local", head, "remote", remoteHead, "changed_paths", len(changed))
		return Result{Outcome: OutcomeNoOp, Commit: head}
	}

	e.logger.Info("remote has new artifacts",
		"branch", branch, "count", len(artifacts))

	// 4. Pull them in, stashing local changes out of the way first.
	stash := e.stashIfDirty(ctx)

	if err := e.pull(ctx, branch); err != nil {
		e.restoreStash(ctx, stash)
		return Result{Outcome: OutcomeError, Commit: head, Stash: stash, Err: err}
	}

	for _, p := range artifacts {
		e.logger.Info("updated artifact", "path", p)
	}
	e.restoreStash(ctx, stash)

	return Result{Outcome: OutcomeSynced, Commit: remoteHead, UpdatedArtifacts: artifacts, Stash: stash}
}

// resolveRemoteHead resolves the remote default branch commit, trying the
// primary branch name first and the conventional fallback second. It returns
// the branch name that resolved.
func (e *Engine) resolveRemoteHead(ctx context.Context) (string, string, error) {
	head, err := e.git.RemoteHead(ctx, e.cfg.Repo.Branch)
	if err == nil {
		return e.cfg.Repo.Branch, head, nil
	}

	head, fallbackErr := e.git.RemoteHead(ctx, e.cfg.Repo.FallbackBranch)
	if fallbackErr == nil {
		return e.cfg.Repo.FallbackBranch, head, nil
	}
	return "", "", err
}

// stashIfDirty stashes uncommitted changes before a pull. Stash failure is
// logged but does not abort the merge attempt.
func (e *Engine) stashIfDirty(ctx context.Context) StashResult {
	dirty, err := e.git.HasUncommittedChanges(ctx)
	if err != nil {
		e.logger.Warn("dirty-check failed, proceeding without stash", "error", err)
		return StashSkipped
	}
	if !dirty {
		return StashSkipped
	}

	label := e.cfg.StashLabel(os.Getpid(), time.Now())
	if err := e.git.StashPush(ctx, label); err != nil {
		e.logger.Warn("stash failed, attempting pull anyway", "error", err)
		return StashFailed
	}

	e.logger.Info("stashed local changes", "label", label)
	return StashStashed
}

// pull merges the remote branch, falling back to the secondary conventional
// branch name when the primary pull fails.
func (e *Engine) pull(ctx context.Context, branch string) error {
	err := e.git.Pull(ctx, branch)
	if err == nil {
		return nil
	}

	fallback := e.cfg.Repo.FallbackBranch
	if branch == fallback {
		fallback = e.cfg.Repo.Branch
	}

	e.logger.Warn("pull failed, trying fallback branch",
		"branch", branch, "fallback", fallback, "error", err)
	if fallbackErr := e.git.Pull(ctx, fallback); fallbackErr == nil {
		return nil
	}
	return err
}

// restoreStash pops the stash created by stashIfDirty. Restore failure is
// logged, never fatal: the changes stay in the stash list under their label.
func (e *Engine) restoreStash(ctx context.Context, stash StashResult) {
	if stash != StashStashed {
		return
	}
	if err := e.git.StashPop(ctx); err != nil {
		e.logger.Warn("failed to restore stashed changes, they remain in the stash list", "error", err)
		return
	}
	e.logger.Info("restored stashed changes")
}
