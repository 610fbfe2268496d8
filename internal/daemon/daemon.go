package daemon

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fadein/scriptsyncd/internal/ci"
	"github.com/fadein/scriptsyncd/internal/config"
	"github.com/fadein/scriptsyncd/internal/sync"
)

// Checker runs one sync-check against the remote
type Checker interface {
	Check(ctx context.Context) sync.Result
}

// SyncState is the in-memory state of one daemon run
type SyncState struct {
	StartTime           time.Time
	LastActionCheckTime time.Time
	CurrentCommit       string
}

// Daemon is the bounded-lifetime poll loop. It periodically asks the CI
// system about in-progress export runs (advisory), runs a sync-check, and
// stops on the first successful sync or once its lifetime is spent.
type Daemon struct {
	cfg     *config.Config
	checker Checker
	actions ci.StatusQuerier
	pidFile *PIDFile
	logger  *slog.Logger
}

// New creates a daemon
func New(cfg *config.Config, checker Checker, actions ci.StatusQuerier, logger *slog.Logger) *Daemon {
	return &Daemon{
		cfg:     cfg,
		checker: checker,
		actions: actions,
		pidFile: NewPIDFile(cfg.PIDFilePath()),
		logger:  logger,
	}
}

// Run executes the poll loop in the foreground until one of the terminal
// conditions: a successful sync, the lifetime budget, or cancellation. The
// PID record is claimed on entry and released on every exit path.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.pidFile.Acquire(os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := d.pidFile.Remove(); err != nil {
			d.logger.Warn("failed to remove PID record", "error", err)
		}
	}()

	state := &SyncState{StartTime: time.Now()}

	d.logger.Info("daemon started",
		"pid", os.Getpid(),
		"tick_interval", d.cfg.Daemon.TickInterval,
		"max_lifetime", d.cfg.Daemon.MaxLifetime)

	ticker := time.NewTicker(d.cfg.Daemon.TickInterval)
	defer ticker.Stop()

	for {
		if synced := d.tick(ctx, state); synced {
			d.logger.Info("sync complete, exiting early",
				"elapsed", time.Since(state.StartTime).Round(time.Second))
			return nil
		}

		if elapsed := time.Since(state.StartTime); elapsed >= d.cfg.Daemon.MaxLifetime {
			// Running out the clock is a normal terminal condition.
			d.logger.Info("lifetime reached without sync, exiting",
				"elapsed", elapsed.Round(time.Second))
			return nil
		}

		select {
		case <-ctx.Done():
			d.logger.Info("shutdown requested, exiting")
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one poll iteration and reports whether the loop should stop
func (d *Daemon) tick(ctx context.Context, state *SyncState) bool {
	d.checkActions(ctx, state)

	result := d.checker.Check(ctx)
	if result.Commit != "" {
		state.CurrentCommit = result.Commit
	}

	switch result.Outcome {
	case sync.OutcomeSynced:
		d.logger.Info("synced artifacts from remote",
			"commit", result.Commit,
			"artifacts", len(result.UpdatedArtifacts),
			"stash", result.Stash.String())
		return true
	case sync.OutcomeError:
		d.logger.Warn("sync-check failed, will retry next tick", "error", result.Err)
	case sync.OutcomeNoOp:
		d.logger.Debug("nothing to sync", "commit", state.CurrentCommit)
	}
	return false
}

// checkActions queries the CI system for in-progress export runs when the
// check interval has elapsed. The result only ever reaches the log.
func (d *Daemon) checkActions(ctx context.Context, state *SyncState) {
	if time.Since(state.LastActionCheckTime) < d.cfg.Daemon.ActionsCheckInterval {
		return
	}
	state.LastActionCheckTime = time.Now()

	count, err := d.actions.InProgressCount(ctx)
	if err != nil {
		d.logger.Warn("CI status check failed", "error", err)
		return
	}
	if count > 0 {
		d.logger.Info("export runs in progress", "workflow", d.cfg.CI.Workflow, "count", count)
	}
}
