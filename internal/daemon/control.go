package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/fadein/scriptsyncd/internal/ci"
	"github.com/fadein/scriptsyncd/internal/config"
)

// ForegroundEnv marks a process as the detached daemon child. When set, the
// start command runs the poll loop in the foreground instead of spawning.
const ForegroundEnv = "SCRIPTSYNCD_FOREGROUND"

// Start detaches a daemon child process and confirms it claimed the PID
// record. It returns the child PID. A live daemon yields AlreadyRunningError
// and the existing process is left untouched.
func Start(cfg *config.Config, args []string, logger *slog.Logger) (int, error) {
	pidFile := NewPIDFile(cfg.PIDFilePath())
	if alive, pid := pidFile.Alive(); alive {
		return pid, &AlreadyRunningError{PID: pid}
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("cannot resolve executable path: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), ForegroundEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer func() {
		_ = devNull.Close()
	}()
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}

	childPID := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		logger.Warn("failed to release daemon process", "error", err)
	}

	// Confirm the child claimed the PID record before reporting success.
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if pid, err := pidFile.Read(); err == nil && pid == childPID {
			return childPID, nil
		}
	}

	logger.Warn("daemon start not confirmed, PID record never appeared",
		"pid", childPID, "log", cfg.LogFilePath())
	return childPID, nil
}

// Stop signals the recorded daemon to terminate: SIGTERM first, then
// SIGKILL if it ignores the stop timeout. The PID record is deleted
// afterward regardless. A not-running daemon yields ErrNotRunning and no
// signal is sent.
func Stop(cfg *config.Config, logger *slog.Logger) error {
	pidFile := NewPIDFile(cfg.PIDFilePath())

	alive, pid := pidFile.Alive()
	if !alive {
		// Tidy up a stale record, but the caller still gets a failure.
		_ = pidFile.Remove()
		return ErrNotRunning
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find daemon process %d: %w", pid, err)
	}

	logger.Info("stopping daemon", "pid", pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal daemon %d: %w", pid, err)
	}

	deadline := time.Now().Add(cfg.Daemon.StopTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if stillAlive, _ := pidFile.Alive(); !stillAlive {
			_ = pidFile.Remove()
			logger.Info("daemon stopped", "pid", pid)
			return nil
		}
	}

	logger.Warn("daemon did not exit in time, killing", "pid", pid, "timeout", cfg.Daemon.StopTimeout)
	if err := process.Kill(); err != nil {
		logger.Warn("kill failed", "pid", pid, "error", err)
	}
	_ = pidFile.Remove()
	return nil
}

// Status describes a daemon instance as seen from outside
type Status struct {
	Running        bool
	PID            int
	StartedAt      time.Time
	InProgressRuns int
	LogTail        []string
}

// QueryStatus reports daemon liveness without mutating any state. When the
// daemon runs, it also fetches the advisory CI run count and the recent log
// tail; both are best-effort.
func QueryStatus(ctx context.Context, cfg *config.Config, actions ci.StatusQuerier, logger *slog.Logger) Status {
	pidFile := NewPIDFile(cfg.PIDFilePath())

	alive, pid := pidFile.Alive()
	status := Status{Running: alive, PID: pid}
	if !alive {
		return status
	}

	if info, err := os.Stat(cfg.PIDFilePath()); err == nil {
		status.StartedAt = info.ModTime()
	}

	count, err := actions.InProgressCount(ctx)
	if err != nil {
		logger.Warn("CI status check failed", "error", err)
	} else {
		status.InProgressRuns = count
	}

	tail, err := TailLog(cfg.LogFilePath(), 10)
	if err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to read log tail", "error", err)
	}
	status.LogTail = tail

	return status
}
