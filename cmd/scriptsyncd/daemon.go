package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fadein/scriptsyncd/internal/ci"
	"github.com/fadein/scriptsyncd/internal/config"
	"github.com/fadein/scriptsyncd/internal/daemon"
	"github.com/fadein/scriptsyncd/internal/sync"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon {start|stop|restart|status}",
	Short: "Manage the background sync daemon",
	Long: `The daemon polls the remote for freshly generated artifacts for a
bounded window (default 180s, ticking every 30s), pulls them into the local
clone, and exits early on the first successful sync.

An explicit action is required; there is no default.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// No implicit default action: require an explicit subcommand.
		_ = cmd.Usage()
		return fmt.Errorf("daemon requires one of: start, stop, restart, status")
	},
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sync daemon in the background",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running sync daemon",
	RunE:  runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the sync daemon",
	RunE:  runDaemonRestart,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status, CI run count and recent log entries",
	RunE:  runDaemonStatus,
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// The detached child re-enters this command with the marker set.
	if os.Getenv(daemon.ForegroundEnv) == "1" {
		return runDaemonForeground(cfg)
	}

	pid, err := daemon.Start(cfg, os.Args[1:], logger)
	if err != nil {
		var already *daemon.AlreadyRunningError
		if errors.As(err, &already) {
			return fmt.Errorf("daemon already running (PID %d), leaving it alone", already.PID)
		}
		return err
	}

	fmt.Printf("daemon started (PID %d)\n", pid)
	return nil
}

// runDaemonForeground runs the poll loop in this process, logging to the
// append-only daemon log stream.
func runDaemonForeground(cfg *config.Config) error {
	logF, err := daemon.OpenLogStream(cfg.LogFilePath())
	if err != nil {
		return err
	}
	defer func() {
		_ = logF.Close()
	}()

	logger := setupLogger(logF)

	ctx, cancel := setupSignalHandler()
	defer cancel()

	engine := sync.NewEngine(cfg, newGitClient(cfg), logger)
	actions := ci.NewShellQuerier(cfg.CI.Command, cfg.CI.Workflow)

	d := daemon.New(cfg, engine, actions, logger)
	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited with error", "error", err)
		return err
	}
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := daemon.Stop(cfg, logger); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			return fmt.Errorf("daemon is not running")
		}
		return err
	}

	fmt.Println("daemon stopped")
	return nil
}

func runDaemonRestart(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// A daemon that was not running is fine here; restart means "make sure
	// a fresh one runs".
	if err := daemon.Stop(cfg, logger); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
		return err
	}

	startArgs := []string{"daemon", "start", "--log-level", logLevel, "--log-format", logFormat}
	if cfgFile != "" {
		startArgs = append(startArgs, "--config", cfgFile)
	}
	pid, err := daemon.Start(cfg, startArgs, logger)
	if err != nil {
		return err
	}
	fmt.Printf("daemon started (PID %d)\n", pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	actions := ci.NewShellQuerier(cfg.CI.Command, cfg.CI.Workflow)
	status := daemon.QueryStatus(cmd.Context(), cfg, actions, logger)

	if !status.Running {
		fmt.Println("daemon is not running")
		return nil
	}

	fmt.Printf("daemon is running (PID %d)\n", status.PID)
	if !status.StartedAt.IsZero() {
		fmt.Printf("  started: %s\n", status.StartedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("  in-progress export runs: %d\n", status.InProgressRuns)
	if len(status.LogTail) > 0 {
		fmt.Println("  recent log entries:")
		for _, line := range status.LogTail {
			fmt.Printf("    %s\n", line)
		}
	}
	return nil
}
