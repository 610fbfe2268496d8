package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fadein/scriptsyncd/internal/artifact"
	"github.com/fadein/scriptsyncd/internal/config"
	"github.com/fadein/scriptsyncd/internal/export"
	"github.com/fadein/scriptsyncd/internal/git"
	"github.com/fadein/scriptsyncd/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scriptsyncd",
	Short: "Keep generated screenplay exports in sync with CI",
	Long: `scriptsyncd watches a screenplay repository whose CI pipeline pushes
generated PDF/HTML exports back to the remote default branch.

The daemon subcommands run a bounded-lifetime background poller that pulls
artifact-only updates into the local clone; 'sync' runs a single foreground
check, and 'export' invokes the external converter for stale screenplays.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync-check in the foreground",
	Long: `Sync fetches the configured remote, compares local HEAD with the remote
default branch, and pulls the remote in when the divergence touches
generated artifacts (stashing local changes around the pull).`,
	RunE: runSync,
}

var exportCmd = &cobra.Command{
	Use:   "export [paths...]",
	Short: "Convert stale screenplay sources to PDF/HTML",
	Long: `Export runs the configured converter for screenplay sources whose
generated artifacts are missing or older than the source's last commit
(or filesystem mtime for uncommitted files).

Without arguments, sources are discovered by walking the working tree.`,
	RunE: runExport,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("scriptsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .scriptsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Add commands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := sync.NewEngine(cfg, newGitClient(cfg), logger)
	result := engine.Check(ctx)

	switch result.Outcome {
	case sync.OutcomeSynced:
		fmt.Printf("synced %d artifact(s) at %s\n", len(result.UpdatedArtifacts), result.Commit)
	case sync.OutcomeNoOp:
		fmt.Println("nothing to sync")
	case sync.OutcomeError:
		return fmt.Errorf("sync failed: %w", result.Err)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sources := args
	if len(sources) == 0 {
		sources, err = artifact.DiscoverSources(".", cfg.Export.Sources)
		if err != nil {
			return fmt.Errorf("failed to discover screenplay sources: %w", err)
		}
	}
	if len(sources) == 0 {
		fmt.Println("no screenplay sources found")
		return nil
	}

	converter := export.NewShellConverter(cfg.Export.Command, cfg.Export.Flags)
	runner := export.NewRunner(converter, newGitClient(cfg), cfg.Artifacts.Extensions, logger)

	converted, err := runner.Run(ctx, sources)
	if err != nil {
		return err
	}
	fmt.Printf("converted %d of %d source(s)\n", converted, len(sources))
	return nil
}

func newGitClient(cfg *config.Config) *git.ShellClient {
	return git.NewShellClient(".", cfg.Repo.Remote, cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
}

func setupLogger(w *os.File) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// A .env next to the repo feeds env expansion inside the config file.
	_ = godotenv.Load()

	configPath := cfgFile
	if configPath == "" {
		configPath = ".scriptsyncd/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"path", configPath,
		"remote", cfg.Repo.Remote,
		"branch", cfg.Repo.Branch,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
