package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete scriptsyncd configuration
type Config struct {
	Repo      RepoConfig      `yaml:"repo"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	CI        CIConfig        `yaml:"ci"`
	Export    ExportConfig    `yaml:"export"`
	Auth      AuthConfig      `yaml:"auth"`
	Paths     PathsConfig     `yaml:"paths"`
}

// RepoConfig configures the git remote the daemon watches
type RepoConfig struct {
	Remote         string `yaml:"remote"`
	Branch         string `yaml:"branch"`
	FallbackBranch string `yaml:"fallback_branch"`
}

// DaemonConfig configures the poll loop timing
type DaemonConfig struct {
	TickInterval         time.Duration `yaml:"-"`
	MaxLifetime          time.Duration `yaml:"-"`
	ActionsCheckInterval time.Duration `yaml:"-"`
	StopTimeout          time.Duration `yaml:"-"`
}

// UnmarshalYAML parses the timing keys from duration strings ("30s", "3m").
func (d *DaemonConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TickInterval         string `yaml:"tick_interval"`
		MaxLifetime          string `yaml:"max_lifetime"`
		ActionsCheckInterval string `yaml:"actions_check_interval"`
		StopTimeout          string `yaml:"stop_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	for _, f := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"daemon.tick_interval", raw.TickInterval, &d.TickInterval},
		{"daemon.max_lifetime", raw.MaxLifetime, &d.MaxLifetime},
		{"daemon.actions_check_interval", raw.ActionsCheckInterval, &d.ActionsCheckInterval},
		{"daemon.stop_timeout", raw.StopTimeout, &d.StopTimeout},
	} {
		if f.val == "" {
			continue
		}
		dur, err := time.ParseDuration(os.ExpandEnv(f.val))
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = dur
	}
	return nil
}

// ArtifactsConfig configures which generated files the daemon pulls in
type ArtifactsConfig struct {
	Extensions []string `yaml:"extensions"`
}

// CIConfig configures the external CI status query
type CIConfig struct {
	Workflow string `yaml:"workflow"`
	Command  string `yaml:"command"`
}

// ExportConfig configures the external screenplay converter
type ExportConfig struct {
	Command string   `yaml:"command"`
	Flags   []string `yaml:"flags"`
	Sources []string `yaml:"sources"`
}

// AuthConfig configures git authentication for fetch and pull
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// Load reads and parses the configuration file. A missing file is not an
// error: every field has a default, so the daemon runs unconfigured.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Remote = os.ExpandEnv(c.Repo.Remote)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Repo.FallbackBranch = os.ExpandEnv(c.Repo.FallbackBranch)
	c.CI.Workflow = os.ExpandEnv(c.CI.Workflow)
	c.CI.Command = os.ExpandEnv(c.CI.Command)
	c.Export.Command = os.ExpandEnv(c.Export.Command)
	for i, f := range c.Export.Flags {
		c.Export.Flags[i] = os.ExpandEnv(f)
	}
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
}

// applyDefaults fills in zero-value fields with the reference behavior.
func (c *Config) applyDefaults() {
	if c.Repo.Remote == "" {
		c.Repo.Remote = "origin"
	}
	if c.Repo.Branch == "" {
		c.Repo.Branch = "main"
	}
	if c.Repo.FallbackBranch == "" {
		c.Repo.FallbackBranch = "master"
	}
	if c.Daemon.TickInterval == 0 {
		c.Daemon.TickInterval = 30 * time.Second
	}
	if c.Daemon.MaxLifetime == 0 {
		c.Daemon.MaxLifetime = 180 * time.Second
	}
	if c.Daemon.ActionsCheckInterval == 0 {
		c.Daemon.ActionsCheckInterval = 30 * time.Second
	}
	if c.Daemon.StopTimeout == 0 {
		c.Daemon.StopTimeout = 10 * time.Second
	}
	if len(c.Artifacts.Extensions) == 0 {
		c.Artifacts.Extensions = []string{".pdf", ".html"}
	}
	if c.CI.Workflow == "" {
		c.CI.Workflow = "export"
	}
	if c.CI.Command == "" {
		c.CI.Command = "gh"
	}
	if c.Export.Command == "" {
		c.Export.Command = "afterwriting"
	}
	if len(c.Export.Sources) == 0 {
		c.Export.Sources = []string{".fountain"}
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = ".scriptsyncd"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.Remote == "" {
		return fmt.Errorf("repo.remote is required")
	}
	if c.Repo.Branch == "" {
		return fmt.Errorf("repo.branch is required")
	}
	if c.Repo.Branch == c.Repo.FallbackBranch {
		return fmt.Errorf("repo.fallback_branch must differ from repo.branch: %s", c.Repo.Branch)
	}

	// Validate poll loop timing
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"daemon.tick_interval", c.Daemon.TickInterval},
		{"daemon.max_lifetime", c.Daemon.MaxLifetime},
		{"daemon.actions_check_interval", c.Daemon.ActionsCheckInterval},
		{"daemon.stop_timeout", c.Daemon.StopTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive: %s", d.name, d.val)
		}
	}

	// Extension lists must hold proper suffixes
	for _, ext := range c.Artifacts.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("artifacts.extensions entries must start with '.': %s", ext)
		}
	}
	for _, ext := range c.Export.Sources {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("export.sources entries must start with '.': %s", ext)
		}
	}

	if c.Export.Command == "" {
		return fmt.Errorf("export.command is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// PIDFilePath returns the path to the daemon PID record
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.Paths.StateDir, "daemon.pid")
}

// LogFilePath returns the path to the daemon log stream
func (c *Config) LogFilePath() string {
	return filepath.Join(c.Paths.StateDir, "daemon.log")
}

// StashLabel returns the label used when stashing local changes before a
// pull, carrying enough context to find a stranded stash by hand.
func (c *Config) StashLabel(pid int, now time.Time) string {
	return fmt.Sprintf("scriptsyncd auto-stash pid=%d %s", pid, now.UTC().Format(time.RFC3339))
}
