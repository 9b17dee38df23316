package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Loader loads configuration from TOML files.
type Loader struct {
	foremanDir    string // Path to .git/foreman directory
	globalConfDir string // Path to global config directory (e.g., ~/.config/foreman)
}

// NewLoader creates a new Loader.
func NewLoader(foremanDir string) *Loader {
	return &Loader{
		foremanDir:    foremanDir,
		globalConfDir: defaultGlobalConfigDir(),
	}
}

// NewLoaderWithGlobalDir creates a new Loader with a custom global config directory.
// This is useful for testing.
func NewLoaderWithGlobalDir(foremanDir, globalConfDir string) *Loader {
	return &Loader{
		foremanDir:    foremanDir,
		globalConfDir: globalConfDir,
	}
}

// defaultGlobalConfigDir returns the default global config directory.
func defaultGlobalConfigDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "foreman")
}

// Load returns the merged configuration (default <- global <- repo).
// Repository config takes precedence over global config. Missing files
// are fine; the result is validated before being returned.
func (l *Loader) Load() (*Config, error) {
	global, err := l.LoadGlobal()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	repo, err := l.LoadRepo()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	base := NewDefault()
	if global != nil {
		merge(base, global)
	}
	if repo != nil {
		merge(base, repo)
	}

	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return base, nil
}

// LoadGlobal returns only the global configuration.
func (l *Loader) LoadGlobal() (*Config, error) {
	if l.globalConfDir == "" {
		return nil, os.ErrNotExist
	}
	return l.loadFile(filepath.Join(l.globalConfDir, ConfigFileName))
}

// LoadRepo returns only the repository configuration.
func (l *Loader) LoadRepo() (*Config, error) {
	return l.loadFile(filepath.Join(l.foremanDir, ConfigFileName))
}

// loadFile loads a configuration from a file.
func (l *Loader) loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// merge overlays non-zero override fields onto base.
func merge(base, override *Config) {
	if override.Workers.Count != 0 {
		base.Workers.Count = override.Workers.Count
	}
	if override.Workers.PollInterval != "" {
		base.Workers.PollInterval = override.Workers.PollInterval
	}
	if override.Workers.RetryInterval != "" {
		base.Workers.RetryInterval = override.Workers.RetryInterval
	}
	if override.Instances.Cap != 0 {
		base.Instances.Cap = override.Instances.Cap
	}
	if override.Repo.BaseBranch != "" {
		base.Repo.BaseBranch = override.Repo.BaseBranch
	}
	if override.Agents.Default != "" {
		base.Agents.Default = override.Agents.Default
	}
	for name, command := range override.Agents.Commands {
		base.Agents.Commands[name] = command
	}
	if override.Tests.Command != "" {
		base.Tests.Command = override.Tests.Command
	}
	if override.Merge.ConflictPolicy != "" {
		base.Merge.ConflictPolicy = override.Merge.ConflictPolicy
	}
	if override.Store.Backend != "" {
		base.Store.Backend = override.Store.Backend
	}
	if override.Log.Level != "" {
		base.Log.Level = override.Log.Level
	}
}

// WriteDefault writes a commented default config file to the repo
// foreman directory. Returns an error if one already exists.
func (l *Loader) WriteDefault() (string, error) {
	path := filepath.Join(l.foremanDir, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(l.foremanDir, 0o750); err != nil {
		return "", fmt.Errorf("create foreman directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o600); err != nil {
		return "", fmt.Errorf("write config file: %w", err)
	}
	return path, nil
}

const defaultConfigTemplate = `# foreman configuration

[workers]
# Number of concurrent workers.
count = 1
# How often idle workers re-check the task queue.
poll_interval = "2s"
# Wait between integration retries.
retry_interval = "5s"

[instances]
# Maximum number of registered instances before the oldest is evicted.
cap = 10

[repo]
# Branch that task branches are merged into.
base_branch = "main"

[agents]
# Command used when no per-agent entry matches.
default = ""

# Per-agent commands:
# [agents.commands]
# claude = "claude -p --output-format stream-json"

[tests]
# Optional command run after each successful merge.
command = ""

[merge]
# "retry" re-runs the agent after a conflicted merge is aborted,
# "fail" fails the task on the first conflict.
conflict_policy = "retry"

[store]
# Iteration state backend: "json", "sqlite" or "git".
backend = "json"

[log]
level = "info"
`
