// Package config provides configuration loading functionality.
package config

import (
	"fmt"
	"time"
)

// ConfigFileName is the configuration file name in both the repo
// foreman directory and the global config directory.
const ConfigFileName = "config.toml"

// Store backends.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
	StoreGit    = "git"
)

// Conflict policies.
const (
	// ConflictRetry re-runs the agent after a conflicted merge is
	// aborted.
	ConflictRetry = "retry"

	// ConflictFail fails the task on the first unresolved conflict.
	ConflictFail = "fail"
)

// Config is the merged foreman configuration.
// Fields are ordered to minimize memory padding.
type Config struct {
	Agents    AgentsConfig    `toml:"agents"`
	Workers   WorkersConfig   `toml:"workers"`
	Instances InstancesConfig `toml:"instances"`
	Repo      RepoConfig      `toml:"repo"`
	Tests     TestsConfig     `toml:"tests"`
	Merge     MergeConfig     `toml:"merge"`
	Store     StoreConfig     `toml:"store"`
	Log       LogConfig       `toml:"log"`
}

// WorkersConfig controls the worker pool.
type WorkersConfig struct {
	// Count is the number of concurrent workers.
	Count int `toml:"count"`

	// PollInterval is how often idle workers re-check the task source,
	// as a Go duration string.
	PollInterval string `toml:"poll_interval"`

	// RetryInterval is the wait between integration retries.
	RetryInterval string `toml:"retry_interval"`
}

// InstancesConfig controls the instance registry.
type InstancesConfig struct {
	// Cap is the maximum number of registered instances; creating one
	// past the cap evicts the oldest.
	Cap int `toml:"cap"`
}

// RepoConfig describes the repository foreman operates on.
type RepoConfig struct {
	// BaseBranch is the shared trunk that task branches merge into.
	BaseBranch string `toml:"base_branch"`
}

// AgentsConfig describes the agent commands workers run.
type AgentsConfig struct {
	// Commands maps agent names to shell commands.
	Commands map[string]string `toml:"commands"`

	// Default is the command used for agents with no entry in Commands.
	Default string `toml:"default"`
}

// TestsConfig describes the optional post-merge verification command.
type TestsConfig struct {
	Command string `toml:"command"`
}

// MergeConfig controls conflict handling.
type MergeConfig struct {
	// ConflictPolicy is "retry" or "fail".
	ConflictPolicy string `toml:"conflict_policy"`
}

// StoreConfig selects the iteration state backend.
type StoreConfig struct {
	// Backend is "json", "sqlite" or "git".
	Backend string `toml:"backend"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// NewDefault returns the default configuration.
func NewDefault() *Config {
	return &Config{
		Agents: AgentsConfig{
			Commands: make(map[string]string),
		},
		Workers: WorkersConfig{
			Count:         1,
			PollInterval:  "2s",
			RetryInterval: "5s",
		},
		Instances: InstancesConfig{Cap: 10},
		Repo:      RepoConfig{BaseBranch: "main"},
		Merge:     MergeConfig{ConflictPolicy: ConflictRetry},
		Store:     StoreConfig{Backend: StoreJSON},
		Log:       LogConfig{Level: "info"},
	}
}

// Validate checks field values and cross-field constraints.
func (c *Config) Validate() error {
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count)
	}
	if c.Instances.Cap < 1 {
		return fmt.Errorf("instances.cap must be at least 1, got %d", c.Instances.Cap)
	}
	// Each worker holds one registered instance for the whole run; a
	// cap below the pool size would evict live workers.
	if c.Instances.Cap < c.Workers.Count {
		return fmt.Errorf("instances.cap (%d) must be at least workers.count (%d)",
			c.Instances.Cap, c.Workers.Count)
	}
	if c.Repo.BaseBranch == "" {
		return fmt.Errorf("repo.base_branch must not be empty")
	}
	if _, err := time.ParseDuration(c.Workers.PollInterval); err != nil {
		return fmt.Errorf("workers.poll_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Workers.RetryInterval); err != nil {
		return fmt.Errorf("workers.retry_interval: %w", err)
	}
	switch c.Merge.ConflictPolicy {
	case ConflictRetry, ConflictFail:
	default:
		return fmt.Errorf("merge.conflict_policy must be %q or %q, got %q",
			ConflictRetry, ConflictFail, c.Merge.ConflictPolicy)
	}
	switch c.Store.Backend {
	case StoreJSON, StoreSQLite, StoreGit:
	default:
		return fmt.Errorf("store.backend must be %q, %q or %q, got %q",
			StoreJSON, StoreSQLite, StoreGit, c.Store.Backend)
	}
	return nil
}

// PollInterval returns the parsed worker poll interval.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Workers.PollInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// RetryInterval returns the parsed integration retry interval.
func (c *Config) RetryInterval() time.Duration {
	d, err := time.ParseDuration(c.Workers.RetryInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
