package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))
}

func TestLoader_Load_Defaults(t *testing.T) {
	loader := NewLoaderWithGlobalDir(t.TempDir(), t.TempDir())

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Workers.Count)
	assert.Equal(t, 10, cfg.Instances.Cap)
	assert.Equal(t, "main", cfg.Repo.BaseBranch)
	assert.Equal(t, ConflictRetry, cfg.Merge.ConflictPolicy)
	assert.Equal(t, StoreJSON, cfg.Store.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, 5*time.Second, cfg.RetryInterval())
}

func TestLoader_Load_RepoConfig(t *testing.T) {
	foremanDir := t.TempDir()
	writeConfig(t, foremanDir, `
[workers]
count = 4

[repo]
base_branch = "trunk"

[agents]
default = "claude -p"

[agents.commands]
codex = "codex exec"
`)
	loader := NewLoaderWithGlobalDir(foremanDir, t.TempDir())

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, "trunk", cfg.Repo.BaseBranch)
	assert.Equal(t, "claude -p", cfg.Agents.Default)
	assert.Equal(t, "codex exec", cfg.Agents.Commands["codex"])
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.Instances.Cap)
}

func TestLoader_Load_RepoOverridesGlobal(t *testing.T) {
	foremanDir := t.TempDir()
	globalDir := t.TempDir()

	writeConfig(t, globalDir, `
[workers]
count = 2

[log]
level = "debug"
`)
	writeConfig(t, foremanDir, `
[workers]
count = 8
`)

	loader := NewLoaderWithGlobalDir(foremanDir, globalDir)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Workers.Count, "repo value wins")
	assert.Equal(t, "debug", cfg.Log.Level, "global-only value survives")
}

func TestLoader_Load_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad backend",
			content: "[store]\nbackend = \"redis\"\n",
			wantErr: "store.backend",
		},
		{
			name:    "bad conflict policy",
			content: "[merge]\nconflict_policy = \"panic\"\n",
			wantErr: "merge.conflict_policy",
		},
		{
			name:    "bad poll interval",
			content: "[workers]\npoll_interval = \"soon\"\n",
			wantErr: "workers.poll_interval",
		},
		{
			name:    "negative worker count",
			content: "[workers]\ncount = -1\n",
			wantErr: "workers.count",
		},
		{
			name:    "worker count above instance cap",
			content: "[workers]\ncount = 4\n\n[instances]\ncap = 2\n",
			wantErr: "instances.cap (2) must be at least workers.count (4)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			foremanDir := t.TempDir()
			writeConfig(t, foremanDir, tt.content)
			loader := NewLoaderWithGlobalDir(foremanDir, t.TempDir())

			_, err := loader.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_Load_MalformedTOML(t *testing.T) {
	foremanDir := t.TempDir()
	writeConfig(t, foremanDir, "[workers\ncount = 1\n")
	loader := NewLoaderWithGlobalDir(foremanDir, t.TempDir())

	_, err := loader.Load()
	assert.Error(t, err)
}

func TestLoader_WriteDefault(t *testing.T) {
	foremanDir := filepath.Join(t.TempDir(), "foreman")
	loader := NewLoaderWithGlobalDir(foremanDir, t.TempDir())

	path, err := loader.WriteDefault()
	require.NoError(t, err)
	assert.FileExists(t, path)

	// The generated file parses and validates.
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Workers.Count)

	// A second write refuses to clobber.
	_, err = loader.WriteDefault()
	assert.ErrorContains(t, err, "already exists")
}
