package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/domain"
)

// setupGitRepo creates a temporary git repository with one commit and
// returns its root, the base branch name and a manager for it.
func setupGitRepo(t *testing.T) (string, string, *Manager) {
	t.Helper()

	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")

	readme := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("# Test\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")

	base := gitOutput(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
	mgr := NewManager(dir, domain.RepoForemanDir(dir), base)
	return dir, base, mgr
}

// runGit executes a git command and fails the test if it errors.
func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, out)
}

// gitOutput executes a git command and returns its trimmed stdout.
func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, out)
	return strings.TrimSpace(string(out))
}

func TestManager_Create(t *testing.T) {
	dir, _, mgr := setupGitRepo(t)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "alpha", "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspacePath(domain.RepoForemanDir(dir), "alpha", "task-1"), path)

	// The worktree is checked out on its own branch.
	branch := gitOutput(t, path, "rev-parse", "--abbrev-ref", "HEAD")
	assert.Equal(t, "foreman/alpha/task-1", branch)

	// Repo files are present in the workspace.
	_, err = os.Stat(filepath.Join(path, "README.md"))
	assert.NoError(t, err)
}

func TestManager_Create_ReplacesStaleWorkspace(t *testing.T) {
	_, _, mgr := setupGitRepo(t)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "alpha", "task-1")
	require.NoError(t, err)

	// Leave junk in the old workspace, then recreate.
	stale := filepath.Join(path, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("leftover\n"), 0o644))

	path2, err := mgr.Create(ctx, "alpha", "task-1")
	require.NoError(t, err)
	assert.Equal(t, path, path2)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale file should be gone after recreate")
}

func TestManager_Merge_Success(t *testing.T) {
	dir, _, mgr := setupGitRepo(t)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "alpha", "task-1")
	require.NoError(t, err)

	feature := filepath.Join(path, "feature.txt")
	require.NoError(t, os.WriteFile(feature, []byte("done\n"), 0o644))
	runGit(t, path, "add", ".")
	runGit(t, path, "commit", "-m", "Complete task")

	res, err := mgr.Merge(ctx, "alpha", "task-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.HadConflicts)

	// The trunk now has the file.
	_, err = os.Stat(filepath.Join(dir, "feature.txt"))
	assert.NoError(t, err)
}

func TestManager_Merge_Conflict(t *testing.T) {
	dir, _, mgr := setupGitRepo(t)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "alpha", "task-1")
	require.NoError(t, err)

	// Same file changed on trunk and in the workspace.
	readme := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("# Trunk\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Update README on trunk")

	wsReadme := filepath.Join(path, "README.md")
	require.NoError(t, os.WriteFile(wsReadme, []byte("# Workspace\n"), 0o644))
	runGit(t, path, "add", ".")
	runGit(t, path, "commit", "-m", "Update README in workspace")

	res, err := mgr.Merge(ctx, "alpha", "task-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.HadConflicts)

	files, err := mgr.ConflictingFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, files)

	require.NoError(t, mgr.AbortMerge(ctx))

	// MERGE_HEAD is gone and the trunk is clean again.
	_, err = os.Stat(filepath.Join(dir, ".git", "MERGE_HEAD"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, gitOutput(t, dir, "status", "--porcelain"))
}

func TestManager_Merge_NotOnBaseBranch(t *testing.T) {
	dir, _, mgr := setupGitRepo(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "alpha", "task-1")
	require.NoError(t, err)

	runGit(t, dir, "checkout", "-b", "detour")

	_, err = mgr.Merge(ctx, "alpha", "task-1")
	assert.ErrorIs(t, err, domain.ErrNotOnBaseBranch)
}

func TestManager_Remove(t *testing.T) {
	dir, _, mgr := setupGitRepo(t)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "alpha", "task-1")
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(ctx, "alpha", "task-1"))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "workspace dir should be deleted")

	branches := gitOutput(t, dir, "branch", "--list", "foreman/alpha/task-1")
	assert.Empty(t, branches, "task branch should be deleted")
}

func TestManager_Remove_MissingWorkspace(t *testing.T) {
	_, _, mgr := setupGitRepo(t)

	// Removing a workspace that never existed only prunes.
	assert.NoError(t, mgr.Remove(context.Background(), "alpha", "ghost"))
}

func TestManager_PullLatest_NoRemote(t *testing.T) {
	_, _, mgr := setupGitRepo(t)

	// No remote configured: pull is a no-op.
	assert.NoError(t, mgr.PullLatest(context.Background()))
}

func TestManager_PullLatest_WithRemote(t *testing.T) {
	// Upstream repo with one commit.
	upstream, base, _ := setupGitRepo(t)

	// Clone it, then add a commit upstream.
	cloneParent := t.TempDir()
	clone := filepath.Join(cloneParent, "clone")
	runGit(t, cloneParent, "clone", upstream, clone)
	runGit(t, clone, "config", "user.email", "test@example.com")
	runGit(t, clone, "config", "user.name", "Test User")

	extra := filepath.Join(upstream, "extra.txt")
	require.NoError(t, os.WriteFile(extra, []byte("more\n"), 0o644))
	runGit(t, upstream, "add", ".")
	runGit(t, upstream, "commit", "-m", "Add extra file")

	mgr := NewManager(clone, domain.RepoForemanDir(clone), base)
	require.NoError(t, mgr.PullLatest(context.Background()))

	_, err := os.Stat(filepath.Join(clone, "extra.txt"))
	assert.NoError(t, err, "pull should bring the upstream commit")
}
