// Package workspace manages isolated git worktree workspaces and their
// integration back into the shared trunk.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/foremanhq/foreman/internal/domain"
)

// Ensure Manager implements domain.WorkspaceManager.
var _ domain.WorkspaceManager = (*Manager)(nil)

// Manager materializes per-(worker, task) worktrees and merges their
// branches into the base branch. Trunk mutations (pull, merge, abort)
// are serialized with an internal mutex so concurrent workers can
// integrate safely.
type Manager struct {
	repoRoot   string
	foremanDir string
	baseBranch string
	trunkMu    sync.Mutex
}

// NewManager creates a workspace manager. foremanDir is the repo's
// foreman data directory; worktrees live under its workspaces/
// subdirectory. baseBranch is the shared trunk.
func NewManager(repoRoot, foremanDir, baseBranch string) *Manager {
	return &Manager{
		repoRoot:   repoRoot,
		foremanDir: foremanDir,
		baseBranch: baseBranch,
	}
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// PullLatest syncs the trunk with its upstream. A repository without a
// remote is left as-is.
func (m *Manager) PullLatest(ctx context.Context) error {
	m.trunkMu.Lock()
	defer m.trunkMu.Unlock()

	remotes, err := m.git(ctx, m.repoRoot, "remote")
	if err != nil {
		return fmt.Errorf("list remotes: %w", err)
	}
	if strings.TrimSpace(remotes) == "" {
		return nil
	}
	if _, err := m.git(ctx, m.repoRoot, "pull", "--ff-only"); err != nil {
		return fmt.Errorf("pull latest: %w", err)
	}
	return nil
}

// Create materializes the worktree and branch for a worker+task pair.
// A leftover workspace for the same key (an abandoned previous attempt)
// is replaced.
func (m *Manager) Create(ctx context.Context, workerName, taskID string) (string, error) {
	branch := domain.BranchName(workerName, taskID)
	path := domain.WorkspacePath(m.foremanDir, workerName, taskID)

	if _, err := os.Stat(path); err == nil {
		if err := m.Remove(ctx, workerName, taskID); err != nil {
			return "", fmt.Errorf("replace stale workspace: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create workspaces dir: %w", err)
	}

	// A stale branch without a worktree is also replaced.
	if m.branchExists(ctx, branch) {
		if _, err := m.git(ctx, m.repoRoot, "branch", "-D", branch); err != nil {
			return "", fmt.Errorf("delete stale branch: %w", err)
		}
	}

	out, err := m.git(ctx, m.repoRoot, "worktree", "add", "-b", branch, path, m.baseBranch)
	if err != nil {
		if strings.Contains(out, "already registered") {
			if _, pruneErr := m.git(ctx, m.repoRoot, "worktree", "prune"); pruneErr != nil {
				return "", fmt.Errorf("prune stale worktrees: %w", pruneErr)
			}
			if _, err = m.git(ctx, m.repoRoot, "worktree", "add", "-b", branch, path, m.baseBranch); err == nil {
				return path, nil
			}
		}
		return "", fmt.Errorf("create worktree: %w", err)
	}
	return path, nil
}

// Merge folds the worker+task branch into the base branch with --no-ff.
// A conflicted merge is left in place so conflicting files can be
// collected; the caller aborts or resolves it.
func (m *Manager) Merge(ctx context.Context, workerName, taskID string) (domain.MergeResult, error) {
	m.trunkMu.Lock()
	defer m.trunkMu.Unlock()

	branch := domain.BranchName(workerName, taskID)

	current, err := m.git(ctx, m.repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return domain.MergeResult{}, fmt.Errorf("get current branch: %w", err)
	}
	if strings.TrimSpace(current) != m.baseBranch {
		return domain.MergeResult{}, fmt.Errorf("trunk checkout is on %q, want %q: %w",
			strings.TrimSpace(current), m.baseBranch, domain.ErrNotOnBaseBranch)
	}

	out, err := m.git(ctx, m.repoRoot, "merge", "--no-ff", "--no-edit", branch)
	if err == nil {
		return domain.MergeResult{Success: true}, nil
	}

	conflicted, confErr := m.conflictingFilesLocked(ctx)
	if confErr == nil && len(conflicted) > 0 {
		return domain.MergeResult{HadConflicts: true, Message: strings.TrimSpace(out)}, nil
	}
	return domain.MergeResult{Message: err.Error()}, nil
}

// ConflictingFiles lists paths left unmerged by the last merge attempt.
func (m *Manager) ConflictingFiles(ctx context.Context) ([]string, error) {
	m.trunkMu.Lock()
	defer m.trunkMu.Unlock()
	return m.conflictingFilesLocked(ctx)
}

func (m *Manager) conflictingFilesLocked(ctx context.Context) ([]string, error) {
	out, err := m.git(ctx, m.repoRoot, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("list conflicting files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// AbortMerge abandons an in-progress merge on the trunk.
func (m *Manager) AbortMerge(ctx context.Context) error {
	m.trunkMu.Lock()
	defer m.trunkMu.Unlock()
	if _, err := m.git(ctx, m.repoRoot, "merge", "--abort"); err != nil {
		return fmt.Errorf("abort merge: %w", err)
	}
	return nil
}

// Remove deletes the worktree and branch for a worker+task pair.
func (m *Manager) Remove(ctx context.Context, workerName, taskID string) error {
	branch := domain.BranchName(workerName, taskID)
	path := domain.WorkspacePath(m.foremanDir, workerName, taskID)

	if _, err := os.Stat(path); err == nil {
		if _, err := m.git(ctx, m.repoRoot, "worktree", "remove", "--force", path); err != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
	} else {
		if _, err := m.git(ctx, m.repoRoot, "worktree", "prune"); err != nil {
			return fmt.Errorf("prune worktrees: %w", err)
		}
	}

	if m.branchExists(ctx, branch) {
		if _, err := m.git(ctx, m.repoRoot, "branch", "-D", branch); err != nil {
			return fmt.Errorf("delete branch: %w", err)
		}
	}
	return nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}
