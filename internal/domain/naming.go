package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// RepoForemanDir returns the foreman data directory for a repository.
func RepoForemanDir(repoRoot string) string {
	return filepath.Join(repoRoot, ".git", "foreman")
}

// BranchName returns the isolated branch name for a worker+task pair.
// Format: foreman/<worker>/<task>
func BranchName(workerName, taskID string) string {
	return fmt.Sprintf("foreman/%s/%s", sanitizeRef(workerName), sanitizeRef(taskID))
}

// WorkspaceDirName returns the directory name for a worker+task workspace.
func WorkspaceDirName(workerName, taskID string) string {
	return fmt.Sprintf("%s-%s", sanitizeRef(workerName), sanitizeRef(taskID))
}

// WorkspacePath returns the isolated workspace checkout path.
func WorkspacePath(foremanDir, workerName, taskID string) string {
	return filepath.Join(foremanDir, "workspaces", WorkspaceDirName(workerName, taskID))
}

// StateDir returns the directory holding iteration state snapshots.
func StateDir(foremanDir string) string {
	return filepath.Join(foremanDir, "state")
}

// StateFileName returns the snapshot file name for an instance. The
// id is sanitized so it cannot traverse out of the state directory.
func StateFileName(instanceID string) string {
	return sanitizeRef(instanceID) + ".json"
}

// StatePath returns the path of one instance's state snapshot.
func StatePath(foremanDir, instanceID string) string {
	return filepath.Join(StateDir(foremanDir), StateFileName(instanceID))
}

// LogDir returns the directory holding log files.
func LogDir(foremanDir string) string {
	return filepath.Join(foremanDir, "logs")
}

// InstanceLogPath returns the path to an instance's log file.
func InstanceLogPath(foremanDir, instanceID string) string {
	return filepath.Join(foremanDir, "logs", sanitizeRef(instanceID)+".log")
}

// GlobalLogPath returns the path to the global log file.
func GlobalLogPath(foremanDir string) string {
	return filepath.Join(foremanDir, "logs", "foreman.log")
}

// ConfigPath returns the path to the config file.
func ConfigPath(foremanDir string) string {
	return filepath.Join(foremanDir, "config.toml")
}

// TasksFilePath returns the path to the YAML task queue file.
func TasksFilePath(foremanDir string) string {
	return filepath.Join(foremanDir, "tasks.yaml")
}

// sanitizeRef replaces characters that are unsafe in ref names and
// file names.
func sanitizeRef(s string) string {
	r := strings.NewReplacer("/", "-", " ", "-", ":", "-", "..", "-", "~", "-", "^", "-")
	return r.Replace(s)
}
