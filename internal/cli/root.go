// Package cli provides the command-line interface for foreman.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/app"
)

// Command group IDs.
const (
	groupSetup = "setup"
	groupRun   = "run"
	groupState = "state"
)

// NewRootCommand creates the root command for foreman.
// It receives the container for dependency injection and version for display.
func NewRootCommand(c *app.Container, version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "foreman",
		Short: "Autonomous multi-worker task orchestration",
		Long: `foreman runs a pool of autonomous workers against a shared task queue.
Each worker claims a task, prepares an isolated git worktree, runs a
coding agent in it, merges the result back onto the base branch, and
verifies the merge with the configured test command before closing the
task.

Tasks live in .git/foreman/tasks.yaml; edit the file (or use
'foreman task add') while 'foreman run' is active and the pool picks
up new work automatically.`,
		Version: version,
		// SilenceUsage prevents usage from being printed on errors
		SilenceUsage: true,
		// SilenceErrors prevents Cobra from printing errors (we handle it in main)
		SilenceErrors: true,
	}

	// Define command groups
	root.AddGroup(
		&cobra.Group{ID: groupSetup, Title: "Setup Commands:"},
		&cobra.Group{ID: groupRun, Title: "Orchestration:"},
		&cobra.Group{ID: groupState, Title: "State Inspection:"},
	)

	// Setup commands
	initCmd := newInitCommand(c)
	initCmd.GroupID = groupSetup

	configCmd := newConfigCommand(c)
	configCmd.GroupID = groupSetup

	// Orchestration commands
	runCmd := newRunCommand(c)
	runCmd.GroupID = groupRun

	taskCmd := newTaskCommand(c)
	taskCmd.GroupID = groupRun

	// State inspection commands
	statusCmd := newStatusCommand(c)
	statusCmd.GroupID = groupState

	stateCmd := newStateCommand(c)
	stateCmd.GroupID = groupState

	root.AddCommand(
		initCmd,
		configCmd,
		runCmd,
		taskCmd,
		statusCmd,
		stateCmd,
	)

	return root
}
