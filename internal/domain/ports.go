package domain

import (
	"context"
	"time"
)

// TaskSource supplies claimable tasks. Claim must be atomic across
// concurrent workers; the worker loop relies on that and does not add
// its own coordination.
type TaskSource interface {
	// ReadyTask returns the next claimable task, or nil if none is ready.
	ReadyTask(ctx context.Context) (*ReadyTask, error)

	// Claim marks a task as taken. Returns ErrTaskAlreadyClaimed if
	// another worker got there first.
	Claim(ctx context.Context, id string) error

	// Close marks a task as done.
	Close(ctx context.Context, id string) error
}

// MergeResult describes the outcome of an integration attempt.
type MergeResult struct {
	Message      string
	Success      bool
	HadConflicts bool
}

// WorkspaceManager materializes isolated workspaces and folds their
// branches back into the shared trunk. Trunk mutation is serialized by
// the implementation; callers may integrate concurrently.
type WorkspaceManager interface {
	// PullLatest syncs the shared trunk with upstream history.
	PullLatest(ctx context.Context) error

	// Create materializes an isolated workspace+branch keyed by
	// (workerName, taskID) and returns its path. An existing workspace
	// for the same key is replaced.
	Create(ctx context.Context, workerName, taskID string) (string, error)

	// Merge attempts to integrate the (workerName, taskID) branch into
	// the trunk.
	Merge(ctx context.Context, workerName, taskID string) (MergeResult, error)

	// ConflictingFiles lists paths left conflicted by the last merge.
	ConflictingFiles(ctx context.Context) ([]string, error)

	// AbortMerge abandons an in-progress conflicted merge.
	AbortMerge(ctx context.Context) error

	// Remove deletes the isolated workspace and its branch.
	Remove(ctx context.Context, workerName, taskID string) error
}

// AgentListeners receives notifications from an agent controller. Nil
// callbacks are skipped. Callbacks are invoked from the controller's
// reader goroutine and must not block.
type AgentListeners struct {
	OnEvent  func(AgentEvent)
	OnStatus func(InstanceStatus)
	OnError  func(error)
	OnExit   func(code int)
}

// AgentController drives one external agent process.
type AgentController interface {
	// Spawn starts the agent process in the given working directory.
	Spawn(ctx context.Context, dir string) error

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Send delivers a payload to the agent's stdin.
	Send(ctx context.Context, payload string) error

	// Pause suspends the agent process.
	Pause() error

	// Resume continues a paused agent process.
	Resume() error

	// Stop terminates the process gracefully, escalating after a grace
	// period.
	Stop(ctx context.Context) error

	// Kill terminates the process immediately.
	Kill() error

	// CanAcceptMessages reports whether Send would be delivered.
	CanAcceptMessages() bool

	// IsRunning reports whether the process is alive.
	IsRunning() bool

	// Status returns the controller's current lifecycle status.
	Status() InstanceStatus

	// Attach registers listeners and returns a detach function.
	Attach(l AgentListeners) (detach func())
}

// AgentControllerFactory constructs controllers bound to a working
// directory. The registry uses it during instance creation.
type AgentControllerFactory interface {
	New(agentName, workDir string) (AgentController, error)
}

// StateStore persists iteration state snapshots keyed by instance ID.
type StateStore interface {
	// Save writes a snapshot, replacing any previous one for the
	// same instance.
	Save(ctx context.Context, state *IterationState) error

	// Load returns the snapshot for an instance, or ErrStateNotFound.
	Load(ctx context.Context, instanceID string) (*IterationState, error)

	// Delete removes the snapshot. Returns false if none existed.
	Delete(ctx context.Context, instanceID string) (bool, error)
}

// TestResult is the outcome of a post-merge verification run.
type TestResult struct {
	Output  string
	Success bool
}

// TestRunner is an optional post-merge verification hook.
type TestRunner interface {
	RunTests(ctx context.Context) (TestResult, error)
}

// ConflictDecision is a conflict hook's verdict.
type ConflictDecision string

// Conflict decisions.
const (
	// ConflictResolved aborts the merge attempt and retries the agent run.
	ConflictResolved ConflictDecision = "resolved"

	// ConflictAbort aborts the merge and fails the task.
	ConflictAbort ConflictDecision = "abort"
)

// ConflictContext describes a detected merge conflict for a hook.
type ConflictContext struct {
	TaskID           string
	WorkerName       string
	WorkspacePath    string
	ConflictingFiles []string
}

// ConflictHook is an optional merge-conflict handler. When none is
// configured the loop behaves as if it always returned ConflictResolved.
type ConflictHook interface {
	OnMergeConflict(ctx context.Context, c ConflictContext) (ConflictDecision, error)
}

// Logger writes categorized log messages, optionally scoped to an
// instance.
type Logger interface {
	Debug(instanceID, category, msg string)
	Info(instanceID, category, msg string)
	Warn(instanceID, category, msg string)
	Error(instanceID, category, msg string)
}

// NopLogger is a Logger that discards everything.
type NopLogger struct{}

// Debug discards the message.
func (NopLogger) Debug(string, string, string) {}

// Info discards the message.
func (NopLogger) Info(string, string, string) {}

// Warn discards the message.
func (NopLogger) Warn(string, string, string) {}

// Error discards the message.
func (NopLogger) Error(string, string, string) {}

// Clock provides time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}
