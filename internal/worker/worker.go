// Package worker drives one perpetual claim→prepare→run→integrate→
// verify→cleanup cycle against a task source, an isolated workspace
// manager and an agent process controller.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/domain"
)

// State is the worker loop's lifecycle state.
type State string

// Worker states.
const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// defaultPauseInterval bounds pause-to-resume latency.
const defaultPauseInterval = 100 * time.Millisecond

// Options configures a Worker.
type Options struct {
	Tasks      domain.TaskSource
	Workspaces domain.WorkspaceManager
	Controller domain.AgentController
	Tests      domain.TestRunner   // optional post-merge verification
	OnConflict domain.ConflictHook // optional; nil means always retry
	Clock      domain.Clock
	Logger     domain.Logger

	// Notify receives loop lifecycle events (idle, task_started,
	// task_completed, error). May be nil.
	Notify func(domain.AgentEvent)

	// RecordConflict records (or clears, with nil) the current merge
	// conflict for the supervising registry. May be nil.
	RecordConflict func(*domain.MergeConflict)

	Name          string
	PauseInterval time.Duration // defaults to 100ms
	RetryInterval time.Duration // delay between inner retry attempts
}

// Worker runs one sequential task-processing loop.
type Worker struct {
	opts    Options
	wake    chan struct{}
	mu      sync.Mutex
	state   State
	paused  bool
	stopped bool
	forced  bool
}

// New creates a worker in the idle state.
func New(opts Options) *Worker {
	if opts.Clock == nil {
		opts.Clock = domain.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = domain.NopLogger{}
	}
	if opts.PauseInterval <= 0 {
		opts.PauseInterval = defaultPauseInterval
	}
	return &Worker{
		opts:  opts,
		wake:  make(chan struct{}, 1),
		state: StateIdle,
	}
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.opts.Name }

// State returns the current loop state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pause delays the next step boundary. An in-flight agent run or merge
// is never interrupted; suspending the agent process itself is the
// controller's Pause, driven separately.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	if w.state == StateRunning {
		w.state = StatePaused
	}
	w.mu.Unlock()
}

// Resume lifts a pause.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	if w.state == StatePaused {
		w.state = StateRunning
	}
	w.mu.Unlock()
	w.signal()
}

// Stop ends the loop after the current iteration boundary. A claimed
// task is still driven to completion first.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.paused = false
	w.mu.Unlock()
	w.signal()
}

// ForceStop additionally kills the in-flight agent process, which can
// abandon a merge or test step mid-way. Cleanup of the orphaned
// workspace is the operator's responsibility; a later workspace
// creation for the same key replaces it.
func (w *Worker) ForceStop() {
	w.mu.Lock()
	w.stopped = true
	w.forced = true
	w.paused = false
	w.mu.Unlock()
	if err := w.opts.Controller.Kill(); err != nil {
		w.opts.Logger.Warn(w.opts.Name, "worker", fmt.Sprintf("kill controller: %v", err))
	}
	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Stopped reports whether Stop or ForceStop has been requested.
func (w *Worker) Stopped() bool {
	return w.isStopped()
}

func (w *Worker) isForced() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.forced
}

// checkpoint is the cooperative wait observed at step boundaries. It
// blocks while paused, waking on the resume signal or at the bounded
// interval. Stop overrides pause.
func (w *Worker) checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.mu.Lock()
		paused := w.paused
		forced := w.forced
		stopped := w.stopped
		w.mu.Unlock()
		if forced {
			return domain.ErrWorkerStopped
		}
		if !paused || stopped {
			return nil
		}
		select {
		case <-w.wake:
		case <-time.After(w.opts.PauseInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunLoop processes ready tasks sequentially until the source is
// drained or the worker is stopped. The engine re-invokes it when new
// tasks arrive, which keeps the worker perpetual across invocations.
func (w *Worker) RunLoop(ctx context.Context) {
	w.setState(StateRunning)
	defer w.setState(StateIdle)

	for {
		if w.isStopped() || ctx.Err() != nil {
			return
		}
		if !w.RunOnce(ctx) {
			return
		}
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	if w.paused && s == StateRunning {
		s = StatePaused
	}
	w.state = s
	w.mu.Unlock()
}

// RunOnce performs a single iteration of the cycle. It returns false
// only when no ready task was available; every other outcome, including
// a reported failure, counts as work attempted. No error escapes: the
// outer catch converts failures into error events so the perpetual loop
// can proceed to the next task.
func (w *Worker) RunOnce(ctx context.Context) bool {
	if err := w.checkpoint(ctx); err != nil {
		return false
	}

	task, err := w.opts.Tasks.ReadyTask(ctx)
	if err != nil {
		w.reportError("", fmt.Errorf("get ready task: %w", err))
		return true
	}
	if task == nil {
		w.emit(domain.AgentEvent{Type: domain.EventIdle})
		return false
	}

	if err := w.opts.Tasks.Claim(ctx, task.ID); err != nil {
		// The task remains claimable by another worker.
		w.reportError(task.ID, fmt.Errorf("claim task %s: %w", task.ID, err))
		return true
	}

	w.emit(domain.AgentEvent{Type: domain.EventTaskStarted, TaskID: task.ID, TaskTitle: task.Title})
	w.opts.Logger.Info(w.opts.Name, "worker", fmt.Sprintf("claimed task %s", task.ID))

	if err := w.processTask(ctx, task); err != nil {
		w.reportError(task.ID, err)
		return true
	}

	if err := w.opts.Tasks.Close(ctx, task.ID); err != nil {
		w.reportError(task.ID, fmt.Errorf("close task %s: %w", task.ID, err))
		return true
	}

	w.emit(domain.AgentEvent{Type: domain.EventTaskCompleted, TaskID: task.ID, TaskTitle: task.Title})
	w.opts.Logger.Info(w.opts.Name, "worker", fmt.Sprintf("completed task %s", task.ID))
	return true
}

// processTask prepares the isolated workspace, runs the agent and
// drives the integration retry loop.
func (w *Worker) processTask(ctx context.Context, task *domain.ReadyTask) error {
	if err := w.checkpoint(ctx); err != nil {
		return err
	}

	if err := w.opts.Workspaces.PullLatest(ctx); err != nil {
		return fmt.Errorf("sync workspace base: %w", err)
	}

	path, err := w.opts.Workspaces.Create(ctx, w.opts.Name, task.ID)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	if err := w.runAgent(ctx, path); err != nil {
		return err
	}

	if err := w.integrate(ctx, task, path); err != nil {
		return err
	}

	if err := w.opts.Workspaces.Remove(ctx, w.opts.Name, task.ID); err != nil {
		w.opts.Logger.Warn(w.opts.Name, "worker", fmt.Sprintf("remove workspace for %s: %v", task.ID, err))
	}
	return nil
}

// runAgent spawns the agent process in the workspace and awaits its
// completion. A non-zero exit is reported as a failure of the run step.
func (w *Worker) runAgent(ctx context.Context, dir string) error {
	if err := w.checkpoint(ctx); err != nil {
		return err
	}
	if err := w.opts.Controller.Spawn(ctx, dir); err != nil {
		return fmt.Errorf("spawn agent: %w", err)
	}
	code, err := w.opts.Controller.Wait(ctx)
	if err != nil {
		return fmt.Errorf("await agent: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("agent exited with code %d", code)
	}
	return nil
}

// integrate folds the task branch into the trunk, retrying through
// conflicts and test failures. Without a conflict hook every conflict
// is treated as resolved and the agent run is retried: the loop never
// gives up on its own initiative.
func (w *Worker) integrate(ctx context.Context, task *domain.ReadyTask, path string) error {
	for {
		if err := w.checkpoint(ctx); err != nil {
			return err
		}

		res, err := w.opts.Workspaces.Merge(ctx, w.opts.Name, task.ID)
		if err != nil {
			w.reportError(task.ID, fmt.Errorf("merge attempt: %w", err))
			w.retryWait(ctx)
			continue
		}

		if res.HadConflicts {
			retry, conflictErr := w.handleConflict(ctx, task, path)
			if conflictErr != nil {
				return conflictErr
			}
			if retry {
				if err := w.runAgent(ctx, path); err != nil {
					return err
				}
			}
			continue
		}

		if !res.Success {
			w.reportError(task.ID, fmt.Errorf("merge failed: %s", res.Message))
			w.retryWait(ctx)
			continue
		}

		w.recordConflict(nil)

		if w.opts.Tests != nil {
			result, testErr := w.opts.Tests.RunTests(ctx)
			if testErr != nil {
				w.reportError(task.ID, fmt.Errorf("run tests: %w", testErr))
				w.retryWait(ctx)
				continue
			}
			if !result.Success {
				// The merge is not reverted; the next attempt runs on
				// top of it.
				w.reportError(task.ID, fmt.Errorf("tests failed: %s", firstLine(result.Output)))
				w.retryWait(ctx)
				continue
			}
		}

		return nil
	}
}

// handleConflict collects the conflicting files, consults the hook and
// aborts the merge attempt. It returns retry=true when the agent run
// should be repeated, or a terminal per-task error on an abort verdict.
func (w *Worker) handleConflict(ctx context.Context, task *domain.ReadyTask, path string) (retry bool, err error) {
	files, filesErr := w.opts.Workspaces.ConflictingFiles(ctx)
	if filesErr != nil {
		w.opts.Logger.Warn(w.opts.Name, "worker", fmt.Sprintf("collect conflicting files: %v", filesErr))
	}

	w.recordConflict(&domain.MergeConflict{
		DetectedAt: w.opts.Clock.Now(),
		Branch:     domain.BranchName(w.opts.Name, task.ID),
		Files:      files,
	})
	w.opts.Logger.Warn(w.opts.Name, "worker",
		fmt.Sprintf("merge conflict on task %s: %s", task.ID, strings.Join(files, ", ")))

	decision := domain.ConflictResolved
	if w.opts.OnConflict != nil {
		d, hookErr := w.opts.OnConflict.OnMergeConflict(ctx, domain.ConflictContext{
			TaskID:           task.ID,
			WorkerName:       w.opts.Name,
			WorkspacePath:    path,
			ConflictingFiles: files,
		})
		if hookErr != nil {
			w.opts.Logger.Warn(w.opts.Name, "worker", fmt.Sprintf("conflict hook: %v", hookErr))
		} else {
			decision = d
		}
	}

	if abortErr := w.opts.Workspaces.AbortMerge(ctx); abortErr != nil {
		w.opts.Logger.Warn(w.opts.Name, "worker", fmt.Sprintf("abort merge: %v", abortErr))
	}

	if decision == domain.ConflictAbort {
		return false, fmt.Errorf("task %s: %w", task.ID, domain.ErrConflictUnresolved)
	}
	return true, nil
}

func (w *Worker) retryWait(ctx context.Context) {
	if w.opts.RetryInterval <= 0 {
		return
	}
	select {
	case <-time.After(w.opts.RetryInterval):
	case <-ctx.Done():
	}
}

func (w *Worker) recordConflict(mc *domain.MergeConflict) {
	if w.opts.RecordConflict != nil {
		w.opts.RecordConflict(mc)
	}
}

func (w *Worker) reportError(taskID string, err error) {
	w.opts.Logger.Error(w.opts.Name, "worker", err.Error())
	w.emit(domain.AgentEvent{Type: domain.EventError, TaskID: taskID, Message: err.Error()})
}

func (w *Worker) emit(ev domain.AgentEvent) {
	if w.opts.Notify == nil {
		return
	}
	ev.Timestamp = w.opts.Clock.Now()
	w.opts.Notify(ev)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
