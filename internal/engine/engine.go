// Package engine runs the worker pool against a shared task source and
// a single instance registry, and keeps the pool alive across quiet
// periods by waking workers when new tasks arrive.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/registry"
	"github.com/foremanhq/foreman/internal/worker"
)

// defaultPollInterval is the fallback wake cadence when the task
// source cannot push change notifications.
const defaultPollInterval = 2 * time.Second

// Options configures an Engine.
type Options struct {
	Tasks      domain.TaskSource
	Workspaces domain.WorkspaceManager
	Registry   *registry.Registry
	Tests      domain.TestRunner   // optional post-merge verification
	OnConflict domain.ConflictHook // optional merge-conflict handler
	Clock      domain.Clock
	Logger     domain.Logger

	// Watch, when non-nil, returns a channel that signals whenever the
	// task source may have new work. Workers are woken on it in
	// addition to the poll interval.
	Watch func(ctx context.Context) (<-chan struct{}, error)

	AgentName     string
	WorkerCount   int
	PollInterval  time.Duration
	RetryInterval time.Duration
}

// Engine owns the worker pool.
type Engine struct {
	opts    Options
	mu      sync.Mutex
	workers []*worker.Worker
	wakes   []chan struct{}
}

// New creates an engine. Workers are constructed lazily by Run.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = domain.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = domain.NopLogger{}
	}
	if opts.WorkerCount < 1 {
		opts.WorkerCount = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Engine{opts: opts}
}

// Run registers one instance per worker, runs all workers until ctx is
// cancelled, then disposes every instance. Each worker re-enters its
// loop whenever the poll interval elapses or the task watcher signals,
// so a drained queue parks the pool instead of ending it.
func (e *Engine) Run(ctx context.Context) error {
	var watch <-chan struct{}
	if e.opts.Watch != nil {
		ch, err := e.opts.Watch(ctx)
		if err != nil {
			e.opts.Logger.Warn("", "engine", fmt.Sprintf("task watch unavailable, polling only: %v", err))
		} else {
			watch = ch
		}
	}

	type member struct {
		w    *worker.Worker
		wake chan struct{}
	}
	members := make([]member, 0, e.opts.WorkerCount)

	for i := range e.opts.WorkerCount {
		name := fmt.Sprintf("worker-%d", i+1)

		inst, err := e.opts.Registry.Create(ctx, registry.CreateInput{
			ID:          name,
			DisplayName: name,
			AgentName:   e.opts.AgentName,
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}

		w := worker.New(worker.Options{
			Tasks:      e.opts.Tasks,
			Workspaces: e.opts.Workspaces,
			Controller: inst.Controller,
			Tests:      e.opts.Tests,
			OnConflict: e.opts.OnConflict,
			Clock:      e.opts.Clock,
			Logger:     e.opts.Logger,
			Notify: func(ev domain.AgentEvent) {
				e.opts.Registry.AppendEvent(name, ev)
			},
			RecordConflict: func(mc *domain.MergeConflict) {
				e.opts.Registry.SetMergeConflict(name, mc)
			},
			Name:          name,
			RetryInterval: e.opts.RetryInterval,
		})

		members = append(members, member{w: w, wake: make(chan struct{}, 1)})
	}

	e.mu.Lock()
	for _, m := range members {
		e.workers = append(e.workers, m.w)
		e.wakes = append(e.wakes, m.wake)
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	// Fan the watcher signal out to every worker. Runs outside the
	// group so a stopped pool does not wait on it.
	fanoutCtx, fanoutCancel := context.WithCancel(ctx)
	defer fanoutCancel()
	if watch != nil {
		go func() {
			for {
				select {
				case <-fanoutCtx.Done():
					return
				case _, ok := <-watch:
					if !ok {
						return
					}
					e.Wake()
				}
			}
		}()
	}

	for _, m := range members {
		g.Go(func() error {
			e.runWorker(gctx, m.w, m.wake)
			return nil
		})
	}

	err := g.Wait()

	// Workers are done; checkpoint and release every instance.
	if disposeErr := e.opts.Registry.DisposeAll(context.Background()); disposeErr != nil {
		e.opts.Logger.Warn("", "engine", fmt.Sprintf("dispose instances: %v", disposeErr))
	}
	return err
}

// runWorker alternates between draining the queue and parking until
// the next wake.
func (e *Engine) runWorker(ctx context.Context, w *worker.Worker, wake chan struct{}) {
	for {
		w.RunLoop(ctx)
		if ctx.Err() != nil || w.Stopped() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(e.opts.PollInterval):
		}
	}
}

// Wake nudges every parked worker to re-check the task source.
func (e *Engine) Wake() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.wakes {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Pause pauses every worker at its next step boundary.
func (e *Engine) Pause() {
	for _, w := range e.workersSnapshot() {
		w.Pause()
	}
}

// Resume lifts a pool-wide pause.
func (e *Engine) Resume() {
	for _, w := range e.workersSnapshot() {
		w.Resume()
	}
}

// Stop asks every worker to finish its current task and exit.
func (e *Engine) Stop() {
	for _, w := range e.workersSnapshot() {
		w.Stop()
	}
	e.Wake()
}

// Workers returns the current worker pool.
func (e *Engine) Workers() []*worker.Worker {
	return e.workersSnapshot()
}

func (e *Engine) workersSnapshot() []*worker.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*worker.Worker(nil), e.workers...)
}
