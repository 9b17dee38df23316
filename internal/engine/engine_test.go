package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/registry"
	"github.com/foremanhq/foreman/internal/testutil"
)

type harness struct {
	tasks    *testutil.MockTaskSource
	ws       *testutil.MockWorkspaceManager
	factory  *testutil.MockControllerFactory
	store    *testutil.MockStateStore
	registry *registry.Registry
}

func newHarness(tasks ...domain.ReadyTask) *harness {
	h := &harness{
		tasks:   &testutil.MockTaskSource{Tasks: tasks},
		ws:      &testutil.MockWorkspaceManager{},
		factory: &testutil.MockControllerFactory{},
		store:   testutil.NewMockStateStore(),
	}
	h.registry = registry.New(registry.Options{
		Factory: h.factory,
		Store:   h.store,
		Clock:   &testutil.MockClock{NowTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	})
	return h
}

func (h *harness) engine(opts Options) *Engine {
	opts.Tasks = h.tasks
	opts.Workspaces = h.ws
	opts.Registry = h.registry
	if opts.AgentName == "" {
		opts.AgentName = "claude"
	}
	return New(opts)
}

func closedIDs(h *harness) []string {
	return h.tasks.Closed()
}

func TestEngine_ProcessesAllTasks(t *testing.T) {
	h := newHarness(
		domain.ReadyTask{ID: "task-1", Title: "First"},
		domain.ReadyTask{ID: "task-2", Title: "Second"},
	)
	e := h.engine(Options{WorkerCount: 2, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(closedIDs(h)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"task-1", "task-2"}, closedIDs(h))
	assert.Zero(t, h.registry.Size(), "instances disposed on shutdown")
}

func TestEngine_RegistersOneInstancePerWorker(t *testing.T) {
	h := newHarness()
	e := h.engine(Options{WorkerCount: 3, PollInterval: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(e.Workers()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, h.registry.Size())

	cancel()
	require.NoError(t, <-done)
}

func TestEngine_WakesOnWatchSignal(t *testing.T) {
	h := newHarness()
	watchCh := make(chan struct{}, 1)
	e := h.engine(Options{
		WorkerCount:  1,
		PollInterval: time.Minute, // only the watch signal can wake the pool
		Watch: func(context.Context) (<-chan struct{}, error) {
			return watchCh, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Let the worker drain the empty queue and park.
	require.Eventually(t, func() bool {
		return len(e.Workers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	h.tasks.Add(domain.ReadyTask{ID: "late", Title: "Late arrival"})
	watchCh <- struct{}{}

	require.Eventually(t, func() bool {
		return len(closedIDs(h)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEngine_StopEndsRun(t *testing.T) {
	h := newHarness()
	e := h.engine(Options{WorkerCount: 2, PollInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(e.Workers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	e.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Zero(t, h.registry.Size())
}

func TestEngine_WorkerEventsLandInRegistry(t *testing.T) {
	h := newHarness(domain.ReadyTask{ID: "task-1", Title: "First"})
	e := h.engine(Options{WorkerCount: 1, PollInterval: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(closedIDs(h)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	events := h.registry.Events("worker-1")
	var types []domain.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, domain.EventTaskStarted)
	assert.Contains(t, types, domain.EventTaskCompleted)

	cancel()
	require.NoError(t, <-done)
}

func TestEngine_DuplicateWorkerRegistration(t *testing.T) {
	h := newHarness()

	// Occupy the first worker's slot so registration collides.
	_, err := h.registry.Create(context.Background(), registry.CreateInput{ID: "worker-1"})
	require.NoError(t, err)

	e := h.engine(Options{WorkerCount: 1, PollInterval: time.Minute})
	err = e.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrInstanceExists)
}
