package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noteRecorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *noteRecorder) record(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *noteRecorder) ofKind(k NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	factory  *testutil.MockControllerFactory
	store    *testutil.MockStateStore
	clock    *testutil.MockClock
	notes    *noteRecorder
	registry *Registry
}

func newHarness(cap int) *harness {
	h := &harness{
		factory: &testutil.MockControllerFactory{},
		store:   testutil.NewMockStateStore(),
		clock:   &testutil.MockClock{NowTime: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)},
		notes:   &noteRecorder{},
	}
	h.registry = New(Options{
		Factory: h.factory,
		Store:   h.store,
		Clock:   h.clock,
		Notify:  h.notes.record,
		Cap:     cap,
	})
	return h
}

func (h *harness) create(t *testing.T, id string) (*domain.Instance, *testutil.MockAgentController) {
	t.Helper()
	inst, err := h.registry.Create(context.Background(), CreateInput{ID: id, AgentName: "coder"})
	require.NoError(t, err)
	ctrl := h.factory.Made[len(h.factory.Made)-1]
	return inst, ctrl
}

func TestCreate_DuplicateIDFails(t *testing.T) {
	h := newHarness(0)
	h.create(t, "a")

	_, err := h.registry.Create(context.Background(), CreateInput{ID: "a"})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInstanceExists)
	assert.Contains(t, err.Error(), `instance with ID "a" already exists`)
	assert.Equal(t, 1, h.registry.Size())
}

func TestCreate_RegistersAndNotifies(t *testing.T) {
	h := newHarness(0)
	inst, _ := h.create(t, "a")

	assert.Equal(t, "a", inst.ID)
	assert.True(t, h.registry.Has("a"))
	assert.Equal(t, []string{"a"}, h.registry.IDs())
	require.Len(t, h.notes.ofKind(NoteInstanceCreated), 1)
	assert.Equal(t, "a", h.notes.ofKind(NoteInstanceCreated)[0].InstanceID)

	got, ok := h.registry.Get("a")
	require.True(t, ok)
	assert.Same(t, inst, got)
}

func TestCreate_GeneratesIDWhenEmpty(t *testing.T) {
	h := newHarness(0)
	inst, err := h.registry.Create(context.Background(), CreateInput{AgentName: "coder"})

	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.True(t, h.registry.Has(inst.ID))
}

func TestForwarding_TaskLifecycleUpdatesCurrentTask(t *testing.T) {
	h := newHarness(0)
	_, ctrl := h.create(t, "a")

	ctrl.EmitEvent(domain.AgentEvent{Type: domain.EventTaskStarted, TaskID: "t1", TaskTitle: "Fix it"})

	taskID, title, ok := h.registry.CurrentTask("a")
	require.True(t, ok)
	assert.Equal(t, "t1", taskID)
	assert.Equal(t, "Fix it", title)

	ctrl.EmitEvent(domain.AgentEvent{Type: domain.EventTaskCompleted, TaskID: "t1"})

	taskID, title, ok = h.registry.CurrentTask("a")
	require.True(t, ok)
	assert.Empty(t, taskID)
	assert.Empty(t, title)

	_, _, ok = h.registry.CurrentTask("ghost")
	assert.False(t, ok)
}

func TestForwarding_TagsEventsWithInstanceID(t *testing.T) {
	h := newHarness(0)
	_, ctrl := h.create(t, "a")

	ctrl.EmitEvent(domain.AgentEvent{Type: domain.EventOutput, Content: "hello"})

	forwarded := h.notes.ofKind(NoteEvent)
	require.Len(t, forwarded, 1)
	assert.Equal(t, "a", forwarded[0].InstanceID)
	require.NotNil(t, forwarded[0].Event)
	assert.Equal(t, "hello", forwarded[0].Event.Content)
}

func TestHistory_IsBoundedAndTrimsOldestFirst(t *testing.T) {
	h := newHarness(0)
	_, ctrl := h.create(t, "a")

	const extra = 5
	for i := 0; i < domain.EventHistoryCap+extra; i++ {
		ctrl.EmitEvent(domain.AgentEvent{Type: domain.EventOutput, Content: strconv.Itoa(i)})
	}

	events := h.registry.Events("a")
	require.Len(t, events, domain.EventHistoryCap)
	assert.Equal(t, strconv.Itoa(extra), events[0].Content)
	assert.Equal(t, strconv.Itoa(domain.EventHistoryCap+extra-1), events[len(events)-1].Content)
}

func TestSaveIterationState_WritesSnapshot(t *testing.T) {
	h := newHarness(0)
	_, ctrl := h.create(t, "a")
	ctrl.EmitEvent(domain.AgentEvent{Type: domain.EventTaskStarted, TaskID: "t1", TaskTitle: "Work"})
	ctrl.EmitEvent(domain.AgentEvent{Type: domain.EventUserMessage, Content: "do the thing"})
	ctrl.EmitEvent(domain.AgentEvent{Type: domain.EventAssistant, Content: "done"})
	ctrl.SetStatus(domain.StatusActive)

	require.NoError(t, h.registry.SaveIterationState(context.Background(), "a"))

	state := h.store.Saved("a")
	require.NotNil(t, state)
	assert.Equal(t, "a", state.InstanceID)
	assert.Equal(t, "t1", state.CurrentTaskID)
	assert.Equal(t, domain.StatusActive, state.Status)
	assert.Equal(t, domain.IterationStateVersion, state.Version)
	assert.Equal(t, "do the thing", state.Context.LastPrompt)
	require.Len(t, state.Context.Messages, 2)
}

func TestSaveIterationState_UnknownInstance(t *testing.T) {
	h := newHarness(0)

	err := h.registry.SaveIterationState(context.Background(), "ghost")

	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestSaveIterationState_ConcurrentCallsAreSerialized(t *testing.T) {
	h := newHarness(0)
	h.create(t, "a")
	h.store.SaveDelay = 30 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.registry.SaveIterationState(context.Background(), "a"))
		}()
	}
	wg.Wait()

	assert.False(t, h.store.Overlapped, "saves for one instance must not interleave")
	// Serialized, not deduplicated: both callers performed a save.
	assert.Equal(t, 2, h.store.SaveCalls)
}

func TestAutoSave_OnCheckpointEventKinds(t *testing.T) {
	h := newHarness(0)
	_, ctrl := h.create(t, "a")

	ctrl.EmitEvent(domain.AgentEvent{Type: domain.EventTurnCompleted})

	require.Eventually(t, func() bool {
		return h.store.Saved("a") != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoSave_OnPausedStatus(t *testing.T) {
	h := newHarness(0)
	_, ctrl := h.create(t, "a")

	ctrl.EmitStatus(domain.StatusPaused)

	require.Eventually(t, func() bool {
		return h.store.Saved("a") != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, h.notes.ofKind(NoteStatus), 1)
}

func TestExit_SavesStateBeforeForwarding(t *testing.T) {
	h := newHarness(0)
	_, ctrl := h.create(t, "a")
	ctrl.EmitEvent(domain.AgentEvent{Type: domain.EventUserMessage, Content: "prompt"})

	savedAtExit := false
	recorder := h.registry.opts.Notify
	h.registry.opts.Notify = func(n Notification) {
		if n.Kind == NoteExit {
			savedAtExit = h.store.Saved("a") != nil
		}
		recorder(n)
	}

	ctrl.EmitExit(3)

	assert.True(t, savedAtExit, "state must be captured before the exit notification")
	exits := h.notes.ofKind(NoteExit)
	require.Len(t, exits, 1)
	assert.Equal(t, 3, exits[0].ExitCode)
}

func TestMergeConflict_NotFoundIsDistinctFromNil(t *testing.T) {
	h := newHarness(0)
	h.create(t, "a")

	mc, ok := h.registry.MergeConflict("a")
	assert.True(t, ok)
	assert.Nil(t, mc)

	_, ok = h.registry.MergeConflict("ghost")
	assert.False(t, ok)

	conflict := &domain.MergeConflict{Branch: "foreman/alpha/t1", Files: []string{"x.go"}}
	assert.True(t, h.registry.SetMergeConflict("a", conflict))
	mc, ok = h.registry.MergeConflict("a")
	require.True(t, ok)
	assert.Equal(t, conflict, mc)

	assert.True(t, h.registry.SetMergeConflict("a", nil))
	mc, _ = h.registry.MergeConflict("a")
	assert.Nil(t, mc)

	assert.False(t, h.registry.SetMergeConflict("ghost", conflict))
}

func TestDispose_SavesStopsAndDetaches(t *testing.T) {
	h := newHarness(0)
	_, ctrl := h.create(t, "a")
	ctrl.SetStatus(domain.StatusActive)
	ctrl.EmitEvent(domain.AgentEvent{Type: domain.EventUserMessage, Content: "prompt"})

	require.NoError(t, h.registry.Dispose(context.Background(), "a"))

	assert.NotNil(t, h.store.Saved("a"))
	assert.Equal(t, 1, ctrl.StopCalls)
	assert.Zero(t, ctrl.ListenerCount())
	assert.False(t, h.registry.Has("a"))
	require.Len(t, h.notes.ofKind(NoteInstanceDisposed), 1)
}

func TestDispose_IsIdempotent(t *testing.T) {
	h := newHarness(0)
	h.create(t, "a")

	require.NoError(t, h.registry.Dispose(context.Background(), "a"))
	require.NoError(t, h.registry.Dispose(context.Background(), "a"))
	require.NoError(t, h.registry.Dispose(context.Background(), "ghost"))

	assert.Len(t, h.notes.ofKind(NoteInstanceDisposed), 1)
}

func TestDisposeAll_RemovesEverything(t *testing.T) {
	h := newHarness(0)
	h.create(t, "a")
	h.create(t, "b")
	h.create(t, "c")

	require.NoError(t, h.registry.DisposeAll(context.Background()))

	assert.Zero(t, h.registry.Size())
	assert.Len(t, h.notes.ofKind(NoteInstanceDisposed), 3)
}

func TestEviction_PrefersOldestStopped(t *testing.T) {
	h := newHarness(2)
	_, ctrlA := h.create(t, "a")
	ctrlA.SetStatus(domain.StatusStopped)
	h.clock.NowTime = h.clock.NowTime.Add(time.Minute)
	_, ctrlB := h.create(t, "b")
	ctrlB.SetStatus(domain.StatusActive)
	h.clock.NowTime = h.clock.NowTime.Add(time.Minute)

	h.create(t, "c")

	require.Eventually(t, func() bool {
		return h.registry.Size() <= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.registry.Has("a"), "oldest stopped instance should be evicted")
	assert.True(t, h.registry.Has("b"))
	assert.True(t, h.registry.Has("c"), "the just-created instance is never evicted")
}

func TestEviction_FallsBackToOldestWhenNoneStopped(t *testing.T) {
	h := newHarness(2)
	_, ctrlA := h.create(t, "a")
	ctrlA.SetStatus(domain.StatusActive)
	h.clock.NowTime = h.clock.NowTime.Add(time.Minute)
	_, ctrlB := h.create(t, "b")
	ctrlB.SetStatus(domain.StatusActive)
	h.clock.NowTime = h.clock.NowTime.Add(time.Minute)

	h.create(t, "c")

	require.Eventually(t, func() bool {
		return h.registry.Size() <= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.registry.Has("a"))
	assert.True(t, h.registry.Has("c"))
}

func TestEviction_CreateBurstConvergesToCap(t *testing.T) {
	h := newHarness(2)
	for _, id := range []string{"i1", "i2", "i3", "i4", "i5", "i6"} {
		h.create(t, id)
		h.clock.NowTime = h.clock.NowTime.Add(time.Minute)
	}

	require.Eventually(t, func() bool {
		return h.registry.Size() <= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, h.registry.Has("i5"))
	assert.True(t, h.registry.Has("i6"), "the newest instances survive the burst")
}

func TestLoadIterationState_FailureIsTreatedAsNoState(t *testing.T) {
	h := newHarness(0)
	h.create(t, "a")

	assert.Nil(t, h.registry.LoadIterationState(context.Background(), "a"))

	h.store.LoadErr = errors.New("disk on fire")
	assert.Nil(t, h.registry.LoadIterationState(context.Background(), "a"))
}

func TestDeleteIterationState(t *testing.T) {
	h := newHarness(0)
	h.create(t, "a")
	require.NoError(t, h.registry.SaveIterationState(context.Background(), "a"))

	assert.True(t, h.registry.DeleteIterationState(context.Background(), "a"))
	assert.False(t, h.registry.DeleteIterationState(context.Background(), "a"))

	h.store.DeleteErr = errors.New("nope")
	assert.False(t, h.registry.DeleteIterationState(context.Background(), "a"))
}

func TestAppendEvent_FeedsHistoryAndForwarding(t *testing.T) {
	h := newHarness(0)
	h.create(t, "a")

	ok := h.registry.AppendEvent("a", domain.AgentEvent{Type: domain.EventIdle})
	require.True(t, ok)
	assert.False(t, h.registry.AppendEvent("ghost", domain.AgentEvent{Type: domain.EventIdle}))

	events := h.registry.Events("a")
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventIdle, events[0].Type)
}

func TestCreate_FactoryFailure(t *testing.T) {
	h := newHarness(0)
	h.factory.NewErr = fmt.Errorf("agent binary missing")

	_, err := h.registry.Create(context.Background(), CreateInput{ID: "a"})

	require.Error(t, err)
	assert.Zero(t, h.registry.Size())
}
