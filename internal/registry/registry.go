// Package registry supervises active (worker, agent controller) pairs.
// It owns the instance set, forwards controller events into a uniform
// instance-tagged stream, checkpoints resumable conversation state and
// bounds the number of live instances.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/replay"
)

// NotificationKind identifies a registry notification.
type NotificationKind string

// Notification kinds.
const (
	NoteInstanceCreated  NotificationKind = "instance_created"
	NoteInstanceDisposed NotificationKind = "instance_disposed"
	NoteEvent            NotificationKind = "event"
	NoteStatus           NotificationKind = "status"
	NoteError            NotificationKind = "error"
	NoteExit             NotificationKind = "exit"
)

// Notification is an instance-tagged message emitted by the registry.
// Fields are ordered to minimize memory padding.
type Notification struct {
	Event      *domain.AgentEvent
	Err        error
	Kind       NotificationKind
	InstanceID string
	Status     domain.InstanceStatus
	ExitCode   int
}

// Options configures a Registry.
type Options struct {
	Factory       domain.AgentControllerFactory
	Store         domain.StateStore
	Clock         domain.Clock
	Logger        domain.Logger
	Notify        func(Notification)
	MainWorkspace string // working directory for instances without an isolated workspace
	Cap           int    // max live instances; 0 disables the cap
}

// CreateInput contains the parameters for registering an instance.
type CreateInput struct {
	ID            string // empty = generated
	DisplayName   string
	AgentName     string
	WorkspacePath string // empty = main workspace
	Branch        string
}

type entry struct {
	instance  *domain.Instance
	detach    func()
	history   []domain.AgentEvent
	appended  int // total events ever appended, including trimmed ones
	disposing bool
}

// Registry tracks active instances. All bookkeeping is guarded by a
// single mutex; store I/O happens outside it.
type Registry struct {
	opts    Options
	entries map[string]*entry
	pending map[string]chan struct{} // in-flight saves, keyed by instance id
	mu      sync.Mutex
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = domain.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = domain.NopLogger{}
	}
	return &Registry{
		opts:    opts,
		entries: make(map[string]*entry),
		pending: make(map[string]chan struct{}),
	}
}

// autoSaveEvents are the event kinds that trigger a best-effort
// checkpoint when forwarded.
var autoSaveEvents = map[domain.EventType]bool{
	domain.EventTurnCompleted: true,
	domain.EventTaskCompleted: true,
}

// Create registers a new instance and wires event forwarding.
// It fails if the id is already registered. After registration the
// instance cap is enforced, which may asynchronously dispose another
// instance.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*domain.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	workDir := in.WorkspacePath
	if workDir == "" {
		workDir = r.opts.MainWorkspace
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("instance with ID %q already exists: %w", id, domain.ErrInstanceExists)
	}
	r.mu.Unlock()

	controller, err := r.opts.Factory.New(in.AgentName, workDir)
	if err != nil {
		return nil, fmt.Errorf("construct controller: %w", err)
	}

	inst := &domain.Instance{
		Created:       r.opts.Clock.Now(),
		Controller:    controller,
		ID:            id,
		DisplayName:   in.DisplayName,
		AgentName:     in.AgentName,
		WorkspacePath: in.WorkspacePath,
		Branch:        in.Branch,
	}

	e := &entry{instance: inst}
	e.detach = controller.Attach(domain.AgentListeners{
		OnEvent:  func(ev domain.AgentEvent) { r.handleEvent(id, ev) },
		OnStatus: func(st domain.InstanceStatus) { r.handleStatus(id, st) },
		OnError:  func(cause error) { r.handleError(id, cause) },
		OnExit:   func(code int) { r.handleExit(id, code) },
	})

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		e.detach()
		return nil, fmt.Errorf("instance with ID %q already exists: %w", id, domain.ErrInstanceExists)
	}
	r.entries[id] = e
	r.mu.Unlock()

	r.notify(Notification{Kind: NoteInstanceCreated, InstanceID: id})
	r.enforceCap(id)
	return inst, nil
}

// Get returns the instance for an id.
func (r *Registry) Get(id string) (*domain.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.instance, true
}

// Has reports whether an instance is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// All returns all registered instances.
func (r *Registry) All() []*domain.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Instance, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.instance)
	}
	return out
}

// IDs returns the ids of all registered instances.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Size returns the number of registered instances.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CurrentTask returns the current task id and title for an instance.
// ok is false when the instance is unknown, which is distinct from a
// registered instance with no current task.
func (r *Registry) CurrentTask(id string) (taskID, title string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.entries[id]
	if !found {
		return "", "", false
	}
	return e.instance.CurrentTaskID, e.instance.CurrentTask, true
}

// SetMergeConflict records or clears (nil) the merge conflict for an
// instance. Returns false when the instance is unknown.
func (r *Registry) SetMergeConflict(id string, mc *domain.MergeConflict) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.instance.Conflict = mc
	return true
}

// MergeConflict returns the recorded conflict for an instance. A nil
// conflict with ok=true means the instance exists and has none.
func (r *Registry) MergeConflict(id string) (*domain.MergeConflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.instance.Conflict, true
}

// Events returns a copy of the instance's event history.
func (r *Registry) Events(id string) []domain.AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	out := make([]domain.AgentEvent, len(e.history))
	copy(out, e.history)
	return out
}

// AppendEvent records an event produced outside the controller (worker
// loop notifications) into the instance history and forwards it.
func (r *Registry) AppendEvent(id string, ev domain.AgentEvent) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.handleEvent(id, ev)
	return true
}

// SaveIterationState rebuilds the conversation context from the event
// history and writes a snapshot. Concurrent calls for the same id are
// serialized, not deduplicated: a queued caller waits for the pending
// save, then performs a fresh save with current data.
func (r *Registry) SaveIterationState(ctx context.Context, id string) error {
	for {
		r.mu.Lock()
		e, ok := r.entries[id]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("save state for %q: %w", id, domain.ErrInstanceNotFound)
		}

		if inflight, busy := r.pending[id]; busy {
			r.mu.Unlock()
			select {
			case <-inflight:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		done := make(chan struct{})
		r.pending[id] = done

		events := make([]domain.AgentEvent, len(e.history))
		copy(events, e.history)
		taskID := e.instance.CurrentTaskID
		controller := e.instance.Controller
		r.mu.Unlock()

		state := &domain.IterationState{
			SavedAt:       r.opts.Clock.Now(),
			InstanceID:    id,
			Status:        controller.Status(),
			CurrentTaskID: taskID,
			Context:       replay.Reconstruct(events, r.opts.Clock.Now()),
			Version:       domain.IterationStateVersion,
		}

		err := r.opts.Store.Save(ctx, state)

		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		close(done)

		if err != nil {
			return fmt.Errorf("save state for %q: %w", id, err)
		}
		return nil
	}
}

// LoadIterationState returns the persisted snapshot for an instance.
// Failures, including a missing snapshot, are logged and reported as
// no state.
func (r *Registry) LoadIterationState(ctx context.Context, id string) *domain.IterationState {
	state, err := r.opts.Store.Load(ctx, id)
	if err != nil {
		r.opts.Logger.Warn(id, "state", fmt.Sprintf("load failed: %v", err))
		return nil
	}
	return state
}

// DeleteIterationState removes the persisted snapshot for an instance.
// Failures are logged and reported as nothing deleted.
func (r *Registry) DeleteIterationState(ctx context.Context, id string) bool {
	deleted, err := r.opts.Store.Delete(ctx, id)
	if err != nil {
		r.opts.Logger.Warn(id, "state", fmt.Sprintf("delete failed: %v", err))
		return false
	}
	return deleted
}

// Dispose saves state and stops the controller best-effort, detaches
// forwarding, removes bookkeeping and emits a disposal notification.
// Disposing an unknown or already-disposing instance is a no-op.
func (r *Registry) Dispose(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.disposing {
		r.mu.Unlock()
		return nil
	}
	e.disposing = true
	r.mu.Unlock()

	return r.teardown(ctx, id, e)
}

// teardown finishes disposal of an entry already claimed (marked
// disposing) under the lock. The claim guarantees exactly one caller
// runs the teardown.
func (r *Registry) teardown(ctx context.Context, id string, e *entry) error {
	controller := e.instance.Controller
	status := controller.Status()
	if status == domain.StatusActive || status == domain.StatusPaused {
		if err := r.SaveIterationState(ctx, id); err != nil {
			r.opts.Logger.Warn(id, "dispose", fmt.Sprintf("save before dispose failed: %v", err))
		}
		if err := controller.Stop(ctx); err != nil {
			r.opts.Logger.Warn(id, "dispose", fmt.Sprintf("stop controller failed: %v", err))
		}
	}

	r.mu.Lock()
	e.detach()
	delete(r.entries, id)
	r.mu.Unlock()

	r.notify(Notification{Kind: NoteInstanceDisposed, InstanceID: id})
	r.opts.Logger.Info(id, "registry", "instance disposed")
	return nil
}

// DisposeAll disposes every registered instance concurrently.
func (r *Registry) DisposeAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range r.IDs() {
		g.Go(func() error {
			return r.Dispose(ctx, id)
		})
	}
	return g.Wait()
}

// handleEvent is the forwarding path for controller events. It updates
// task tracking, appends to the bounded history, re-emits the event
// tagged with the instance id and triggers auto-save for checkpoint
// event kinds.
func (r *Registry) handleEvent(id string, ev domain.AgentEvent) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	switch ev.Type {
	case domain.EventTaskStarted:
		e.instance.CurrentTaskID = ev.TaskID
		e.instance.CurrentTask = ev.TaskTitle
	case domain.EventTaskCompleted:
		e.instance.CurrentTaskID = ""
		e.instance.CurrentTask = ""
	}

	e.history = append(e.history, ev)
	e.appended++
	if overflow := len(e.history) - domain.EventHistoryCap; overflow > 0 {
		e.history = e.history[overflow:]
	}
	r.mu.Unlock()

	r.notify(Notification{Kind: NoteEvent, InstanceID: id, Event: &ev})

	if autoSaveEvents[ev.Type] {
		r.autoSave(id, string(ev.Type))
	}
}

func (r *Registry) handleStatus(id string, st domain.InstanceStatus) {
	r.notify(Notification{Kind: NoteStatus, InstanceID: id, Status: st})
	if st == domain.StatusPaused || st == domain.StatusStopping {
		r.autoSave(id, string(st))
	}
}

func (r *Registry) handleError(id string, cause error) {
	r.notify(Notification{Kind: NoteError, InstanceID: id, Err: cause})
	r.autoSave(id, "error")
}

// handleExit saves state before the exit notification is forwarded so
// a checkpoint exists even when the process crashed.
func (r *Registry) handleExit(id string, code int) {
	if err := r.SaveIterationState(context.Background(), id); err != nil {
		r.opts.Logger.Warn(id, "autosave", fmt.Sprintf("save on exit failed: %v", err))
	}
	r.notify(Notification{Kind: NoteExit, InstanceID: id, ExitCode: code})
}

// autoSave is the fire-and-forget checkpoint used by event, status and
// error forwarding.
func (r *Registry) autoSave(id, reason string) {
	go func() {
		if err := r.SaveIterationState(context.Background(), id); err != nil {
			r.opts.Logger.Warn(id, "autosave", fmt.Sprintf("checkpoint (%s) failed: %v", reason, err))
		}
	}()
}

// enforceCap evicts instances until the registry is back at the cap.
// Oldest stopped instances are preferred; failing that, the oldest
// overall. The just-created instance is never a victim. Victims are
// claimed (marked disposing) under the lock so concurrent enforcement
// never picks the same one twice; the teardown itself runs
// asynchronously and best-effort.
func (r *Registry) enforceCap(keep string) {
	if r.opts.Cap <= 0 {
		return
	}

	type victim struct {
		id string
		e  *entry
	}
	var victims []victim

	r.mu.Lock()
	live := 0
	for _, e := range r.entries {
		if !e.disposing {
			live++
		}
	}

	pick := func(stoppedOnly bool) string {
		best := ""
		for id, e := range r.entries {
			if id == keep || e.disposing {
				continue
			}
			if stoppedOnly && e.instance.Controller.Status() != domain.StatusStopped {
				continue
			}
			if best == "" || e.instance.Created.Before(r.entries[best].instance.Created) {
				best = id
			}
		}
		return best
	}
	for live > r.opts.Cap {
		id := pick(true)
		if id == "" {
			id = pick(false)
		}
		if id == "" {
			break
		}
		e := r.entries[id]
		e.disposing = true
		victims = append(victims, victim{id: id, e: e})
		live--
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.opts.Logger.Info(v.id, "registry", "evicting instance over cap")
		go func() {
			_ = r.teardown(context.Background(), v.id, v.e)
		}()
	}
}

func (r *Registry) notify(n Notification) {
	if r.opts.Notify == nil {
		return
	}
	r.opts.Notify(n)
}
