// Package testutil provides shared test utilities and mock implementations.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/foremanhq/foreman/internal/domain"
)

// MockClock is a test double for domain.Clock.
type MockClock struct {
	NowTime time.Time
}

// Now returns the configured time.
func (m *MockClock) Now() time.Time {
	return m.NowTime
}

// MockTaskSource is a test double for domain.TaskSource. Tasks are
// served in order and removed when claimed.
// Fields are ordered to minimize memory padding.
type MockTaskSource struct {
	Tasks        []domain.ReadyTask
	ClaimedIDs   []string
	ClosedIDs    []string
	ReadyErr     error
	ClaimErr     error
	CloseErr     error
	ClaimErrOnce bool
	mu           sync.Mutex
}

// ReadyTask returns the first queued task, or nil.
func (m *MockTaskSource) ReadyTask(_ context.Context) (*domain.ReadyTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadyErr != nil {
		return nil, m.ReadyErr
	}
	if len(m.Tasks) == 0 {
		return nil, nil
	}
	t := m.Tasks[0]
	return &t, nil
}

// Claim records the claim and removes the task from the queue.
func (m *MockTaskSource) Claim(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClaimErr != nil {
		err := m.ClaimErr
		if m.ClaimErrOnce {
			m.ClaimErr = nil
			// Drop the task so a retrying loop does not spin on it.
			m.removeLocked(id)
		}
		return err
	}
	m.ClaimedIDs = append(m.ClaimedIDs, id)
	m.removeLocked(id)
	return nil
}

func (m *MockTaskSource) removeLocked(id string) {
	for i, t := range m.Tasks {
		if t.ID == id {
			m.Tasks = append(m.Tasks[:i], m.Tasks[i+1:]...)
			return
		}
	}
}

// Close records the close call.
func (m *MockTaskSource) Close(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CloseErr != nil {
		return m.CloseErr
	}
	m.ClosedIDs = append(m.ClosedIDs, id)
	return nil
}

// Add queues another task. Safe to call while workers are polling.
func (m *MockTaskSource) Add(t domain.ReadyTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tasks = append(m.Tasks, t)
}

// Closed returns a copy of the closed task ids.
func (m *MockTaskSource) Closed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ClosedIDs...)
}

// MockWorkspaceManager is a test double for domain.WorkspaceManager.
// MergeResults are consumed in order; the last one repeats.
// Fields are ordered to minimize memory padding.
type MockWorkspaceManager struct {
	MergeResults  []domain.MergeResult
	ConflictFiles []string
	RemovedKeys   []string
	CreatePath    string
	PullErr       error
	CreateErr     error
	MergeErr      error
	RemoveErr     error
	PullCalls     int
	CreateCalls   int
	MergeCalls    int
	AbortCalls    int
	mu            sync.Mutex
}

// PullLatest records the sync call.
func (m *MockWorkspaceManager) PullLatest(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PullCalls++
	return m.PullErr
}

// Create returns the configured workspace path.
func (m *MockWorkspaceManager) Create(_ context.Context, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	if m.CreatePath == "" {
		return "/tmp/workspace", nil
	}
	return m.CreatePath, nil
}

// Merge pops the next scripted result.
func (m *MockWorkspaceManager) Merge(_ context.Context, _, _ string) (domain.MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MergeCalls++
	if m.MergeErr != nil {
		return domain.MergeResult{}, m.MergeErr
	}
	if len(m.MergeResults) == 0 {
		return domain.MergeResult{Success: true}, nil
	}
	res := m.MergeResults[0]
	if len(m.MergeResults) > 1 {
		m.MergeResults = m.MergeResults[1:]
	}
	return res, nil
}

// ConflictingFiles returns the configured file list.
func (m *MockWorkspaceManager) ConflictingFiles(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConflictFiles, nil
}

// AbortMerge records the abort call.
func (m *MockWorkspaceManager) AbortMerge(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AbortCalls++
	return nil
}

// Remove records the removal of a workspace.
func (m *MockWorkspaceManager) Remove(_ context.Context, workerName, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	m.RemovedKeys = append(m.RemovedKeys, workerName+"/"+taskID)
	return nil
}

// MockAgentController is a test double for domain.AgentController.
// ExitCodes are consumed per Wait call; when exhausted Wait returns 0.
// Emit helpers drive attached listeners the way a real controller's
// reader goroutine would.
// Fields are ordered to minimize memory padding.
type MockAgentController struct {
	listeners    map[int]domain.AgentListeners
	SpawnDirs    []string
	SentPayloads []string
	ExitCodes    []int
	StatusVal    domain.InstanceStatus
	SpawnErr     error
	WaitErr      error
	StopErr      error
	nextKey      int
	StopCalls    int
	KillCalls    int
	PauseCalls   int
	ResumeCalls  int
	CanAccept    bool
	Running      bool
	mu           sync.Mutex
}

// NewMockAgentController creates a controller double in the idle state.
func NewMockAgentController() *MockAgentController {
	return &MockAgentController{
		listeners: make(map[int]domain.AgentListeners),
		StatusVal: domain.StatusIdle,
	}
}

// Spawn records the working directory.
func (m *MockAgentController) Spawn(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SpawnErr != nil {
		return m.SpawnErr
	}
	m.SpawnDirs = append(m.SpawnDirs, dir)
	m.Running = true
	m.StatusVal = domain.StatusActive
	return nil
}

// Wait pops the next scripted exit code.
func (m *MockAgentController) Wait(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WaitErr != nil {
		return 0, m.WaitErr
	}
	code := 0
	if len(m.ExitCodes) > 0 {
		code = m.ExitCodes[0]
		m.ExitCodes = m.ExitCodes[1:]
	}
	m.Running = false
	m.StatusVal = domain.StatusStopped
	return code, nil
}

// Send records the payload.
func (m *MockAgentController) Send(_ context.Context, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentPayloads = append(m.SentPayloads, payload)
	return nil
}

// Pause records the call.
func (m *MockAgentController) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PauseCalls++
	return nil
}

// Resume records the call.
func (m *MockAgentController) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResumeCalls++
	return nil
}

// Stop records the call.
func (m *MockAgentController) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	m.Running = false
	m.StatusVal = domain.StatusStopped
	return m.StopErr
}

// Kill records the call.
func (m *MockAgentController) Kill() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.KillCalls++
	m.Running = false
	m.StatusVal = domain.StatusStopped
	return nil
}

// CanAcceptMessages returns the configured value.
func (m *MockAgentController) CanAcceptMessages() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CanAccept
}

// IsRunning returns the configured value.
func (m *MockAgentController) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Running
}

// Status returns the configured status.
func (m *MockAgentController) Status() domain.InstanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StatusVal
}

// SetStatus overrides the reported status without notifying listeners.
func (m *MockAgentController) SetStatus(s domain.InstanceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusVal = s
}

// Attach registers listeners and returns a detach function.
func (m *MockAgentController) Attach(l domain.AgentListeners) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.nextKey
	m.nextKey++
	m.listeners[key] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, key)
	}
}

// ListenerCount returns the number of attached listener sets.
func (m *MockAgentController) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *MockAgentController) snapshot() []domain.AgentListeners {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AgentListeners, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}

// EmitEvent delivers an event to all attached listeners.
func (m *MockAgentController) EmitEvent(ev domain.AgentEvent) {
	for _, l := range m.snapshot() {
		if l.OnEvent != nil {
			l.OnEvent(ev)
		}
	}
}

// EmitStatus delivers a status change to all attached listeners.
func (m *MockAgentController) EmitStatus(st domain.InstanceStatus) {
	m.SetStatus(st)
	for _, l := range m.snapshot() {
		if l.OnStatus != nil {
			l.OnStatus(st)
		}
	}
}

// EmitError delivers an error to all attached listeners.
func (m *MockAgentController) EmitError(err error) {
	for _, l := range m.snapshot() {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}

// EmitExit delivers a process exit to all attached listeners.
func (m *MockAgentController) EmitExit(code int) {
	m.SetStatus(domain.StatusStopped)
	for _, l := range m.snapshot() {
		if l.OnExit != nil {
			l.OnExit(code)
		}
	}
}

// MockControllerFactory is a test double for
// domain.AgentControllerFactory. Each New call pops a prepared
// controller, or creates a fresh mock when none are queued.
type MockControllerFactory struct {
	Prepared []*MockAgentController
	Made     []*MockAgentController
	NewErr   error
	mu       sync.Mutex
}

// New returns the next prepared controller.
func (m *MockControllerFactory) New(_, _ string) (domain.AgentController, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NewErr != nil {
		return nil, m.NewErr
	}
	var c *MockAgentController
	if len(m.Prepared) > 0 {
		c = m.Prepared[0]
		m.Prepared = m.Prepared[1:]
	} else {
		c = NewMockAgentController()
	}
	m.Made = append(m.Made, c)
	return c, nil
}

// MockStateStore is a test double for domain.StateStore. It detects
// overlapping Save calls for the single-flight tests.
// Fields are ordered to minimize memory padding.
type MockStateStore struct {
	States     map[string]*domain.IterationState
	SaveErr    error
	LoadErr    error
	DeleteErr  error
	SaveDelay  time.Duration
	SaveCalls  int
	active     int
	Overlapped bool
	mu         sync.Mutex
}

// NewMockStateStore creates an empty state store double.
func NewMockStateStore() *MockStateStore {
	return &MockStateStore{States: make(map[string]*domain.IterationState)}
}

// Save records the snapshot and tracks concurrent writers.
func (m *MockStateStore) Save(_ context.Context, state *domain.IterationState) error {
	m.mu.Lock()
	m.SaveCalls++
	m.active++
	if m.active > 1 {
		m.Overlapped = true
	}
	delay := m.SaveDelay
	err := m.SaveErr
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	m.active--
	if err == nil {
		m.States[state.InstanceID] = state
	}
	m.mu.Unlock()
	return err
}

// Load returns the stored snapshot.
func (m *MockStateStore) Load(_ context.Context, instanceID string) (*domain.IterationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	state, ok := m.States[instanceID]
	if !ok {
		return nil, domain.ErrStateNotFound
	}
	return state, nil
}

// Delete removes the stored snapshot.
func (m *MockStateStore) Delete(_ context.Context, instanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return false, m.DeleteErr
	}
	_, ok := m.States[instanceID]
	delete(m.States, instanceID)
	return ok, nil
}

// Saved returns the last saved snapshot for an instance.
func (m *MockStateStore) Saved(instanceID string) *domain.IterationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.States[instanceID]
}

// MockTestRunner is a test double for domain.TestRunner. Results are
// consumed in order; the last one repeats.
type MockTestRunner struct {
	Results []domain.TestResult
	RunErr  error
	Calls   int
	mu      sync.Mutex
}

// RunTests pops the next scripted result.
func (m *MockTestRunner) RunTests(_ context.Context) (domain.TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.RunErr != nil {
		return domain.TestResult{}, m.RunErr
	}
	if len(m.Results) == 0 {
		return domain.TestResult{Success: true}, nil
	}
	res := m.Results[0]
	if len(m.Results) > 1 {
		m.Results = m.Results[1:]
	}
	return res, nil
}

// MockConflictHook is a test double for domain.ConflictHook.
type MockConflictHook struct {
	Decision domain.ConflictDecision
	HookErr  error
	Calls    []domain.ConflictContext
	mu       sync.Mutex
}

// OnMergeConflict records the context and returns the configured verdict.
func (m *MockConflictHook) OnMergeConflict(_ context.Context, c domain.ConflictContext) (domain.ConflictDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
	if m.HookErr != nil {
		return "", m.HookErr
	}
	return m.Decision, nil
}
