// Package agentproc runs an external coding agent as a child process
// and translates its JSONL output stream into agent events.
package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/foremanhq/foreman/internal/domain"
)

// stopGracePeriod is how long Stop waits for a SIGTERM'd process
// before escalating to SIGKILL.
const stopGracePeriod = 5 * time.Second

// Ensure Controller implements domain.AgentController.
var _ domain.AgentController = (*Controller)(nil)

// Controller drives one agent process. The agent command is run via
// `sh -c` so configured commands can carry their own arguments and
// shell syntax. The agent is expected to print one JSON event per line
// on stdout; lines that are not valid events are forwarded as raw
// output events.
type Controller struct {
	clock domain.Clock

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	listeners map[int]domain.AgentListeners
	exitCh    chan struct{}
	command   string
	workDir   string
	status    domain.InstanceStatus
	nextID    int
	exitCode  int
	running   bool
}

// NewController creates a controller for the given shell command.
// workDir is the default working directory used when Spawn is called
// with an empty one.
func NewController(command, workDir string, clock domain.Clock) *Controller {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Controller{
		clock:     clock,
		listeners: make(map[int]domain.AgentListeners),
		command:   command,
		workDir:   workDir,
		status:    domain.StatusIdle,
	}
}

// Spawn starts the agent process in dir.
func (c *Controller) Spawn(ctx context.Context, dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("agent process already running: %w", domain.ErrAlreadyRunning)
	}
	if dir == "" {
		dir = c.workDir
	}

	// #nosec G204 - the command comes from trusted configuration
	cmd := exec.Command("sh", "-c", c.command)
	cmd.Dir = dir
	// Own process group so pause/stop signals reach the agent's
	// children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.exitCh = make(chan struct{})
	c.running = true
	c.setStatusLocked(domain.StatusActive)

	// Wait must not be called before both pipes are drained, so the
	// event reader joins the stderr reader before reaping.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		c.readStderr(stderr)
	}()
	go c.readEvents(stdout, stderrDone)
	return nil
}

// readEvents consumes the agent's stdout and fans decoded events out
// to listeners. When the stream ends it reaps the process and forwards
// the exit code.
func (c *Controller) readEvents(r io.Reader, stderrDone <-chan struct{}) {
	scanner := bufio.NewScanner(r)

	// Start with default buffer, allow up to 1MB for large JSON lines
	const (
		initialBufSize = 64 * 1024   // 64KB
		maxLineSize    = 1024 * 1024 // 1MB
	)
	scanner.Buffer(make([]byte, initialBufSize), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		c.fanoutEvent(c.decodeEvent(line))
	}
	if err := scanner.Err(); err != nil {
		c.fanoutError(fmt.Errorf("read agent output: %w", err))
	}

	<-stderrDone

	code := 0
	if err := c.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
			c.fanoutError(fmt.Errorf("wait for agent process: %w", err))
		}
	}

	c.mu.Lock()
	c.running = false
	c.exitCode = code
	if code == 0 {
		c.setStatusLocked(domain.StatusStopped)
	} else {
		c.setStatusLocked(domain.StatusError)
	}
	exitCh := c.exitCh
	snapshot := c.listenersLocked()
	c.mu.Unlock()

	close(exitCh)
	for _, l := range snapshot {
		if l.OnExit != nil {
			l.OnExit(code)
		}
	}
}

// readStderr forwards agent stderr lines as error-typed events so they
// land in the instance's event history.
func (c *Controller) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.fanoutEvent(domain.AgentEvent{
			Timestamp: c.clock.Now(),
			Type:      domain.EventError,
			Message:   line,
			IsError:   true,
		})
	}
}

// decodeEvent parses one stdout line. Invalid JSON becomes a raw
// output event rather than being dropped.
func (c *Controller) decodeEvent(line []byte) domain.AgentEvent {
	var ev domain.AgentEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return domain.AgentEvent{
			Timestamp: c.clock.Now(),
			Type:      domain.EventOutput,
			Content:   string(line),
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.clock.Now()
	}
	return ev
}

// Wait blocks until the agent process exits.
func (c *Controller) Wait(ctx context.Context) (int, error) {
	c.mu.Lock()
	exitCh := c.exitCh
	c.mu.Unlock()
	if exitCh == nil {
		return 0, domain.ErrNotRunning
	}

	select {
	case <-exitCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Send writes a payload line to the agent's stdin.
func (c *Controller) Send(_ context.Context, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canAcceptLocked() {
		return domain.ErrCannotAcceptInput
	}
	if _, err := io.WriteString(c.stdin, payload+"\n"); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// Pause suspends the agent's process group.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return domain.ErrNotRunning
	}
	if err := c.signalLocked(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("pause agent process: %w", err)
	}
	c.setStatusLocked(domain.StatusPaused)
	return nil
}

// Resume continues a paused agent's process group.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return domain.ErrNotRunning
	}
	if err := c.signalLocked(syscall.SIGCONT); err != nil {
		return fmt.Errorf("resume agent process: %w", err)
	}
	c.setStatusLocked(domain.StatusActive)
	return nil
}

// Stop terminates the agent gracefully with SIGTERM, escalating to
// SIGKILL after a grace period.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(domain.StatusStopping)
	// A paused process cannot handle SIGTERM; wake it first.
	_ = c.signalLocked(syscall.SIGCONT)
	err := c.signalLocked(syscall.SIGTERM)
	exitCh := c.exitCh
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("stop agent process: %w", err)
	}

	select {
	case <-exitCh:
		return nil
	case <-time.After(stopGracePeriod):
		return c.Kill()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the agent's process group immediately.
func (c *Controller) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	if err := c.signalLocked(syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill agent process: %w", err)
	}
	return nil
}

// CanAcceptMessages reports whether Send would currently be delivered.
func (c *Controller) CanAcceptMessages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canAcceptLocked()
}

// IsRunning reports whether the agent process is alive.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status returns the controller's current lifecycle status.
func (c *Controller) Status() domain.InstanceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attach registers listeners and returns a detach function. Detaching
// twice is a no-op.
func (c *Controller) Attach(l domain.AgentListeners) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = l

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) canAcceptLocked() bool {
	return c.running && c.stdin != nil && c.status == domain.StatusActive
}

// signalLocked delivers sig to the whole process group.
func (c *Controller) signalLocked(sig syscall.Signal) error {
	if c.cmd == nil || c.cmd.Process == nil {
		return domain.ErrNotRunning
	}
	return syscall.Kill(-c.cmd.Process.Pid, sig)
}

func (c *Controller) setStatusLocked(s domain.InstanceStatus) {
	if c.status == s {
		return
	}
	c.status = s
	for _, l := range c.listenersLocked() {
		if l.OnStatus != nil {
			go l.OnStatus(s)
		}
	}
}

func (c *Controller) listenersLocked() []domain.AgentListeners {
	out := make([]domain.AgentListeners, 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	return out
}

func (c *Controller) fanoutEvent(ev domain.AgentEvent) {
	c.mu.Lock()
	snapshot := c.listenersLocked()
	c.mu.Unlock()
	for _, l := range snapshot {
		if l.OnEvent != nil {
			l.OnEvent(ev)
		}
	}
}

func (c *Controller) fanoutError(err error) {
	c.mu.Lock()
	snapshot := c.listenersLocked()
	c.mu.Unlock()
	for _, l := range snapshot {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}

// Ensure Factory implements domain.AgentControllerFactory.
var _ domain.AgentControllerFactory = (*Factory)(nil)

// Factory builds controllers from configured agent commands.
type Factory struct {
	clock domain.Clock

	// Commands maps agent names to shell commands. DefaultCommand is
	// used for names with no entry.
	Commands       map[string]string
	DefaultCommand string
}

// NewFactory creates a controller factory.
func NewFactory(defaultCommand string, commands map[string]string, clock domain.Clock) *Factory {
	return &Factory{
		clock:          clock,
		Commands:       commands,
		DefaultCommand: defaultCommand,
	}
}

// New returns a controller for the named agent bound to workDir.
func (f *Factory) New(agentName, workDir string) (domain.AgentController, error) {
	command := f.DefaultCommand
	if c, ok := f.Commands[agentName]; ok {
		command = c
	}
	if command == "" {
		return nil, fmt.Errorf("no command configured for agent %q", agentName)
	}
	return NewController(command, workDir, f.clock), nil
}
