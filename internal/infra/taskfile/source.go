// Package taskfile implements a task source backed by a YAML queue
// file. Claims are made atomic across processes with a flock-guarded
// read-modify-write, so any number of workers can share one file.
package taskfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/foremanhq/foreman/internal/domain"
)

// Task statuses in the queue file. A task with no status is ready.
const (
	statusReady   = "ready"
	statusClaimed = "claimed"
	statusDone    = "done"
)

// fileTask is the YAML representation of one queued task.
type fileTask struct {
	ID     string `yaml:"id"`
	Title  string `yaml:"title"`
	Status string `yaml:"status,omitempty"`
}

// fileData is the YAML file structure.
type fileData struct {
	Tasks []fileTask `yaml:"tasks"`
}

// Ensure Source implements domain.TaskSource.
var _ domain.TaskSource = (*Source)(nil)

// Source reads claimable tasks from a YAML file.
type Source struct {
	path     string
	lockPath string
}

// New creates a Source for the given file path.
// The file does not need to exist; a missing file is an empty queue.
func New(path string) *Source {
	return &Source{
		path:     path,
		lockPath: path + ".lock",
	}
}

// Initialize creates an empty queue file if none exists.
func (s *Source) Initialize() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		return nil
	}
	return s.write(&fileData{})
}

// TaskInfo is a queue entry as reported to callers outside the loop.
type TaskInfo struct {
	ID     string
	Title  string
	Status string
}

// Add appends a new ready task to the end of the queue.
func (s *Source) Add(id, title string) error {
	return s.withLockWrite(func(data *fileData) error {
		for _, t := range data.Tasks {
			if t.ID == id {
				return fmt.Errorf("task %q already exists", id)
			}
		}
		data.Tasks = append(data.Tasks, fileTask{ID: id, Title: title})
		return nil
	})
}

// List returns every task in file order.
func (s *Source) List() ([]TaskInfo, error) {
	var tasks []TaskInfo
	err := s.withLock(syscall.LOCK_SH, func(data *fileData) error {
		tasks = make([]TaskInfo, 0, len(data.Tasks))
		for _, t := range data.Tasks {
			status := t.Status
			if status == "" {
				status = statusReady
			}
			tasks = append(tasks, TaskInfo{ID: t.ID, Title: t.Title, Status: status})
		}
		return nil
	})
	return tasks, err
}

// ReadyTask returns the first unclaimed task in file order, or nil.
func (s *Source) ReadyTask(_ context.Context) (*domain.ReadyTask, error) {
	var ready *domain.ReadyTask
	err := s.withLock(syscall.LOCK_SH, func(data *fileData) error {
		for _, t := range data.Tasks {
			if t.Status == statusReady || t.Status == "" {
				ready = &domain.ReadyTask{ID: t.ID, Title: t.Title}
				return nil
			}
		}
		return nil
	})
	return ready, err
}

// Claim marks a task as taken. The check-and-set runs under an
// exclusive lock so only one worker wins.
func (s *Source) Claim(_ context.Context, id string) error {
	return s.withLockWrite(func(data *fileData) error {
		for i, t := range data.Tasks {
			if t.ID != id {
				continue
			}
			if t.Status != statusReady && t.Status != "" {
				return fmt.Errorf("task %q is %s: %w", id, t.Status, domain.ErrTaskAlreadyClaimed)
			}
			data.Tasks[i].Status = statusClaimed
			return nil
		}
		return fmt.Errorf("task %q: %w", id, domain.ErrTaskNotFound)
	})
}

// Close marks a task as done.
func (s *Source) Close(_ context.Context, id string) error {
	return s.withLockWrite(func(data *fileData) error {
		for i, t := range data.Tasks {
			if t.ID == id {
				data.Tasks[i].Status = statusDone
				return nil
			}
		}
		return fmt.Errorf("task %q: %w", id, domain.ErrTaskNotFound)
	})
}

// Release puts a claimed task back in the ready state. Used when a
// worker dies between claiming and completing.
func (s *Source) Release(_ context.Context, id string) error {
	return s.withLockWrite(func(data *fileData) error {
		for i, t := range data.Tasks {
			if t.ID == id {
				if t.Status == statusClaimed {
					data.Tasks[i].Status = statusReady
				}
				return nil
			}
		}
		return fmt.Errorf("task %q: %w", id, domain.ErrTaskNotFound)
	})
}

// Watch signals on the returned channel whenever the queue file
// changes, until ctx is done. The parent directory is watched because
// writers replace the file by rename.
func (s *Source) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch queue directory: %w", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch, nil
}

// withLock executes fn with a shared (read) lock.
func (s *Source) withLock(lockType int, fn func(*fileData) error) error {
	lock, err := s.acquireLock(lockType)
	if err != nil {
		return err
	}
	defer s.releaseLock(lock)

	data, err := s.read()
	if err != nil {
		return err
	}
	return fn(data)
}

// withLockWrite executes fn with an exclusive lock and writes the result.
func (s *Source) withLockWrite(fn func(*fileData) error) error {
	lock, err := s.acquireLock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer s.releaseLock(lock)

	data, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	return s.write(data)
}

func (s *Source) acquireLock(lockType int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lock, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(lock.Fd()), lockType); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return lock, nil
}

func (s *Source) releaseLock(lock *os.File) {
	_ = syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
	_ = lock.Close()
}

func (s *Source) read() (*fileData, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileData{}, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var data fileData
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("parse queue file: %w", err)
	}
	return &data, nil
}

func (s *Source) write(data *fileData) error {
	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal queue data: %w", err)
	}

	// Write to temp file first, then rename for atomicity
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
