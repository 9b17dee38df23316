package taskfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/domain"
)

func writeQueue(t *testing.T, content string) *Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return New(path)
}

func TestSource_ReadyTask_FirstUnclaimed(t *testing.T) {
	src := writeQueue(t, `tasks:
  - id: task-1
    title: First
    status: done
  - id: task-2
    title: Second
  - id: task-3
    title: Third
`)

	task, err := src.ReadyTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "task-2", task.ID)
	assert.Equal(t, "Second", task.Title)
}

func TestSource_ReadyTask_Empty(t *testing.T) {
	src := writeQueue(t, `tasks: []`)

	task, err := src.ReadyTask(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestSource_ReadyTask_MissingFile(t *testing.T) {
	src := New(filepath.Join(t.TempDir(), "tasks.yaml"))

	task, err := src.ReadyTask(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestSource_Claim(t *testing.T) {
	src := writeQueue(t, `tasks:
  - id: task-1
    title: First
`)
	ctx := context.Background()

	require.NoError(t, src.Claim(ctx, "task-1"))

	// The claimed task is no longer offered.
	task, err := src.ReadyTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)

	// And a second claim loses.
	err = src.Claim(ctx, "task-1")
	assert.ErrorIs(t, err, domain.ErrTaskAlreadyClaimed)
}

func TestSource_Claim_NotFound(t *testing.T) {
	src := writeQueue(t, `tasks: []`)
	err := src.Claim(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestSource_Claim_Concurrent(t *testing.T) {
	src := writeQueue(t, `tasks:
  - id: task-1
    title: Contended
`)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = src.Claim(ctx, "task-1")
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, domain.ErrTaskAlreadyClaimed)
		}
	}
	assert.Equal(t, 1, wins, "exactly one worker should win the claim")
}

func TestSource_Close(t *testing.T) {
	src := writeQueue(t, `tasks:
  - id: task-1
    title: First
`)
	ctx := context.Background()

	require.NoError(t, src.Claim(ctx, "task-1"))
	require.NoError(t, src.Close(ctx, "task-1"))

	content, err := os.ReadFile(src.path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "status: done")
}

func TestSource_Release(t *testing.T) {
	src := writeQueue(t, `tasks:
  - id: task-1
    title: First
`)
	ctx := context.Background()

	require.NoError(t, src.Claim(ctx, "task-1"))
	require.NoError(t, src.Release(ctx, "task-1"))

	task, err := src.ReadyTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "task-1", task.ID)
}

func TestSource_Initialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tasks.yaml")
	src := New(path)

	require.NoError(t, src.Initialize())
	_, err := os.Stat(path)
	assert.NoError(t, err)

	// Idempotent: a second call leaves existing content alone.
	require.NoError(t, os.WriteFile(path, []byte("tasks:\n  - id: t\n    title: T\n"), 0o600))
	require.NoError(t, src.Initialize())
	task, err := src.ReadyTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t", task.ID)
}

func TestSource_Watch_SignalsOnChange(t *testing.T) {
	src := writeQueue(t, `tasks: []`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := src.Watch(ctx)
	require.NoError(t, err)

	// A claim rewrites the file and should wake the watcher.
	require.NoError(t, os.WriteFile(src.path, []byte("tasks:\n  - id: t\n    title: T\n"), 0o600))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification")
	}
}
