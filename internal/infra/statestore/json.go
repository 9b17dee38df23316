// Package statestore provides persistence backends for iteration state.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/foremanhq/foreman/internal/domain"
)

// Ensure JSONStore implements domain.StateStore.
var _ domain.StateStore = (*JSONStore)(nil)

// JSONStore persists iteration state as one JSON file per instance.
type JSONStore struct {
	dir string
}

// NewJSONStore creates a store rooted at dir. The directory is created
// on first write.
func NewJSONStore(dir string) *JSONStore {
	return &JSONStore{dir: dir}
}

func (s *JSONStore) path(instanceID string) string {
	return filepath.Join(s.dir, domain.StateFileName(instanceID))
}

// Save writes a snapshot atomically, replacing any previous one.
func (s *JSONStore) Save(ctx context.Context, state *domain.IterationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return writeAtomic(s.path(state.InstanceID), data, 0o644)
}

// Load reads the snapshot for an instance.
func (s *JSONStore) Load(ctx context.Context, instanceID string) (*domain.IterationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(instanceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrStateNotFound
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, domain.ErrEmptyFile
	}
	var state domain.IterationState
	if err := decodeJSONStrict(data, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// Delete removes the snapshot for an instance.
func (s *JSONStore) Delete(ctx context.Context, instanceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := os.Remove(s.path(instanceID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func decodeJSONStrict(content []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(content)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing content")
	}
	return nil
}

func writeAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	file, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	name := file.Name()
	cleanup := func() {
		_ = os.Remove(name)
	}
	if _, err := file.Write(content); err != nil {
		_ = file.Close()
		cleanup()
		return err
	}
	if err := file.Chmod(perm); err != nil {
		_ = file.Close()
		cleanup()
		return err
	}
	if err := file.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
