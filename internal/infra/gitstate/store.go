// Package gitstate stores iteration state snapshots inside the git
// object database, under a dedicated ref namespace. Snapshots travel
// with the repository and never touch the working tree.
//
// Ref layout:
//
//	refs/foreman/state/
//	  <instance-id> → blob (state JSON)
package gitstate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/foremanhq/foreman/internal/domain"
)

const refPrefix = "refs/foreman/state/"

// Ensure Store implements domain.StateStore.
var _ domain.StateStore = (*Store)(nil)

// Store implements domain.StateStore on top of a git repository.
type Store struct {
	repo *git.Repository
	mu   sync.RWMutex
}

// Open creates a Store for the repository at repoPath.
func Open(repoPath string) (*Store, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("open git repository: %w", err)
	}
	return NewWithRepo(repo), nil
}

// NewWithRepo creates a Store with an existing repository instance.
func NewWithRepo(repo *git.Repository) *Store {
	return &Store{repo: repo}
}

// stateRef returns the ref name holding one instance's snapshot.
func stateRef(instanceID string) plumbing.ReferenceName {
	return plumbing.ReferenceName(refPrefix + instanceID)
}

// Save writes a snapshot, replacing any previous one for the instance.
func (s *Store) Save(_ context.Context, state *domain.IterationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	hash, err := s.writeBlob(data)
	if err != nil {
		return err
	}

	ref := plumbing.NewHashReference(stateRef(state.InstanceID), hash)
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("set state ref: %w", err)
	}
	return nil
}

// Load returns the snapshot for an instance, or ErrStateNotFound.
func (s *Store) Load(_ context.Context, instanceID string) (*domain.IterationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, err := s.repo.Reference(stateRef(instanceID), true)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return nil, fmt.Errorf("instance %q: %w", instanceID, domain.ErrStateNotFound)
		}
		return nil, fmt.Errorf("get state ref: %w", err)
	}

	data, err := s.readBlob(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state domain.IterationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// Delete removes the snapshot. Returns false if none existed.
func (s *Store) Delete(_ context.Context, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.Reference(stateRef(instanceID), true); err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return false, nil
		}
		return false, fmt.Errorf("get state ref: %w", err)
	}

	if err := s.repo.Storer.RemoveReference(stateRef(instanceID)); err != nil {
		return false, fmt.Errorf("remove state ref: %w", err)
	}
	return true, nil
}

// List returns the instance IDs with a stored snapshot.
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs, err := s.repo.References()
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer refs.Close()

	var ids []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if strings.HasPrefix(name, refPrefix) {
			ids = append(ids, strings.TrimPrefix(name, refPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk references: %w", err)
	}
	return ids, nil
}

// writeBlob stores data as a blob object and returns its hash.
func (s *Store) writeBlob(data []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))

	writer, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("create blob writer: %w", err)
	}
	if _, writeErr := writer.Write(data); writeErr != nil {
		_ = writer.Close()
		return plumbing.ZeroHash, fmt.Errorf("write blob: %w", writeErr)
	}
	_ = writer.Close()

	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store blob: %w", err)
	}
	return hash, nil
}

// readBlob reads a blob's content.
func (s *Store) readBlob(hash plumbing.Hash) ([]byte, error) {
	blob, err := s.repo.BlobObject(hash)
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}

	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	defer func() { _ = reader.Close() }()

	data := make([]byte, blob.Size)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("read blob data: %w", err)
	}
	return data, nil
}
