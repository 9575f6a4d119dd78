package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/antoniostano/posegen/internal/generation"
)

// FileStore keeps the registry as one JSON snapshot on disk, rewritten
// atomically on every mutation. It plays the role of session-scoped storage
// for a single-instance deployment.
type FileStore struct {
	mu    sync.Mutex
	path  string
	state fileSnapshot
}

type fileSnapshot struct {
	Owner string                     `json:"owner"`
	Order []string                   `json:"order"`
	Tasks map[string]generation.Task `json:"tasks"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file store path is required")
	}
	s := &FileStore{
		path:  path,
		state: fileSnapshot{Tasks: make(map[string]generation.Task)},
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read registry snapshot: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.state); err != nil {
		return nil, fmt.Errorf("decode registry snapshot: %w", err)
	}
	if s.state.Tasks == nil {
		s.state.Tasks = make(map[string]generation.Task)
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, taskID string) (generation.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.state.Tasks[taskID]
	if !ok {
		return generation.Task{}, ErrStoreNotFound
	}
	return task.Clone(), nil
}

func (s *FileStore) Upsert(_ context.Context, task generation.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Tasks[task.ID]; !ok {
		s.state.Order = append(s.state.Order, task.ID)
	}
	s.state.Tasks[task.ID] = task.Clone()
	return s.flushLocked()
}

func (s *FileStore) List(_ context.Context) ([]generation.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]generation.Task, 0, len(s.state.Order))
	for _, id := range s.state.Order {
		if task, ok := s.state.Tasks[id]; ok {
			out = append(out, task.Clone())
		}
	}
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, taskIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Order = deleteIDs(s.state.Tasks, s.state.Order, taskIDs)
	return s.flushLocked()
}

func (s *FileStore) Owner(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Owner, nil
}

func (s *FileStore) SetOwner(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Owner = ownerID
	return s.flushLocked()
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace registry snapshot: %w", err)
	}
	return nil
}
