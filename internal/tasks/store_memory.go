package tasks

import (
	"context"
	"sync"

	"github.com/antoniostano/posegen/internal/generation"
)

// MemoryStore keeps the registry in process memory. Nothing survives a
// restart; it backs tests and throwaway local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	owner string
	order []string
	tasks map[string]generation.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]generation.Task)}
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (generation.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return generation.Task{}, ErrStoreNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, task generation.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]generation.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]generation.Task, 0, len(s.order))
	for _, id := range s.order {
		if task, ok := s.tasks[id]; ok {
			out = append(out, task.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, taskIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = deleteIDs(s.tasks, s.order, taskIDs)
	return nil
}

func (s *MemoryStore) Owner(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner, nil
}

func (s *MemoryStore) SetOwner(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = ownerID
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// deleteIDs removes ids from tasks and returns the compacted order.
func deleteIDs(tasks map[string]generation.Task, order []string, ids []string) []string {
	if len(ids) == 0 {
		return order
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
		delete(tasks, id)
	}
	kept := order[:0]
	for _, id := range order {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	return kept
}
