package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hibeats/engine/core"
)

// MemoryStore holds the task journal in memory. The single RWMutex keeps
// each operation atomic across readers.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]core.GenerationTask
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]core.GenerationTask)}
}

// SaveTask upserts a task record.
func (s *MemoryStore) SaveTask(_ context.Context, task core.GenerationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.CreatedAt.IsZero() {
		if existing, ok := s.tasks[task.TaskID]; ok {
			task.CreatedAt = existing.CreatedAt
		} else {
			task.CreatedAt = time.Now()
		}
	}
	task.UpdatedAt = time.Now()
	s.tasks[task.TaskID] = task
	return nil
}

// GetTask returns a task by id.
func (s *MemoryStore) GetTask(_ context.Context, taskID string) (core.GenerationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return core.GenerationTask{}, ErrTaskNotFound
	}
	return task, nil
}

// ListUnfinished returns tasks still awaiting reconciliation or a
// completion-write retry, oldest first.
func (s *MemoryStore) ListUnfinished(_ context.Context) ([]core.GenerationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.GenerationTask, 0)
	for _, t := range s.tasks {
		if unfinished(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() {}
