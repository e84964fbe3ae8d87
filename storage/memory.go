package storage

import (
	"context"
	"strings"
	"sync"

	"tasksync/domain"
)

// MemoryStore keeps tasks in process memory in first-insertion order. It is
// the session fallback when the durable medium cannot be opened.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	tasks map[string]domain.Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]domain.Task)}
}

func (m *MemoryStore) GetAll(ctx context.Context) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id])
	}
	return out, nil
}

func (m *MemoryStore) Put(ctx context.Context, task domain.Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	m.mu.Lock()
	m.putLocked(task)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) putLocked(task domain.Task) {
	if m.tasks == nil {
		m.tasks = make(map[string]domain.Task)
	}
	if _, ok := m.tasks[task.ID]; !ok {
		m.order = append(m.order, task.ID)
	}
	m.tasks[task.ID] = task
}

// Len returns the number of stored tasks.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
