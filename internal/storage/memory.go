package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/novaxhq/novax/pkg/models"
)

// MemoryStore is an in-memory TaskStore for tests and tokenless local
// runs.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*models.Task),
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task.Clone(), nil
}

func (s *MemoryStore) UpdateTaskFields(ctx context.Context, id string, fields TaskFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if fields.Status != nil {
		task.Status = *fields.Status
	}
	if fields.Plan != nil {
		plan := *fields.Plan
		plan.Steps = append([]models.Step(nil), fields.Plan.Steps...)
		task.Plan = &plan
	}
	if fields.Artifacts != nil {
		task.Artifacts = append([]models.Artifact(nil), *fields.Artifacts...)
	}
	if fields.PendingActions != nil {
		task.PendingActions = append([]models.PendingAction(nil), *fields.PendingActions...)
	}
	if fields.StartedAt != nil {
		task.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		task.CompletedAt = fields.CompletedAt
	}
	return nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, opts ListOptions) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Task
	for _, task := range s.tasks {
		if opts.Status != nil && task.Status != *opts.Status {
			continue
		}
		if opts.ProjectID != "" && task.ProjectID != opts.ProjectID {
			continue
		}
		result = append(result, task.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}
