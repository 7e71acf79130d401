// Package storage persists tasks. The runner treats the stored record
// as the source of truth for status, plan, and pending actions; it
// never assumes in-memory state survives a restart.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/novaxhq/novax/pkg/models"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// TaskFields is a partial update. Nil fields are left untouched.
type TaskFields struct {
	Status         *models.TaskStatus
	Plan           *models.Plan
	Artifacts      *[]models.Artifact
	PendingActions *[]models.PendingAction
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ListOptions filters task listing.
type ListOptions struct {
	// Status filters by task status.
	Status *models.TaskStatus

	// ProjectID filters by owning project.
	ProjectID string
}

// TaskStore defines the persistence contract for tasks.
type TaskStore interface {
	// CreateTask persists a new task.
	CreateTask(ctx context.Context, task *models.Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (*models.Task, error)

	// UpdateTaskFields applies a partial update to a task.
	UpdateTaskFields(ctx context.Context, id string, fields TaskFields) error

	// ListTasks returns tasks matching the options, newest first.
	ListTasks(ctx context.Context, opts ListOptions) ([]*models.Task, error)
}

// Closer is implemented by stores that need cleanup.
type Closer interface {
	Close() error
}
