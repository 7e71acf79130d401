package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/novaxhq/novax/pkg/models"
)

// SQLiteStore is a TaskStore backed by a SQLite database. Plan,
// artifacts, and pending actions are stored as JSON text columns;
// timestamps are Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			plan TEXT,
			artifacts TEXT,
			pending_actions TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		)
	`)
	if err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	plan, err := marshalNullable(task.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	artifacts, err := marshalNullable(task.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	pending, err := marshalNullable(task.PendingActions)
	if err != nil {
		return fmt.Errorf("encode pending actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, plan, artifacts, pending_actions, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		nullString(task.ProjectID),
		task.Title,
		task.Description,
		string(task.Status),
		plan,
		artifacts,
		pending,
		task.CreatedAt.UnixMilli(),
		nullMillis(task.StartedAt),
		nullMillis(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, description, status, plan, artifacts, pending_actions, created_at, started_at, completed_at
		FROM tasks WHERE id = ?
	`, id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return task, nil
}

func (s *SQLiteStore) UpdateTaskFields(ctx context.Context, id string, fields TaskFields) error {
	var sets []string
	var args []any

	if fields.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*fields.Status))
	}
	if fields.Plan != nil {
		plan, err := marshalNullable(fields.Plan)
		if err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		sets = append(sets, "plan = ?")
		args = append(args, plan)
	}
	if fields.Artifacts != nil {
		artifacts, err := marshalNullable(*fields.Artifacts)
		if err != nil {
			return fmt.Errorf("encode artifacts: %w", err)
		}
		sets = append(sets, "artifacts = ?")
		args = append(args, artifacts)
	}
	if fields.PendingActions != nil {
		pending, err := marshalNullable(*fields.PendingActions)
		if err != nil {
			return fmt.Errorf("encode pending actions: %w", err)
		}
		sets = append(sets, "pending_actions = ?")
		args = append(args, pending)
	}
	if fields.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, fields.StartedAt.UnixMilli())
	}
	if fields.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, fields.CompletedAt.UnixMilli())
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, opts ListOptions) ([]*models.Task, error) {
	query := `
		SELECT id, project_id, title, description, status, plan, artifacts, pending_actions, created_at, started_at, completed_at
		FROM tasks
	`
	var where []string
	var args []any
	if opts.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*opts.Status))
	}
	if opts.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, opts.ProjectID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var task models.Task
	var projectID, plan, artifacts, pending sql.NullString
	var createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(
		&task.ID,
		&projectID,
		&task.Title,
		&task.Description,
		&task.Status,
		&plan,
		&artifacts,
		&pending,
		&createdAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.ProjectID = projectID.String
	task.CreatedAt = time.UnixMilli(createdAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		task.CompletedAt = &t
	}
	if plan.Valid && plan.String != "" {
		if err := json.Unmarshal([]byte(plan.String), &task.Plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &task.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	if pending.Valid && pending.String != "" {
		if err := json.Unmarshal([]byte(pending.String), &task.PendingActions); err != nil {
			return nil, fmt.Errorf("decode pending actions: %w", err)
		}
	}
	return &task, nil
}

func marshalNullable(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
