// Package models defines the shared domain types for tasks, plans, and
// streaming events. Types here are persistence- and transport-neutral:
// stores serialize them as JSON documents and the gateway ships them to
// websocket listeners unchanged.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskQueued indicates the task has been created but not started.
	TaskQueued TaskStatus = "queued"

	// TaskPlanning indicates the runner is building or loading the plan.
	TaskPlanning TaskStatus = "planning"

	// TaskExecuting indicates steps are being executed.
	TaskExecuting TaskStatus = "executing"

	// TaskConfirming indicates execution is suspended on a pending approval.
	TaskConfirming TaskStatus = "confirming"

	// TaskPaused indicates execution was paused by an external command.
	TaskPaused TaskStatus = "paused"

	// TaskCompleted indicates all steps finished successfully.
	TaskCompleted TaskStatus = "completed"

	// TaskFailed indicates the run errored or was cancelled.
	TaskFailed TaskStatus = "failed"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// StepStatus represents the state of a single plan step.
type StepStatus string

const (
	StepQueued  StepStatus = "queued"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
)

// Step is one unit of plan execution. Steps execute strictly in plan order;
// a step's transition to running is published before any side effect of
// executing it becomes visible.
type Step struct {
	// ID is unique within the plan (e.g. "step-1").
	ID string `json:"id"`

	// Title is the human-readable description of the step.
	Title string `json:"title"`

	// RequiresApproval gates the step on an external approve command
	// unless the plan's autoApprove setting is enabled.
	RequiresApproval bool `json:"requiresApproval"`

	// Status is the current execution state of the step.
	Status StepStatus `json:"status"`

	// Result holds the step's result payload once it is done.
	Result json.RawMessage `json:"result,omitempty"`
}

// PlanSettings holds per-plan execution settings.
type PlanSettings struct {
	// AutoApprove skips the approval gate for steps that would
	// otherwise require it.
	AutoApprove bool `json:"autoApprove"`
}

// Plan is the persisted decomposition of a task into ordered steps. A plan
// is generated once and reused on re-execution rather than regenerated.
type Plan struct {
	// Thinking is the free-text rationale recorded when the plan was built.
	Thinking string `json:"thinking"`

	// Steps is the ordered sequence of execution units.
	Steps []Step `json:"steps"`

	// EstimatedDuration is a coarse duration hint ("short", "long").
	EstimatedDuration string `json:"estimatedDuration,omitempty"`

	// Settings holds execution settings for the whole plan.
	Settings PlanSettings `json:"settings"`
}

// PendingAction records a step blocked awaiting human approval. It mirrors
// the step's fields with status fixed to "pending".
type PendingAction struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	RequiresApproval bool   `json:"requiresApproval"`
	Status           string `json:"status"`
}

// PendingFromStep builds the pending-action record for a step.
func PendingFromStep(step Step) PendingAction {
	return PendingAction{
		ID:               step.ID,
		Title:            step.Title,
		RequiresApproval: step.RequiresApproval,
		Status:           "pending",
	}
}

// Artifact is a free-form output produced by a task run.
type Artifact struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type,omitempty"`
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Task is a unit of long-running agentic work. The runner owns plan, status,
// and pending-action mutations; external commands (pause/cancel/approve)
// mutate status and pending actions only.
type Task struct {
	// ID is the opaque unique identifier.
	ID string `json:"id"`

	// ProjectID optionally references the owning project.
	ProjectID string `json:"project_id,omitempty"`

	// Title is the short human-readable name.
	Title string `json:"title"`

	// Description is optional free text; the default plan is synthesized
	// from its lines when no plan is supplied.
	Description string `json:"description,omitempty"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// Plan is the persisted step decomposition. May lack steps until the
	// runner enters planning.
	Plan *Plan `json:"plan,omitempty"`

	// Artifacts holds free-form outputs of the run.
	Artifacts []Artifact `json:"artifacts"`

	// PendingActions lists steps currently blocked on approval.
	PendingActions []PendingAction `json:"pending_actions"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when execution first started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the task reached completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task, safe to mutate independently.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Plan != nil {
		plan := *t.Plan
		plan.Steps = append([]Step(nil), t.Plan.Steps...)
		clone.Plan = &plan
	}
	clone.Artifacts = append([]Artifact(nil), t.Artifacts...)
	clone.PendingActions = append([]PendingAction(nil), t.PendingActions...)
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}
