// Package runner owns the lifecycle of long-running multi-step tasks:
// plan synthesis, sequential step execution, approval gates, and the
// pause/cancel/resume/approve commands.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/novaxhq/novax/internal/events"
	"github.com/novaxhq/novax/internal/observability"
	"github.com/novaxhq/novax/internal/storage"
	"github.com/novaxhq/novax/pkg/models"
)

var (
	// ErrAlreadyRunning is returned when a task with a live execution
	// context is started again.
	ErrAlreadyRunning = errors.New("task is already running")

	// ErrNotRunning is returned by pause/cancel for a task with no live
	// execution context.
	ErrNotRunning = errors.New("task is not running")

	// ErrNoPendingApproval is returned when an approval targets a step
	// that is not waiting. A run that was cancelled while confirming
	// has already consumed its waiter, so a late approve lands here.
	ErrNoPendingApproval = errors.New("no pending approval for step")

	// errCanceled marks an approval wait interrupted by cancellation.
	errCanceled = errors.New("task run canceled")
)

type waiterKey struct {
	taskID string
	stepID string
}

type runHandle struct {
	cancel context.CancelFunc
}

// Runner executes tasks. It exclusively owns two keyed lookup tables:
// the live execution context per task id (at most one, enforced at
// Start) and the one-shot approval waiter per (task, step).
type Runner struct {
	store   storage.TaskStore
	bus     *events.Bus
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	running map[string]*runHandle
	waiters map[waiterKey]chan struct{}
}

// NewRunner creates a runner. Metrics may be nil.
func NewRunner(store storage.TaskStore, bus *events.Bus, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   store,
		bus:     bus,
		logger:  logger.With("component", "runner"),
		metrics: metrics,
		running: make(map[string]*runHandle),
		waiters: make(map[waiterKey]chan struct{}),
	}
}

// Start begins executing a task in the background. It fails with
// ErrAlreadyRunning if the task has a live execution context. The run
// outlives the caller's context; use Cancel or Pause to stop it.
func (r *Runner) Start(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if _, exists := r.running[taskID]; exists {
		r.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	r.running[taskID] = &runHandle{cancel: cancel}
	r.mu.Unlock()

	go r.run(runCtx, task)
	return nil
}

// Resume restarts a paused task. The persisted plan is reused, but the
// step loop re-executes from the first step.
func (r *Runner) Resume(ctx context.Context, taskID string) error {
	return r.Start(ctx, taskID)
}

// Pause signals the task's execution context and persists the paused
// status. The step in flight finishes; the loop stops at the next
// boundary.
func (r *Runner) Pause(ctx context.Context, taskID string) error {
	if err := r.signal(taskID); err != nil {
		return err
	}
	r.persistStatus(ctx, taskID, models.TaskPaused)
	r.publishStatus(taskID, models.TaskPaused)
	r.logger.Info("task paused", "task_id", taskID)
	return nil
}

// Cancel signals the task's execution context and records the run as
// failed with a canceled marker.
func (r *Runner) Cancel(ctx context.Context, taskID string) error {
	if err := r.signal(taskID); err != nil {
		return err
	}
	r.persistStatus(ctx, taskID, models.TaskFailed)
	r.publish(models.TaskEvent{
		Type:   models.EventFailed,
		TaskID: taskID,
		Error:  "canceled",
	})
	if r.metrics != nil {
		r.metrics.TaskTransitions.WithLabelValues(string(models.TaskFailed)).Inc()
	}
	r.logger.Info("task canceled", "task_id", taskID)
	return nil
}

// Approve resolves the approval waiter for a step and removes its
// pending action. Approving a step whose run was already cancelled is
// rejected with ErrNoPendingApproval; the waiter is gone.
func (r *Runner) Approve(ctx context.Context, taskID, stepID string) error {
	key := waiterKey{taskID: taskID, stepID: stepID}

	r.mu.Lock()
	waiter, ok := r.waiters[key]
	if ok {
		delete(r.waiters, key)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: task %s step %s", ErrNoPendingApproval, taskID, stepID)
	}

	close(waiter)
	r.logger.Info("step approved", "task_id", taskID, "step_id", stepID)
	return nil
}

func (r *Runner) signal(taskID string) error {
	r.mu.Lock()
	handle, ok := r.running[taskID]
	if ok {
		delete(r.running, taskID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	handle.cancel()
	return nil
}

// run drives one task from planning to a terminal state. Cancellation
// is cooperative: the loop checks the context before each step and at
// the approval-wait boundary; a step's own work is not preempted.
func (r *Runner) run(ctx context.Context, task *models.Task) {
	startedAt := time.Now()
	defer func() {
		r.mu.Lock()
		delete(r.running, task.ID)
		r.mu.Unlock()
	}()

	ctx, span := observability.StartSpan(ctx, "task.run", "task.id", task.ID)
	defer span.End()

	if err := r.execute(ctx, task); err != nil {
		observability.RecordSpanError(span, err)
		if errors.Is(err, errCanceled) || ctx.Err() != nil {
			// Cancel/Pause already persisted and published the outcome.
			return
		}
		r.logger.Error("task failed", "task_id", task.ID, "error", err)
		r.persistStatus(ctx, task.ID, models.TaskFailed)
		r.publish(models.TaskEvent{
			Type:   models.EventFailed,
			TaskID: task.ID,
			Error:  err.Error(),
		})
		if r.metrics != nil {
			r.metrics.TaskTransitions.WithLabelValues(string(models.TaskFailed)).Inc()
			r.metrics.TaskRunDuration.Observe(time.Since(startedAt).Seconds())
		}
		return
	}
	if r.metrics != nil {
		r.metrics.TaskRunDuration.Observe(time.Since(startedAt).Seconds())
	}
}

func (r *Runner) execute(ctx context.Context, task *models.Task) error {
	r.setStatus(ctx, task, models.TaskPlanning)

	// A stored plan is reused; only its steps are synthesized when
	// missing, preserving the caller-supplied settings.
	plan := task.Plan
	if plan == nil {
		plan = BuildDefaultPlan(task.Title, task.Description)
	} else if len(plan.Steps) == 0 {
		generated := BuildDefaultPlan(task.Title, task.Description)
		generated.Settings = plan.Settings
		plan = generated
	}
	task.Plan = plan

	now := time.Now()
	started := task.StartedAt
	if started == nil {
		started = &now
	}
	if err := r.store.UpdateTaskFields(ctx, task.ID, storage.TaskFields{
		Plan:      plan,
		StartedAt: started,
	}); err != nil {
		return fmt.Errorf("persist plan: %w", err)
	}

	r.setStatus(ctx, task, models.TaskExecuting)

	for i := range plan.Steps {
		if ctx.Err() != nil {
			return errCanceled
		}

		step := &plan.Steps[i]
		if step.RequiresApproval && !plan.Settings.AutoApprove {
			if err := r.awaitApproval(ctx, task, step); err != nil {
				return err
			}
		}

		if err := r.runStep(ctx, task, step); err != nil {
			return err
		}
	}

	completedAt := time.Now()
	status := models.TaskCompleted
	if err := r.store.UpdateTaskFields(ctx, task.ID, storage.TaskFields{
		Status:      &status,
		CompletedAt: &completedAt,
	}); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	r.publish(models.TaskEvent{
		Type:      models.EventCompleted,
		TaskID:    task.ID,
		Artifacts: task.Artifacts,
	})
	if r.metrics != nil {
		r.metrics.TaskTransitions.WithLabelValues(string(models.TaskCompleted)).Inc()
	}
	r.logger.Info("task completed", "task_id", task.ID, "steps", len(plan.Steps))
	return nil
}

// awaitApproval suspends the run until the step is approved or the run
// is cancelled. The waiter is registered before the pending action is
// published, so an approve command racing the event cannot miss it.
func (r *Runner) awaitApproval(ctx context.Context, task *models.Task, step *models.Step) error {
	key := waiterKey{taskID: task.ID, stepID: step.ID}
	waiter := make(chan struct{})

	r.mu.Lock()
	r.waiters[key] = waiter
	r.mu.Unlock()

	pending := append(task.PendingActions, models.PendingFromStep(*step))
	status := models.TaskConfirming
	if err := r.store.UpdateTaskFields(ctx, task.ID, storage.TaskFields{
		Status:         &status,
		PendingActions: &pending,
	}); err != nil {
		r.dropWaiter(key)
		return fmt.Errorf("persist pending action: %w", err)
	}
	task.PendingActions = pending

	r.publishStatus(task.ID, models.TaskConfirming)
	r.publish(models.TaskEvent{
		Type:   models.EventPendingAction,
		TaskID: task.ID,
		Action: step,
	})
	r.logger.Info("awaiting approval", "task_id", task.ID, "step_id", step.ID)

	select {
	case <-ctx.Done():
		r.dropWaiter(key)
		return errCanceled
	case <-waiter:
	}

	if ctx.Err() != nil {
		return errCanceled
	}

	// Approval granted: drop the pending action and go back to
	// executing.
	remaining := task.PendingActions[:0]
	for _, action := range task.PendingActions {
		if action.ID != step.ID {
			remaining = append(remaining, action)
		}
	}
	task.PendingActions = remaining
	if err := r.store.UpdateTaskFields(ctx, task.ID, storage.TaskFields{
		PendingActions: &task.PendingActions,
	}); err != nil {
		return fmt.Errorf("remove pending action: %w", err)
	}

	r.setStatus(ctx, task, models.TaskExecuting)
	return nil
}

// runStep publishes running before any work, then marks the step done.
// Concrete task effects are an extension point; the approval gate is
// the only externally visible work in this runner.
func (r *Runner) runStep(ctx context.Context, task *models.Task, step *models.Step) error {
	ctx, span := observability.StartSpan(ctx, "task.step",
		"task.id", task.ID, "step.id", step.ID)
	defer span.End()

	step.Status = models.StepRunning
	if err := r.store.UpdateTaskFields(ctx, task.ID, storage.TaskFields{Plan: task.Plan}); err != nil {
		return fmt.Errorf("persist step status: %w", err)
	}
	r.publish(models.TaskEvent{
		Type:   models.EventStepUpdate,
		TaskID: task.ID,
		Step:   step,
	})

	step.Status = models.StepDone
	step.Result = json.RawMessage(`{"ok":true}`)
	if err := r.store.UpdateTaskFields(ctx, task.ID, storage.TaskFields{Plan: task.Plan}); err != nil {
		return fmt.Errorf("persist step result: %w", err)
	}
	r.publish(models.TaskEvent{
		Type:   models.EventStepUpdate,
		TaskID: task.ID,
		Step:   step,
	})
	if r.metrics != nil {
		r.metrics.StepsExecuted.WithLabelValues("done").Inc()
	}
	return nil
}

func (r *Runner) dropWaiter(key waiterKey) {
	r.mu.Lock()
	delete(r.waiters, key)
	r.mu.Unlock()
}

func (r *Runner) setStatus(ctx context.Context, task *models.Task, status models.TaskStatus) {
	task.Status = status
	r.persistStatus(ctx, task.ID, status)
	r.publishStatus(task.ID, status)
}

func (r *Runner) persistStatus(ctx context.Context, taskID string, status models.TaskStatus) {
	if err := r.store.UpdateTaskFields(ctx, taskID, storage.TaskFields{Status: &status}); err != nil {
		r.logger.Error("persist status failed", "task_id", taskID, "status", status, "error", err)
	}
}

func (r *Runner) publishStatus(taskID string, status models.TaskStatus) {
	r.publish(models.TaskEvent{
		Type:   models.EventStatusChanged,
		TaskID: taskID,
		Status: status,
	})
	if r.metrics != nil {
		r.metrics.TaskTransitions.WithLabelValues(string(status)).Inc()
	}
}

func (r *Runner) publish(ev models.TaskEvent) {
	r.bus.Publish(ev)
}
