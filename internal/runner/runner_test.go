package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/novaxhq/novax/internal/events"
	"github.com/novaxhq/novax/internal/storage"
	"github.com/novaxhq/novax/pkg/models"
)

const eventWait = 2 * time.Second

type harness struct {
	store  *storage.MemoryStore
	bus    *events.Bus
	runner *Runner
	sub    *events.ChanSubscriber
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := events.NewBus()
	sub := events.NewChanSubscriber(bus, 256)
	t.Cleanup(sub.Close)
	return &harness{
		store:  store,
		bus:    bus,
		runner: NewRunner(store, bus, nil, nil),
		sub:    sub,
	}
}

func (h *harness) createTask(t *testing.T, task *models.Task) {
	t.Helper()
	if err := h.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

// waitFor drains the subscriber until an event of the wanted type for the
// task arrives, returning every event seen along the way (inclusive).
func (h *harness) waitFor(t *testing.T, taskID string, want models.TaskEventType) []models.TaskEvent {
	t.Helper()
	deadline := time.After(eventWait)
	var seen []models.TaskEvent
	for {
		select {
		case e := <-h.sub.Events():
			if e.TaskID != taskID {
				continue
			}
			seen = append(seen, e)
			if e.Type == want {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; saw %d events", want, len(seen))
		}
	}
}

func TestRunTaskToCompletion(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, &models.Task{
		ID:          "t1",
		Title:       "deploy",
		Description: "step one\nstep two",
		Status:      models.TaskQueued,
	})

	if err := h.runner.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seen := h.waitFor(t, "t1", models.EventCompleted)

	var statuses []models.TaskStatus
	var stepUpdates []models.TaskEvent
	for _, e := range seen {
		switch e.Type {
		case models.EventStatusChanged:
			statuses = append(statuses, e.Status)
		case models.EventStepUpdate:
			stepUpdates = append(stepUpdates, e)
		case models.EventPendingAction:
			t.Errorf("unexpected pending_action event for auto task")
		}
	}

	wantStatuses := []models.TaskStatus{models.TaskPlanning, models.TaskExecuting}
	if len(statuses) != len(wantStatuses) {
		t.Fatalf("status transitions = %v, want %v", statuses, wantStatuses)
	}
	for i, s := range wantStatuses {
		if statuses[i] != s {
			t.Errorf("status[%d] = %s, want %s", i, statuses[i], s)
		}
	}

	// Each step publishes a running update and a done update, in plan
	// order.
	if len(stepUpdates) != 4 {
		t.Fatalf("got %d step updates, want 4", len(stepUpdates))
	}
	wantSteps := []struct {
		id     string
		status models.StepStatus
	}{
		{"step-1", models.StepRunning},
		{"step-1", models.StepDone},
		{"step-2", models.StepRunning},
		{"step-2", models.StepDone},
	}
	for i, want := range wantSteps {
		got := stepUpdates[i].Step
		if got == nil || got.ID != want.id || got.Status != want.status {
			t.Errorf("step update[%d] = %+v, want %s/%s", i, got, want.id, want.status)
		}
	}

	task, err := h.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Errorf("persisted status = %s, want %s", task.Status, models.TaskCompleted)
	}
	if task.CompletedAt == nil {
		t.Errorf("CompletedAt not set")
	}
	if task.Plan == nil || len(task.Plan.Steps) != 2 {
		t.Fatalf("persisted plan = %+v, want 2 steps", task.Plan)
	}
	if got := task.Plan.Steps[0].Title; got != "step one" {
		t.Errorf("step 1 title = %q, want %q", got, "step one")
	}
	if got := task.Plan.Steps[1].Title; got != "step two" {
		t.Errorf("step 2 title = %q, want %q", got, "step two")
	}
}

func TestApprovalGateBlocksUntilApproved(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, &models.Task{
		ID:     "t1",
		Title:  "guarded",
		Status: models.TaskQueued,
		Plan: &models.Plan{
			Steps: []models.Step{
				{ID: "step-1", Title: "safe", Status: models.StepQueued},
				{ID: "step-2", Title: "guarded", RequiresApproval: true, Status: models.StepQueued},
			},
		},
	})

	if err := h.runner.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seen := h.waitFor(t, "t1", models.EventPendingAction)
	last := seen[len(seen)-1]
	if last.Action == nil || last.Action.ID != "step-2" {
		t.Fatalf("pending action = %+v, want step-2", last.Action)
	}

	task, err := h.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != models.TaskConfirming {
		t.Errorf("status while waiting = %s, want %s", task.Status, models.TaskConfirming)
	}
	if len(task.PendingActions) != 1 || task.PendingActions[0].ID != "step-2" {
		t.Errorf("pending actions = %+v, want one for step-2", task.PendingActions)
	}

	if err := h.runner.Approve(context.Background(), "t1", "step-2"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	h.waitFor(t, "t1", models.EventCompleted)

	task, err = h.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Errorf("final status = %s, want %s", task.Status, models.TaskCompleted)
	}
	if len(task.PendingActions) != 0 {
		t.Errorf("pending actions after approval = %+v, want none", task.PendingActions)
	}
}

func TestAutoApproveSkipsGate(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, &models.Task{
		ID:     "t1",
		Status: models.TaskQueued,
		Plan: &models.Plan{
			Steps: []models.Step{
				{ID: "step-1", Title: "guarded", RequiresApproval: true, Status: models.StepQueued},
			},
			Settings: models.PlanSettings{AutoApprove: true},
		},
	})

	if err := h.runner.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seen := h.waitFor(t, "t1", models.EventCompleted)
	for _, e := range seen {
		if e.Type == models.EventPendingAction {
			t.Errorf("pending_action published despite autoApprove")
		}
	}
}

func TestCancelWhileConfirming(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, &models.Task{
		ID:     "t1",
		Status: models.TaskQueued,
		Plan: &models.Plan{
			Steps: []models.Step{
				{ID: "step-1", Title: "guarded", RequiresApproval: true, Status: models.StepQueued},
			},
		},
	})

	if err := h.runner.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitFor(t, "t1", models.EventPendingAction)

	if err := h.runner.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	seen := h.waitFor(t, "t1", models.EventFailed)
	last := seen[len(seen)-1]
	if last.Error != "canceled" {
		t.Errorf("failed event error = %q, want %q", last.Error, "canceled")
	}

	// The cancelled run consumed its waiter; a late approve is rejected.
	err := h.runner.Approve(context.Background(), "t1", "step-1")
	if !approveRejected(t, h, err) {
		t.Errorf("Approve after cancel = %v, want ErrNoPendingApproval", err)
	}

	// No completed event follows a cancellation.
	select {
	case e := <-h.sub.Events():
		if e.TaskID == "t1" && e.Type == models.EventCompleted {
			t.Errorf("completed event published after cancel")
		}
	case <-time.After(100 * time.Millisecond):
	}

	task, err := h.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != models.TaskFailed {
		t.Errorf("persisted status = %s, want %s", task.Status, models.TaskFailed)
	}
}

// approveRejected waits briefly for the run goroutine to consume its
// waiter before asserting, since Cancel returns ahead of the select.
func approveRejected(t *testing.T, h *harness, err error) bool {
	t.Helper()
	if errors.Is(err, ErrNoPendingApproval) {
		return true
	}
	deadline := time.After(eventWait)
	for {
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
			if errors.Is(h.runner.Approve(context.Background(), "t1", "step-1"), ErrNoPendingApproval) {
				return true
			}
		}
	}
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, &models.Task{
		ID:     "t1",
		Status: models.TaskQueued,
		Plan: &models.Plan{
			Steps: []models.Step{
				{ID: "step-1", Title: "guarded", RequiresApproval: true, Status: models.StepQueued},
				{ID: "step-2", Title: "after", Status: models.StepQueued},
			},
		},
	})

	if err := h.runner.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitFor(t, "t1", models.EventPendingAction)

	if err := h.runner.Pause(context.Background(), "t1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	task, err := h.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != models.TaskPaused {
		t.Errorf("status after pause = %s, want %s", task.Status, models.TaskPaused)
	}

	// Resume re-runs from the first step with the persisted plan; the
	// gate blocks again.
	waitForStopped(t, h.runner, "t1")
	if err := h.runner.Resume(context.Background(), "t1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.waitFor(t, "t1", models.EventPendingAction)

	if err := h.runner.Approve(context.Background(), "t1", "step-1"); err != nil {
		t.Fatalf("Approve after resume: %v", err)
	}
	h.waitFor(t, "t1", models.EventCompleted)
}

// waitForStopped blocks until the task's previous run goroutine has
// released its execution slot.
func waitForStopped(t *testing.T, r *Runner, taskID string) {
	t.Helper()
	deadline := time.After(eventWait)
	for {
		r.mu.Lock()
		_, running := r.running[taskID]
		r.mu.Unlock()
		if !running {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("run goroutine for %s did not stop", taskID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartTwiceRejected(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, &models.Task{
		ID:     "t1",
		Status: models.TaskQueued,
		Plan: &models.Plan{
			Steps: []models.Step{
				{ID: "step-1", Title: "guarded", RequiresApproval: true, Status: models.StepQueued},
			},
		},
	})

	if err := h.runner.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitFor(t, "t1", models.EventPendingAction)

	if err := h.runner.Start(context.Background(), "t1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	if err := h.runner.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestCommandsOnIdleTask(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, &models.Task{ID: "t1", Status: models.TaskQueued})

	if err := h.runner.Pause(context.Background(), "t1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Pause idle = %v, want ErrNotRunning", err)
	}
	if err := h.runner.Cancel(context.Background(), "t1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Cancel idle = %v, want ErrNotRunning", err)
	}
	if err := h.runner.Approve(context.Background(), "t1", "step-1"); !errors.Is(err, ErrNoPendingApproval) {
		t.Errorf("Approve idle = %v, want ErrNoPendingApproval", err)
	}
}

func TestStartUnknownTask(t *testing.T) {
	h := newHarness(t)
	if err := h.runner.Start(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Start unknown = %v, want ErrNotFound", err)
	}
}

func TestPlanWithSettingsButNoStepsRegenerates(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, &models.Task{
		ID:          "t1",
		Description: "only line",
		Status:      models.TaskQueued,
		Plan: &models.Plan{
			Settings: models.PlanSettings{AutoApprove: true},
		},
	})

	if err := h.runner.Start(context.Background(), "t1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitFor(t, "t1", models.EventCompleted)

	task, err := h.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Plan == nil || len(task.Plan.Steps) != 1 {
		t.Fatalf("plan = %+v, want one generated step", task.Plan)
	}
	if task.Plan.Steps[0].Title != "only line" {
		t.Errorf("generated step title = %q, want %q", task.Plan.Steps[0].Title, "only line")
	}
	if !task.Plan.Settings.AutoApprove {
		t.Errorf("autoApprove setting lost during regeneration")
	}
}
