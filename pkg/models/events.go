package models

// TaskEventType names a task lifecycle event on the bus. Listeners track
// exactly these five names.
type TaskEventType string

const (
	// EventStatusChanged announces a task status transition.
	EventStatusChanged TaskEventType = "task:status_changed"

	// EventStepUpdate announces a step entering running or done.
	EventStepUpdate TaskEventType = "task:step_update"

	// EventPendingAction announces a step blocked awaiting approval.
	EventPendingAction TaskEventType = "task:pending_action"

	// EventCompleted announces a successful run with its artifacts.
	EventCompleted TaskEventType = "task:completed"

	// EventFailed announces a failed or cancelled run.
	EventFailed TaskEventType = "task:failed"
)

// LifecycleEventTypes lists every task lifecycle event name, in the order
// listeners subscribe to them.
func LifecycleEventTypes() []TaskEventType {
	return []TaskEventType{
		EventStatusChanged,
		EventStepUpdate,
		EventPendingAction,
		EventCompleted,
		EventFailed,
	}
}

// TaskEvent is one task lifecycle event. Only the fields relevant to the
// event type are populated; the whole record is serialized as-is to
// transports.
type TaskEvent struct {
	Type   TaskEventType `json:"type"`
	TaskID string        `json:"taskId"`

	// Status is set for EventStatusChanged.
	Status TaskStatus `json:"status,omitempty"`

	// Step is set for EventStepUpdate.
	Step *Step `json:"step,omitempty"`

	// Action is set for EventPendingAction.
	Action *Step `json:"action,omitempty"`

	// Artifacts is set for EventCompleted.
	Artifacts []Artifact `json:"artifacts,omitempty"`

	// Error is set for EventFailed.
	Error string `json:"error,omitempty"`
}
