package bus

// Reload lifecycle topics.
const (
	TopicReloadStarted   = "reload.started"
	TopicReloadCompleted = "reload.completed"
	TopicReloadFailed    = "reload.failed"
)

// Lock topics.
const (
	TopicLockSet     = "lock.set"
	TopicLockCleared = "lock.cleared"
)

// Task runner topics.
const (
	TopicTaskFired     = "task.fired"
	TopicTaskSkipped   = "task.skipped"
	TopicTaskFailed    = "task.failed"
	TopicTaskExhausted = "task.exhausted"
)

// Modal recovery topics.
const (
	TopicModalCaptured = "modal.captured"
	TopicModalReplayed = "modal.replayed"
)

// Dispatch topics.
const (
	TopicDispatchHandled  = "dispatch.handled"
	TopicDispatchRejected = "dispatch.rejected"
)

// ReloadEvent is published when a reload cycle starts, completes, or fails.
type ReloadEvent struct {
	Audience string // Deployment audience affected by the reload
	Path     string // Changed file that triggered the cycle
	Kind     string // "command", "task", or "config"
	Err      string // Failure detail; empty unless TopicReloadFailed
}

// TaskEvent is published for task runner activity.
type TaskEvent struct {
	Audience string // Audience owning the task
	Name     string // Declared task name
	Reason   string // Detail for skips and failures
}

// ModalEvent is published for modal capture and replay activity.
type ModalEvent struct {
	CorrelationID string // Routing id of the captured modal
	UserID        string // Submitting user
}

// DispatchEvent is published when the gate handles or rejects an interaction.
type DispatchEvent struct {
	Kind     string // "command", "modal", or "component"
	Audience string // Audience the interaction arrived on
	Name     string // Command name, when resolved
	Reason   string // Rejection reason; empty when handled
}
