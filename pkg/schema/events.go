package schema

// Lifecycle event names emitted by the runner and SLA monitor.
const (
	EventWorkflowStarted   = "workflow.started"
	EventStepCompleted     = "workflow.step_completed"
	EventStepFailed        = "workflow.step_failed"
	EventWorkflowCancelled = "workflow.cancelled"
	EventSLABreach         = "workflow.sla_breach"
)

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status rejects further step execution.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// ExecutionStatus represents the state of a single step execution record.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)
