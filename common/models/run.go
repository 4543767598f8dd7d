package models

import "time"

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether status is one a run never leaves.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// EngineState is the durable snapshot used to resume a suspended or
// restarted run. It is the entire unit of durability for in-flight
// execution, so every value in it must be JSON-encodable.
type EngineState struct {
	StepResults       map[string]any      `json:"stepResults"`
	CompensationPlan  []CompensationEntry `json:"compensationPlan"`
	PendingApprovalID string              `json:"pendingApprovalId,omitempty"`
	// SuspendedNodeID names the node the run is suspended at. An approval
	// node's resumed output is the decision itself; any other node type
	// (a tool node requesting human confirmation mid-call) instead re-runs
	// its handler with the decision attached before the walk continues.
	SuspendedNodeID string `json:"suspendedNodeId,omitempty"`
	// CompletedNodes and SkippedNodes let the executor recompute readiness
	// without re-deriving it from StepResults' presence, since a skipped
	// node's recorded output is nil and therefore indistinguishable from a
	// present-but-null output.
	CompletedNodes []string `json:"completedNodes"`
	SkippedNodes   []string `json:"skippedNodes"`
}

// RunError is the JSON-encodable error recorded on a run or step.
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// WorkflowRun is one execution of a WorkflowDefinition against one input.
type WorkflowRun struct {
	ID              string       `db:"id" json:"id"`
	DefinitionID    string       `db:"definition_id" json:"definitionId"`
	WorkflowVersion int          `db:"workflow_version" json:"workflowVersion"`
	UserID          *string      `db:"user_id" json:"userId,omitempty"`
	OrgID           *string      `db:"org_id" json:"orgId,omitempty"`
	Status          RunStatus    `db:"status" json:"status"`
	Input           map[string]any `db:"input" json:"input"`
	Output          map[string]any `db:"output" json:"output,omitempty"`
	Error           *RunError      `db:"error" json:"error,omitempty"`
	EngineState     EngineState    `db:"engine_state" json:"engineState"`
	StartedAt       *time.Time     `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	SuspendedAt     *time.Time     `db:"suspended_at" json:"suspendedAt,omitempty"`
	ResumedAt       *time.Time     `db:"resumed_at" json:"resumedAt,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// StepStatus is the lifecycle state of a WorkflowStep.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// WorkflowStep is one observed node outcome within a run.
type WorkflowStep struct {
	ID              string     `db:"id" json:"id"`
	RunID           string     `db:"run_id" json:"runId"`
	NodeID          string     `db:"node_id" json:"nodeId"`
	NodeType        string     `db:"node_type" json:"nodeType"`
	StepNumber      int        `db:"step_number" json:"stepNumber"`
	Status          StepStatus `db:"status" json:"status"`
	Input           map[string]any `db:"input" json:"input,omitempty"`
	Output          any            `db:"output" json:"output,omitempty"`
	Error           *RunError      `db:"error" json:"error,omitempty"`
	DurationMs      int64          `db:"duration_ms" json:"durationMs"`
	ToolExecutionID *string        `db:"tool_execution_id" json:"toolExecutionId,omitempty"`
	StartedAt       time.Time      `db:"started_at" json:"startedAt"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// OwnerScope restricts run/definition reads to the caller's tenant. Both
// fields are optional; a nil field places no restriction on that dimension.
type OwnerScope struct {
	UserID *string
	OrgID  *string
}
