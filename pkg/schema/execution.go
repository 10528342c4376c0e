package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further node steps can happen in this status.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning
}

// Execution is one run of a flow within one conversation.
type Execution struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	ConversationID string          `json:"conversation_id"`
	Phone          string          `json:"phone"`
	ContactName    string          `json:"contact_name,omitempty"`
	CurrentNodeID  string          `json:"current_node_id,omitempty"`
	Variables      map[string]any  `json:"variables"`
	Status         ExecutionStatus `json:"status"`
	ResumeAt       *time.Time      `json:"resume_at,omitempty"` // set while parked on a delay node
	ErrorMessage   string          `json:"error_message,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Version        int             `json:"version"`
}

// Waiting reports whether the execution is parked on a delay.
func (e *Execution) Waiting() bool {
	return e.ResumeAt != nil
}

// Log entry actions.
const (
	LogExecuted = "executed"
	LogFailed   = "failed"
	LogError    = "error"
)

// LogEntry is an append-only record of one node step.
type LogEntry struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	NodeType    NodeType        `json:"node_type"`
	Action      string          `json:"action"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at"`
}
