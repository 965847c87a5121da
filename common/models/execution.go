package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of one execution.
// Transitions are monotone: pending -> running -> terminal.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Caller is the identity snapshot attached to an execution
type Caller struct {
	UserID          *uuid.UUID `json:"user_id,omitempty"`
	OrganizationID  *uuid.UUID `json:"organization_id,omitempty"`
	IsPlatformAdmin bool       `json:"is_platform_admin,omitempty"`
	APIKeyID        *uuid.UUID `json:"api_key_id,omitempty"`
	Roles           []string   `json:"roles,omitempty"`
}

// IsAPIKey reports whether the caller authenticated with an API key
func (c *Caller) IsAPIKey() bool {
	return c.APIKeyID != nil
}

// Execution is one dispatch of a workflow (or inline script)
type Execution struct {
	ID           uuid.UUID       `json:"id"`
	WorkflowID   *uuid.UUID      `json:"workflow_id,omitempty"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Caller       json.RawMessage `json:"caller,omitempty"`
	Status       ExecutionStatus `json:"status"`
	ErrorKind    *string         `json:"error_kind,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Logs         json.RawMessage `json:"logs,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
	PeakMemoryKB *int64          `json:"peak_memory_kb,omitempty"`
	CPUSeconds   *float64        `json:"cpu_seconds,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ExecutionContext is the full pending-execution state handed across
// the Redis boundary; a plain serializable struct, nothing bound to
// the dispatching process.
type ExecutionContext struct {
	ExecutionID uuid.UUID              `json:"execution_id"`
	WorkflowID  *uuid.UUID             `json:"workflow_id,omitempty"`
	Code        string                 `json:"code,omitempty"` // inline-script mode
	ScriptName  string                 `json:"script_name,omitempty"`
	Path        string                 `json:"path,omitempty"`
	FunctionName string                `json:"function_name,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Caller      Caller                 `json:"caller"`
	FormID      *uuid.UUID             `json:"form_id,omitempty"`
	Sync        bool                   `json:"sync"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
}

// ExecutionMessage is the minimal queue payload. A non-empty Code
// indicates an inline-script execution rather than a registered
// workflow; unknown shapes are rejected loudly.
type ExecutionMessage struct {
	ExecutionID uuid.UUID  `json:"execution_id"`
	WorkflowID  *uuid.UUID `json:"workflow_id,omitempty"`
	Code        string     `json:"code,omitempty"`
	ScriptName  string     `json:"script_name,omitempty"`
	Sync        bool       `json:"sync"`
}

// ExecutionResult is what a worker reports on completion
type ExecutionResult struct {
	ExecutionID  uuid.UUID       `json:"execution_id"`
	Status       ExecutionStatus `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	PeakMemoryKB int64           `json:"peak_memory_kb"`
	CPUSeconds   float64         `json:"cpu_seconds"`
	Logs         []LogLine       `json:"logs,omitempty"`
}

// LogLine is one captured line of execution output
type LogLine struct {
	Stream  string    `json:"stream"` // stdout | stderr
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
