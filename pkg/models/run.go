// Package models defines the shared domain types for the intent
// orchestration engine: runs, steps, tool calls, conversation messages,
// and cached entities. Types here carry no behavior beyond small
// status helpers; all logic lives in the component packages.
package models

import "time"

// StepStatus represents the lifecycle state of a single plan step.
type StepStatus string

const (
	StepStatusPending              StepStatus = "pending"
	StepStatusReady                StepStatus = "ready"
	StepStatusCollectingParameters StepStatus = "collecting_parameters"
	StepStatusExecuting            StepStatus = "executing"
	StepStatusCompleted            StepStatus = "completed"
	StepStatusFailed               StepStatus = "failed"
	// StepStatusSkipped is terminal, used when a predecessor's failure
	// invalidates this step under fail-fast execution.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal reports whether the step can no longer transition.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	// RunStatusWaiting means the run is parked on user confirmation or
	// parameter collection.
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the run can no longer transition.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ToolCall is a single resolved-or-unresolved tool invocation request.
// Arguments may still contain {{stepId.path}} placeholders until the
// executor resolves them immediately before dispatch.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
}

// ToolResult is the normalized outcome of one tool invocation.
// Status is "success" or "failed"; Data carries the normalized payload
// for LLM consumption.
type ToolResult struct {
	Status       string         `json:"status"`
	Data         any            `json:"data,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
}

// Success reports whether the invocation completed without error.
func (r *ToolResult) Success() bool {
	return r != nil && r.Status == "success"
}

// Step is one tool invocation within a Run, with its own status machine:
//
//	pending → (ready | collecting_parameters) → executing → (completed | failed)
//
// skipped is terminal and reachable from any non-terminal state.
type Step struct {
	StepID   string     `json:"step_id"`
	Intent   string     `json:"intent,omitempty"`
	ToolCall ToolCall   `json:"tool_call"`
	Status   StepStatus `json:"status"`

	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`

	// SkippedBecause references the failing step that invalidated this one.
	SkippedBecause string `json:"skipped_because,omitempty"`

	// ResolutionWarnings lists placeholder templates that could not be
	// resolved before execution. Informational, not fatal.
	ResolutionWarnings []string `json:"resolution_warnings,omitempty"`
}

// MissingParameters lists parameter names still needed from the user.
// Populated only while Status is collecting_parameters.
type MissingParameters struct {
	StepID string   `json:"step_id"`
	Fields []string `json:"fields"`
}

// Run is one attempt to service a user turn that involves at least one
// tool invocation. One run is active per session at a time.
//
// Invariant: Status == completed ⇒ every step has a terminal status.
// AssistantResponse is set at most once per run.
type Run struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	UserInput         string    `json:"user_input"`
	ToolExecutionPlan []*Step   `json:"tool_execution_plan"`
	Status            RunStatus `json:"status"`
	HistoryID         string    `json:"history_id,omitempty"`
	AssistantResponse string    `json:"assistant_response,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// StepByID returns the step with the given id, or nil.
func (r *Run) StepByID(stepID string) *Step {
	for _, s := range r.ToolExecutionPlan {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}

// AllStepsTerminal reports whether every step in the plan is terminal.
func (r *Run) AllStepsTerminal() bool {
	for _, s := range r.ToolExecutionPlan {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}
