package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/models"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/placeholder"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/stream"
)

// FailureClientDisconnected is recorded on a run aborted by client
// detach.
const FailureClientDisconnected = "client_disconnected"

// ToolExecutor executes one tool call. Satisfied by the orchestrator.
type ToolExecutor interface {
	Execute(ctx context.Context, call models.ToolCall) *models.ToolResult
}

// Executor runs a plan's steps strictly in order, resolving
// placeholders against earlier step results and streaming every status
// transition. Fail-fast: a failed step skips everything after it.
type Executor struct {
	tools ToolExecutor
	mux   *stream.Multiplexer
	now   func() time.Time
}

func New(tools ToolExecutor, mux *stream.Multiplexer) *Executor {
	return &Executor{tools: tools, mux: mux, now: time.Now}
}

// ExecuteRun drives run to a terminal status. Step-level failures are
// recorded on the steps and never returned as errors; the only error
// condition is context cancellation, which marks the run failed with
// reason client_disconnected and stops emitting.
func (e *Executor) ExecuteRun(ctx context.Context, run *models.Run, messageID string) {
	run.Status = models.RunStatusRunning
	e.emitRunUpdated(run, messageID)

	// results holds each completed step's output for placeholder
	// resolution, keyed by step ID. Step i's result is recorded before
	// step i+1 resolves.
	results := make(map[string]any, len(run.ToolExecutionPlan))

	var failedStep string
	for _, step := range run.ToolExecutionPlan {
		if step.Status.IsTerminal() {
			continue
		}
		if ctx.Err() != nil {
			run.Status = models.RunStatusFailed
			run.FailureReason = FailureClientDisconnected
			return
		}
		if failedStep != "" {
			step.Status = models.StepStatusSkipped
			step.SkippedBecause = failedStep
			e.emitStepStatus(run, step, messageID)
			continue
		}

		resolved, warnings := placeholder.Resolve(step.ToolCall.Arguments, results)
		step.ToolCall.Arguments = resolved
		if len(warnings) > 0 {
			step.ResolutionWarnings = warnings
			slog.Warn("Unresolved placeholders in step arguments",
				"run_id", run.ID, "step_id", step.StepID, "warnings", warnings)
		}

		started := e.now()
		step.StartedAt = &started
		step.Status = models.StepStatusExecuting
		e.emitStepStatus(run, step, messageID)

		result := e.tools.Execute(ctx, step.ToolCall)
		finished := e.now()
		step.FinishedAt = &finished
		step.Result = result

		if result.Success() {
			step.Status = models.StepStatusCompleted
			results[step.StepID] = stepResultView(result)
		} else {
			step.Status = models.StepStatusFailed
			step.Error = result.Error
			failedStep = step.StepID
		}
		e.emitStepStatus(run, step, messageID)
		e.emitStepResult(run, step, messageID)
	}

	if ctx.Err() != nil {
		run.Status = models.RunStatusFailed
		run.FailureReason = FailureClientDisconnected
		return
	}
	if failedStep != "" {
		run.Status = models.RunStatusFailed
		run.FailureReason = "step " + failedStep + " failed"
	} else {
		run.Status = models.RunStatusCompleted
	}
	e.emitRunUpdated(run, messageID)
}

// stepResultView shapes a step result for placeholder lookup. The JSON
// round-trip normalizes typed slices and maps into the generic tree the
// resolver traverses.
func stepResultView(result *models.ToolResult) any {
	view := map[string]any{"data": result.Data}
	raw, err := json.Marshal(view)
	if err != nil {
		return view
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return view
	}
	return generic
}

func (e *Executor) emitStepStatus(run *models.Run, step *models.Step, messageID string) {
	content := map[string]any{
		"run_id":  run.ID,
		"step_id": step.StepID,
		"status":  step.Status,
		"tool":    step.ToolCall.Name,
	}
	if step.SkippedBecause != "" {
		content["skipped_because"] = step.SkippedBecause
	}
	if len(step.ResolutionWarnings) > 0 {
		content["resolution_warnings"] = step.ResolutionWarnings
	}
	e.mux.SendChunk(run.SessionID, stream.Event{
		Type:      stream.EventToolStatusUpdate,
		MessageID: messageID,
		Content:   content,
	})
}

func (e *Executor) emitStepResult(run *models.Run, step *models.Step, messageID string) {
	if step.Result == nil {
		return
	}
	content := map[string]any{
		"run_id":  run.ID,
		"step_id": step.StepID,
		"status":  step.Result.Status,
		"tool":    step.ToolCall.Name,
	}
	if step.Result.Success() {
		content["data"] = step.Result.Data
	} else {
		content["error"] = step.Result.Error
		content["error_code"] = step.Result.ErrorCode
		if step.Result.ErrorDetails != nil {
			content["error_details"] = step.Result.ErrorDetails
		}
	}
	e.mux.SendChunk(run.SessionID, stream.Event{
		Type:      stream.EventToolResult,
		MessageID: messageID,
		Content:   content,
	})
}

func (e *Executor) emitRunUpdated(run *models.Run, messageID string) {
	e.mux.SendChunk(run.SessionID, stream.Event{
		Type:      stream.EventRunUpdated,
		MessageID: messageID,
		Content:   run,
	})
}
