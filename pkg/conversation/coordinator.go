package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/executor"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/history"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/llm"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/models"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/orchestrator"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/planner"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/session"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/stream"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/tools"
)

// metaPlannerTool is the pseudo-tool the conversational LLM invokes to
// delegate a complex request to the planner.
const metaPlannerTool = "plan_multi_step"

// summaryFallback is streamed when the summarization turn comes back
// empty twice.
const summaryFallback = "The actions have been completed successfully."

// planFailureText closes the turn when no plan could be produced.
const planFailureText = "I could not plan that."

const conversationPrompt = `You are an assistant that helps the user work across their email, calendar and CRM.

You may call the available tools to act on the user's behalf. For requests that need several coordinated steps, call ` + metaPlannerTool + ` instead of issuing the steps yourself. For simple questions, just answer in text.`

const summaryPrompt = `You are an assistant reporting the outcome of actions just executed for the user. Summarize what happened in one or two short sentences, mentioning failures honestly. Do not call tools.`

// Coordinator drives one user turn end to end: history, streaming LLM
// call, plan construction, execution decision, execution, summary.
type Coordinator struct {
	cfg       *config.Config
	client    llm.Client
	filter    *tools.UserToolFilter
	planner   *planner.Planner
	executor  *executor.Executor
	mux       *stream.Multiplexer
	histories *HistoryManager
	sink      history.Sink
}

// Options wires the coordinator's collaborators.
type Options struct {
	Config    *config.Config
	Client    llm.Client
	Filter    *tools.UserToolFilter
	Planner   *planner.Planner
	Executor  *executor.Executor
	Mux       *stream.Multiplexer
	Histories *HistoryManager
	Sink      history.Sink
}

func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		cfg:       opts.Config,
		client:    opts.Client,
		filter:    opts.Filter,
		planner:   opts.Planner,
		executor:  opts.Executor,
		mux:       opts.Mux,
		histories: opts.Histories,
		sink:      opts.Sink,
	}
}

// HandleUserMessage processes one user turn. The session is claimed at
// entry, so an overlapping message is rejected even before the first
// turn has produced a run.
func (c *Coordinator) HandleUserMessage(ctx context.Context, sess *session.Session, messageID, text string) {
	if !sess.BeginTurn() {
		c.emitError(sess.ID, messageID, "session_busy",
			"a turn is still in progress for this session", false)
		return
	}

	c.appendHistory(ctx, sess.ID, models.ConversationMessage{
		Role: models.RoleUser, Content: text,
	})
	if err := c.sink.RecordUserMessage(ctx, sess.ID, sess.UserID, text); err != nil {
		slog.Warn("Failed to record user message", "session_id", sess.ID, "error", err)
	}

	categories := tools.DetectCategories(text)
	defs, err := c.filter.GetToolsByCategoriesForUser(ctx, sess.UserID, categories)
	if err != nil {
		slog.Error("Failed to resolve user tools", "session_id", sess.ID, "error", err)
		c.emitError(sess.ID, messageID, orchestrator.KindInternal, "could not resolve available tools", false)
		c.endTurn(sess, messageID)
		return
	}

	resp, ok := c.streamCompletion(ctx, sess, messageID, defs)
	if !ok {
		c.endTurn(sess, messageID)
		return
	}

	plan, planned := c.buildPlan(ctx, sess, messageID, text, defs, resp)
	if !planned {
		// Pure conversational turn (or plan failure, already reported).
		c.endTurn(sess, messageID)
		return
	}

	run := &models.Run{
		ID:                uuid.NewString(),
		SessionID:         sess.ID,
		UserID:            sess.UserID,
		UserInput:         text,
		ToolExecutionPlan: plan,
		Status:            models.RunStatusPending,
		CreatedAt:         time.Now().UTC(),
	}
	sess.SetActiveRun(run)
	c.registerPlan(ctx, sess, run, messageID)

	// Parking paths keep the turn claim; confirm or cancel releases it.
	decision := executor.Decide(plan)
	switch {
	case decision.AutoExecute:
		c.executeAndSummarize(ctx, sess, run, messageID)
	case decision.NeedsUserInput:
		run.Status = models.RunStatusWaiting
		c.mux.SendChunk(sess.ID, stream.Event{
			Type:      stream.EventParameterCollection,
			MessageID: messageID,
			Content:   map[string]any{"run_id": run.ID, "reason": decision.Reason},
		})
	default:
		run.Status = models.RunStatusWaiting
		c.mux.SendChunk(sess.ID, stream.Event{
			Type:      stream.EventConfirmationRequired,
			MessageID: messageID,
			Content: map[string]any{
				"run_id": run.ID,
				"reason": decision.Reason,
				"steps":  planOverview(plan),
			},
		})
	}
}

// ConfirmRun resumes a run parked on confirmation. The claim is
// atomic, so only one confirm or cancel ever acts on a parked run.
func (c *Coordinator) ConfirmRun(ctx context.Context, sess *session.Session, runID, messageID string) {
	run := sess.ClaimWaitingRun(runID)
	if run == nil {
		c.emitError(sess.ID, messageID, orchestrator.KindInternal,
			"no run awaiting confirmation with id "+runID, true)
		return
	}
	c.executeAndSummarize(ctx, sess, run, messageID)
}

// CancelRun abandons a run parked on confirmation. Runs already
// executing are not cancellable here; dropping the connection aborts
// them through the session context.
func (c *Coordinator) CancelRun(ctx context.Context, sess *session.Session, runID, messageID string) {
	run := sess.ClaimWaitingRun(runID)
	if run == nil {
		c.emitError(sess.ID, messageID, orchestrator.KindInternal,
			"no cancellable run with id "+runID, true)
		return
	}
	run.Status = models.RunStatusFailed
	run.FailureReason = "canceled_by_user"
	for _, step := range run.ToolExecutionPlan {
		if !step.Status.IsTerminal() {
			step.Status = models.StepStatusSkipped
			step.SkippedBecause = "canceled_by_user"
		}
	}
	c.mux.SendChunk(sess.ID, stream.Event{
		Type: stream.EventRunUpdated, MessageID: messageID, Content: run,
	})
	c.endTurn(sess, messageID)
}

// streamCompletion runs the conversational LLM call, relaying text as
// segment events and accumulating the full response.
func (c *Coordinator) streamCompletion(ctx context.Context, sess *session.Session, messageID string, defs []config.ToolDefinition) (*llm.ChatResponse, bool) {
	specs := tools.FormatForLLM(defs)
	specs = append(specs, llm.ToolSpec{
		Name:        metaPlannerTool,
		Description: "Delegate a multi-step request to the planning engine. Use when the request needs several coordinated tool invocations.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"request": map[string]any{"type": "string", "description": "the user's request, restated"},
			},
		},
	})

	msgs, err := c.histories.Get(ctx, sess.ID)
	if err != nil {
		slog.Warn("Failed to load history", "session_id", sess.ID, "error", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.LLMTurn)
	defer cancel()

	ch, err := c.client.ChatStream(callCtx, &llm.ChatRequest{
		Messages:    PrepareForLLM(conversationPrompt, msgs),
		Tools:       specs,
		ToolChoice:  "auto",
		Temperature: c.cfg.LLM.Temperature,
		MaxTokens:   c.cfg.LLM.MaxTokens,
	})
	if err != nil {
		c.emitError(sess.ID, messageID, orchestrator.KindInternal, "LLM call failed", false)
		return nil, false
	}

	acc := llm.NewAccumulator()
	textStarted := false
	for chunk := range ch {
		acc.Add(chunk)
		if tc, ok := chunk.(llm.TextChunk); ok && tc.Content != "" {
			if !textStarted {
				textStarted = true
				c.emitSegment(sess.ID, messageID, "", stream.StreamStart)
			}
			c.emitSegment(sess.ID, messageID, tc.Content, stream.StreamStreaming)
		}
	}
	if textStarted {
		c.emitSegment(sess.ID, messageID, "", stream.StreamEnd)
	}

	if msg := acc.Err(); msg != "" {
		c.emitError(sess.ID, messageID, orchestrator.KindInternal, msg, false)
		return nil, false
	}
	return acc.Response(), true
}

// buildPlan classifies the LLM outcome into a plan. Returns
// (nil, false) for pure text turns and reported failures.
func (c *Coordinator) buildPlan(ctx context.Context, sess *session.Session, messageID, text string, defs []config.ToolDefinition, resp *llm.ChatResponse) ([]*models.Step, bool) {
	metaCalled := false
	var calls []models.ToolCall
	parseErrorReported := false
	var assistantCalls []models.ToolCallData

	for _, tc := range resp.ToolCalls {
		if tc.Name == metaPlannerTool {
			metaCalled = true
			continue
		}
		args := map[string]any{}
		if strings.TrimSpace(tc.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				// One report per turn, then drop the malformed call.
				if !parseErrorReported {
					parseErrorReported = true
					c.emitError(sess.ID, messageID, orchestrator.KindParseError,
						fmt.Sprintf("tool call %s carried unparseable arguments", tc.Name), false)
				}
				continue
			}
		}
		calls = append(calls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: args,
			SessionID: sess.ID,
			UserID:    sess.UserID,
		})
		assistantCalls = append(assistantCalls, models.ToolCallData{
			ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		})
	}

	if !metaCalled && len(calls) == 0 {
		// Conversational turn: the streamed text is the assistant message.
		if resp.Content != "" {
			c.appendHistory(ctx, sess.ID, models.ConversationMessage{
				Role: models.RoleAssistant, Content: resp.Content,
			})
			if err := c.sink.RecordAssistantMessage(ctx, sess.ID, sess.UserID, resp.Content); err != nil {
				slog.Warn("Failed to record assistant message", "session_id", sess.ID, "error", err)
			}
		}
		return nil, false
	}

	if metaCalled || len(calls) >= 2 {
		steps, err := c.planner.GeneratePlan(ctx, text, defs, sess.ID, messageID, sess.UserID)
		if err != nil {
			kind := orchestrator.KindInternal
			if errors.Is(err, planner.ErrUnparseable) || errors.Is(err, planner.ErrEmptyPlan) ||
				errors.Is(err, planner.ErrUnknownTool) {
				kind = orchestrator.KindParseError
			}
			slog.Warn("Planning failed", "session_id", sess.ID, "error", err)
			c.emitError(sess.ID, messageID, kind, err.Error(), false)
			c.streamText(sess.ID, messageID, planFailureText)
			c.appendHistory(ctx, sess.ID, models.ConversationMessage{
				Role: models.RoleAssistant, Content: planFailureText,
			})
			return nil, false
		}
		c.appendPlanToHistory(ctx, sess.ID, steps)
		return steps, true
	}

	// Single executable call: planner bypass.
	call := calls[0]
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	step := &models.Step{
		StepID:   "step_1",
		Intent:   "execute " + call.Name,
		Status:   models.StepStatusReady,
		ToolCall: call,
	}
	c.appendHistory(ctx, sess.ID, models.ConversationMessage{
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: assistantCalls,
	})
	return []*models.Step{step}, true
}

// appendPlanToHistory records the planned calls as an assistant message
// so the subsequent tool messages have a parent.
func (c *Coordinator) appendPlanToHistory(ctx context.Context, sessionID string, steps []*models.Step) {
	data := make([]models.ToolCallData, 0, len(steps))
	for _, step := range steps {
		args, err := json.Marshal(step.ToolCall.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		data = append(data, models.ToolCallData{
			ID: step.ToolCall.ID, Name: step.ToolCall.Name, Arguments: string(args),
		})
	}
	c.appendHistory(ctx, sessionID, models.ConversationMessage{
		Role: models.RoleAssistant, ToolCalls: data,
	})
}

// registerPlan announces the run and plan to the client and the
// history sink.
func (c *Coordinator) registerPlan(ctx context.Context, sess *session.Session, run *models.Run, messageID string) {
	c.mux.SendChunk(sess.ID, stream.Event{
		Type: stream.EventRunUpdated, MessageID: messageID, Content: run,
	})
	c.mux.SendChunk(sess.ID, stream.Event{
		Type:      stream.EventPlanGenerated,
		MessageID: messageID,
		Content: map[string]any{
			"run_id": run.ID,
			"steps":  planOverview(run.ToolExecutionPlan),
		},
	})

	actions := make([]string, 0, len(run.ToolExecutionPlan))
	for _, step := range run.ToolExecutionPlan {
		actions = append(actions, step.ToolCall.Name)
	}
	if err := c.sink.RecordPlanCreation(ctx, sess.ID, sess.UserID, run.UserInput, actions); err != nil {
		slog.Warn("Failed to record plan creation", "session_id", sess.ID, "error", err)
	}
}

// executeAndSummarize runs the plan, injects results into history and
// produces the closing assistant summary.
func (c *Coordinator) executeAndSummarize(ctx context.Context, sess *session.Session, run *models.Run, messageID string) {
	c.executor.ExecuteRun(ctx, run, messageID)
	if run.FailureReason == executor.FailureClientDisconnected {
		return // client is gone, nothing to stream
	}

	for _, step := range run.ToolExecutionPlan {
		if step.Result == nil {
			continue
		}
		if _, err := c.histories.AppendToolResult(ctx, sess.ID, step.ToolCall.ID, step.ToolCall.Name, step.Result); err != nil {
			slog.Warn("Failed to append tool result to history",
				"session_id", sess.ID, "step_id", step.StepID, "error", err)
		}
	}

	summary := c.summarize(ctx, sess)
	c.streamText(sess.ID, messageID, summary)
	run.AssistantResponse = summary
	c.appendHistory(ctx, sess.ID, models.ConversationMessage{
		Role: models.RoleAssistant, Content: summary,
	})
	if err := c.sink.RecordAssistantMessage(ctx, sess.ID, sess.UserID, summary); err != nil {
		slog.Warn("Failed to record assistant summary", "session_id", sess.ID, "error", err)
	}
	c.endTurn(sess, messageID)
}

// summarize asks the LLM to describe the run outcome. An empty answer
// is retried once with an explicit instruction, then replaced by the
// fixed fallback.
func (c *Coordinator) summarize(ctx context.Context, sess *session.Session) string {
	msgs, err := c.histories.Get(ctx, sess.ID)
	if err != nil {
		slog.Warn("Failed to load history for summary", "session_id", sess.ID, "error", err)
		return summaryFallback
	}
	prepared := PrepareForLLM(summaryPrompt, msgs)

	if text := c.summaryCall(ctx, prepared); text != "" {
		return text
	}
	retry := append(prepared, llm.Message{
		Role:    string(models.RoleUser),
		Content: "Summarize what you just did for me.",
	})
	if text := c.summaryCall(ctx, retry); text != "" {
		return text
	}
	return summaryFallback
}

func (c *Coordinator) summaryCall(ctx context.Context, msgs []llm.Message) string {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.LLMTurn)
	defer cancel()
	resp, err := c.client.Chat(callCtx, &llm.ChatRequest{
		Messages:    msgs,
		ToolChoice:  "none",
		Temperature: c.cfg.LLM.SummaryTemperature,
		MaxTokens:   c.cfg.LLM.MaxTokens,
	})
	if err != nil {
		slog.Warn("Summary call failed", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

func planOverview(plan []*models.Step) []map[string]any {
	out := make([]map[string]any, 0, len(plan))
	for _, step := range plan {
		out = append(out, map[string]any{
			"step_id": step.StepID,
			"intent":  step.Intent,
			"tool":    step.ToolCall.Name,
			"status":  step.Status,
		})
	}
	return out
}

func (c *Coordinator) appendHistory(ctx context.Context, sessionID string, msg models.ConversationMessage) {
	if err := c.histories.Append(ctx, sessionID, msg); err != nil {
		slog.Warn("Failed to append history", "session_id", sessionID, "role", msg.Role, "error", err)
	}
}

// streamText emits a complete text message as a start/streaming/end
// segment triple.
func (c *Coordinator) streamText(sessionID, messageID, text string) {
	c.emitSegment(sessionID, messageID, "", stream.StreamStart)
	c.emitSegment(sessionID, messageID, text, stream.StreamStreaming)
	c.emitSegment(sessionID, messageID, "", stream.StreamEnd)
}

func (c *Coordinator) emitSegment(sessionID, messageID, content string, st stream.StreamType) {
	c.mux.SendChunk(sessionID, stream.Event{
		Type:       stream.EventTextSegment,
		MessageID:  messageID,
		Content:    content,
		StreamType: st,
	})
}

// endTurn releases the session's turn claim and closes the message
// stream. This is the single event per turn carrying isFinal.
func (c *Coordinator) endTurn(sess *session.Session, messageID string) {
	sess.EndTurn()
	c.mux.SendChunk(sess.ID, stream.Event{
		Type:      stream.EventStreamEnd,
		MessageID: messageID,
		IsFinal:   true,
	})
}

// emitError surfaces a failure on the client stream. final marks errors
// that terminate the turn themselves.
func (c *Coordinator) emitError(sessionID, messageID, code, message string, final bool) {
	c.mux.SendChunk(sessionID, stream.Event{
		Type:      stream.EventError,
		MessageID: messageID,
		IsFinal:   final,
		Content:   stream.ErrorContent{Code: code, Message: message},
	})
}
