// Package planner turns a user request plus a candidate tool list into
// an ordered multi-step execution plan by asking the LLM for a
// structured step list and validating it against the candidates.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/llm"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/models"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/stream"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/tools"
)

// ErrEmptyPlan is returned when the LLM produces no usable steps.
var ErrEmptyPlan = errors.New("planner produced no steps")

// ErrUnknownTool is returned when any planned step names a tool outside
// the candidate set. One bad step rejects the whole plan.
var ErrUnknownTool = errors.New("planner referenced an unknown tool")

// ErrUnparseable is returned when the LLM response is not a step list.
var ErrUnparseable = errors.New("planner response is not a step list")

const planningPrompt = `You are a planning assistant. Break the user's request into an ordered list of tool invocations.

Respond with ONLY a JSON array, no prose. Each element:
  {"intent": "<one sentence describing the step>", "tool": "<tool name>", "arguments": {...}}

Rules:
- Use only the tools listed below.
- Later steps may reference earlier step outputs with {{step_N.data...}} placeholders, where N is the 1-based position of the earlier step.
- Keep the plan minimal; do not add steps the user did not ask for.

Available tools:
%s`

// Planner generates execution plans via the LLM.
type Planner struct {
	client      llm.Client
	mux         *stream.Multiplexer
	temperature float32
	maxTokens   int
}

func New(client llm.Client, mux *stream.Multiplexer, cfg config.LLMConfig) *Planner {
	return &Planner{
		client:      client,
		mux:         mux,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// plannedStep is the wire shape the LLM returns.
type plannedStep struct {
	Intent    string         `json:"intent"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// GeneratePlan asks the LLM for a step list over the candidate tools,
// announcing each accepted step as a planner_status event. The returned
// steps carry fresh ordinal step IDs (step_1, step_2, ...) so later
// steps can reference earlier outputs by position.
func (p *Planner) GeneratePlan(ctx context.Context, userInput string, candidates []config.ToolDefinition, sessionID, messageID, userID string) ([]*models.Step, error) {
	toolList, err := describeTools(candidates)
	if err != nil {
		return nil, fmt.Errorf("format candidate tools: %w", err)
	}

	resp, err := p.client.Chat(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(planningPrompt, toolList)},
			{Role: "user", Content: userInput},
		},
		ToolChoice:  "none",
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("planning call: %w", err)
	}

	planned, err := parseSteps(resp.Content)
	if err != nil {
		return nil, err
	}
	if len(planned) == 0 {
		return nil, ErrEmptyPlan
	}

	allowed := make(map[string]bool, len(candidates))
	for _, def := range candidates {
		allowed[def.Name] = true
	}

	steps := make([]*models.Step, 0, len(planned))
	for i, ps := range planned {
		if !allowed[ps.Tool] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, ps.Tool)
		}
		step := &models.Step{
			StepID: fmt.Sprintf("step_%d", i+1),
			Intent: ps.Intent,
			Status: models.StepStatusReady,
			ToolCall: models.ToolCall{
				ID:        uuid.NewString(),
				Name:      ps.Tool,
				Arguments: ps.Arguments,
				SessionID: sessionID,
				UserID:    userID,
			},
		}
		steps = append(steps, step)

		p.mux.SendChunk(sessionID, stream.Event{
			Type:      stream.EventPlannerStatus,
			MessageID: messageID,
			Content: map[string]any{
				"step_id": step.StepID,
				"intent":  step.Intent,
				"tool":    ps.Tool,
				"ordinal": i + 1,
			},
		})
	}
	return steps, nil
}

// parseSteps extracts the JSON step array from the LLM response,
// tolerating code fences and surrounding prose.
func parseSteps(content string) ([]plannedStep, error) {
	text := strings.TrimSpace(content)
	if fenced, ok := stripFence(text); ok {
		text = fenced
	}

	// Some models wrap the array in prose; take the outermost brackets.
	if !strings.HasPrefix(text, "[") {
		start := strings.Index(text, "[")
		end := strings.LastIndex(text, "]")
		if start == -1 || end <= start {
			return nil, fmt.Errorf("%w: %.120s", ErrUnparseable, content)
		}
		text = text[start : end+1]
	}

	var steps []plannedStep
	if err := json.Unmarshal([]byte(text), &steps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return steps, nil
}

func stripFence(text string) (string, bool) {
	if !strings.HasPrefix(text, "```") {
		return "", false
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx != -1 {
		text = text[idx+1:] // drop the language tag line
	}
	if idx := strings.LastIndex(text, "```"); idx != -1 {
		text = text[:idx]
	}
	return strings.TrimSpace(text), true
}

// describeTools renders the candidate list for the planning prompt.
func describeTools(candidates []config.ToolDefinition) (string, error) {
	specs := tools.FormatForLLM(candidates)
	var b strings.Builder
	for _, spec := range specs {
		params, err := json.Marshal(spec.Parameters)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "- %s: %s\n  parameters: %s\n", spec.Name, spec.Description, params)
	}
	return b.String(), nil
}
