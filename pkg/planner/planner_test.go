package planner

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/llm"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/models"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/stream"
)

type scriptedLLM struct {
	content string
	gotReq  *llm.ChatRequest
}

func (s *scriptedLLM) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.gotReq = req
	return &llm.ChatResponse{Content: s.content, FinishReason: "stop"}, nil
}

func (s *scriptedLLM) ChatStream(context.Context, *llm.ChatRequest) (<-chan llm.Chunk, error) {
	panic("planner never streams")
}

type eventCollector struct {
	mu     sync.Mutex
	events []stream.Event
}

func (c *eventCollector) Send(e stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func candidates() []config.ToolDefinition {
	return []config.ToolDefinition{
		{Name: "fetch_emails", Description: "Fetch emails"},
		{Name: "send_email", Description: "Send an email"},
	}
}

func newTestPlanner(client llm.Client) (*Planner, *eventCollector) {
	mux := stream.NewMultiplexer()
	sink := &eventCollector{}
	mux.Attach("s1", "u1", sink)
	return New(client, mux, config.LLMConfig{Temperature: 0.2, MaxTokens: 1024}), sink
}

func TestGeneratePlan(t *testing.T) {
	client := &scriptedLLM{content: `[
		{"intent": "find the latest email from alice", "tool": "fetch_emails", "arguments": {"query": "from:alice@x.com", "limit": 1}},
		{"intent": "reply to alice", "tool": "send_email", "arguments": {"to": "{{step_1.data[0].from}}", "body": "got it"}}
	]`}
	p, sink := newTestPlanner(client)

	steps, err := p.GeneratePlan(t.Context(), "reply to alice", candidates(), "s1", "m1", "u1")
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, "step_1", steps[0].StepID)
	assert.Equal(t, "step_2", steps[1].StepID)
	assert.Equal(t, models.StepStatusReady, steps[0].Status)
	assert.Equal(t, "fetch_emails", steps[0].ToolCall.Name)
	assert.Equal(t, "s1", steps[0].ToolCall.SessionID)
	assert.Equal(t, "u1", steps[0].ToolCall.UserID)
	assert.NotEmpty(t, steps[0].ToolCall.ID)
	assert.Equal(t, "{{step_1.data[0].from}}", steps[1].ToolCall.Arguments["to"])

	// Planning never exposes tools as callable functions.
	assert.Equal(t, "none", client.gotReq.ToolChoice)

	require.Len(t, sink.events, 2)
	for i, e := range sink.events {
		assert.Equal(t, stream.EventPlannerStatus, e.Type)
		assert.Equal(t, "m1", e.MessageID)
		content := e.Content.(map[string]any)
		assert.Equal(t, i+1, content["ordinal"])
	}
}

func TestGeneratePlan_ToleratesCodeFences(t *testing.T) {
	client := &scriptedLLM{content: "Here is the plan:\n```json\n[{\"intent\": \"fetch\", \"tool\": \"fetch_emails\", \"arguments\": {}}]\n```"}
	p, _ := newTestPlanner(client)

	steps, err := p.GeneratePlan(t.Context(), "emails", candidates(), "s1", "m1", "u1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "fetch_emails", steps[0].ToolCall.Name)
}

func TestGeneratePlan_Rejections(t *testing.T) {
	t.Run("unknown tool rejects whole plan", func(t *testing.T) {
		client := &scriptedLLM{content: `[
			{"intent": "fetch", "tool": "fetch_emails", "arguments": {}},
			{"intent": "launch", "tool": "launch_rocket", "arguments": {}}
		]`}
		p, sink := newTestPlanner(client)
		_, err := p.GeneratePlan(t.Context(), "x", candidates(), "s1", "m1", "u1")
		require.ErrorIs(t, err, ErrUnknownTool)
		// The first step was announced before the rejection was found;
		// the caller discards the plan either way.
		assert.LessOrEqual(t, len(sink.events), 1)
	})

	t.Run("empty plan", func(t *testing.T) {
		client := &scriptedLLM{content: `[]`}
		p, _ := newTestPlanner(client)
		_, err := p.GeneratePlan(t.Context(), "x", candidates(), "s1", "m1", "u1")
		require.ErrorIs(t, err, ErrEmptyPlan)
	})

	t.Run("non-JSON response", func(t *testing.T) {
		client := &scriptedLLM{content: `I cannot help with that.`}
		p, _ := newTestPlanner(client)
		_, err := p.GeneratePlan(t.Context(), "x", candidates(), "s1", "m1", "u1")
		require.ErrorIs(t, err, ErrUnparseable)
	})
}
