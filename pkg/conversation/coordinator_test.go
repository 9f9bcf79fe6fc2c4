package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/cache"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/executor"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/gateway"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/history"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/kv"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/llm"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/models"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/orchestrator"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/planner"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/session"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/stream"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/tools"
)

// scriptedLLM serves pre-canned responses: streams for ChatStream calls
// and chats for Chat calls (planner and summaries share the chat queue,
// consumed in call order). A non-nil streamGate holds every stream's
// chunks back until the gate is closed, keeping a turn mid-stream.
type scriptedLLM struct {
	mu         sync.Mutex
	streams    []*llm.ChatResponse
	chats      []*llm.ChatResponse
	chatReqs   []*llm.ChatRequest
	streamReqs []*llm.ChatRequest
	streamGate chan struct{}
}

func (s *scriptedLLM) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatReqs = append(s.chatReqs, req)
	if len(s.chats) == 0 {
		return nil, errors.New("unexpected chat call")
	}
	resp := s.chats[0]
	s.chats = s.chats[1:]
	return resp, nil
}

func (s *scriptedLLM) ChatStream(_ context.Context, req *llm.ChatRequest) (<-chan llm.Chunk, error) {
	s.mu.Lock()
	s.streamReqs = append(s.streamReqs, req)
	if len(s.streams) == 0 {
		s.mu.Unlock()
		return nil, errors.New("unexpected stream call")
	}
	resp := s.streams[0]
	s.streams = s.streams[1:]
	gate := s.streamGate
	s.mu.Unlock()

	ch := make(chan llm.Chunk, len(resp.ToolCalls)+3)
	emit := func() {
		if resp.Content != "" {
			ch <- llm.TextChunk{Content: resp.Content}
		}
		for i, tc := range resp.ToolCalls {
			ch <- llm.ToolCallDeltaChunk{Index: i, ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
		ch <- llm.DoneChunk{FinishReason: "stop"}
		close(ch)
	}
	if gate == nil {
		emit()
		return ch, nil
	}
	go func() {
		<-gate
		emit()
	}()
	return ch, nil
}

// scriptedTools executes from per-tool result queues. A tool with no
// queued result succeeds with empty data.
type scriptedTools struct {
	mu      sync.Mutex
	results map[string][]*models.ToolResult
	calls   []models.ToolCall
}

func newScriptedTools() *scriptedTools {
	return &scriptedTools{results: make(map[string][]*models.ToolResult)}
}

func (s *scriptedTools) queue(tool string, result *models.ToolResult) {
	s.results[tool] = append(s.results[tool], result)
}

func (s *scriptedTools) Execute(_ context.Context, call models.ToolCall) *models.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	q := s.results[call.Name]
	if len(q) == 0 {
		return &models.ToolResult{Status: "success"}
	}
	result := q[0]
	s.results[call.Name] = q[1:]
	return result
}

func (s *scriptedTools) callsFor(tool string) []models.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ToolCall
	for _, c := range s.calls {
		if c.Name == tool {
			out = append(out, c)
		}
	}
	return out
}

// sinkRecorder captures every event sent to the session.
type sinkRecorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *sinkRecorder) Send(event stream.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *sinkRecorder) all() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Event(nil), r.events...)
}

func (r *sinkRecorder) types() []stream.EventType {
	var out []stream.EventType
	for _, e := range r.all() {
		out = append(out, e.Type)
	}
	return out
}

// streamedText concatenates the STREAMING segment payloads.
func (r *sinkRecorder) streamedText() string {
	var out string
	for _, e := range r.all() {
		if e.Type == stream.EventTextSegment && e.StreamType == stream.StreamStreaming {
			if s, ok := e.Content.(string); ok {
				out += s
			}
		}
	}
	return out
}

// requireSingleFinal asserts that exactly one event carries isFinal and
// that it is the last event of the turn.
func requireSingleFinal(t *testing.T, events []stream.Event) {
	t.Helper()
	finals := 0
	for _, e := range events {
		if e.IsFinal {
			finals++
		}
	}
	require.Equal(t, 1, finals, "exactly one final event per turn")
	require.True(t, events[len(events)-1].IsFinal, "the final event closes the turn")
}

type staticConnections struct{ conns []tools.Connection }

func (s staticConnections) ActiveConnections(context.Context, string) ([]tools.Connection, error) {
	return s.conns, nil
}

func conversationDefs() []config.ToolDefinition {
	return []config.ToolDefinition{
		{
			Name:        "fetch_emails",
			Category:    "Email",
			DisplayName: "Fetch Emails",
			Description: "Read recent emails from the synced cache.",
			ProviderKey: "mail",
			Source:      config.ToolSourceCache,
			CacheModel:  "Email",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer"},
				},
			},
		},
		{
			Name:        "send_email",
			Category:    "Email",
			DisplayName: "Send Email",
			Description: "Send an email.",
			ProviderKey: "mail",
			Source:      config.ToolSourceAction,
			ActionName:  "send_email",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"to", "body"},
				"properties": map[string]any{
					"to":      map[string]any{"type": "string"},
					"subject": map[string]any{"type": "string"},
					"body":    map[string]any{"type": "string"},
				},
			},
		},
	}
}

type harness struct {
	coord *Coordinator
	sess  *session.Session
	sink  *sinkRecorder
	llm   *scriptedLLM
	hist  *HistoryManager
}

func newHarness(t *testing.T, client *scriptedLLM, toolExec executor.ToolExecutor) *harness {
	t.Helper()
	store := kv.NewMemoryStore()
	cfg := &config.Config{
		LLM: config.LLMConfig{
			Temperature:        0.2,
			SummaryTemperature: 0.1,
			MaxTokens:          512,
		},
		Timeouts: config.TimeoutConfig{LLMTurn: 5 * time.Second},
	}

	catalog, err := tools.NewCatalog(conversationDefs())
	require.NoError(t, err)
	filter := tools.NewUserToolFilter(catalog,
		staticConnections{conns: []tools.Connection{{ID: "conn-1", ProviderKey: "mail"}}},
		store, map[string]config.ProviderConfig{"mail": {}}, time.Minute)

	mux := stream.NewMultiplexer()
	sink := &sinkRecorder{}
	hist := NewHistoryManager(store, 20, 50*1024)

	coord := NewCoordinator(Options{
		Config:    cfg,
		Client:    client,
		Filter:    filter,
		Planner:   planner.New(client, mux, cfg.LLM),
		Executor:  executor.New(toolExec, mux),
		Mux:       mux,
		Histories: hist,
		Sink:      history.Noop{},
	})

	registry := session.NewRegistry(store, time.Hour)
	sess := registry.Create("u1")
	mux.Attach(sess.ID, "u1", sink)

	return &harness{coord: coord, sess: sess, sink: sink, llm: client, hist: hist}
}

func toolCallResponse(calls ...llm.ToolCallSpec) *llm.ChatResponse {
	return &llm.ChatResponse{ToolCalls: calls}
}

func TestHandleUserMessage_SingleFetchAutoExecutes(t *testing.T) {
	client := &scriptedLLM{
		streams: []*llm.ChatResponse{toolCallResponse(
			llm.ToolCallSpec{ID: "c1", Name: "fetch_emails", Arguments: `{"limit":5}`},
		)},
		chats: []*llm.ChatResponse{{Content: "You have two new emails."}},
	}
	toolExec := newScriptedTools()
	toolExec.queue("fetch_emails", &models.ToolResult{
		Status: "success",
		Data: []map[string]any{
			{"id": "m1", "from": "alice@x.com", "subject": "Q3"},
			{"id": "m2", "from": "bob@x.com", "subject": "lunch"},
		},
	})
	h := newHarness(t, client, toolExec)

	h.coord.HandleUserMessage(context.Background(), h.sess, "msg-1", "show me my emails")

	run := h.sess.ActiveRun()
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	require.Len(t, run.ToolExecutionPlan, 1)
	assert.Equal(t, models.StepStatusCompleted, run.ToolExecutionPlan[0].Status)

	events := h.sink.all()
	requireSingleFinal(t, events)
	assert.Equal(t, []stream.EventType{
		stream.EventRunUpdated, // pending
		stream.EventPlanGenerated,
		stream.EventRunUpdated,       // running
		stream.EventToolStatusUpdate, // executing
		stream.EventToolStatusUpdate, // completed
		stream.EventToolResult,
		stream.EventRunUpdated, // completed
		stream.EventTextSegment,
		stream.EventTextSegment,
		stream.EventTextSegment,
		stream.EventStreamEnd,
	}, h.sink.types())
	assert.Equal(t, "You have two new emails.", h.sink.streamedText())

	msgs, err := h.hist.Get(context.Background(), h.sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4) // user, assistant tool call, tool result, assistant summary
	assert.Equal(t, models.RoleTool, msgs[2].Role)
	assert.Equal(t, "You have two new emails.", msgs[3].Content)
}

func TestHandleUserMessage_ConversationalTurn(t *testing.T) {
	client := &scriptedLLM{
		streams: []*llm.ChatResponse{{Content: "Hello! How can I help?"}},
	}
	h := newHarness(t, client, newScriptedTools())

	h.coord.HandleUserMessage(context.Background(), h.sess, "msg-1", "hello there")

	assert.Nil(t, h.sess.ActiveRun(), "no run for a pure text turn")
	events := h.sink.all()
	requireSingleFinal(t, events)
	assert.Equal(t, []stream.EventType{
		stream.EventTextSegment, // START_STREAM
		stream.EventTextSegment, // STREAMING
		stream.EventTextSegment, // END_STREAM
		stream.EventStreamEnd,
	}, h.sink.types())
	assert.Equal(t, "Hello! How can I help?", h.sink.streamedText())
}

func TestHandleUserMessage_MultiStepPlanConfirmsThenResolvesPlaceholders(t *testing.T) {
	client := &scriptedLLM{
		streams: []*llm.ChatResponse{toolCallResponse(
			llm.ToolCallSpec{ID: "c1", Name: "plan_multi_step", Arguments: `{"request":"reply to alice"}`},
		)},
		chats: []*llm.ChatResponse{
			{Content: `[
				{"intent": "find Alice's latest email", "tool": "fetch_emails", "arguments": {"limit": 1}},
				{"intent": "send the reply", "tool": "send_email",
				 "arguments": {"to": "{{step_1.data[0].from}}", "subject": "Re: {{step_1.data[0].subject}}", "body": "On it."}}
			]`},
			{Content: "Replied to Alice."},
		},
	}
	toolExec := newScriptedTools()
	toolExec.queue("fetch_emails", &models.ToolResult{
		Status: "success",
		Data:   []map[string]any{{"id": "m1", "from": "alice@x.com", "subject": "Q3 numbers"}},
	})
	h := newHarness(t, client, toolExec)
	ctx := context.Background()

	h.coord.HandleUserMessage(ctx, h.sess, "msg-1", "reply to alice's latest email")

	run := h.sess.ActiveRun()
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusWaiting, run.Status, "multi-step plans require confirmation")
	assert.True(t, h.sess.Busy())
	assert.Equal(t, []stream.EventType{
		stream.EventPlannerStatus,
		stream.EventPlannerStatus,
		stream.EventRunUpdated,
		stream.EventPlanGenerated,
		stream.EventConfirmationRequired,
	}, h.sink.types())

	h.coord.ConfirmRun(ctx, h.sess, run.ID, "msg-1")

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	sends := toolExec.callsFor("send_email")
	require.Len(t, sends, 1)
	assert.Equal(t, "alice@x.com", sends[0].Arguments["to"])
	assert.Equal(t, "Re: Q3 numbers", sends[0].Arguments["subject"])

	events := h.sink.all()
	requireSingleFinal(t, events)
	assert.Equal(t, "Replied to Alice.", h.sink.streamedText())
	assert.False(t, h.sess.Busy())
}

func TestHandleUserMessage_FailedStepSkipsRestAndStillSummarizes(t *testing.T) {
	client := &scriptedLLM{
		streams: []*llm.ChatResponse{toolCallResponse(
			llm.ToolCallSpec{ID: "c1", Name: "plan_multi_step", Arguments: `{}`},
		)},
		chats: []*llm.ChatResponse{
			{Content: `[
				{"intent": "fetch", "tool": "fetch_emails", "arguments": {"limit": 1}},
				{"intent": "send", "tool": "send_email", "arguments": {"to": "a@x.com", "body": "hi"}}
			]`},
			{Content: "I could not reach your mail provider, so nothing was sent."},
		},
	}
	toolExec := newScriptedTools()
	toolExec.queue("fetch_emails", &models.ToolResult{
		Status:    "failed",
		Error:     "provider unreachable",
		ErrorCode: "transport",
	})
	h := newHarness(t, client, toolExec)
	ctx := context.Background()

	h.coord.HandleUserMessage(ctx, h.sess, "msg-1", "reply to alice's email")
	run := h.sess.ActiveRun()
	require.NotNil(t, run)
	h.coord.ConfirmRun(ctx, h.sess, run.ID, "msg-1")

	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, models.StepStatusFailed, run.ToolExecutionPlan[0].Status)
	assert.Equal(t, models.StepStatusSkipped, run.ToolExecutionPlan[1].Status)
	assert.Equal(t, "step_1", run.ToolExecutionPlan[1].SkippedBecause)
	assert.Empty(t, toolExec.callsFor("send_email"), "skipped steps never execute")

	events := h.sink.all()
	requireSingleFinal(t, events)
	assert.Contains(t, h.sink.streamedText(), "nothing was sent")
}

func TestHandleUserMessage_EmptySummaryFallsBack(t *testing.T) {
	client := &scriptedLLM{
		streams: []*llm.ChatResponse{toolCallResponse(
			llm.ToolCallSpec{ID: "c1", Name: "fetch_emails", Arguments: `{"limit":1}`},
		)},
		chats: []*llm.ChatResponse{
			{Content: ""},    // first summary attempt
			{Content: "   "}, // retry with explicit instruction
		},
	}
	h := newHarness(t, client, newScriptedTools())

	h.coord.HandleUserMessage(context.Background(), h.sess, "msg-1", "show me my emails")

	assert.Equal(t, summaryFallback, h.sink.streamedText())
	require.Len(t, client.chatReqs, 2, "an empty summary is retried exactly once")
	retry := client.chatReqs[1]
	last := retry.Messages[len(retry.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "Summarize what you just did")
	requireSingleFinal(t, h.sink.all())
}

func TestHandleUserMessage_BusySessionRejectsTurn(t *testing.T) {
	client := &scriptedLLM{}
	h := newHarness(t, client, newScriptedTools())
	h.sess.SetActiveRun(&models.Run{ID: "r1", Status: models.RunStatusRunning})

	h.coord.HandleUserMessage(context.Background(), h.sess, "msg-2", "and also do this")

	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Type)
	content, ok := events[0].Content.(stream.ErrorContent)
	require.True(t, ok)
	assert.Equal(t, "session_busy", content.Code)
	assert.Empty(t, client.streamReqs, "no LLM call for a rejected turn")
}

// A second message arriving while the first turn is still streaming,
// before any run exists, must be rejected rather than interleaved.
func TestHandleUserMessage_ConcurrentTurnRejectedMidStream(t *testing.T) {
	gate := make(chan struct{})
	client := &scriptedLLM{
		streams:    []*llm.ChatResponse{{Content: "Checking now."}},
		streamGate: gate,
	}
	h := newHarness(t, client, newScriptedTools())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coord.HandleUserMessage(ctx, h.sess, "msg-1", "show me my emails")
	}()

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.streamReqs) == 1
	}, time.Second, time.Millisecond, "first turn reaches the LLM stream")

	h.coord.HandleUserMessage(ctx, h.sess, "msg-2", "and also do this")

	close(gate)
	<-done

	var busyErrors int
	for _, e := range h.sink.all() {
		if e.Type != stream.EventError {
			continue
		}
		content, ok := e.Content.(stream.ErrorContent)
		require.True(t, ok)
		assert.Equal(t, "session_busy", content.Code)
		busyErrors++
	}
	assert.Equal(t, 1, busyErrors, "the overlapping turn is rejected exactly once")

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Len(t, client.streamReqs, 1, "the rejected turn never reaches the LLM")
}

func TestHandleUserMessage_UnparseableArgumentsReportedOnce(t *testing.T) {
	client := &scriptedLLM{
		streams: []*llm.ChatResponse{toolCallResponse(
			llm.ToolCallSpec{ID: "c1", Name: "send_email", Arguments: `{not json`},
			llm.ToolCallSpec{ID: "c2", Name: "send_email", Arguments: `{also not`},
		)},
	}
	h := newHarness(t, client, newScriptedTools())

	h.coord.HandleUserMessage(context.Background(), h.sess, "msg-1", "send it")

	assert.Nil(t, h.sess.ActiveRun(), "dropped calls leave no run")
	var errorEvents int
	for _, e := range h.sink.all() {
		if e.Type == stream.EventError {
			errorEvents++
			content, ok := e.Content.(stream.ErrorContent)
			require.True(t, ok)
			assert.Equal(t, orchestrator.KindParseError, content.Code)
		}
	}
	assert.Equal(t, 1, errorEvents, "one parse_error report per turn")
	requireSingleFinal(t, h.sink.all())
}

func TestHandleUserMessage_PlannerFailureClosesTurn(t *testing.T) {
	client := &scriptedLLM{
		streams: []*llm.ChatResponse{toolCallResponse(
			llm.ToolCallSpec{ID: "c1", Name: "plan_multi_step", Arguments: `{}`},
		)},
		chats: []*llm.ChatResponse{
			{Content: "I cannot produce a plan, sorry."}, // not a JSON array
		},
	}
	h := newHarness(t, client, newScriptedTools())

	h.coord.HandleUserMessage(context.Background(), h.sess, "msg-1", "do several things")

	assert.Nil(t, h.sess.ActiveRun())
	events := h.sink.all()
	requireSingleFinal(t, events)
	assert.Equal(t, stream.EventError, events[0].Type)
	assert.Contains(t, h.sink.streamedText(), "could not plan")
}

func TestCancelRun_SkipsStepsAndClosesTurn(t *testing.T) {
	client := &scriptedLLM{
		streams: []*llm.ChatResponse{toolCallResponse(
			llm.ToolCallSpec{ID: "c1", Name: "plan_multi_step", Arguments: `{}`},
		)},
		chats: []*llm.ChatResponse{
			{Content: `[
				{"intent": "fetch", "tool": "fetch_emails", "arguments": {}},
				{"intent": "send", "tool": "send_email", "arguments": {"to": "a@x.com", "body": "hi"}}
			]`},
		},
	}
	toolExec := newScriptedTools()
	h := newHarness(t, client, toolExec)
	ctx := context.Background()

	h.coord.HandleUserMessage(ctx, h.sess, "msg-1", "reply to alice's email")
	run := h.sess.ActiveRun()
	require.NotNil(t, run)

	h.coord.CancelRun(ctx, h.sess, run.ID, "msg-1")

	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "canceled_by_user", run.FailureReason)
	for _, step := range run.ToolExecutionPlan {
		assert.Equal(t, models.StepStatusSkipped, step.Status)
	}
	assert.Empty(t, toolExec.calls, "nothing executes after cancellation")
	assert.False(t, h.sess.Busy())
	requireSingleFinal(t, h.sink.all())
}

// Cancellation only applies to runs parked on confirmation. A run that
// is already executing keeps going; dropping the connection is the way
// to abort it.
func TestCancelRun_ExecutingRunIsRejected(t *testing.T) {
	client := &scriptedLLM{}
	h := newHarness(t, client, newScriptedTools())
	run := &models.Run{ID: "r1", Status: models.RunStatusRunning}
	h.sess.SetActiveRun(run)

	h.coord.CancelRun(context.Background(), h.sess, "r1", "msg-1")

	assert.Equal(t, models.RunStatusRunning, run.Status, "an executing run is left untouched")
	assert.Empty(t, run.FailureReason)
	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Type)
	assert.True(t, events[0].IsFinal)
}

func TestConfirmRun_UnknownRunReportsError(t *testing.T) {
	client := &scriptedLLM{}
	h := newHarness(t, client, newScriptedTools())

	h.coord.ConfirmRun(context.Background(), h.sess, "no-such-run", "msg-1")

	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Type)
	assert.True(t, events[0].IsFinal)
}

// countingMailAdapter counts provider calls so repeat-fetch
// deduplication is observable end to end.
type countingMailAdapter struct {
	mu         sync.Mutex
	fetchCalls int
	entities   []gateway.RawEntity
}

func (a *countingMailAdapter) Warm(context.Context, string) error { return nil }

func (a *countingMailAdapter) FetchFromCache(context.Context, gateway.FetchRequest) ([]gateway.RawEntity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	return a.entities, nil
}

func (a *countingMailAdapter) TriggerSync(context.Context, string, string) error { return nil }

func (a *countingMailAdapter) TriggerAction(context.Context, gateway.ActionRequest) (map[string]any, error) {
	return map[string]any{"status": "sent"}, nil
}

// Wires the real orchestrator behind the coordinator so a repeated
// identical fetch in the same session hits the cache instead of the
// provider.
func TestHandleUserMessage_RepeatedFetchDeduplicates(t *testing.T) {
	fetchCall := llm.ToolCallSpec{ID: "c1", Name: "fetch_emails", Arguments: `{"limit":5}`}
	client := &scriptedLLM{
		streams: []*llm.ChatResponse{toolCallResponse(fetchCall), toolCallResponse(fetchCall)},
		chats: []*llm.ChatResponse{
			{Content: "Here are your emails."},
			{Content: "Same emails as before."},
		},
	}

	store := kv.NewMemoryStore()
	adapter := &countingMailAdapter{entities: []gateway.RawEntity{
		{ID: "m1", Body: "quarterly numbers attached", Metadata: map[string]any{"from": "alice@x.com"}},
	}}
	gw := gateway.NewGateway(store, gateway.Options{
		WarmInterval:  5 * time.Minute,
		WarmTTL:       30 * time.Minute,
		WarmTimeout:   time.Second,
		ActionTimeout: time.Second,
	})
	gw.Register("mail", nil, adapter)

	catalog, err := tools.NewCatalog(conversationDefs())
	require.NoError(t, err)
	resolver := staticConnections{conns: []tools.Connection{{ID: "conn-1", ProviderKey: "mail"}}}

	orch := orchestrator.New(orchestrator.Options{
		Catalog:  catalog,
		Resolver: resolver,
		Gateway:  gw,
		Cache:    cache.NewEntityCache(store, 24*time.Hour, time.Hour, 4096),
		Retry:    config.RetryConfig{BaseDelay: time.Millisecond, Factor: 2, Jitter: 0.1, MaxAttempts: 2},
		Limits:   config.LimitConfig{EmailBodyMaxBytes: 2048, CRMFieldMaxChars: 200},
	})

	h := newHarness(t, client, orch)
	ctx := context.Background()

	h.coord.HandleUserMessage(ctx, h.sess, "msg-1", "show me my emails")
	require.Equal(t, models.RunStatusCompleted, h.sess.ActiveRun().Status)
	h.coord.HandleUserMessage(ctx, h.sess, "msg-2", "show me my emails")
	require.Equal(t, models.RunStatusCompleted, h.sess.ActiveRun().Status)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, 1, adapter.fetchCalls, "second identical fetch is served from the entity cache")
}
