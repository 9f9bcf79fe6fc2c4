// Package llm defines the LLM collaborator contract required by the
// orchestration core and provides an implementation backed by any
// OpenAI-compatible chat completions endpoint.
//
// The core requires exactly two capabilities: a non-streaming chat call
// and a streaming variant yielding deltas whose tool-call fragments
// carry a stable index. Nothing else about the model is assumed.
package llm

import "context"

// Message is one chat message in provider-neutral shape.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	Name       string
	ToolCalls  []ToolCallSpec
}

// ToolCallSpec is a completed tool call attached to an assistant message.
// Arguments is the raw JSON string as produced by the model.
type ToolCallSpec struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec is a function definition supplied to the model. Parameters
// must be a strict JSON-Schema object tree.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatRequest is the input to both Chat and ChatStream.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolSpec
	// ToolChoice is "", "auto" or "none".
	ToolChoice  string
	Temperature float32
	MaxTokens   int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ChatResponse is the complete outcome of a non-streaming call.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCallSpec
	Usage        Usage
	FinishReason string
}

// Chunk is one streaming delta. Concrete types: TextChunk,
// ToolCallDeltaChunk, UsageChunk, DoneChunk, ErrorChunk.
type Chunk interface{ isChunk() }

// TextChunk carries an incremental piece of assistant text.
type TextChunk struct {
	Content string
}

// ToolCallDeltaChunk carries an additive fragment of a streamed tool
// call. Index is stable across fragments of the same call; ID and Name
// arrive once, Arguments accumulates across fragments.
type ToolCallDeltaChunk struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// UsageChunk carries final token usage, when the provider reports it.
type UsageChunk struct {
	Usage Usage
}

// DoneChunk signals normal end of stream.
type DoneChunk struct {
	FinishReason string
}

// ErrorChunk signals a stream failure. The channel closes after it.
type ErrorChunk struct {
	Message string
}

func (TextChunk) isChunk()          {}
func (ToolCallDeltaChunk) isChunk() {}
func (UsageChunk) isChunk()         {}
func (DoneChunk) isChunk()          {}
func (ErrorChunk) isChunk()         {}

// Client is the LLM collaborator contract.
type Client interface {
	// Chat performs a blocking completion call.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream starts a streaming completion. The returned channel is
	// closed when the stream ends; an ErrorChunk is the last element on
	// failure. Cancelling ctx aborts the stream.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan Chunk, error)
}
