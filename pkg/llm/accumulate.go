package llm

import (
	"sort"
	"strings"
)

// Accumulator collects streamed chunks into a complete response.
// Tool-call fragments are gathered into a sparse array keyed by the
// delta-provided index; name and arguments concatenate across deltas.
type Accumulator struct {
	text         strings.Builder
	calls        map[int]*partialCall
	usage        Usage
	finishReason string
	errMessage   string
}

type partialCall struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*partialCall)}
}

// Add folds one chunk into the accumulated state.
func (a *Accumulator) Add(chunk Chunk) {
	switch c := chunk.(type) {
	case TextChunk:
		a.text.WriteString(c.Content)
	case ToolCallDeltaChunk:
		pc, ok := a.calls[c.Index]
		if !ok {
			pc = &partialCall{}
			a.calls[c.Index] = pc
		}
		if c.ID != "" {
			pc.id = c.ID
		}
		pc.name.WriteString(c.Name)
		pc.args.WriteString(c.Arguments)
	case UsageChunk:
		a.usage = c.Usage
	case DoneChunk:
		a.finishReason = c.FinishReason
	case ErrorChunk:
		a.errMessage = c.Message
	}
}

// Err returns the stream error message, if any.
func (a *Accumulator) Err() string { return a.errMessage }

// Response assembles the final ChatResponse. Tool calls are emitted in
// index order; arguments are the raw concatenated JSON strings;
// callers parse them and classify failures.
func (a *Accumulator) Response() *ChatResponse {
	indices := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	resp := &ChatResponse{
		Content:      a.text.String(),
		Usage:        a.usage,
		FinishReason: a.finishReason,
	}
	for _, idx := range indices {
		pc := a.calls[idx]
		resp.ToolCalls = append(resp.ToolCalls, ToolCallSpec{
			ID:        pc.id,
			Name:      pc.name.String(),
			Arguments: pc.args.String(),
		})
	}
	return resp
}
