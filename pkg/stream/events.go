// Package stream is the session-keyed event multiplexer between the
// orchestration core and client transports. The core emits typed
// events; sinks (WebSocket connections in the default deployment)
// receive them in issue order.
package stream

// EventType enumerates the client-visible event vocabulary.
type EventType string

const (
	// Connection lifecycle.
	EventConnectionAck EventType = "connection_ack"
	EventAuthSuccess   EventType = "auth_success"
	EventSessionInit   EventType = "session_init"
	EventToolsUpdated  EventType = "tools_updated"

	// Conversational text streaming.
	EventTextSegment EventType = "conversational_text_segment"

	// Planning and execution.
	EventPlanGenerated        EventType = "plan_generated"
	EventPlannerStatus        EventType = "planner_status"
	EventToolStatusUpdate     EventType = "tool_status_update"
	EventToolResult           EventType = "tool_result"
	EventConfirmationRequired EventType = "action_confirmation_required"
	EventParameterCollection  EventType = "parameter_collection_required"
	EventRunUpdated           EventType = "run_updated"

	// Turn termination.
	EventError     EventType = "error"
	EventStreamEnd EventType = "stream_end"
)

// StreamType tags a conversational_text_segment with its position in
// the streamed text.
type StreamType string

const (
	StreamStart     StreamType = "START_STREAM"
	StreamStreaming StreamType = "STREAMING"
	StreamEnd       StreamType = "END_STREAM"
)

// Event is one client-stream event. Content carries the type-specific
// payload; MessageID groups segments of one logical message.
type Event struct {
	Type       EventType  `json:"type"`
	Content    any        `json:"content,omitempty"`
	MessageID  string     `json:"messageId,omitempty"`
	IsFinal    bool       `json:"isFinal,omitempty"`
	StreamType StreamType `json:"streamType,omitempty"`
}

// ErrorContent is the payload of an error event.
type ErrorContent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
