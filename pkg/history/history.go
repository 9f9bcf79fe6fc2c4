// Package history is the append-only conversation record. The engine
// writes through the Sink interface and never reads back; a write
// failure is logged by the caller and swallowed, never failing a turn.
package history

import "context"

// Sink records durable conversation events.
type Sink interface {
	RecordUserMessage(ctx context.Context, sessionID, userID, content string) error
	RecordAssistantMessage(ctx context.Context, sessionID, userID, content string) error
	RecordPlanCreation(ctx context.Context, sessionID, userID, title string, actions []string) error
	Close() error
}

// Noop discards everything. Used when the database is disabled.
type Noop struct{}

func (Noop) RecordUserMessage(context.Context, string, string, string) error      { return nil }
func (Noop) RecordAssistantMessage(context.Context, string, string, string) error { return nil }
func (Noop) RecordPlanCreation(context.Context, string, string, string, []string) error {
	return nil
}
func (Noop) Close() error { return nil }
