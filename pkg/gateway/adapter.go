// Package gateway is the single seam between the orchestrator and
// external providers. It tracks per-connection warmup state, dispatches
// cache fetches, sync triggers and remote actions to provider adapters,
// and normalizes failures into ProviderError.
package gateway

import "context"

// FetchRequest asks a provider for entities from its synced cache.
type FetchRequest struct {
	ConnectionID string
	// Model is the synced data model to read (Email, Event, Lead, ...).
	Model string
	// Filters are provider-understood narrowing arguments.
	Filters map[string]any
}

// RawEntity is one provider entity before cleaning.
type RawEntity struct {
	ID       string         `json:"id"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ActionRequest dispatches a mutating provider action.
type ActionRequest struct {
	ConnectionID string
	ActionName   string
	Arguments    map[string]any
}

// Adapter is one provider integration. Implementations must be safe
// for concurrent use; every method honors the context deadline.
type Adapter interface {
	// Warm performs a lightweight identity call to refresh the
	// provider-side token/session for a connection.
	Warm(ctx context.Context, connectionID string) error

	// FetchFromCache reads entities from the provider's synced cache.
	FetchFromCache(ctx context.Context, req FetchRequest) ([]RawEntity, error)

	// TriggerSync asks the provider to refresh its synced cache for a
	// data model. Fire-and-forget from the orchestrator's perspective.
	TriggerSync(ctx context.Context, connectionID, model string) error

	// TriggerAction executes a mutating action and returns the
	// provider's response payload.
	TriggerAction(ctx context.Context, req ActionRequest) (map[string]any, error)
}
