// Package orchestrator executes single tool calls: lookup, schema
// validation, connection resolution, fetch dedup, gateway dispatch with
// retry, and result normalization. Step sequencing lives in the
// executor package; this package knows nothing about runs.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/cache"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/gateway"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/models"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/tools"
)

// providerFilterKeys are the argument keys forwarded to the provider's
// cache fetch. Everything else is applied in-memory via the filter DSL.
var providerFilterKeys = []string{"limit", "modifiedAfter", "cursor", "query"}

// Orchestrator executes one tool call end to end.
type Orchestrator struct {
	catalog   *tools.Catalog
	resolver  tools.ConnectionResolver
	gateway   *gateway.Gateway
	cache     *cache.EntityCache
	canonical func(string) string
	retry     config.RetryConfig
	limits    config.LimitConfig
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Catalog  *tools.Catalog
	Resolver tools.ConnectionResolver
	Gateway  *gateway.Gateway
	Cache    *cache.EntityCache
	// Canonical maps provider key variants to their canonical key.
	Canonical func(string) string
	Retry     config.RetryConfig
	Limits    config.LimitConfig
}

func New(opts Options) *Orchestrator {
	canonical := opts.Canonical
	if canonical == nil {
		canonical = func(k string) string { return k }
	}
	return &Orchestrator{
		catalog:   opts.Catalog,
		resolver:  opts.Resolver,
		gateway:   opts.Gateway,
		cache:     opts.Cache,
		canonical: canonical,
		retry:     opts.Retry,
		limits:    opts.Limits,
	}
}

// Execute runs one tool call and returns its normalized result. Every
// failure mode maps to a classified error on the result; Execute never
// returns a Go error because step-level failures are data, not control
// flow.
func (o *Orchestrator) Execute(ctx context.Context, call models.ToolCall) *models.ToolResult {
	def, ok := o.catalog.GetByName(call.Name)
	if !ok {
		return failResult(classified(KindConfiguration, "unknown tool "+call.Name, nil))
	}

	if err := o.catalog.Validate(call.Name, call.Arguments); err != nil {
		ce := &ClassifiedError{Kind: KindSchema, Message: err.Error(), Err: err}
		var schemaErr *tools.SchemaError
		if errors.As(err, &schemaErr) && len(schemaErr.Missing) > 0 {
			ce.Details = map[string]any{"missing_fields": schemaErr.Missing}
		}
		return failResult(ce)
	}

	conn, ce := o.resolveConnection(ctx, call.UserID, def.ProviderKey)
	if ce != nil {
		return failResult(ce)
	}

	switch def.Source {
	case config.ToolSourceCache:
		return o.executeFetch(ctx, call, def, conn)
	case config.ToolSourceAction:
		return o.executeAction(ctx, call, def, conn)
	default:
		return failResult(classified(KindConfiguration, "tool "+call.Name+" has no source", nil))
	}
}

func (o *Orchestrator) resolveConnection(ctx context.Context, userID, providerKey string) (tools.Connection, *ClassifiedError) {
	if providerKey == "" {
		return tools.Connection{}, classified(KindConfiguration, "tool has no provider binding", nil)
	}
	conns, err := o.resolver.ActiveConnections(ctx, userID)
	if err != nil {
		return tools.Connection{}, classified(KindInternal, "failed to resolve connections", err)
	}
	want := o.canonical(providerKey)
	for _, conn := range conns {
		if o.canonical(conn.ProviderKey) == want {
			return conn, nil
		}
	}
	return tools.Connection{}, classified(KindAuth, "no active connection for provider "+providerKey, nil)
}

func (o *Orchestrator) executeFetch(ctx context.Context, call models.ToolCall, def *config.ToolDefinition, conn tools.Connection) *models.ToolResult {
	providerKey := o.canonical(def.ProviderKey)
	fingerprint := cache.Fingerprint(call.Name, providerKey, call.Arguments)

	spec, err := ParseFilterSpec(call.Arguments)
	if err != nil {
		return failResult(classified(KindSchema, "invalid filter arguments", err))
	}

	if ids, hit, err := o.cache.CheckFetchDedup(ctx, call.SessionID, fingerprint); err != nil {
		slog.Warn("Dedup check failed, fetching fresh",
			"session_id", call.SessionID, "tool", call.Name, "error", err)
	} else if hit {
		// The fingerprint stores the full fetched id set, so a hit
		// replays the whole filter pipeline and projects exactly like a
		// fresh fetch would.
		entities, err := o.cache.GetEntities(ctx, call.SessionID, ids)
		if err == nil && len(entities) == len(ids) {
			records := make([]map[string]any, len(entities))
			for i, e := range entities {
				records[i] = entityRecord(e.ID, e.CleanBody, e.Metadata)
			}
			if spec != nil {
				records, err = spec.Apply(records)
			}
			if err == nil {
				return successResult(normalizeRecords(def.Category, records, o.limits))
			}
		}
		// Entities expired underneath the fingerprint; fall through.
	}

	o.gateway.Warm(ctx, providerKey, conn.ID, false)

	var raw []gateway.RawEntity
	err = retryTransient(ctx, o.retry, func() error {
		var fetchErr error
		raw, fetchErr = o.gateway.FetchFromCache(ctx, providerKey, gateway.FetchRequest{
			ConnectionID: conn.ID,
			Model:        def.CacheModel,
			Filters:      providerFilters(call.Arguments),
		})
		return fetchErr
	})
	if err != nil {
		return failResult(classifyProviderFailure(err))
	}

	records := make([]map[string]any, len(raw))
	entities := make([]models.CachedEntity, len(raw))
	for i, e := range raw {
		records[i] = entityRecord(e.ID, e.Body, e.Metadata)
		entities[i] = models.CachedEntity{
			ID:        e.ID,
			Type:      def.CacheModel,
			Provider:  providerKey,
			CleanBody: e.Body,
			Metadata:  e.Metadata,
		}
	}

	if spec != nil {
		filtered, err := spec.Apply(records)
		if err != nil {
			return failResult(classified(KindSchema, "invalid filter expression", err))
		}
		records = filtered
	}

	// Cache writes are best-effort; the fetch result stands either way.
	if _, err := o.cache.CacheEntities(ctx, call.SessionID, entities); err != nil {
		slog.Warn("Failed to cache fetched entities",
			"session_id", call.SessionID, "tool", call.Name, "error", err)
	} else {
		// Record every fetched id, not the filtered view, so a dedup
		// hit can re-run the filter pipeline over the same inputs.
		resultIDs := make([]string, len(entities))
		for i, e := range entities {
			resultIDs[i] = e.ID
		}
		if err := o.cache.RecordFetchResult(ctx, call.SessionID, fingerprint, resultIDs); err != nil {
			slog.Warn("Failed to record fetch fingerprint",
				"session_id", call.SessionID, "tool", call.Name, "error", err)
		}
	}

	return successResult(normalizeRecords(def.Category, records, o.limits))
}

func (o *Orchestrator) executeAction(ctx context.Context, call models.ToolCall, def *config.ToolDefinition, conn tools.Connection) *models.ToolResult {
	providerKey := o.canonical(def.ProviderKey)
	o.gateway.Warm(ctx, providerKey, conn.ID, false)

	var payload map[string]any
	err := retryTransient(ctx, o.retry, func() error {
		var actionErr error
		payload, actionErr = o.gateway.TriggerAction(ctx, providerKey, gateway.ActionRequest{
			ConnectionID: conn.ID,
			ActionName:   def.ActionName,
			Arguments:    call.Arguments,
		})
		return actionErr
	})
	if err != nil {
		return failResult(classifyProviderFailure(err))
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return successResult(normalizeRecord(def.Category, payload, o.limits))
}

// entityRecord flattens an entity into the map shape the filter DSL and
// the LLM consume: metadata fields at the top level plus id and body.
func entityRecord(id, body string, metadata map[string]any) map[string]any {
	rec := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		rec[k] = v
	}
	rec["id"] = id
	rec["body"] = body
	return rec
}

func providerFilters(args map[string]any) map[string]any {
	out := make(map[string]any)
	for _, key := range providerFilterKeys {
		if v, ok := args[key]; ok {
			out[key] = v
		}
	}
	return out
}

func successResult(data any) *models.ToolResult {
	return &models.ToolResult{Status: "success", Data: data}
}

func failResult(ce *ClassifiedError) *models.ToolResult {
	return &models.ToolResult{
		Status:       "failed",
		Error:        ce.Message,
		ErrorCode:    ce.Kind,
		ErrorDetails: ce.Details,
	}
}
