package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/kv"
)

// warmState is the per-(provider, connection) warmup record kept in the
// KV store.
type warmState struct {
	LastWarmedAt time.Time `json:"last_warmed_at"`
}

// Gateway routes provider calls to registered adapters and keeps the
// connection warmup bookkeeping. Provider keys are canonicalized, so
// tenant-variant aliases hit the same adapter and warm record.
type Gateway struct {
	adapters  map[string]Adapter
	canonical map[string]string
	store     kv.Store

	warmInterval  time.Duration
	warmTTL       time.Duration
	warmTimeout   time.Duration
	actionTimeout time.Duration

	now func() time.Time
}

// Options configures a Gateway.
type Options struct {
	// WarmInterval is the window within which a non-forced warm is a no-op.
	WarmInterval time.Duration
	// WarmTTL is how long a warm record survives in the store.
	WarmTTL time.Duration
	// WarmTimeout bounds one warming identity call.
	WarmTimeout time.Duration
	// ActionTimeout bounds one fetch, sync or action call.
	ActionTimeout time.Duration
}

func NewGateway(store kv.Store, opts Options) *Gateway {
	return &Gateway{
		adapters:      make(map[string]Adapter),
		canonical:     make(map[string]string),
		store:         store,
		warmInterval:  opts.WarmInterval,
		warmTTL:       opts.WarmTTL,
		warmTimeout:   opts.WarmTimeout,
		actionTimeout: opts.ActionTimeout,
		now:           time.Now,
	}
}

// Register binds an adapter to a canonical provider key and its aliases.
func (g *Gateway) Register(key string, aliases []string, adapter Adapter) {
	g.adapters[key] = adapter
	g.canonical[key] = key
	for _, alias := range aliases {
		g.canonical[alias] = key
	}
}

func (g *Gateway) adapterFor(providerKey string) (string, Adapter, error) {
	key, ok := g.canonical[providerKey]
	if !ok {
		return "", nil, fmt.Errorf("no adapter registered for provider %q", providerKey)
	}
	return key, g.adapters[key], nil
}

func warmKey(providerKey, connectionID string) string {
	return "warm:" + providerKey + ":" + connectionID
}

// Warm refreshes the provider-side session for a connection. Within the
// warm interval it is a no-op unless force is set. Warming is advisory:
// a failure is logged and reported as false, never returned as an
// error, because the subsequent provider call will surface the real
// problem with better context.
func (g *Gateway) Warm(ctx context.Context, providerKey, connectionID string, force bool) bool {
	key, adapter, err := g.adapterFor(providerKey)
	if err != nil {
		slog.Warn("Warm skipped", "provider", providerKey, "error", err)
		return false
	}

	if !force {
		var state warmState
		ok, err := kv.GetJSON(ctx, g.store, warmKey(key, connectionID), &state)
		if err != nil {
			slog.Warn("Failed to read warm state", "provider", key, "error", err)
		}
		if ok && g.now().Sub(state.LastWarmedAt) < g.warmInterval {
			return true
		}
	}

	warmCtx, cancel := context.WithTimeout(ctx, g.warmTimeout)
	defer cancel()
	if err := adapter.Warm(warmCtx, connectionID); err != nil {
		slog.Warn("Connection warm failed",
			"provider", key, "connection_id", connectionID, "error", err)
		return false
	}

	state := warmState{LastWarmedAt: g.now()}
	if err := kv.SetJSON(ctx, g.store, warmKey(key, connectionID), state, g.warmTTL); err != nil {
		slog.Warn("Failed to record warm state", "provider", key, "error", err)
	}
	return true
}

// FetchFromCache reads entities from the provider's synced cache.
func (g *Gateway) FetchFromCache(ctx context.Context, providerKey string, req FetchRequest) ([]RawEntity, error) {
	_, adapter, err := g.adapterFor(providerKey)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.actionTimeout)
	defer cancel()
	return adapter.FetchFromCache(callCtx, req)
}

// TriggerSync asks the provider to refresh its synced cache.
func (g *Gateway) TriggerSync(ctx context.Context, providerKey, connectionID, model string) error {
	_, adapter, err := g.adapterFor(providerKey)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.actionTimeout)
	defer cancel()
	return adapter.TriggerSync(callCtx, connectionID, model)
}

// TriggerAction executes a mutating provider action.
func (g *Gateway) TriggerAction(ctx context.Context, providerKey string, req ActionRequest) (map[string]any, error) {
	_, adapter, err := g.adapterFor(providerKey)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.actionTimeout)
	defer cancel()
	return adapter.TriggerAction(callCtx, req)
}
