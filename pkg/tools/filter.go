package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/kv"
)

// Connection is one live provider connection belonging to a user.
type Connection struct {
	ID          string `json:"id"`
	ProviderKey string `json:"provider_key"`
}

// ConnectionResolver reports a user's live provider connections.
// Implemented by the connections service; faked in tests.
type ConnectionResolver interface {
	ActiveConnections(ctx context.Context, userID string) ([]Connection, error)
}

// UserToolFilter computes the per-user subset of the catalog based on
// live provider connections. Results are cached per user with a short
// TTL and invalidated on connection change.
type UserToolFilter struct {
	catalog   *Catalog
	resolver  ConnectionResolver
	store     kv.Store
	cacheTTL  time.Duration
	canonical map[string]string // alias or canonical key → canonical key
}

// NewUserToolFilter builds the filter. providers supplies the alias
// equivalence groups.
func NewUserToolFilter(
	catalog *Catalog,
	resolver ConnectionResolver,
	store kv.Store,
	providers map[string]config.ProviderConfig,
	cacheTTL time.Duration,
) *UserToolFilter {
	canonical := make(map[string]string)
	for key, p := range providers {
		canonical[key] = key
		for _, alias := range p.Aliases {
			canonical[alias] = key
		}
	}
	return &UserToolFilter{
		catalog:   catalog,
		resolver:  resolver,
		store:     store,
		cacheTTL:  cacheTTL,
		canonical: canonical,
	}
}

// CanonicalProviderKey maps any alias-group variant to its canonical
// key. Unknown keys map to themselves.
func (f *UserToolFilter) CanonicalProviderKey(key string) string {
	if c, ok := f.canonical[key]; ok {
		return c
	}
	return key
}

func userToolsKey(userID string) string { return "usertools:" + userID }

// GetAvailableToolsForUser returns the catalog subset whose provider
// key (canonicalized) matches one of the user's connections. Tools with
// no provider key are always available.
func (f *UserToolFilter) GetAvailableToolsForUser(ctx context.Context, userID string) ([]config.ToolDefinition, error) {
	var cached []string
	if ok, err := kv.GetJSON(ctx, f.store, userToolsKey(userID), &cached); err == nil && ok {
		return f.defsByName(cached), nil
	}

	conns, err := f.resolver.ActiveConnections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve connections for %s: %w", userID, err)
	}

	connected := make(map[string]bool, len(conns))
	for _, conn := range conns {
		connected[f.CanonicalProviderKey(conn.ProviderKey)] = true
	}

	var (
		available []config.ToolDefinition
		names     []string
	)
	for _, def := range f.catalog.GetAll() {
		if def.ProviderKey != "" && !connected[f.CanonicalProviderKey(def.ProviderKey)] {
			continue
		}
		available = append(available, def)
		names = append(names, def.Name)
	}

	// Cache write failures never fail the lookup.
	if err := kv.SetJSON(ctx, f.store, userToolsKey(userID), names, f.cacheTTL); err != nil {
		slog.Warn("Failed to cache user tool list", "user_id", userID, "error", err)
	}
	return available, nil
}

// GetToolsByCategoriesForUser narrows the user's tools by the given
// categories. An empty category list means all categories.
func (f *UserToolFilter) GetToolsByCategoriesForUser(ctx context.Context, userID string, categories []string) ([]config.ToolDefinition, error) {
	available, err := f.GetAvailableToolsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return available, nil
	}

	// Case-insensitive so a casing drift between config and the keyword
	// table can never narrow the list to nothing.
	wanted := make(map[string]bool, len(categories))
	for _, c := range categories {
		wanted[strings.ToLower(c)] = true
	}
	var narrowed []config.ToolDefinition
	for _, def := range available {
		if wanted[strings.ToLower(def.Category)] {
			narrowed = append(narrowed, def)
		}
	}
	return narrowed, nil
}

// InvalidateUser drops the cached tool list after a connection change.
func (f *UserToolFilter) InvalidateUser(ctx context.Context, userID string) {
	if err := f.store.Delete(ctx, userToolsKey(userID)); err != nil {
		slog.Warn("Failed to invalidate user tool cache", "user_id", userID, "error", err)
	}
}

func (f *UserToolFilter) defsByName(names []string) []config.ToolDefinition {
	var defs []config.ToolDefinition
	for _, name := range names {
		if def, ok := f.catalog.GetByName(name); ok {
			defs = append(defs, *def)
		}
	}
	return defs
}

// categoryKeywords maps lowercase input keywords to tool categories.
// The table is intentionally small; when nothing matches, every
// category is considered.
var categoryKeywords = map[string]string{
	"email":    config.CategoryEmail,
	"emails":   config.CategoryEmail,
	"inbox":    config.CategoryEmail,
	"mail":     config.CategoryEmail,
	"send":     config.CategoryEmail,
	"reply":    config.CategoryEmail,
	"draft":    config.CategoryEmail,
	"meeting":  config.CategoryCalendar,
	"meetings": config.CategoryCalendar,
	"calendar": config.CategoryCalendar,
	"schedule": config.CategoryCalendar,
	"event":    config.CategoryCalendar,
	"invite":   config.CategoryCalendar,
	"lead":     config.CategoryCRM,
	"leads":    config.CategoryCRM,
	"deal":     config.CategoryCRM,
	"deals":    config.CategoryCRM,
	"contact":  config.CategoryCRM,
	"contacts": config.CategoryCRM,
	"crm":      config.CategoryCRM,
	"account":  config.CategoryCRM,
}

// DetectCategories extracts tool categories from user input keywords.
// Returns nil when no keyword matches (meaning: consider everything).
func DetectCategories(input string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, word := range strings.Fields(strings.ToLower(input)) {
		word = strings.Trim(word, ".,!?;:'\"()")
		if cat, ok := categoryKeywords[word]; ok && !seen[cat] {
			seen[cat] = true
			out = append(out, cat)
		}
	}
	return out
}
