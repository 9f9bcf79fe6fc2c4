package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/kv"
)

type fakeResolver struct {
	conns map[string][]Connection
	calls int
}

func (f *fakeResolver) ActiveConnections(_ context.Context, userID string) ([]Connection, error) {
	f.calls++
	return f.conns[userID], nil
}

func newTestFilter(t *testing.T, resolver *fakeResolver) *UserToolFilter {
	t.Helper()
	catalog, err := NewCatalog(testDefs())
	require.NoError(t, err)
	providers := map[string]config.ProviderConfig{
		"mail":     {Aliases: []string{"mail-eu", "mail-us"}},
		"calendar": {},
	}
	return NewUserToolFilter(catalog, resolver, kv.NewMemoryStore(), providers, time.Minute)
}

func TestUserToolFilter_FiltersByConnection(t *testing.T) {
	resolver := &fakeResolver{conns: map[string][]Connection{
		"u1": {{ID: "c1", ProviderKey: "mail"}},
	}}
	filter := newTestFilter(t, resolver)

	defs, err := filter.GetAvailableToolsForUser(t.Context(), "u1")
	require.NoError(t, err)

	names := toolNames(defs)
	assert.ElementsMatch(t, []string{"fetch_emails", "send_email"}, names)
}

func TestUserToolFilter_AliasVariantMatches(t *testing.T) {
	// Connection uses a tenant-variant key; tools are registered under
	// the canonical key.
	resolver := &fakeResolver{conns: map[string][]Connection{
		"u1": {{ID: "c1", ProviderKey: "mail-eu"}},
	}}
	filter := newTestFilter(t, resolver)

	defs, err := filter.GetAvailableToolsForUser(t.Context(), "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fetch_emails", "send_email"}, toolNames(defs))
}

func TestUserToolFilter_CachesPerUser(t *testing.T) {
	resolver := &fakeResolver{conns: map[string][]Connection{
		"u1": {{ID: "c1", ProviderKey: "mail"}},
	}}
	filter := newTestFilter(t, resolver)
	ctx := t.Context()

	_, err := filter.GetAvailableToolsForUser(ctx, "u1")
	require.NoError(t, err)
	_, err = filter.GetAvailableToolsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.calls, "second lookup must hit the cache")

	filter.InvalidateUser(ctx, "u1")
	_, err = filter.GetAvailableToolsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.calls, "invalidation must force a re-resolve")
}

func TestUserToolFilter_ByCategories(t *testing.T) {
	resolver := &fakeResolver{conns: map[string][]Connection{
		"u1": {{ID: "c1", ProviderKey: "mail"}, {ID: "c2", ProviderKey: "calendar"}},
	}}
	filter := newTestFilter(t, resolver)
	ctx := t.Context()

	defs, err := filter.GetToolsByCategoriesForUser(ctx, "u1", []string{"Calendar"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fetch_meetings"}, toolNames(defs))

	// Empty categories means everything the user can reach.
	defs, err = filter.GetToolsByCategoriesForUser(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Len(t, defs, 3)
}

// Lowercase categories in configuration must still narrow: a detected
// keyword category has to reach the tools whatever case the config
// used.
func TestUserToolFilter_CategoryNarrowingSurvivesConfigCase(t *testing.T) {
	catalog, err := NewCatalog([]config.ToolDefinition{
		{Name: "fetch_emails", Category: "email", ProviderKey: "mail", Source: config.ToolSourceCache, CacheModel: "Email"},
		{Name: "send_email", Category: "email", ProviderKey: "mail", Source: config.ToolSourceAction, ActionName: "send-email"},
		{Name: "fetch_meetings", Category: "calendar", ProviderKey: "calendar", Source: config.ToolSourceCache, CacheModel: "Event"},
	})
	require.NoError(t, err)
	resolver := &fakeResolver{conns: map[string][]Connection{
		"u1": {{ID: "c1", ProviderKey: "mail"}},
	}}
	filter := NewUserToolFilter(catalog, resolver, kv.NewMemoryStore(),
		map[string]config.ProviderConfig{"mail": {}, "calendar": {}}, time.Minute)

	categories := DetectCategories("show me my last 3 emails")
	require.Equal(t, []string{config.CategoryEmail}, categories)

	defs, err := filter.GetToolsByCategoriesForUser(t.Context(), "u1", categories)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fetch_emails", "send_email"}, toolNames(defs))
}

func TestDetectCategories(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"Show me my last 3 emails", []string{"Email"}},
		{"schedule a meeting with Bob", []string{"Calendar"}},
		{"any new leads this week?", []string{"CRM"}},
		{"send the contact a calendar invite", []string{"Email", "CRM", "Calendar"}},
		{"what's the weather", nil},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, DetectCategories(tt.input))
		})
	}
}

func toolNames(defs []config.ToolDefinition) []string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}
